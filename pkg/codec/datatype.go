package codec

import "fmt"

// DataType identifies a primitive or container type. Numbers follow the RWF
// assignments.
type DataType uint8

const (
	DataTypeUnknown     DataType = 0
	DataTypeInt         DataType = 3
	DataTypeUInt        DataType = 4
	DataTypeFloat       DataType = 5
	DataTypeDouble      DataType = 6
	DataTypeReal        DataType = 8
	DataTypeDate        DataType = 9
	DataTypeTime        DataType = 10
	DataTypeDateTime    DataType = 11
	DataTypeQos         DataType = 12
	DataTypeState       DataType = 13
	DataTypeEnum        DataType = 14
	DataTypeArray       DataType = 15
	DataTypeBuffer      DataType = 16
	DataTypeAsciiString DataType = 17
	DataTypeUTF8String  DataType = 18
	DataTypeRMTESString DataType = 19

	DataTypeNoData      DataType = 128
	DataTypeFieldList   DataType = 132
	DataTypeElementList DataType = 133
	DataTypeFilterList  DataType = 135
	DataTypeVector      DataType = 136
	DataTypeMap         DataType = 137
	DataTypeSeries      DataType = 138

	// Pseudo type for entries that failed to decode.
	DataTypeError DataType = 255
)

var dataTypeNames = map[DataType]string{
	DataTypeUnknown:     "Unknown",
	DataTypeInt:         "Int",
	DataTypeUInt:        "UInt",
	DataTypeFloat:       "Float",
	DataTypeDouble:      "Double",
	DataTypeReal:        "Real",
	DataTypeDate:        "Date",
	DataTypeTime:        "Time",
	DataTypeDateTime:    "DateTime",
	DataTypeQos:         "Qos",
	DataTypeState:       "State",
	DataTypeEnum:        "Enum",
	DataTypeArray:       "Array",
	DataTypeBuffer:      "Buffer",
	DataTypeAsciiString: "AsciiString",
	DataTypeUTF8String:  "UTF8String",
	DataTypeRMTESString: "RMTESString",
	DataTypeNoData:      "NoData",
	DataTypeFieldList:   "FieldList",
	DataTypeElementList: "ElementList",
	DataTypeFilterList:  "FilterList",
	DataTypeVector:      "Vector",
	DataTypeMap:         "Map",
	DataTypeSeries:      "Series",
	DataTypeError:       "Error",
}

func (d DataType) String() string {
	if s, ok := dataTypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", uint8(d))
}

// IsContainer is true for NoData and the container types.
func (d DataType) IsContainer() bool {
	switch d {
	case DataTypeNoData, DataTypeFieldList, DataTypeElementList, DataTypeFilterList,
		DataTypeVector, DataTypeMap, DataTypeSeries:
		return true
	}
	return false
}

// IsPrimitive is true for the known primitive types, Array included.
func (d DataType) IsPrimitive() bool {
	return d >= DataTypeInt && d <= DataTypeRMTESString && d != 7
}

// ParseDataType resolves the RWF type names used in dictionary files, e.g.
// "REAL64" or "ASCII_STRING".
func ParseDataType(s string) (DataType, error) {
	switch s {
	case "INT", "INT32", "INT64":
		return DataTypeInt, nil
	case "UINT", "UINT32", "UINT64":
		return DataTypeUInt, nil
	case "FLOAT":
		return DataTypeFloat, nil
	case "DOUBLE":
		return DataTypeDouble, nil
	case "REAL", "REAL32", "REAL64":
		return DataTypeReal, nil
	case "DATE":
		return DataTypeDate, nil
	case "TIME":
		return DataTypeTime, nil
	case "DATETIME":
		return DataTypeDateTime, nil
	case "QOS":
		return DataTypeQos, nil
	case "STATE":
		return DataTypeState, nil
	case "ENUM":
		return DataTypeEnum, nil
	case "ARRAY":
		return DataTypeArray, nil
	case "BUFFER":
		return DataTypeBuffer, nil
	case "ASCII_STRING":
		return DataTypeAsciiString, nil
	case "UTF8_STRING":
		return DataTypeUTF8String, nil
	case "RMTES_STRING":
		return DataTypeRMTESString, nil
	case "FIELD_LIST":
		return DataTypeFieldList, nil
	case "ELEMENT_LIST":
		return DataTypeElementList, nil
	case "FILTER_LIST":
		return DataTypeFilterList, nil
	case "VECTOR":
		return DataTypeVector, nil
	case "MAP":
		return DataTypeMap, nil
	case "SERIES":
		return DataTypeSeries, nil
	}
	return DataTypeUnknown, fmt.Errorf("unrecognized RWF type %q", s)
}
