package codec

import "fmt"

// Container is any of the container types, or *ErrorData for an entry
// payload that failed to decode. A nil Container is NoData.
type Container interface {
	DataType() DataType
}

type ErrorCode uint8

const (
	ErrorCodeNone ErrorCode = iota
	ErrorCodeIncompleteData
	ErrorCodeUnknownField
	ErrorCodeNoDictionary
	ErrorCodeTypeMismatch
	ErrorCodeUnsupportedType
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorCodeIncompleteData:
		return "IncompleteData"
	case ErrorCodeUnknownField:
		return "UnknownField"
	case ErrorCodeNoDictionary:
		return "NoDictionary"
	case ErrorCodeTypeMismatch:
		return "TypeMismatch"
	case ErrorCodeUnsupportedType:
		return "UnsupportedType"
	}
	return "None"
}

// ErrorData stands in for an entry or payload that could not be decoded.
// Siblings of an ErrorData entry are decoded normally.
type ErrorData struct {
	Code ErrorCode
	Text string
}

func (*ErrorData) DataType() DataType { return DataTypeError }

func (e *ErrorData) Error() string { return fmt.Sprintf("%v: %v", e.Code, e.Text) }

type ElementEntry struct {
	Name  string
	Value Value
}

type ElementList struct {
	Entries []ElementEntry
}

func (*ElementList) DataType() DataType { return DataTypeElementList }

// Get returns the first entry with the name. The bool is false when absent;
// a present entry may still be Blank.
func (e *ElementList) Get(name string) (Value, bool) {
	if e == nil {
		return Value{}, false
	}
	for _, entry := range e.Entries {
		if entry.Name == name {
			return entry.Value, true
		}
	}
	return Value{}, false
}

func (e *ElementList) Add(name string, v Value) *ElementList {
	e.Entries = append(e.Entries, ElementEntry{Name: name, Value: v})
	return e
}

type FieldEntry struct {
	FieldID int16
	Value   Value
}

// FieldList entries are typed by an external FieldDictionary rather than on
// the wire.
type FieldList struct {
	Entries []FieldEntry
}

func (*FieldList) DataType() DataType { return DataTypeFieldList }

func (f *FieldList) Get(fid int16) (Value, bool) {
	if f == nil {
		return Value{}, false
	}
	for _, entry := range f.Entries {
		if entry.FieldID == fid {
			return entry.Value, true
		}
	}
	return Value{}, false
}

func (f *FieldList) Add(fid int16, v Value) *FieldList {
	f.Entries = append(f.Entries, FieldEntry{FieldID: fid, Value: v})
	return f
}

// Set replaces an existing entry or appends.
func (f *FieldList) Set(fid int16, v Value) {
	for i := range f.Entries {
		if f.Entries[i].FieldID == fid {
			f.Entries[i].Value = v
			return
		}
	}
	f.Add(fid, v)
}

type MapAction uint8

const (
	MapActionUpdate MapAction = 1
	MapActionAdd    MapAction = 2
	MapActionDelete MapAction = 3
)

func (m MapAction) String() string {
	switch m {
	case MapActionUpdate:
		return "Update"
	case MapActionAdd:
		return "Add"
	case MapActionDelete:
		return "Delete"
	}
	return fmt.Sprintf("MapAction(%d)", uint8(m))
}

type MapEntry struct {
	Action   MapAction
	Key      Value
	PermData []byte
	// Always nil for MapActionDelete
	Payload Container
}

type Map struct {
	KeyType       DataType
	ContainerType DataType
	Summary       Container
	// Zero when not known
	TotalCountHint uint32
	Entries        []MapEntry
}

func (*Map) DataType() DataType { return DataTypeMap }

type FilterAction uint8

const (
	FilterActionUpdate FilterAction = 1
	FilterActionSet    FilterAction = 2
	FilterActionClear  FilterAction = 3
)

func (f FilterAction) String() string {
	switch f {
	case FilterActionUpdate:
		return "Update"
	case FilterActionSet:
		return "Set"
	case FilterActionClear:
		return "Clear"
	}
	return fmt.Sprintf("FilterAction(%d)", uint8(f))
}

type FilterEntry struct {
	ID       uint8
	Action   FilterAction
	PermData []byte
	// Always nil for FilterActionClear
	Payload Container
}

type FilterList struct {
	ContainerType  DataType
	TotalCountHint uint32
	Entries        []FilterEntry
}

func (*FilterList) DataType() DataType { return DataTypeFilterList }

// Entry returns the first entry with the filter id or nil.
func (f *FilterList) Entry(id uint8) *FilterEntry {
	if f == nil {
		return nil
	}
	for i := range f.Entries {
		if f.Entries[i].ID == id {
			return &f.Entries[i]
		}
	}
	return nil
}

type SeriesEntry struct {
	Payload Container
}

type Series struct {
	ContainerType  DataType
	Summary        Container
	TotalCountHint uint32
	Entries        []SeriesEntry
}

func (*Series) DataType() DataType { return DataTypeSeries }

type VectorAction uint8

const (
	VectorActionUpdate VectorAction = 1
	VectorActionSet    VectorAction = 2
	VectorActionClear  VectorAction = 3
	VectorActionInsert VectorAction = 4
	VectorActionDelete VectorAction = 5
)

type VectorEntry struct {
	Index    uint32
	Action   VectorAction
	PermData []byte
	Payload  Container
}

type Vector struct {
	ContainerType   DataType
	Summary         Container
	SupportsSorting bool
	TotalCountHint  uint32
	Entries         []VectorEntry
}

func (*Vector) DataType() DataType { return DataTypeVector }
