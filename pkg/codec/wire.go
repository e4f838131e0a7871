package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the container wire layout. Every container and entry is a
// protobuf-wire message so lengths are always prefixed.
const (
	typedType protowire.Number = 1
	typedBody protowire.Number = 2

	valueBlank       protowire.Number = 1
	valueInt         protowire.Number = 2
	valueUInt        protowire.Number = 3
	valueFloat       protowire.Number = 4
	valueDouble      protowire.Number = 5
	valueMantissa    protowire.Number = 6
	valueHint        protowire.Number = 7
	valueYear        protowire.Number = 8
	valueMonth       protowire.Number = 9
	valueDay         protowire.Number = 10
	valueHour        protowire.Number = 11
	valueMinute      protowire.Number = 12
	valueSecond      protowire.Number = 13
	valueMillisecond protowire.Number = 14
	valueMicrosecond protowire.Number = 15
	valueNanosecond  protowire.Number = 16
	valueTimeliness  protowire.Number = 17
	valueRate        protowire.Number = 18
	valueTimeInfo    protowire.Number = 19
	valueRateInfo    protowire.Number = 20
	valueStream      protowire.Number = 21
	valueData        protowire.Number = 22
	valueCode        protowire.Number = 23
	valueText        protowire.Number = 24
	valueBytes       protowire.Number = 25
	valueArray       protowire.Number = 26
	valueContainer   protowire.Number = 27
	valueErrCode     protowire.Number = 28
	valueErrText     protowire.Number = 29

	arrayType protowire.Number = 1
	arrayItem protowire.Number = 2

	errorCode protowire.Number = 1
	errorText protowire.Number = 2

	elementListEntry protowire.Number = 1
	elementName      protowire.Number = 1
	elementType      protowire.Number = 2
	elementBody      protowire.Number = 3

	fieldListEntry protowire.Number = 1
	fieldID        protowire.Number = 1
	fieldBody      protowire.Number = 2
	fieldErrCode   protowire.Number = 3
	fieldErrText   protowire.Number = 4

	mapKeyType        protowire.Number = 1
	mapContainerType  protowire.Number = 2
	mapSummary        protowire.Number = 3
	mapTotalCountHint protowire.Number = 4
	mapEntry          protowire.Number = 5

	filterListContainerType  protowire.Number = 1
	filterListTotalCountHint protowire.Number = 2
	filterListEntry          protowire.Number = 3

	seriesContainerType  protowire.Number = 1
	seriesSummary        protowire.Number = 2
	seriesTotalCountHint protowire.Number = 3
	seriesEntry          protowire.Number = 4

	vectorContainerType  protowire.Number = 1
	vectorSummary        protowire.Number = 2
	vectorSortable       protowire.Number = 3
	vectorTotalCountHint protowire.Number = 4
	vectorEntry          protowire.Number = 5

	// Shared by map, filter and vector entries
	entryAction   protowire.Number = 1
	entryKey      protowire.Number = 2
	entryPermData protowire.Number = 3
	entryPayload  protowire.Number = 4
	entryID       protowire.Number = 5

	seriesEntryPayload protowire.Number = 1
)

// valueFields lists, per type, the body fields the encoder always writes and
// the decoder requires for a non-blank value.
var valueFields = map[DataType][]protowire.Number{
	DataTypeInt:         {valueInt},
	DataTypeUInt:        {valueUInt},
	DataTypeEnum:        {valueUInt},
	DataTypeFloat:       {valueFloat},
	DataTypeDouble:      {valueDouble},
	DataTypeReal:        {valueMantissa, valueHint},
	DataTypeDate:        {valueYear, valueMonth, valueDay},
	DataTypeTime:        {valueHour, valueMinute, valueSecond, valueMillisecond, valueMicrosecond, valueNanosecond},
	DataTypeDateTime:    {valueYear, valueMonth, valueDay, valueHour, valueMinute, valueSecond, valueMillisecond, valueMicrosecond, valueNanosecond},
	DataTypeQos:         {valueTimeliness, valueRate, valueTimeInfo, valueRateInfo},
	DataTypeState:       {valueStream, valueData, valueCode, valueText},
	DataTypeBuffer:      {valueBytes},
	DataTypeAsciiString: {valueBytes},
	DataTypeUTF8String:  {valueBytes},
	DataTypeRMTESString: {valueBytes},
	DataTypeArray:       {valueArray},
}

func fieldMask(nums []protowire.Number) uint64 {
	var mask uint64
	for _, n := range nums {
		mask |= 1 << uint(n)
	}
	return mask
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSintField(b []byte, num protowire.Number, v int64) []byte {
	return appendVarintField(b, num, protowire.EncodeZigZag(v))
}

func appendFixed32Field(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendFixed64Field(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

type wireField struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	fixed  uint64
	bytes  []byte
}

func (w *wireField) expect(typ protowire.Type) error {
	if w.typ != typ {
		return fmt.Errorf("%w: field %d has wire type %d, expected %d", ErrMalformedContainer, w.num, w.typ, typ)
	}
	return nil
}

func (w *wireField) sint() int64 { return protowire.DecodeZigZag(w.varint) }

// uintN returns the varint if it fits in bits.
func (w *wireField) uintN(bits uint) (uint64, error) {
	if bits < 64 && w.varint>>bits != 0 {
		return 0, fmt.Errorf("%w: field %d value %d exceeds %d bits", ErrMalformedContainer, w.num, w.varint, bits)
	}
	return w.varint, nil
}

func (w *wireField) uint8() (uint8, error) {
	v, err := w.uintN(8)
	return uint8(v), err
}

func (w *wireField) uint32() (uint32, error) {
	v, err := w.uintN(32)
	return uint32(v), err
}

func (w *wireField) dataType() (DataType, error) {
	v, err := w.uint8()
	return DataType(v), err
}

func (w *wireField) int16() (int16, error) {
	v := w.sint()
	if v < math.MinInt16 || v > math.MaxInt16 {
		return 0, fmt.Errorf("%w: field %d value %d exceeds int16", ErrMalformedContainer, w.num, v)
	}
	return int16(v), nil
}

// readFields walks every field in b. Length prefixes are checked here; any
// inconsistency is ErrMalformedContainer.
func readFields(b []byte, fn func(*wireField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedContainer, protowire.ParseError(n))
		}
		b = b[n:]
		f := wireField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.fixed = uint64(v)
		case protowire.Fixed64Type:
			f.fixed, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			return fmt.Errorf("%w: unsupported wire type %d", ErrMalformedContainer, typ)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedContainer, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(&f); err != nil {
			return err
		}
	}
	return nil
}

func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
