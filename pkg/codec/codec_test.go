package codec

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type testDict map[int16]DataType

func (t testDict) FieldType(fid int16) (DataType, bool) {
	typ, ok := t[fid]
	return typ, ok
}

var dict = testDict{
	3:  DataTypeRMTESString,
	6:  DataTypeReal,
	22: DataTypeReal,
	25: DataTypeReal,
	32: DataTypeUInt,
	54: DataTypeEnum,
	16: DataTypeDate,
	18: DataTypeTime,
}

func priceFields() *FieldList {
	return new(FieldList).
		Add(3, RMTESValue("IBM")).
		Add(22, RealValue(12345, RealExponentNeg2)).
		Add(25, BlankValue(DataTypeReal)).
		Add(32, UIntValue(1500)).
		Add(54, EnumValue(3)).
		Add(16, DateValue(Date{Year: 2024, Month: 3, Day: 15})).
		Add(18, TimeValue(Time{Hour: 9, Minute: 30, Second: 1, Millisecond: 250})).
		Add(6, ErrorValue(ErrorCodeUnknownField, "synthetic"))
}

func roundTrip(t *testing.T, c Container) Container {
	codec := Codec{Dictionary: dict}
	b, err := codec.Encode(c)
	require.NoError(t, err)
	out, err := codec.Decode(b, c.DataType())
	require.NoError(t, err)
	return out
}

func TestRoundTripElementList(t *testing.T) {
	l := new(ElementList).
		Add("ApplicationId", ASCIIValue("256")).
		Add("Position", BlankValue(DataTypeAsciiString)).
		Add("SingleOpen", UIntValue(1)).
		Add("Delta", IntValue(-42)).
		Add("Ratio", FloatValue(1.5)).
		Add("Precise", DoubleValue(3.14159)).
		Add("Raw", BufferValue([]byte{0x01, 0x02})).
		Add("Name", UTF8Value("ünïcode")).
		Add("Stamp", DateTimeValue(Date{Year: 2023, Month: 12, Day: 31}, Time{Hour: 23, Minute: 59, Second: 59, Millisecond: 999, Microsecond: 1, Nanosecond: 2})).
		Add("QoS", QosValue(Qos{Timeliness: QosTimelinessRealTime, Rate: QosRateTickByTick})).
		Add("Status", StateValue(State{Stream: StreamStateOpen, Data: DataStateOk, Text: "ok"})).
		Add("Capabilities", ArrayValue(DataTypeUInt, UIntValue(6), UIntValue(7), BlankValue(DataTypeUInt))).
		Add("Nested", ContainerValue(priceFields())).
		Add("Bad", ErrorValue(ErrorCodeTypeMismatch, "bad entry"))
	require.Equal(t, l, roundTrip(t, l))
}

func TestRoundTripFieldList(t *testing.T) {
	l := priceFields()
	require.Equal(t, l, roundTrip(t, l))
}

func TestRoundTripMap(t *testing.T) {
	m := &Map{
		KeyType:        DataTypeBuffer,
		ContainerType:  DataTypeFieldList,
		Summary:        new(FieldList).Add(32, UIntValue(10)),
		TotalCountHint: 3,
		Entries: []MapEntry{
			{Action: MapActionAdd, Key: BufferValue([]byte("100.5B")), PermData: []byte{0x03}, Payload: priceFields()},
			{Action: MapActionUpdate, Key: BufferValue([]byte("100.6B")), Payload: new(FieldList).Add(22, RealValue(1006, RealFraction32))},
			{Action: MapActionDelete, Key: BufferValue([]byte("100.4B"))},
			{Action: MapActionAdd, Key: BufferValue([]byte("100.7B")), Payload: &ErrorData{Code: ErrorCodeIncompleteData, Text: "lost"}},
		},
	}
	require.Equal(t, m, roundTrip(t, m))
}

func TestRoundTripFilterListSeriesVector(t *testing.T) {
	fl := &FilterList{
		ContainerType: DataTypeElementList,
		Entries: []FilterEntry{
			{ID: 1, Action: FilterActionSet, Payload: new(ElementList).Add("Name", ASCIIValue("DIRECT_FEED"))},
			{ID: 2, Action: FilterActionUpdate, PermData: []byte{0x09}, Payload: new(ElementList).Add("ServiceState", UIntValue(1))},
			{ID: 4, Action: FilterActionClear},
		},
	}
	require.Equal(t, fl, roundTrip(t, fl))

	s := &Series{
		ContainerType:  DataTypeElementList,
		Summary:        new(ElementList).Add("Version", ASCIIValue("4.20")),
		TotalCountHint: 2,
		Entries: []SeriesEntry{
			{Payload: new(ElementList).Add("NAME", ASCIIValue("BID"))},
			{Payload: new(ElementList).Add("NAME", ASCIIValue("ASK"))},
			{},
		},
	}
	require.Equal(t, s, roundTrip(t, s))

	v := &Vector{
		ContainerType:   DataTypeFieldList,
		SupportsSorting: true,
		Entries: []VectorEntry{
			{Index: 0, Action: VectorActionSet, Payload: new(FieldList).Add(32, UIntValue(5))},
			{Index: 3, Action: VectorActionDelete},
		},
	}
	require.Equal(t, v, roundTrip(t, v))
}

func TestRoundTripValue(t *testing.T) {
	codec := Codec{}
	for _, v := range []Value{
		RealValue(-7, RealExponent3),
		BlankValue(DataTypeReal),
		EnumValue(65535),
		ErrorValue(ErrorCodeNoDictionary, "x"),
	} {
		b, err := codec.EncodeValue(v)
		require.NoError(t, err)
		out, err := codec.DecodeValue(b)
		require.NoError(t, err)
		require.Equal(t, v, out)
	}
}

func TestBlankIsDistinctFromZero(t *testing.T) {
	l := new(FieldList).Add(22, RealValue(0, RealExponent0)).Add(25, BlankValue(DataTypeReal))
	out := roundTrip(t, l).(*FieldList)
	bid, ok := out.Get(22)
	require.True(t, ok)
	require.False(t, bid.Blank)
	ask, ok := out.Get(25)
	require.True(t, ok)
	require.True(t, ask.Blank)
	_, ok = out.Get(6)
	require.False(t, ok)
}

func TestPartialDecodeKeepsSiblings(t *testing.T) {
	// Encode with a dictionary that knows field 999 and decode with one that
	// does not
	wide := testDict{22: DataTypeReal, 999: DataTypeInt, 32: DataTypeUInt}
	l := new(FieldList).Add(22, RealValue(1, RealExponent0)).Add(999, IntValue(5)).Add(32, UIntValue(9))
	b, err := Codec{Dictionary: wide}.Encode(l)
	require.NoError(t, err)
	out, err := Codec{Dictionary: dict}.Decode(b, DataTypeFieldList)
	require.NoError(t, err)
	fl := out.(*FieldList)
	require.Len(t, fl.Entries, 3)
	require.Equal(t, RealValue(1, RealExponent0), fl.Entries[0].Value)
	require.True(t, fl.Entries[1].Value.IsError())
	require.Equal(t, ErrorCodeUnknownField, fl.Entries[1].Value.Err.Code)
	require.Equal(t, UIntValue(9), fl.Entries[2].Value)

	// A field whose payload does not match the declared type
	mismatch := testDict{22: DataTypeInt, 32: DataTypeUInt}
	out, err = Codec{Dictionary: mismatch}.Decode(b, DataTypeFieldList)
	require.NoError(t, err)
	fl = out.(*FieldList)
	require.Equal(t, ErrorCodeTypeMismatch, fl.Entries[0].Value.Err.Code)
	require.Equal(t, UIntValue(9), fl.Entries[2].Value)

	// No dictionary at all
	out, err = Codec{}.Decode(b, DataTypeFieldList)
	require.NoError(t, err)
	for _, entry := range out.(*FieldList).Entries {
		require.Equal(t, ErrorCodeNoDictionary, entry.Value.Err.Code)
	}
}

func TestPartialDecodeCorruptNestedPayload(t *testing.T) {
	good, err := Codec{Dictionary: dict}.Encode(new(FieldList).Add(32, UIntValue(1)))
	require.NoError(t, err)
	// Entry body with a length prefix that overruns
	bad := appendVarintField(nil, typedType, uint64(DataTypeFieldList))
	bad = append(bad, byte(typedBody<<3|2), 0x7f, 0x01)
	var body []byte
	for i, payload := range [][]byte{good, bad, good} {
		eb := appendVarintField(nil, entryAction, uint64(MapActionAdd))
		eb = appendBytesField(eb, entryKey, appendSintField(nil, valueInt, int64(i)))
		eb = appendBytesField(eb, entryPayload, payload)
		body = appendBytesField(body, mapEntry, eb)
	}
	body = appendVarintField(body, mapKeyType, uint64(DataTypeInt))
	b := appendVarintField(nil, typedType, uint64(DataTypeMap))
	b = appendBytesField(b, typedBody, body)

	out, err := Codec{Dictionary: dict}.Decode(b, DataTypeMap)
	require.NoError(t, err)
	m := out.(*Map)
	require.Len(t, m.Entries, 3)
	require.Equal(t, IntValue(1), m.Entries[1].Key)
	require.Equal(t, DataTypeError, m.Entries[1].Payload.DataType())
	require.Equal(t, new(FieldList).Add(32, UIntValue(1)), m.Entries[0].Payload)
	require.Equal(t, new(FieldList).Add(32, UIntValue(1)), m.Entries[2].Payload)
}

func TestMalformedTopLevel(t *testing.T) {
	codec := Codec{Dictionary: dict}
	b, err := codec.Encode(priceFields())
	require.NoError(t, err)
	_, err = codec.Decode(b[:len(b)-3], DataTypeFieldList)
	require.ErrorIs(t, err, ErrMalformedContainer)
	_, err = codec.Decode(b, DataTypeMap)
	require.ErrorIs(t, err, ErrMalformedContainer)
	_, err = codec.Decode([]byte{0xff}, DataTypeMap)
	require.ErrorIs(t, err, ErrMalformedContainer)
}

func TestOutOfRangeWireValues(t *testing.T) {
	codec := Codec{Dictionary: dict}
	good, err := codec.Encode(new(FieldList).Add(32, UIntValue(1)))
	require.NoError(t, err)
	_, body, err := (&decoder{}).typedParts(good)
	require.NoError(t, err)

	// A type tag that only matches FieldList once truncated
	b := appendVarintField(nil, typedType, 0x100|uint64(DataTypeFieldList))
	b = appendBytesField(b, typedBody, body)
	_, err = codec.Decode(b, DataTypeUnknown)
	require.ErrorIs(t, err, ErrMalformedContainer)

	// Map count hint past 32 bits
	mb := appendVarintField(nil, mapKeyType, uint64(DataTypeInt))
	mb = appendVarintField(mb, mapTotalCountHint, 1<<32)
	b = appendVarintField(nil, typedType, uint64(DataTypeMap))
	b = appendBytesField(b, typedBody, mb)
	_, err = codec.Decode(b, DataTypeMap)
	require.ErrorIs(t, err, ErrMalformedContainer)

	// A field id past int16 fails only its own entry
	bad := appendSintField(nil, fieldID, 32+1<<16)
	bad = appendBytesField(bad, fieldBody, appendVarintField(nil, valueUInt, 1))
	next := appendSintField(nil, fieldID, 32)
	next = appendBytesField(next, fieldBody, appendVarintField(nil, valueUInt, 2))
	body = appendBytesField(body, fieldListEntry, bad)
	body = appendBytesField(body, fieldListEntry, next)
	b = appendVarintField(nil, typedType, uint64(DataTypeFieldList))
	b = appendBytesField(b, typedBody, body)
	out, err := codec.Decode(b, DataTypeFieldList)
	require.NoError(t, err)
	fl := out.(*FieldList)
	require.Len(t, fl.Entries, 3)
	require.Equal(t, UIntValue(1), fl.Entries[0].Value)
	require.Equal(t, ErrorCodeIncompleteData, fl.Entries[1].Value.Err.Code)
	require.Equal(t, UIntValue(2), fl.Entries[2].Value)

	// A month past 8 bits
	vb := appendVarintField(nil, valueYear, 2024)
	vb = appendVarintField(vb, valueMonth, 0x100|3)
	vb = appendVarintField(vb, valueDay, 15)
	b = appendVarintField(nil, typedType, uint64(DataTypeDate))
	b = appendBytesField(b, typedBody, vb)
	_, err = codec.DecodeValue(b)
	require.ErrorIs(t, err, ErrMalformedContainer)
}

func TestEncodeRejects(t *testing.T) {
	codec := Codec{Dictionary: dict}
	// Type not matching the dictionary
	_, err := codec.Encode(new(FieldList).Add(22, IntValue(1)))
	require.ErrorIs(t, err, ErrTypeMismatch)
	// Invalid magnitude
	_, err = codec.Encode(new(FieldList).Add(22, RealValue(1, RealHint(31))))
	require.ErrorIs(t, err, ErrInvalidReal)
	// Unknown field
	_, err = codec.Encode(new(FieldList).Add(1234, IntValue(1)))
	require.Error(t, err)
	// No dictionary
	_, err = Codec{}.Encode(new(FieldList).Add(22, RealValue(1, RealExponent0)))
	require.ErrorIs(t, err, ErrNoDictionary)
	// Delete carrying a payload
	_, err = codec.Encode(&Map{KeyType: DataTypeUInt, Entries: []MapEntry{
		{Action: MapActionDelete, Key: UIntValue(1), Payload: new(ElementList)},
	}})
	require.Error(t, err)
	// Key type mismatch
	_, err = codec.Encode(&Map{KeyType: DataTypeUInt, Entries: []MapEntry{
		{Action: MapActionAdd, Key: ASCIIValue("1")},
	}})
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestRealConversions(t *testing.T) {
	r := Real{Mantissa: 12345, Hint: RealExponentNeg2}
	d, err := r.Decimal()
	require.NoError(t, err)
	require.Equal(t, "123.45", d.String())
	require.InDelta(t, 123.45, r.Float64(), 1e-9)

	frac := Real{Mantissa: 3, Hint: RealFraction32}
	d, err = frac.Decimal()
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.RequireFromString("0.09375")))
	require.Equal(t, "1/32", frac.Hint.String())

	_, err = Real{Hint: RealNaN}.Decimal()
	require.ErrorIs(t, err, ErrInvalidReal)

	back, err := RealFromDecimal(decimal.RequireFromString("123.450"))
	require.NoError(t, err)
	require.Equal(t, Real{Mantissa: 12345, Hint: RealExponentNeg2}, back)
	back, err = RealFromDecimal(decimal.RequireFromString("5000"))
	require.NoError(t, err)
	require.Equal(t, Real{Mantissa: 5, Hint: RealExponent3}, back)
	_, err = RealFromDecimal(decimal.RequireFromString("0.000000000000001"))
	require.ErrorIs(t, err, ErrInvalidReal)
}
