package codec

import (
	"fmt"
	"time"
)

type Date struct {
	Year  uint16
	Month uint8
	Day   uint8
}

type Time struct {
	Hour        uint8
	Minute      uint8
	Second      uint8
	Millisecond uint16
	Microsecond uint16
	Nanosecond  uint16
}

// DateTimeOf splits t (in UTC) into Date and Time.
func DateTimeOf(t time.Time) (Date, Time) {
	t = t.UTC()
	ns := t.Nanosecond()
	return Date{Year: uint16(t.Year()), Month: uint8(t.Month()), Day: uint8(t.Day())},
		Time{
			Hour:        uint8(t.Hour()),
			Minute:      uint8(t.Minute()),
			Second:      uint8(t.Second()),
			Millisecond: uint16(ns / 1e6),
			Microsecond: uint16(ns / 1e3 % 1e3),
			Nanosecond:  uint16(ns % 1e3),
		}
}

type QosTimeliness uint8

const (
	QosTimelinessUnspecified QosTimeliness = 0
	QosTimelinessRealTime    QosTimeliness = 1
	QosTimelinessDelayed     QosTimeliness = 3
)

type QosRate uint8

const (
	QosRateUnspecified  QosRate = 0
	QosRateTickByTick   QosRate = 1
	QosRateJustInTime   QosRate = 2
	QosRateTimeConflate QosRate = 3
)

type Qos struct {
	Timeliness QosTimeliness
	Rate       QosRate
	TimeInfo   uint16
	RateInfo   uint16
}

type StreamState uint8

const (
	StreamStateUnspecified   StreamState = 0
	StreamStateOpen          StreamState = 1
	StreamStateNonStreaming  StreamState = 2
	StreamStateClosedRecover StreamState = 3
	StreamStateClosed        StreamState = 4
	StreamStateRedirected    StreamState = 5
)

func (s StreamState) String() string {
	switch s {
	case StreamStateOpen:
		return "Open"
	case StreamStateNonStreaming:
		return "NonStreaming"
	case StreamStateClosedRecover:
		return "ClosedRecover"
	case StreamStateClosed:
		return "Closed"
	case StreamStateRedirected:
		return "Redirected"
	}
	return "Unspecified"
}

type DataState uint8

const (
	DataStateNoChange DataState = 0
	DataStateOk       DataState = 1
	DataStateSuspect  DataState = 2
)

func (d DataState) String() string {
	switch d {
	case DataStateOk:
		return "Ok"
	case DataStateSuspect:
		return "Suspect"
	}
	return "NoChange"
}

type StateCode uint8

const (
	StateCodeNone             StateCode = 0
	StateCodeNotFound         StateCode = 1
	StateCodeTimeout          StateCode = 2
	StateCodeNotAuthorized    StateCode = 3
	StateCodeInvalidArgument  StateCode = 4
	StateCodeUsageError       StateCode = 5
	StateCodePreempted        StateCode = 6
	StateCodeJustInTimeFilter StateCode = 7
	StateCodeTickByTickResume StateCode = 8
	StateCodeFailoverStarted  StateCode = 9
	StateCodeFailoverComplete StateCode = 10
	StateCodeNoResources      StateCode = 14
	StateCodeUnableToRequest  StateCode = 20
	StateCodeInvalidView      StateCode = 21
	StateCodeAlreadyOpen      StateCode = 23
	StateCodeNonUpdating      StateCode = 24
	StateCodeUnableToReissue  StateCode = 28
	StateCodeGapDetected      StateCode = 29
	StateCodeError            StateCode = 31
)

// State is the stream/data state pair carried on Refresh and Status
// messages, also usable as a primitive.
type State struct {
	Stream StreamState
	Data   DataState
	Code   StateCode
	Text   string
}

func (s State) String() string {
	return fmt.Sprintf("%v/%v/%d %q", s.Stream, s.Data, s.Code, s.Text)
}

// Array is a homogeneous list of primitives. Items have Type set to the array
// type.
type Array struct {
	Type  DataType
	Items []Value
}

// Value is a tagged primitive, a nested container, or an Error pseudo entry.
// Only the fields for Type are used. A Blank value carries only the type.
type Value struct {
	Type  DataType
	Blank bool

	Int    int64
	UInt   uint64
	Float  float64
	Real   Real
	Date   Date
	Time   Time
	Qos    Qos
	State  State
	Bytes  []byte
	String string
	Array  *Array
	// For container types
	Container Container
	// For DataTypeError
	Err *ErrorData
}

func IntValue(v int64) Value     { return Value{Type: DataTypeInt, Int: v} }
func UIntValue(v uint64) Value   { return Value{Type: DataTypeUInt, UInt: v} }
func EnumValue(v uint16) Value   { return Value{Type: DataTypeEnum, UInt: uint64(v)} }
func FloatValue(v float32) Value { return Value{Type: DataTypeFloat, Float: float64(v)} }
func DoubleValue(v float64) Value {
	return Value{Type: DataTypeDouble, Float: v}
}
func RealValue(mantissa int64, hint RealHint) Value {
	return Value{Type: DataTypeReal, Real: Real{Mantissa: mantissa, Hint: hint}}
}
func DateValue(d Date) Value         { return Value{Type: DataTypeDate, Date: d} }
func TimeValue(t Time) Value         { return Value{Type: DataTypeTime, Time: t} }
func DateTimeValue(d Date, t Time) Value {
	return Value{Type: DataTypeDateTime, Date: d, Time: t}
}
func QosValue(q Qos) Value          { return Value{Type: DataTypeQos, Qos: q} }
func StateValue(s State) Value      { return Value{Type: DataTypeState, State: s} }
func BufferValue(b []byte) Value    { return Value{Type: DataTypeBuffer, Bytes: b} }
func ASCIIValue(s string) Value     { return Value{Type: DataTypeAsciiString, String: s} }
func UTF8Value(s string) Value      { return Value{Type: DataTypeUTF8String, String: s} }
func RMTESValue(s string) Value     { return Value{Type: DataTypeRMTESString, String: s} }
func BlankValue(t DataType) Value   { return Value{Type: t, Blank: true} }
func ContainerValue(c Container) Value {
	return Value{Type: c.DataType(), Container: c}
}
func ArrayValue(t DataType, items ...Value) Value {
	return Value{Type: DataTypeArray, Array: &Array{Type: t, Items: items}}
}
func ErrorValue(code ErrorCode, text string) Value {
	return Value{Type: DataTypeError, Err: &ErrorData{Code: code, Text: text}}
}

// IsError is true for Error pseudo entries.
func (v Value) IsError() bool { return v.Type == DataTypeError }

// Text renders string-like values, numeric values in their natural form, and
// "" for blank.
func (v Value) Text() string {
	if v.Blank {
		return ""
	}
	switch v.Type {
	case DataTypeInt:
		return fmt.Sprint(v.Int)
	case DataTypeUInt, DataTypeEnum:
		return fmt.Sprint(v.UInt)
	case DataTypeFloat, DataTypeDouble:
		return fmt.Sprint(v.Float)
	case DataTypeReal:
		return v.Real.String()
	case DataTypeDate:
		return fmt.Sprintf("%04d-%02d-%02d", v.Date.Year, v.Date.Month, v.Date.Day)
	case DataTypeTime:
		return fmt.Sprintf("%02d:%02d:%02d.%03d", v.Time.Hour, v.Time.Minute, v.Time.Second, v.Time.Millisecond)
	case DataTypeDateTime:
		return fmt.Sprintf("%04d-%02d-%02dT%02d:%02d:%02d.%03d", v.Date.Year, v.Date.Month, v.Date.Day,
			v.Time.Hour, v.Time.Minute, v.Time.Second, v.Time.Millisecond)
	case DataTypeState:
		return v.State.String()
	case DataTypeBuffer:
		return string(v.Bytes)
	case DataTypeAsciiString, DataTypeUTF8String, DataTypeRMTESString:
		return v.String
	case DataTypeError:
		return v.Err.Error()
	}
	return fmt.Sprintf("<%v>", v.Type)
}
