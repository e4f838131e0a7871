package codec

import (
	"fmt"
	"math"
)

type encoder struct {
	dict FieldDictionary
}

func (e *encoder) typed(b []byte, c Container) ([]byte, error) {
	if c == nil {
		return appendVarintField(b, typedType, uint64(DataTypeNoData)), nil
	}
	body, err := e.body(nil, c)
	if err != nil {
		return nil, err
	}
	b = appendVarintField(b, typedType, uint64(c.DataType()))
	return appendBytesField(b, typedBody, body), nil
}

func (e *encoder) body(b []byte, c Container) ([]byte, error) {
	switch c := c.(type) {
	case *ElementList:
		return e.elementList(b, c)
	case *FieldList:
		return e.fieldList(b, c)
	case *Map:
		return e.mapBody(b, c)
	case *FilterList:
		return e.filterList(b, c)
	case *Series:
		return e.series(b, c)
	case *Vector:
		return e.vector(b, c)
	case *ErrorData:
		b = appendVarintField(b, errorCode, uint64(c.Code))
		return appendStringField(b, errorText, c.Text), nil
	}
	return nil, fmt.Errorf("unsupported container %T", c)
}

func (e *encoder) elementList(b []byte, l *ElementList) ([]byte, error) {
	for _, entry := range l.Entries {
		eb := appendStringField(nil, elementName, entry.Name)
		eb = appendVarintField(eb, elementType, uint64(entry.Value.Type))
		body, err := e.valueBody(nil, entry.Value)
		if err != nil {
			return nil, fmt.Errorf("element %q: %w", entry.Name, err)
		}
		eb = appendBytesField(eb, elementBody, body)
		b = appendBytesField(b, elementListEntry, eb)
	}
	return b, nil
}

func (e *encoder) fieldList(b []byte, l *FieldList) ([]byte, error) {
	for _, entry := range l.Entries {
		eb := appendSintField(nil, fieldID, int64(entry.FieldID))
		if entry.Value.Type == DataTypeError {
			if entry.Value.Err == nil {
				return nil, fmt.Errorf("field %d: error value without error data", entry.FieldID)
			}
			eb = appendVarintField(eb, fieldErrCode, uint64(entry.Value.Err.Code))
			eb = appendStringField(eb, fieldErrText, entry.Value.Err.Text)
			b = appendBytesField(b, fieldListEntry, eb)
			continue
		}
		if e.dict == nil {
			return nil, ErrNoDictionary
		}
		declared, ok := e.dict.FieldType(entry.FieldID)
		if !ok {
			return nil, fmt.Errorf("field %d not in dictionary", entry.FieldID)
		} else if declared != entry.Value.Type {
			return nil, fmt.Errorf("%w: field %d declared %v, got %v", ErrTypeMismatch, entry.FieldID, declared, entry.Value.Type)
		}
		body, err := e.valueBody(nil, entry.Value)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", entry.FieldID, err)
		}
		eb = appendBytesField(eb, fieldBody, body)
		b = appendBytesField(b, fieldListEntry, eb)
	}
	return b, nil
}

func (e *encoder) checkPayload(declared DataType, payload Container) error {
	if payload == nil || declared == DataTypeUnknown {
		return nil
	} else if t := payload.DataType(); t != declared && t != DataTypeError {
		return fmt.Errorf("%w: container type %v, entry payload %v", ErrTypeMismatch, declared, t)
	}
	return nil
}

func (e *encoder) mapBody(b []byte, m *Map) ([]byte, error) {
	b = appendVarintField(b, mapKeyType, uint64(m.KeyType))
	b = appendVarintField(b, mapContainerType, uint64(m.ContainerType))
	var err error
	if m.Summary != nil {
		var sb []byte
		if sb, err = e.typed(nil, m.Summary); err != nil {
			return nil, fmt.Errorf("map summary: %w", err)
		}
		b = appendBytesField(b, mapSummary, sb)
	}
	if m.TotalCountHint > 0 {
		b = appendVarintField(b, mapTotalCountHint, uint64(m.TotalCountHint))
	}
	for i, entry := range m.Entries {
		if entry.Key.Type != m.KeyType {
			return nil, fmt.Errorf("%w: map entry %d key %v, map key type %v", ErrTypeMismatch, i, entry.Key.Type, m.KeyType)
		} else if entry.Action == MapActionDelete && entry.Payload != nil {
			return nil, fmt.Errorf("map entry %d: delete entries cannot carry a payload", i)
		} else if err = e.checkPayload(m.ContainerType, entry.Payload); err != nil {
			return nil, fmt.Errorf("map entry %d: %w", i, err)
		}
		eb := appendVarintField(nil, entryAction, uint64(entry.Action))
		key, err := e.valueBody(nil, entry.Key)
		if err != nil {
			return nil, fmt.Errorf("map entry %d key: %w", i, err)
		}
		eb = appendBytesField(eb, entryKey, key)
		if len(entry.PermData) > 0 {
			eb = appendBytesField(eb, entryPermData, entry.PermData)
		}
		if entry.Payload != nil {
			pb, err := e.typed(nil, entry.Payload)
			if err != nil {
				return nil, fmt.Errorf("map entry %d: %w", i, err)
			}
			eb = appendBytesField(eb, entryPayload, pb)
		}
		b = appendBytesField(b, mapEntry, eb)
	}
	return b, nil
}

func (e *encoder) filterList(b []byte, l *FilterList) ([]byte, error) {
	b = appendVarintField(b, filterListContainerType, uint64(l.ContainerType))
	if l.TotalCountHint > 0 {
		b = appendVarintField(b, filterListTotalCountHint, uint64(l.TotalCountHint))
	}
	for _, entry := range l.Entries {
		if entry.Action == FilterActionClear && entry.Payload != nil {
			return nil, fmt.Errorf("filter entry %d: clear entries cannot carry a payload", entry.ID)
		}
		eb := appendVarintField(nil, entryID, uint64(entry.ID))
		eb = appendVarintField(eb, entryAction, uint64(entry.Action))
		if len(entry.PermData) > 0 {
			eb = appendBytesField(eb, entryPermData, entry.PermData)
		}
		if entry.Payload != nil {
			pb, err := e.typed(nil, entry.Payload)
			if err != nil {
				return nil, fmt.Errorf("filter entry %d: %w", entry.ID, err)
			}
			eb = appendBytesField(eb, entryPayload, pb)
		}
		b = appendBytesField(b, filterListEntry, eb)
	}
	return b, nil
}

func (e *encoder) series(b []byte, s *Series) ([]byte, error) {
	b = appendVarintField(b, seriesContainerType, uint64(s.ContainerType))
	if s.Summary != nil {
		sb, err := e.typed(nil, s.Summary)
		if err != nil {
			return nil, fmt.Errorf("series summary: %w", err)
		}
		b = appendBytesField(b, seriesSummary, sb)
	}
	if s.TotalCountHint > 0 {
		b = appendVarintField(b, seriesTotalCountHint, uint64(s.TotalCountHint))
	}
	for i, entry := range s.Entries {
		if err := e.checkPayload(s.ContainerType, entry.Payload); err != nil {
			return nil, fmt.Errorf("series entry %d: %w", i, err)
		}
		var eb []byte
		if entry.Payload != nil {
			pb, err := e.typed(nil, entry.Payload)
			if err != nil {
				return nil, fmt.Errorf("series entry %d: %w", i, err)
			}
			eb = appendBytesField(eb, seriesEntryPayload, pb)
		}
		b = appendBytesField(b, seriesEntry, eb)
	}
	return b, nil
}

func (e *encoder) vector(b []byte, v *Vector) ([]byte, error) {
	b = appendVarintField(b, vectorContainerType, uint64(v.ContainerType))
	if v.Summary != nil {
		sb, err := e.typed(nil, v.Summary)
		if err != nil {
			return nil, fmt.Errorf("vector summary: %w", err)
		}
		b = appendBytesField(b, vectorSummary, sb)
	}
	if v.SupportsSorting {
		b = appendVarintField(b, vectorSortable, 1)
	}
	if v.TotalCountHint > 0 {
		b = appendVarintField(b, vectorTotalCountHint, uint64(v.TotalCountHint))
	}
	for _, entry := range v.Entries {
		if (entry.Action == VectorActionDelete || entry.Action == VectorActionClear) && entry.Payload != nil {
			return nil, fmt.Errorf("vector entry %d: %v entries cannot carry a payload", entry.Index, entry.Action)
		}
		eb := appendVarintField(nil, entryID, uint64(entry.Index))
		eb = appendVarintField(eb, entryAction, uint64(entry.Action))
		if len(entry.PermData) > 0 {
			eb = appendBytesField(eb, entryPermData, entry.PermData)
		}
		if entry.Payload != nil {
			pb, err := e.typed(nil, entry.Payload)
			if err != nil {
				return nil, fmt.Errorf("vector entry %d: %w", entry.Index, err)
			}
			eb = appendBytesField(eb, entryPayload, pb)
		}
		b = appendBytesField(b, vectorEntry, eb)
	}
	return b, nil
}

// valueBody writes the value fields without the type, which the enclosing
// entry or dictionary supplies.
func (e *encoder) valueBody(b []byte, v Value) ([]byte, error) {
	if v.Type == DataTypeError {
		if v.Err == nil {
			return nil, fmt.Errorf("error value without error data")
		}
		b = appendVarintField(b, valueErrCode, uint64(v.Err.Code))
		return appendStringField(b, valueErrText, v.Err.Text), nil
	}
	if v.Blank {
		if v.Type.IsContainer() {
			return nil, fmt.Errorf("%v cannot be blank", v.Type)
		}
		return appendVarintField(b, valueBlank, 1), nil
	}
	switch v.Type {
	case DataTypeInt:
		b = appendSintField(b, valueInt, v.Int)
	case DataTypeUInt:
		b = appendVarintField(b, valueUInt, v.UInt)
	case DataTypeEnum:
		if v.UInt > math.MaxUint16 {
			return nil, fmt.Errorf("enum value %d out of range", v.UInt)
		}
		b = appendVarintField(b, valueUInt, v.UInt)
	case DataTypeFloat:
		b = appendFixed32Field(b, valueFloat, math.Float32bits(float32(v.Float)))
	case DataTypeDouble:
		b = appendFixed64Field(b, valueDouble, math.Float64bits(v.Float))
	case DataTypeReal:
		if !v.Real.Hint.Valid() {
			return nil, fmt.Errorf("%w: hint %d", ErrInvalidReal, v.Real.Hint)
		}
		b = appendSintField(b, valueMantissa, v.Real.Mantissa)
		b = appendVarintField(b, valueHint, uint64(v.Real.Hint))
	case DataTypeDate:
		b = e.date(b, v.Date)
	case DataTypeTime:
		b = e.time(b, v.Time)
	case DataTypeDateTime:
		b = e.time(e.date(b, v.Date), v.Time)
	case DataTypeQos:
		b = appendVarintField(b, valueTimeliness, uint64(v.Qos.Timeliness))
		b = appendVarintField(b, valueRate, uint64(v.Qos.Rate))
		b = appendVarintField(b, valueTimeInfo, uint64(v.Qos.TimeInfo))
		b = appendVarintField(b, valueRateInfo, uint64(v.Qos.RateInfo))
	case DataTypeState:
		b = appendVarintField(b, valueStream, uint64(v.State.Stream))
		b = appendVarintField(b, valueData, uint64(v.State.Data))
		b = appendVarintField(b, valueCode, uint64(v.State.Code))
		b = appendStringField(b, valueText, v.State.Text)
	case DataTypeBuffer:
		b = appendBytesField(b, valueBytes, v.Bytes)
	case DataTypeAsciiString, DataTypeUTF8String, DataTypeRMTESString:
		b = appendStringField(b, valueBytes, v.String)
	case DataTypeArray:
		if v.Array == nil {
			return nil, fmt.Errorf("array value without array")
		}
		ab := appendVarintField(nil, arrayType, uint64(v.Array.Type))
		for i, item := range v.Array.Items {
			if item.Type != v.Array.Type {
				return nil, fmt.Errorf("%w: array item %d is %v, array is %v", ErrTypeMismatch, i, item.Type, v.Array.Type)
			}
			ib, err := e.valueBody(nil, item)
			if err != nil {
				return nil, fmt.Errorf("array item %d: %w", i, err)
			}
			ab = appendBytesField(ab, arrayItem, ib)
		}
		b = appendBytesField(b, valueArray, ab)
	default:
		if !v.Type.IsContainer() || v.Type == DataTypeNoData {
			return nil, fmt.Errorf("unsupported value type %v", v.Type)
		} else if v.Container == nil || v.Container.DataType() != v.Type {
			return nil, fmt.Errorf("%w: value type %v without matching container", ErrTypeMismatch, v.Type)
		}
		cb, err := e.body(nil, v.Container)
		if err != nil {
			return nil, err
		}
		b = appendBytesField(b, valueContainer, cb)
	}
	return b, nil
}

func (e *encoder) date(b []byte, d Date) []byte {
	b = appendVarintField(b, valueYear, uint64(d.Year))
	b = appendVarintField(b, valueMonth, uint64(d.Month))
	return appendVarintField(b, valueDay, uint64(d.Day))
}

func (e *encoder) time(b []byte, t Time) []byte {
	b = appendVarintField(b, valueHour, uint64(t.Hour))
	b = appendVarintField(b, valueMinute, uint64(t.Minute))
	b = appendVarintField(b, valueSecond, uint64(t.Second))
	b = appendVarintField(b, valueMillisecond, uint64(t.Millisecond))
	b = appendVarintField(b, valueMicrosecond, uint64(t.Microsecond))
	return appendVarintField(b, valueNanosecond, uint64(t.Nanosecond))
}
