package codec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

type decoder struct {
	dict FieldDictionary
}

func (d *decoder) typedParts(b []byte) (typ DataType, body []byte, err error) {
	hasType := false
	err = readFields(b, func(f *wireField) error {
		switch f.num {
		case typedType:
			if err := f.expect(protowire.VarintType); err != nil {
				return err
			}
			var err error
			if typ, err = f.dataType(); err != nil {
				return err
			}
			hasType = true
		case typedBody:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			body = f.bytes
		}
		return nil
	})
	if err == nil && !hasType {
		err = fmt.Errorf("%w: missing type", ErrMalformedContainer)
	}
	return
}

func (d *decoder) typed(b []byte) (Container, error) {
	typ, body, err := d.typedParts(b)
	if err != nil {
		return nil, err
	}
	return d.container(typ, body)
}

// payload decodes an entry payload. Failures become ErrorData so the
// enclosing container keeps its other entries.
func (d *decoder) payload(b []byte) Container {
	c, err := d.typed(b)
	if err != nil {
		return &ErrorData{Code: ErrorCodeIncompleteData, Text: err.Error()}
	}
	return c
}

func (d *decoder) container(typ DataType, body []byte) (Container, error) {
	// Each case returns explicitly so a nil pointer never becomes a non-nil
	// Container
	switch typ {
	case DataTypeNoData:
		return nil, nil
	case DataTypeElementList:
		l, err := d.elementList(body)
		if err != nil {
			return nil, err
		}
		return l, nil
	case DataTypeFieldList:
		l, err := d.fieldList(body)
		if err != nil {
			return nil, err
		}
		return l, nil
	case DataTypeMap:
		m, err := d.mapBody(body)
		if err != nil {
			return nil, err
		}
		return m, nil
	case DataTypeFilterList:
		l, err := d.filterList(body)
		if err != nil {
			return nil, err
		}
		return l, nil
	case DataTypeSeries:
		s, err := d.series(body)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DataTypeVector:
		v, err := d.vector(body)
		if err != nil {
			return nil, err
		}
		return v, nil
	case DataTypeError:
		e, err := d.errorData(body)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %v is not a container type", ErrMalformedContainer, typ)
}

func (d *decoder) errorData(body []byte) (*ErrorData, error) {
	e := &ErrorData{}
	err := readFields(body, func(f *wireField) error {
		switch f.num {
		case errorCode:
			code, err := f.uint8()
			if err != nil {
				return err
			}
			e.Code = ErrorCode(code)
		case errorText:
			e.Text = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (d *decoder) elementList(body []byte) (*ElementList, error) {
	l := &ElementList{}
	err := readFields(body, func(f *wireField) error {
		if f.num != elementListEntry {
			return nil
		} else if err := f.expect(protowire.BytesType); err != nil {
			return err
		}
		l.Entries = append(l.Entries, d.elementEntry(f.bytes))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (d *decoder) elementEntry(b []byte) ElementEntry {
	var entry ElementEntry
	var typ DataType
	var body []byte
	err := readFields(b, func(f *wireField) error {
		switch f.num {
		case elementName:
			entry.Name = string(f.bytes)
		case elementType:
			var err error
			typ, err = f.dataType()
			return err
		case elementBody:
			body = f.bytes
		}
		return nil
	})
	if err != nil {
		entry.Value = ErrorValue(ErrorCodeIncompleteData, err.Error())
		return entry
	}
	if entry.Value, err = d.value(typ, body); err != nil {
		entry.Value = ErrorValue(ErrorCodeTypeMismatch, err.Error())
	}
	return entry
}

func (d *decoder) fieldList(body []byte) (*FieldList, error) {
	l := &FieldList{}
	err := readFields(body, func(f *wireField) error {
		if f.num != fieldListEntry {
			return nil
		} else if err := f.expect(protowire.BytesType); err != nil {
			return err
		}
		l.Entries = append(l.Entries, d.fieldEntry(f.bytes))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (d *decoder) fieldEntry(b []byte) FieldEntry {
	var entry FieldEntry
	var body []byte
	var errData *ErrorData
	err := readFields(b, func(f *wireField) error {
		switch f.num {
		case fieldID:
			var err error
			entry.FieldID, err = f.int16()
			return err
		case fieldBody:
			body = f.bytes
		case fieldErrCode:
			if errData == nil {
				errData = &ErrorData{}
			}
			code, err := f.uint8()
			if err != nil {
				return err
			}
			errData.Code = ErrorCode(code)
		case fieldErrText:
			if errData == nil {
				errData = &ErrorData{}
			}
			errData.Text = string(f.bytes)
		}
		return nil
	})
	switch {
	case err != nil:
		entry.Value = ErrorValue(ErrorCodeIncompleteData, err.Error())
	case errData != nil:
		entry.Value = Value{Type: DataTypeError, Err: errData}
	case d.dict == nil:
		entry.Value = ErrorValue(ErrorCodeNoDictionary, fmt.Sprintf("no dictionary to resolve field %d", entry.FieldID))
	default:
		typ, ok := d.dict.FieldType(entry.FieldID)
		if !ok {
			entry.Value = ErrorValue(ErrorCodeUnknownField, fmt.Sprintf("field %d not in dictionary", entry.FieldID))
		} else if entry.Value, err = d.value(typ, body); err != nil {
			entry.Value = ErrorValue(ErrorCodeTypeMismatch, fmt.Sprintf("field %d: %v", entry.FieldID, err))
		}
	}
	return entry
}

func (d *decoder) mapBody(body []byte) (*Map, error) {
	m := &Map{}
	var entries [][]byte
	err := readFields(body, func(f *wireField) error {
		switch f.num {
		case mapKeyType:
			var err error
			m.KeyType, err = f.dataType()
			return err
		case mapContainerType:
			var err error
			m.ContainerType, err = f.dataType()
			return err
		case mapSummary:
			summary, err := d.typed(f.bytes)
			if err != nil {
				return fmt.Errorf("map summary: %w", err)
			}
			m.Summary = summary
		case mapTotalCountHint:
			var err error
			m.TotalCountHint, err = f.uint32()
			return err
		case mapEntry:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			// Key type may follow entries, so defer
			entries = append(entries, f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, b := range entries {
		m.Entries = append(m.Entries, d.mapEntry(m.KeyType, b))
	}
	return m, nil
}

func (d *decoder) mapEntry(keyType DataType, b []byte) MapEntry {
	var entry MapEntry
	err := readFields(b, func(f *wireField) error {
		switch f.num {
		case entryAction:
			action, err := f.uint8()
			if err != nil {
				return err
			}
			entry.Action = MapAction(action)
		case entryKey:
			key, err := d.value(keyType, f.bytes)
			if err != nil {
				key = ErrorValue(ErrorCodeTypeMismatch, fmt.Sprintf("map key: %v", err))
			}
			entry.Key = key
		case entryPermData:
			entry.PermData = copyBytes(f.bytes)
		case entryPayload:
			entry.Payload = d.payload(f.bytes)
		}
		return nil
	})
	if err != nil {
		entry.Payload = &ErrorData{Code: ErrorCodeIncompleteData, Text: err.Error()}
	}
	return entry
}

func (d *decoder) filterList(body []byte) (*FilterList, error) {
	l := &FilterList{}
	err := readFields(body, func(f *wireField) error {
		switch f.num {
		case filterListContainerType:
			var err error
			l.ContainerType, err = f.dataType()
			return err
		case filterListTotalCountHint:
			var err error
			l.TotalCountHint, err = f.uint32()
			return err
		case filterListEntry:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			l.Entries = append(l.Entries, d.filterEntry(f.bytes))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (d *decoder) filterEntry(b []byte) FilterEntry {
	var entry FilterEntry
	err := readFields(b, func(f *wireField) error {
		switch f.num {
		case entryID:
			var err error
			entry.ID, err = f.uint8()
			return err
		case entryAction:
			action, err := f.uint8()
			if err != nil {
				return err
			}
			entry.Action = FilterAction(action)
		case entryPermData:
			entry.PermData = copyBytes(f.bytes)
		case entryPayload:
			entry.Payload = d.payload(f.bytes)
		}
		return nil
	})
	if err != nil {
		entry.Payload = &ErrorData{Code: ErrorCodeIncompleteData, Text: err.Error()}
	}
	return entry
}

func (d *decoder) series(body []byte) (*Series, error) {
	s := &Series{}
	err := readFields(body, func(f *wireField) error {
		switch f.num {
		case seriesContainerType:
			var err error
			s.ContainerType, err = f.dataType()
			return err
		case seriesSummary:
			summary, err := d.typed(f.bytes)
			if err != nil {
				return fmt.Errorf("series summary: %w", err)
			}
			s.Summary = summary
		case seriesTotalCountHint:
			var err error
			s.TotalCountHint, err = f.uint32()
			return err
		case seriesEntry:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			var entry SeriesEntry
			err := readFields(f.bytes, func(ef *wireField) error {
				if ef.num == seriesEntryPayload {
					entry.Payload = d.payload(ef.bytes)
				}
				return nil
			})
			if err != nil {
				entry.Payload = &ErrorData{Code: ErrorCodeIncompleteData, Text: err.Error()}
			}
			s.Entries = append(s.Entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *decoder) vector(body []byte) (*Vector, error) {
	v := &Vector{}
	err := readFields(body, func(f *wireField) error {
		switch f.num {
		case vectorContainerType:
			var err error
			v.ContainerType, err = f.dataType()
			return err
		case vectorSummary:
			summary, err := d.typed(f.bytes)
			if err != nil {
				return fmt.Errorf("vector summary: %w", err)
			}
			v.Summary = summary
		case vectorSortable:
			v.SupportsSorting = f.varint != 0
		case vectorTotalCountHint:
			var err error
			v.TotalCountHint, err = f.uint32()
			return err
		case vectorEntry:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			var entry VectorEntry
			err := readFields(f.bytes, func(ef *wireField) error {
				switch ef.num {
				case entryID:
					var err error
					entry.Index, err = ef.uint32()
					return err
				case entryAction:
					action, err := ef.uint8()
					if err != nil {
						return err
					}
					entry.Action = VectorAction(action)
				case entryPermData:
					entry.PermData = copyBytes(ef.bytes)
				case entryPayload:
					entry.Payload = d.payload(ef.bytes)
				}
				return nil
			})
			if err != nil {
				entry.Payload = &ErrorData{Code: ErrorCodeIncompleteData, Text: err.Error()}
			}
			v.Entries = append(v.Entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// value decodes body as typ. Every field the encoder writes for typ must be
// present unless the value is blank.
func (d *decoder) value(typ DataType, body []byte) (Value, error) {
	v := Value{Type: typ}
	if typ == DataTypeError {
		v.Err = &ErrorData{}
		err := readFields(body, func(f *wireField) error {
			switch f.num {
			case valueErrCode:
				code, err := f.uint8()
				if err != nil {
					return err
				}
				v.Err.Code = ErrorCode(code)
			case valueErrText:
				v.Err.Text = string(f.bytes)
			}
			return nil
		})
		return v, err
	}
	if typ.IsContainer() && typ != DataTypeNoData {
		var cb []byte
		found := false
		err := readFields(body, func(f *wireField) error {
			if f.num == valueContainer {
				cb, found = f.bytes, true
			}
			return nil
		})
		if err != nil {
			return v, err
		} else if !found {
			return v, fmt.Errorf("missing %v body", typ)
		}
		c, err := d.container(typ, cb)
		if err != nil {
			return v, err
		}
		v.Container = c
		return v, nil
	}
	fields, ok := valueFields[typ]
	if !ok {
		return v, fmt.Errorf("unsupported type %v", typ)
	}
	allowed := fieldMask(fields)
	var seen uint64
	err := readFields(body, func(f *wireField) error {
		if f.num == valueBlank {
			v.Blank = true
			return nil
		} else if allowed&(1<<uint(f.num)) == 0 {
			return fmt.Errorf("unexpected field %d for %v", f.num, typ)
		}
		seen |= 1 << uint(f.num)
		return d.assign(&v, f)
	})
	if err != nil {
		return Value{Type: typ}, err
	} else if v.Blank {
		return Value{Type: typ, Blank: true}, nil
	} else if seen != allowed {
		return Value{Type: typ}, fmt.Errorf("incomplete %v", typ)
	}
	return v, nil
}

// varintBits is the width of the value fields narrower than 64 bits.
var varintBits = map[protowire.Number]uint{
	valueHint:        8,
	valueYear:        16,
	valueMonth:       8,
	valueDay:         8,
	valueHour:        8,
	valueMinute:      8,
	valueSecond:      8,
	valueMillisecond: 16,
	valueMicrosecond: 16,
	valueNanosecond:  16,
	valueTimeliness:  8,
	valueRate:        8,
	valueTimeInfo:    16,
	valueRateInfo:    16,
	valueStream:      8,
	valueData:        8,
	valueCode:        8,
}

func (d *decoder) assign(v *Value, f *wireField) error {
	if bits, ok := varintBits[f.num]; ok {
		if _, err := f.uintN(bits); err != nil {
			return err
		}
	}
	switch f.num {
	case valueInt:
		v.Int = f.sint()
	case valueUInt:
		if v.Type == DataTypeEnum && f.varint > math.MaxUint16 {
			return fmt.Errorf("enum value %d out of range", f.varint)
		}
		v.UInt = f.varint
	case valueFloat:
		if err := f.expect(protowire.Fixed32Type); err != nil {
			return err
		}
		v.Float = float64(math.Float32frombits(uint32(f.fixed)))
	case valueDouble:
		if err := f.expect(protowire.Fixed64Type); err != nil {
			return err
		}
		v.Float = math.Float64frombits(f.fixed)
	case valueMantissa:
		v.Real.Mantissa = f.sint()
	case valueHint:
		v.Real.Hint = RealHint(f.varint)
		if !v.Real.Hint.Valid() {
			return fmt.Errorf("%w: hint %d", ErrInvalidReal, f.varint)
		}
	case valueYear:
		v.Date.Year = uint16(f.varint)
	case valueMonth:
		v.Date.Month = uint8(f.varint)
	case valueDay:
		v.Date.Day = uint8(f.varint)
	case valueHour:
		v.Time.Hour = uint8(f.varint)
	case valueMinute:
		v.Time.Minute = uint8(f.varint)
	case valueSecond:
		v.Time.Second = uint8(f.varint)
	case valueMillisecond:
		v.Time.Millisecond = uint16(f.varint)
	case valueMicrosecond:
		v.Time.Microsecond = uint16(f.varint)
	case valueNanosecond:
		v.Time.Nanosecond = uint16(f.varint)
	case valueTimeliness:
		v.Qos.Timeliness = QosTimeliness(f.varint)
	case valueRate:
		v.Qos.Rate = QosRate(f.varint)
	case valueTimeInfo:
		v.Qos.TimeInfo = uint16(f.varint)
	case valueRateInfo:
		v.Qos.RateInfo = uint16(f.varint)
	case valueStream:
		v.State.Stream = StreamState(f.varint)
	case valueData:
		v.State.Data = DataState(f.varint)
	case valueCode:
		v.State.Code = StateCode(f.varint)
	case valueText:
		v.State.Text = string(f.bytes)
	case valueBytes:
		if err := f.expect(protowire.BytesType); err != nil {
			return err
		}
		if v.Type == DataTypeBuffer {
			v.Bytes = copyBytes(f.bytes)
		} else {
			v.String = string(f.bytes)
		}
	case valueArray:
		arr, err := d.array(f.bytes)
		if err != nil {
			return err
		}
		v.Array = arr
	}
	return nil
}

func (d *decoder) array(b []byte) (*Array, error) {
	arr := &Array{}
	var items [][]byte
	err := readFields(b, func(f *wireField) error {
		switch f.num {
		case arrayType:
			var err error
			arr.Type, err = f.dataType()
			return err
		case arrayItem:
			items = append(items, f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	} else if !arr.Type.IsPrimitive() || arr.Type == DataTypeArray {
		return nil, fmt.Errorf("invalid array type %v", arr.Type)
	}
	for i, ib := range items {
		item, err := d.value(arr.Type, ib)
		if err != nil {
			return nil, fmt.Errorf("array item %d: %w", i, err)
		}
		arr.Items = append(arr.Items, item)
	}
	return arr, nil
}
