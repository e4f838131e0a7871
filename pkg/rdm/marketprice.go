package rdm

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/dictionary"
	"github.com/shopspring/decimal"
)

// FieldsByAcronym builds a FieldList ordered by field id, converting each
// value to the type the dictionary declares. Supported values are nil (blank),
// decimal.Decimal, string, int, int64, uint64, float64 and time.Time.
func FieldsByAcronym(d *dictionary.Dictionary, values map[string]interface{}) (*codec.FieldList, error) {
	l := new(codec.FieldList)
	for acronym, v := range values {
		f, ok := d.FieldByAcronym(acronym)
		if !ok {
			return nil, fmt.Errorf("unknown field %v", acronym)
		}
		val, err := FieldValue(f.Type, v)
		if err != nil {
			return nil, fmt.Errorf("field %v: %w", acronym, err)
		}
		l.Add(f.ID, val)
	}
	sort.Slice(l.Entries, func(i, j int) bool { return l.Entries[i].FieldID < l.Entries[j].FieldID })
	return l, nil
}

// FieldValue converts a Go value to a primitive of typ.
func FieldValue(typ codec.DataType, v interface{}) (codec.Value, error) {
	if v == nil {
		return codec.BlankValue(typ), nil
	}
	switch typ {
	case codec.DataTypeReal:
		var d decimal.Decimal
		switch v := v.(type) {
		case decimal.Decimal:
			d = v
		case string:
			var err error
			if d, err = decimal.NewFromString(v); err != nil {
				return codec.Value{}, err
			}
		case int:
			d = decimal.NewFromInt(int64(v))
		case int64:
			d = decimal.NewFromInt(v)
		case float64:
			d = decimal.NewFromFloat(v)
		default:
			return codec.Value{}, fmt.Errorf("cannot use %T as real", v)
		}
		r, err := codec.RealFromDecimal(d)
		if err != nil {
			return codec.Value{}, err
		}
		return codec.RealValue(r.Mantissa, r.Hint), nil
	case codec.DataTypeUInt, codec.DataTypeEnum:
		var u uint64
		switch v := v.(type) {
		case int:
			u = uint64(v)
		case int64:
			u = uint64(v)
		case uint64:
			u = v
		default:
			return codec.Value{}, fmt.Errorf("cannot use %T as %v", v, typ)
		}
		if typ == codec.DataTypeEnum {
			if u > 0xffff {
				return codec.Value{}, fmt.Errorf("enum %d out of range", u)
			}
			return codec.EnumValue(uint16(u)), nil
		}
		return codec.UIntValue(u), nil
	case codec.DataTypeInt:
		switch v := v.(type) {
		case int:
			return codec.IntValue(int64(v)), nil
		case int64:
			return codec.IntValue(v), nil
		}
	case codec.DataTypeDouble:
		if f, ok := v.(float64); ok {
			return codec.DoubleValue(f), nil
		}
	case codec.DataTypeAsciiString, codec.DataTypeUTF8String, codec.DataTypeRMTESString:
		if s, ok := v.(string); ok {
			return codec.Value{Type: typ, String: s}, nil
		}
	case codec.DataTypeDate, codec.DataTypeTime, codec.DataTypeDateTime:
		if t, ok := v.(time.Time); ok {
			date, tm := codec.DateTimeOf(t)
			switch typ {
			case codec.DataTypeDate:
				return codec.DateValue(date), nil
			case codec.DataTypeTime:
				return codec.TimeValue(tm), nil
			}
			return codec.DateTimeValue(date, tm), nil
		}
	}
	return codec.Value{}, fmt.Errorf("cannot use %T as %v", v, typ)
}

// ApplyFields merges update into image: existing fields are replaced and new
// ones appended. Error entries in update are skipped.
func ApplyFields(image, update *codec.FieldList) {
	if update == nil {
		return
	}
	for _, entry := range update.Entries {
		if !entry.Value.IsError() {
			image.Set(entry.FieldID, entry.Value)
		}
	}
}

// FormatFieldList renders "ACRONYM=value" pairs in entry order, using the id
// for fields not in d and "<blank>" for blank values.
func FormatFieldList(d *dictionary.Dictionary, l *codec.FieldList) string {
	parts := make([]string, 0, len(l.Entries))
	for _, entry := range l.Entries {
		name := fmt.Sprint(entry.FieldID)
		if d != nil {
			if f, ok := d.Field(entry.FieldID); ok {
				name = f.Acronym
			}
		}
		val := entry.Value.Text()
		if entry.Value.Blank {
			val = "<blank>"
		}
		parts = append(parts, name+"="+val)
	}
	return strings.Join(parts, " ")
}
