package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedContainer is returned when the framing of a container is
	// broken. Problems confined to one entry are reported in-band as
	// ErrorData instead.
	ErrMalformedContainer = errors.New("malformed container")
	ErrTypeMismatch       = errors.New("type mismatch")
	ErrNoDictionary       = errors.New("no field dictionary")
)

// FieldDictionary resolves field ids for FieldList encoding and decoding.
type FieldDictionary interface {
	FieldType(fid int16) (DataType, bool)
}

// WireCodec converts container trees to and from bytes.
type WireCodec interface {
	Encode(Container) ([]byte, error)
	Decode(b []byte, expected DataType) (Container, error)
}

// Codec is the default WireCodec. Dictionary is required only for FieldLists.
type Codec struct {
	Dictionary FieldDictionary
}

var _ WireCodec = Codec{}

// Encode writes c with its type tag. Nil encodes as NoData.
func (c Codec) Encode(container Container) ([]byte, error) {
	e := &encoder{dict: c.Dictionary}
	return e.typed(nil, container)
}

// Decode reads a container written by Encode. A top-level type other than
// expected is ErrMalformedContainer. DataTypeUnknown accepts any type.
func (c Codec) Decode(b []byte, expected DataType) (Container, error) {
	d := &decoder{dict: c.Dictionary}
	typ, body, err := d.typedParts(b)
	if err != nil {
		return nil, err
	} else if expected != DataTypeUnknown && typ != expected {
		return nil, fmt.Errorf("%w: expected %v, got %v", ErrMalformedContainer, expected, typ)
	}
	return d.container(typ, body)
}

// EncodeValue writes a single self-typed value.
func (c Codec) EncodeValue(v Value) ([]byte, error) {
	e := &encoder{dict: c.Dictionary}
	b := appendVarintField(nil, typedType, uint64(v.Type))
	body, err := e.valueBody(nil, v)
	if err != nil {
		return nil, err
	}
	return appendBytesField(b, typedBody, body), nil
}

// DecodeValue reads a value written by EncodeValue.
func (c Codec) DecodeValue(b []byte) (Value, error) {
	d := &decoder{dict: c.Dictionary}
	typ, body, err := d.typedParts(b)
	if err != nil {
		return Value{}, err
	}
	return d.value(typ, body)
}
