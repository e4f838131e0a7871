package omm

import (
	"errors"
	"fmt"
	"math"

	"github.com/cretz/omm/pkg/codec"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedMsg is returned when the envelope itself cannot be read.
var ErrMalformedMsg = errors.New("malformed message")

const (
	msgClass      protowire.Number = 1
	msgDomain     protowire.Number = 2
	msgStreamID   protowire.Number = 3
	msgFlags      protowire.Number = 4
	msgKey        protowire.Number = 5
	msgState      protowire.Number = 6
	msgSeqNum     protowire.Number = 7
	msgPostID     protowire.Number = 8
	msgAckID      protowire.Number = 9
	msgNakCode    protowire.Number = 10
	msgText       protowire.Number = 11
	msgUpdateType protowire.Number = 12
	msgPermData   protowire.Number = 13
	msgQos        protowire.Number = 14
	msgPayload    protowire.Number = 15

	keyFlags      protowire.Number = 1
	keyServiceID  protowire.Number = 2
	keyName       protowire.Number = 3
	keyNameType   protowire.Number = 4
	keyFilter     protowire.Number = 5
	keyIdentifier protowire.Number = 6
	keyAttrib     protowire.Number = 7
)

// Marshal writes the envelope with the payload and key attributes encoded by
// c.
func Marshal(m *Msg, c codec.WireCodec) ([]byte, error) {
	if m.Class < ClassRequest || m.Class > ClassPost {
		return nil, fmt.Errorf("invalid message class %d", m.Class)
	}
	b := appendVarint(nil, msgClass, uint64(m.Class))
	b = appendVarint(b, msgDomain, uint64(m.Domain))
	b = appendVarint(b, msgStreamID, protowire.EncodeZigZag(int64(m.StreamID)))
	if m.Flags != 0 {
		b = appendVarint(b, msgFlags, uint64(m.Flags))
	}
	if m.Key != nil {
		kb, err := marshalKey(m.Key, c)
		if err != nil {
			return nil, fmt.Errorf("failed encoding key: %w", err)
		}
		b = appendBytes(b, msgKey, kb)
	}
	if m.Class == ClassRefresh || m.Class == ClassStatus {
		sb := appendVarint(nil, 1, uint64(m.State.Stream))
		sb = appendVarint(sb, 2, uint64(m.State.Data))
		sb = appendVarint(sb, 3, uint64(m.State.Code))
		if m.State.Text != "" {
			sb = protowire.AppendTag(sb, 4, protowire.BytesType)
			sb = protowire.AppendString(sb, m.State.Text)
		}
		b = appendBytes(b, msgState, sb)
	}
	if m.SeqNum != 0 {
		b = appendVarint(b, msgSeqNum, uint64(m.SeqNum))
	}
	if m.PostID != 0 {
		b = appendVarint(b, msgPostID, uint64(m.PostID))
	}
	if m.AckID != 0 {
		b = appendVarint(b, msgAckID, uint64(m.AckID))
	}
	if m.NakCode != 0 {
		b = appendVarint(b, msgNakCode, uint64(m.NakCode))
	}
	if m.Text != "" {
		b = protowire.AppendTag(b, msgText, protowire.BytesType)
		b = protowire.AppendString(b, m.Text)
	}
	if m.UpdateType != 0 {
		b = appendVarint(b, msgUpdateType, uint64(m.UpdateType))
	}
	if len(m.PermData) > 0 {
		b = appendBytes(b, msgPermData, m.PermData)
	}
	if m.Qos != nil {
		qb := appendVarint(nil, 1, uint64(m.Qos.Timeliness))
		qb = appendVarint(qb, 2, uint64(m.Qos.Rate))
		qb = appendVarint(qb, 3, uint64(m.Qos.TimeInfo))
		qb = appendVarint(qb, 4, uint64(m.Qos.RateInfo))
		b = appendBytes(b, msgQos, qb)
	}
	if m.Payload != nil {
		pb, err := c.Encode(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed encoding payload: %w", err)
		}
		b = appendBytes(b, msgPayload, pb)
	}
	return b, nil
}

func marshalKey(k *MsgKey, c codec.WireCodec) ([]byte, error) {
	b := appendVarint(nil, keyFlags, uint64(k.Flags))
	if k.Has(KeyHasServiceID) {
		b = appendVarint(b, keyServiceID, uint64(k.ServiceID))
	}
	if k.Has(KeyHasName) {
		b = protowire.AppendTag(b, keyName, protowire.BytesType)
		b = protowire.AppendString(b, k.Name)
	}
	if k.Has(KeyHasNameType) {
		b = appendVarint(b, keyNameType, uint64(k.NameType))
	}
	if k.Has(KeyHasFilter) {
		b = appendVarint(b, keyFilter, uint64(k.Filter))
	}
	if k.Has(KeyHasIdentifier) {
		b = appendVarint(b, keyIdentifier, protowire.EncodeZigZag(int64(k.Identifier)))
	}
	if k.Has(KeyHasAttrib) {
		ab, err := c.Encode(k.Attrib)
		if err != nil {
			return nil, err
		}
		b = appendBytes(b, keyAttrib, ab)
	}
	return b, nil
}

// Unmarshal reads an envelope written by Marshal. A payload that cannot be
// decoded does not fail the message; it becomes a *codec.ErrorData payload.
func Unmarshal(b []byte, c codec.WireCodec) (*Msg, error) {
	m := &Msg{}
	err := consumeFields(b, narrow(msgWidths, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case msgClass:
			m.Class = MsgClass(v)
		case msgDomain:
			m.Domain = DomainType(v)
		case msgStreamID:
			id, err := sint32(num, v)
			if err != nil {
				return err
			}
			m.StreamID = id
		case msgFlags:
			m.Flags = MsgFlags(v)
		case msgKey:
			k, err := unmarshalKey(raw, c)
			if err != nil {
				return fmt.Errorf("key: %w", err)
			}
			m.Key = k
		case msgState:
			err := consumeFields(raw, narrow(stateWidths, func(num protowire.Number, v uint64, raw []byte) error {
				switch num {
				case 1:
					m.State.Stream = codec.StreamState(v)
				case 2:
					m.State.Data = codec.DataState(v)
				case 3:
					m.State.Code = codec.StateCode(v)
				case 4:
					m.State.Text = string(raw)
				}
				return nil
			}))
			if err != nil {
				return fmt.Errorf("state: %w", err)
			}
		case msgSeqNum:
			m.SeqNum = uint32(v)
		case msgPostID:
			m.PostID = uint32(v)
		case msgAckID:
			m.AckID = uint32(v)
		case msgNakCode:
			m.NakCode = uint8(v)
		case msgText:
			m.Text = string(raw)
		case msgUpdateType:
			m.UpdateType = uint8(v)
		case msgPermData:
			m.PermData = append([]byte(nil), raw...)
		case msgQos:
			q := &codec.Qos{}
			err := consumeFields(raw, narrow(qosWidths, func(num protowire.Number, v uint64, _ []byte) error {
				switch num {
				case 1:
					q.Timeliness = codec.QosTimeliness(v)
				case 2:
					q.Rate = codec.QosRate(v)
				case 3:
					q.TimeInfo = uint16(v)
				case 4:
					q.RateInfo = uint16(v)
				}
				return nil
			}))
			if err != nil {
				return fmt.Errorf("qos: %w", err)
			}
			m.Qos = q
		case msgPayload:
			payload, err := c.Decode(raw, codec.DataTypeUnknown)
			if err != nil {
				m.Payload = &codec.ErrorData{Code: codec.ErrorCodeIncompleteData, Text: err.Error()}
			} else {
				m.Payload = payload
			}
		}
		return nil
	}))
	if err != nil {
		return nil, err
	} else if m.Class < ClassRequest || m.Class > ClassPost {
		return nil, fmt.Errorf("%w: invalid class %d", ErrMalformedMsg, m.Class)
	}
	return m, nil
}

func unmarshalKey(b []byte, c codec.WireCodec) (*MsgKey, error) {
	k := &MsgKey{}
	err := consumeFields(b, narrow(keyWidths, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case keyFlags:
			k.Flags = KeyFlags(v)
		case keyServiceID:
			k.ServiceID = uint16(v)
		case keyName:
			k.Name = string(raw)
		case keyNameType:
			k.NameType = uint8(v)
		case keyFilter:
			k.Filter = uint32(v)
		case keyIdentifier:
			id, err := sint32(num, v)
			if err != nil {
				return err
			}
			k.Identifier = id
		case keyAttrib:
			attrib, err := c.Decode(raw, codec.DataTypeUnknown)
			if err != nil {
				return err
			}
			k.Attrib = attrib
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return k, nil
}

// Widths of the varint fields narrower than 64 bits
var (
	msgWidths = map[protowire.Number]uint{
		msgClass: 8, msgDomain: 8, msgFlags: 16, msgSeqNum: 32, msgPostID: 32, msgAckID: 32, msgNakCode: 8, msgUpdateType: 8,
	}
	keyWidths   = map[protowire.Number]uint{keyFlags: 8, keyServiceID: 16, keyNameType: 8, keyFilter: 32}
	stateWidths = map[protowire.Number]uint{1: 8, 2: 8, 3: 8}
	qosWidths   = map[protowire.Number]uint{1: 8, 2: 8, 3: 16, 4: 16}
)

// narrow wraps fn to reject a varint too wide for the field it decodes into.
func narrow(widths map[protowire.Number]uint, fn func(protowire.Number, uint64, []byte) error) func(protowire.Number, uint64, []byte) error {
	return func(num protowire.Number, v uint64, raw []byte) error {
		if bits, ok := widths[num]; ok && v>>bits != 0 {
			return fmt.Errorf("%w: field %d value %d exceeds %d bits", ErrMalformedMsg, num, v, bits)
		}
		return fn(num, v, raw)
	}
}

func sint32(num protowire.Number, v uint64) (int32, error) {
	i := protowire.DecodeZigZag(v)
	if i < math.MinInt32 || i > math.MaxInt32 {
		return 0, fmt.Errorf("%w: field %d value %d exceeds int32", ErrMalformedMsg, num, i)
	}
	return int32(i), nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// consumeFields calls fn with the varint value or the bytes of every field.
// Only varint and length-delimited fields are used by the envelope.
func consumeFields(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMsg, protowire.ParseError(n))
		}
		b = b[n:]
		var v uint64
		var raw []byte
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedMsg, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v, raw); err != nil {
			if errors.Is(err, ErrMalformedMsg) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrMalformedMsg, err)
		}
	}
	return nil
}
