package omm

import (
	"testing"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/dictionary"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

var wire = codec.Codec{Dictionary: dictionary.Default()}

func TestMarshalRoundTrip(t *testing.T) {
	for _, b := range []*MsgBuilder{
		NewRequest(DomainMarketPrice, 5).SetName("IBM.N").SetServiceID(1).AddFlags(FlagPrivateStream).
			SetQos(codec.Qos{Timeliness: codec.QosTimelinessRealTime, Rate: codec.QosRateTickByTick}),
		NewRequest(DomainLogin, 1).SetName("user").SetNameType(1).
			SetAttrib(new(codec.ElementList).Add("ApplicationId", codec.ASCIIValue("256"))),
		NewRefresh(DomainMarketPrice, 5, codec.State{Stream: codec.StreamStateOpen, Data: codec.DataStateOk, Text: "All is well"}).
			AddFlags(FlagSolicited|FlagClearCache).SetSeqNum(7).SetPermData([]byte{1, 2}).
			SetPayload(new(codec.FieldList).Add(22, codec.RealValue(101, codec.RealExponent0))),
		NewStatus(DomainMarketPrice, -3, codec.State{Stream: codec.StreamStateClosed, Data: codec.DataStateSuspect,
			Code: codec.StateCodeNotFound}),
		NewUpdate(DomainMarketPrice, 5).SetUpdateType(1).SetSeqNum(8).
			SetPayload(new(codec.FieldList).Add(32, codec.BlankValue(codec.DataTypeReal))),
		NewClose(DomainMarketPrice, 5),
		NewGeneric(DomainMarketPrice, 5).SetName("cmd").SetPayload(new(codec.ElementList).Add("x", codec.IntValue(1))),
		NewPost(DomainMarketPrice, 5, 99).AddFlags(FlagAck).SetPayload(new(codec.FieldList)),
		NewAck(DomainMarketPrice, 5, 99).SetNak(2, "denied"),
		NewRequest(DomainDirectory, 2).SetFilter(0x3f).SetIdentifier(-4),
	} {
		data, err := Marshal(b.Ref(), wire)
		require.NoError(t, err)
		m, err := Unmarshal(data, wire)
		require.NoError(t, err)
		require.Equal(t, b.Ref(), m, b.Ref().String())
	}
}

func TestUnmarshalBadPayloadKeepsEnvelope(t *testing.T) {
	b := NewUpdate(DomainMarketPrice, 9).SetSeqNum(3).
		SetPayload(new(codec.FieldList).Add(22, codec.RealValue(1, codec.RealExponent0)))
	data := b.MustMarshal(wire)
	// Without a dictionary the entries become errors but the envelope decodes
	m, err := Unmarshal(data, codec.Codec{})
	require.NoError(t, err)
	require.Equal(t, uint32(3), m.SeqNum)
	fl := m.Payload.(*codec.FieldList)
	require.Equal(t, codec.ErrorCodeNoDictionary, fl.Entries[0].Value.Err.Code)

	corrupt := appendVarint(nil, msgClass, uint64(ClassUpdate))
	corrupt = appendBytes(corrupt, msgPayload, []byte{0xff})
	m, err = Unmarshal(corrupt, wire)
	require.NoError(t, err)
	require.Equal(t, codec.DataTypeError, m.Payload.DataType())
}

func TestUnmarshalMalformed(t *testing.T) {
	data := NewClose(DomainMarketPrice, 5).SetName("IBM.N").MustMarshal(wire)
	_, err := Unmarshal(data[:len(data)-1], wire)
	require.ErrorIs(t, err, ErrMalformedMsg)
	_, err = Unmarshal(appendVarint(nil, msgDomain, 6), wire)
	require.ErrorIs(t, err, ErrMalformedMsg)
	_, err = Marshal(&Msg{}, wire)
	require.Error(t, err)
}

func TestUnmarshalOutOfRange(t *testing.T) {
	closeMsg := func(field []byte) []byte {
		return append(appendVarint(nil, msgClass, uint64(ClassClose)), field...)
	}
	for name, b := range map[string][]byte{
		"domain":     closeMsg(appendVarint(nil, msgDomain, 0x100|uint64(DomainMarketPrice))),
		"stream id":  closeMsg(appendVarint(nil, msgStreamID, protowire.EncodeZigZag(1<<31))),
		"seq num":    closeMsg(appendVarint(nil, msgSeqNum, 1<<32)),
		"service id": closeMsg(appendBytes(nil, msgKey, appendVarint(nil, keyServiceID, 1<<16))),
		"state code": closeMsg(appendBytes(nil, msgState, appendVarint(nil, 3, 0x100))),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal(b, wire)
			require.ErrorIs(t, err, ErrMalformedMsg)
		})
	}
	m, err := Unmarshal(closeMsg(appendVarint(nil, msgStreamID, protowire.EncodeZigZag(-5))), wire)
	require.NoError(t, err)
	require.Equal(t, int32(-5), m.StreamID)
}
