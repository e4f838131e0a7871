package omm

import "github.com/cretz/omm/pkg/codec"

// MsgBuilder builds a Msg with chained setters.
type MsgBuilder struct {
	Msg
}

func NewRequest(domain DomainType, streamID int32) *MsgBuilder {
	return &MsgBuilder{Msg: Msg{Class: ClassRequest, Domain: domain, StreamID: streamID, Flags: FlagStreaming}}
}

func NewRefresh(domain DomainType, streamID int32, state codec.State) *MsgBuilder {
	return &MsgBuilder{Msg: Msg{Class: ClassRefresh, Domain: domain, StreamID: streamID, State: state,
		Flags: FlagRefreshComplete}}
}

func NewStatus(domain DomainType, streamID int32, state codec.State) *MsgBuilder {
	return &MsgBuilder{Msg: Msg{Class: ClassStatus, Domain: domain, StreamID: streamID, State: state}}
}

func NewUpdate(domain DomainType, streamID int32) *MsgBuilder {
	return &MsgBuilder{Msg: Msg{Class: ClassUpdate, Domain: domain, StreamID: streamID}}
}

func NewClose(domain DomainType, streamID int32) *MsgBuilder {
	return &MsgBuilder{Msg: Msg{Class: ClassClose, Domain: domain, StreamID: streamID}}
}

func NewGeneric(domain DomainType, streamID int32) *MsgBuilder {
	return &MsgBuilder{Msg: Msg{Class: ClassGeneric, Domain: domain, StreamID: streamID, Flags: FlagMessageComplete}}
}

func NewPost(domain DomainType, streamID int32, postID uint32) *MsgBuilder {
	return &MsgBuilder{Msg: Msg{Class: ClassPost, Domain: domain, StreamID: streamID, PostID: postID,
		Flags: FlagPostComplete}}
}

func NewAck(domain DomainType, streamID int32, ackID uint32) *MsgBuilder {
	return &MsgBuilder{Msg: Msg{Class: ClassAck, Domain: domain, StreamID: streamID, AckID: ackID}}
}

func (m *MsgBuilder) Ref() *Msg { return &m.Msg }

func (m *MsgBuilder) Send(s interface{ Send(*Msg) error }) error {
	return s.Send(&m.Msg)
}

// ApplyReceived takes the domain, stream and key of r so a response goes back
// on the same stream.
func (m *MsgBuilder) ApplyReceived(r *Msg) *MsgBuilder {
	m.Domain = r.Domain
	m.StreamID = r.StreamID
	if r.Key != nil {
		k := *r.Key
		m.Key = &k
	}
	if r.Flags.Has(FlagPrivateStream) {
		m.Flags |= FlagPrivateStream
	}
	return m
}

func (m *MsgBuilder) key() *MsgKey {
	if m.Key == nil {
		m.Key = &MsgKey{}
	}
	return m.Key
}

func (m *MsgBuilder) SetName(name string) *MsgBuilder {
	k := m.key()
	k.Name = name
	k.Flags |= KeyHasName
	return m
}

func (m *MsgBuilder) SetNameType(nameType uint8) *MsgBuilder {
	k := m.key()
	k.NameType = nameType
	k.Flags |= KeyHasNameType
	return m
}

func (m *MsgBuilder) SetServiceID(id uint16) *MsgBuilder {
	k := m.key()
	k.ServiceID = id
	k.Flags |= KeyHasServiceID
	return m
}

func (m *MsgBuilder) SetFilter(filter uint32) *MsgBuilder {
	k := m.key()
	k.Filter = filter
	k.Flags |= KeyHasFilter
	return m
}

func (m *MsgBuilder) SetIdentifier(id int32) *MsgBuilder {
	k := m.key()
	k.Identifier = id
	k.Flags |= KeyHasIdentifier
	return m
}

func (m *MsgBuilder) SetAttrib(c codec.Container) *MsgBuilder {
	k := m.key()
	k.Attrib = c
	k.Flags |= KeyHasAttrib
	return m
}

// ClearKey removes the key entirely.
func (m *MsgBuilder) ClearKey() *MsgBuilder {
	m.Key = nil
	return m
}

func (m *MsgBuilder) AddFlags(f MsgFlags) *MsgBuilder {
	m.Flags |= f
	return m
}

func (m *MsgBuilder) RemoveFlags(f MsgFlags) *MsgBuilder {
	m.Flags &^= f
	return m
}

func (m *MsgBuilder) SetStreamID(id int32) *MsgBuilder {
	m.StreamID = id
	return m
}

func (m *MsgBuilder) SetSeqNum(n uint32) *MsgBuilder {
	m.SeqNum = n
	return m
}

func (m *MsgBuilder) SetPostID(id uint32) *MsgBuilder {
	m.PostID = id
	return m
}

func (m *MsgBuilder) SetNak(code uint8, text string) *MsgBuilder {
	m.NakCode = code
	m.Text = text
	return m
}

func (m *MsgBuilder) SetText(text string) *MsgBuilder {
	m.Text = text
	return m
}

func (m *MsgBuilder) SetQos(q codec.Qos) *MsgBuilder {
	m.Qos = &q
	return m
}

func (m *MsgBuilder) SetPermData(b []byte) *MsgBuilder {
	m.PermData = b
	return m
}

func (m *MsgBuilder) SetUpdateType(t uint8) *MsgBuilder {
	m.UpdateType = t
	return m
}

func (m *MsgBuilder) SetPayload(c codec.Container) *MsgBuilder {
	m.Payload = c
	return m
}

// MustMarshal panics if the message cannot be encoded, so it is only for
// messages whose contents the caller controls.
func (m *MsgBuilder) MustMarshal(c codec.WireCodec) []byte {
	b, err := Marshal(&m.Msg, c)
	if err != nil {
		panic(err)
	}
	return b
}
