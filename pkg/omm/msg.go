package omm

import (
	"fmt"
	"strings"

	"github.com/cretz/omm/pkg/codec"
)

type MsgClass uint8

const (
	ClassRequest MsgClass = 1
	ClassRefresh MsgClass = 2
	ClassStatus  MsgClass = 3
	ClassUpdate  MsgClass = 4
	ClassClose   MsgClass = 5
	ClassAck     MsgClass = 6
	ClassGeneric MsgClass = 7
	ClassPost    MsgClass = 8
)

func (c MsgClass) String() string {
	switch c {
	case ClassRequest:
		return "Request"
	case ClassRefresh:
		return "Refresh"
	case ClassStatus:
		return "Status"
	case ClassUpdate:
		return "Update"
	case ClassClose:
		return "Close"
	case ClassAck:
		return "Ack"
	case ClassGeneric:
		return "Generic"
	case ClassPost:
		return "Post"
	}
	return fmt.Sprintf("MsgClass(%d)", uint8(c))
}

// DomainType is the RDM message domain. Values 128 and above are custom
// domains.
type DomainType uint8

const (
	DomainLogin         DomainType = 1
	DomainDirectory     DomainType = 4
	DomainDictionary    DomainType = 5
	DomainMarketPrice   DomainType = 6
	DomainMarketByOrder DomainType = 7
	DomainMarketByPrice DomainType = 8
	DomainSymbolList    DomainType = 10
)

func (d DomainType) String() string {
	switch d {
	case DomainLogin:
		return "Login"
	case DomainDirectory:
		return "Directory"
	case DomainDictionary:
		return "Dictionary"
	case DomainMarketPrice:
		return "MarketPrice"
	case DomainMarketByOrder:
		return "MarketByOrder"
	case DomainMarketByPrice:
		return "MarketByPrice"
	case DomainSymbolList:
		return "SymbolList"
	}
	return fmt.Sprintf("Domain(%d)", uint8(d))
}

// ParseDomainType accepts the names returned by String, case insensitively.
func ParseDomainType(s string) (DomainType, error) {
	for _, d := range []DomainType{DomainLogin, DomainDirectory, DomainDictionary, DomainMarketPrice,
		DomainMarketByOrder, DomainMarketByPrice, DomainSymbolList} {
		if strings.EqualFold(s, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unrecognized domain %q", s)
}

// IsItem is true for domains that carry item streams rather than session
// administration.
func (d DomainType) IsItem() bool {
	return d != DomainLogin && d != DomainDirectory && d != DomainDictionary && d != 0
}

type MsgFlags uint16

const (
	// Request: keep the stream open after the refresh
	FlagStreaming MsgFlags = 1 << iota
	FlagPrivateStream
	// Request: reissue that does not want a new refresh
	FlagNoRefresh
	// Refresh: consumer should discard anything it has cached for the stream
	FlagClearCache
	FlagRefreshComplete
	FlagSolicited
	// Post: an Ack is requested
	FlagAck
	FlagPostComplete
	// Generic
	FlagMessageComplete
)

func (f MsgFlags) Has(flag MsgFlags) bool { return f&flag == flag }

// Nak codes of a negative Ack
const (
	NakAccessDenied   uint8 = 1
	NakDeniedBySource uint8 = 2
	NakSourceDown     uint8 = 3
	NakSourceUnknown  uint8 = 4
	NakNoResources    uint8 = 5
	NakNoResponse     uint8 = 6
	NakGatewayDown    uint8 = 7
	NakSymbolUnknown  uint8 = 10
	NakNotOpen        uint8 = 11
	NakInvalidContent uint8 = 12
)

type KeyFlags uint8

const (
	KeyHasServiceID KeyFlags = 1 << iota
	KeyHasName
	KeyHasNameType
	KeyHasFilter
	KeyHasIdentifier
	KeyHasAttrib
)

// MsgKey identifies the item a stream is for. Only fields with the matching
// flag are meaningful.
type MsgKey struct {
	Flags      KeyFlags
	ServiceID  uint16
	Name       string
	NameType   uint8
	Filter     uint32
	Identifier int32
	Attrib     codec.Container
}

func (k *MsgKey) Has(flag KeyFlags) bool { return k != nil && k.Flags&flag == flag }

func (k *MsgKey) String() string {
	if k == nil {
		return "<nil>"
	}
	var parts []string
	if k.Has(KeyHasName) {
		parts = append(parts, fmt.Sprintf("name=%q", k.Name))
	}
	if k.Has(KeyHasServiceID) {
		parts = append(parts, fmt.Sprintf("service=%d", k.ServiceID))
	}
	if k.Has(KeyHasFilter) {
		parts = append(parts, fmt.Sprintf("filter=%#x", k.Filter))
	}
	if k.Has(KeyHasIdentifier) {
		parts = append(parts, fmt.Sprintf("id=%d", k.Identifier))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Msg is one message of any class. Only the fields for Class are used:
//
//   - State on Refresh and Status
//   - SeqNum on Refresh, Update, Generic and Post
//   - PostID on Post and AckID on Ack, with NakCode and Text when negative
//   - Qos on Request and Refresh
type Msg struct {
	Class    MsgClass
	Domain   DomainType
	StreamID int32
	Flags    MsgFlags
	// Nil when the message has no key
	Key        *MsgKey
	State      codec.State
	SeqNum     uint32
	PostID     uint32
	AckID      uint32
	NakCode    uint8
	Text       string
	UpdateType uint8
	PermData   []byte
	Qos        *codec.Qos
	// Nil is NoData. A payload that failed to decode is *codec.ErrorData.
	Payload codec.Container
}

func (m *Msg) String() string {
	s := fmt.Sprintf("%v %v stream=%d", m.Domain, m.Class, m.StreamID)
	if m.Key != nil {
		s += " key=" + m.Key.String()
	}
	if m.Class == ClassRefresh || m.Class == ClassStatus {
		s += " state=" + m.State.String()
	}
	if m.SeqNum != 0 {
		s += fmt.Sprintf(" seq=%d", m.SeqNum)
	}
	if m.Payload != nil {
		s += " payload=" + m.Payload.DataType().String()
	}
	return s
}

// Name is the key name or empty.
func (m *Msg) Name() string {
	if m.Key.Has(KeyHasName) {
		return m.Key.Name
	}
	return ""
}

// ServiceID is the key service id and whether the key had one.
func (m *Msg) ServiceID() (uint16, bool) {
	if m.Key.Has(KeyHasServiceID) {
		return m.Key.ServiceID, true
	}
	return 0, false
}

// IsFinal is true for messages that end the stream: a Refresh or Status that
// is not Open, or a non-streaming Refresh that is complete.
func (m *Msg) IsFinal() bool {
	switch m.Class {
	case ClassRefresh:
		if m.State.Stream == codec.StreamStateNonStreaming {
			return m.Flags.Has(FlagRefreshComplete)
		}
		return m.State.Stream != codec.StreamStateOpen
	case ClassStatus:
		return m.State.Stream != codec.StreamStateOpen && m.State.Stream != codec.StreamStateUnspecified
	case ClassClose:
		return true
	}
	return false
}
