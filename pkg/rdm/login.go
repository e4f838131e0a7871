package rdm

import (
	"fmt"
	"time"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/omm"
)

// LoginStreamID is the stream every connection logs in on.
const LoginStreamID int32 = 1

type LoginRole uint64

const (
	RoleConsumer LoginRole = 0
	RoleProvider LoginRole = 1
)

const (
	NameTypeUserName uint8 = 1
	NameTypeToken    uint8 = 2
)

// LoginRequest is the consumer side of the login handshake.
type LoginRequest struct {
	UserName string
	// If zero, NameTypeUserName is used
	NameType         uint8
	ApplicationID    string
	ApplicationName  string
	Position         string
	Password         string
	InstanceID       string
	Role             LoginRole
	SingleOpen       bool
	AllowSuspectData bool
	// Marks a reissue that does not need a new refresh
	NoRefresh bool
}

func boolValue(b bool) codec.Value {
	if b {
		return codec.UIntValue(1)
	}
	return codec.UIntValue(0)
}

// Msg builds the login request on LoginStreamID.
func (l *LoginRequest) Msg() *omm.MsgBuilder {
	nameType := l.NameType
	if nameType == 0 {
		nameType = NameTypeUserName
	}
	attrib := new(codec.ElementList)
	if l.ApplicationID != "" {
		attrib.Add("ApplicationId", codec.ASCIIValue(l.ApplicationID))
	}
	if l.ApplicationName != "" {
		attrib.Add("ApplicationName", codec.ASCIIValue(l.ApplicationName))
	}
	if l.Position != "" {
		attrib.Add("Position", codec.ASCIIValue(l.Position))
	}
	if l.Password != "" {
		attrib.Add("Password", codec.ASCIIValue(l.Password))
	}
	if l.InstanceID != "" {
		attrib.Add("InstanceId", codec.ASCIIValue(l.InstanceID))
	}
	attrib.Add("Role", codec.UIntValue(uint64(l.Role))).
		Add("SingleOpen", boolValue(l.SingleOpen)).
		Add("AllowSuspectData", boolValue(l.AllowSuspectData))
	b := omm.NewRequest(omm.DomainLogin, LoginStreamID).
		SetName(l.UserName).SetNameType(nameType).SetAttrib(attrib)
	if l.NoRefresh {
		b.AddFlags(omm.FlagNoRefresh)
	}
	return b
}

// DecodeLoginRequest reads a login request. The user name is required.
func DecodeLoginRequest(m *omm.Msg) (*LoginRequest, error) {
	if m.Domain != omm.DomainLogin || m.Class != omm.ClassRequest {
		return nil, fmt.Errorf("not a login request: %v", m)
	} else if !m.Key.Has(omm.KeyHasName) || m.Key.Name == "" {
		return nil, fmt.Errorf("login request missing user name")
	}
	l := &LoginRequest{UserName: m.Key.Name, NameType: m.Key.NameType, NoRefresh: m.Flags.Has(omm.FlagNoRefresh)}
	attrib, _ := m.Key.Attrib.(*codec.ElementList)
	l.ApplicationID = elementString(attrib, "ApplicationId")
	l.ApplicationName = elementString(attrib, "ApplicationName")
	l.Position = elementString(attrib, "Position")
	l.Password = elementString(attrib, "Password")
	l.InstanceID = elementString(attrib, "InstanceId")
	l.Role = LoginRole(elementUInt(attrib, "Role", uint64(RoleConsumer)))
	l.SingleOpen = elementUInt(attrib, "SingleOpen", 1) != 0
	l.AllowSuspectData = elementUInt(attrib, "AllowSuspectData", 1) != 0
	return l, nil
}

// LoginRefresh carries what the provider accepted.
type LoginRefresh struct {
	UserName             string
	ApplicationID        string
	ApplicationName      string
	Position             string
	SingleOpen           bool
	AllowSuspectData     bool
	SupportBatchRequests bool
	SupportPost          bool
	// Zero when the login does not expire
	AuthenticationTTReissue time.Time
}

// Msg builds the login refresh answering a request.
func (l *LoginRefresh) Msg(state codec.State) *omm.MsgBuilder {
	attrib := new(codec.ElementList)
	if l.ApplicationID != "" {
		attrib.Add("ApplicationId", codec.ASCIIValue(l.ApplicationID))
	}
	if l.ApplicationName != "" {
		attrib.Add("ApplicationName", codec.ASCIIValue(l.ApplicationName))
	}
	if l.Position != "" {
		attrib.Add("Position", codec.ASCIIValue(l.Position))
	}
	attrib.Add("SingleOpen", boolValue(l.SingleOpen)).
		Add("AllowSuspectData", boolValue(l.AllowSuspectData)).
		Add("SupportBatchRequests", boolValue(l.SupportBatchRequests)).
		Add("SupportOMMPost", boolValue(l.SupportPost))
	if !l.AuthenticationTTReissue.IsZero() {
		attrib.Add("AuthenticationTTReissue", codec.UIntValue(uint64(l.AuthenticationTTReissue.Unix())))
	}
	return omm.NewRefresh(omm.DomainLogin, LoginStreamID, state).
		AddFlags(omm.FlagSolicited).SetName(l.UserName).SetNameType(NameTypeUserName).SetAttrib(attrib)
}

// DecodeLoginRefresh reads a login refresh. Missing attributes take their
// RDM defaults.
func DecodeLoginRefresh(m *omm.Msg) (*LoginRefresh, error) {
	if m.Domain != omm.DomainLogin || m.Class != omm.ClassRefresh {
		return nil, fmt.Errorf("not a login refresh: %v", m)
	}
	l := &LoginRefresh{UserName: m.Name()}
	var attrib *codec.ElementList
	if m.Key != nil {
		attrib, _ = m.Key.Attrib.(*codec.ElementList)
	}
	l.ApplicationID = elementString(attrib, "ApplicationId")
	l.ApplicationName = elementString(attrib, "ApplicationName")
	l.Position = elementString(attrib, "Position")
	l.SingleOpen = elementUInt(attrib, "SingleOpen", 1) != 0
	l.AllowSuspectData = elementUInt(attrib, "AllowSuspectData", 1) != 0
	l.SupportBatchRequests = elementUInt(attrib, "SupportBatchRequests", 0) != 0
	l.SupportPost = elementUInt(attrib, "SupportOMMPost", 0) != 0
	if tt := elementUInt(attrib, "AuthenticationTTReissue", 0); tt != 0 {
		l.AuthenticationTTReissue = time.Unix(int64(tt), 0)
	}
	return l, nil
}

func elementString(l *codec.ElementList, name string) string {
	if v, ok := l.Get(name); ok && !v.Blank {
		return v.Text()
	}
	return ""
}

func elementUInt(l *codec.ElementList, name string, def uint64) uint64 {
	if v, ok := l.Get(name); ok && !v.Blank {
		switch v.Type {
		case codec.DataTypeUInt, codec.DataTypeEnum:
			return v.UInt
		case codec.DataTypeInt:
			return uint64(v.Int)
		}
	}
	return def
}
