package consumer

import (
	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/stream"
	"github.com/cretz/omm/pkg/transport"
)

// Event is the context of a delivered message.
type Event struct {
	Handle stream.Handle
	// As given at registration
	Closure interface{}
	Channel transport.Info
	// The stream state after the message was applied
	State stream.State
}

// Client receives the messages of the streams registered with it. Calls are
// made from the dispatching goroutine in receipt order. A client may register,
// reissue, unregister or submit from inside OnMsg but must not call Dispatch.
type Client interface {
	OnMsg(*omm.Msg, *Event)
}

// ClientFuncs is a Client made of optional per-class funcs. OnAll, if set, is
// called before the class func.
type ClientFuncs struct {
	OnRefresh func(*omm.Msg, *Event)
	OnUpdate  func(*omm.Msg, *Event)
	OnStatus  func(*omm.Msg, *Event)
	OnGeneric func(*omm.Msg, *Event)
	OnAck     func(*omm.Msg, *Event)
	OnAll     func(*omm.Msg, *Event)
}

func (c *ClientFuncs) OnMsg(m *omm.Msg, e *Event) {
	if c.OnAll != nil {
		c.OnAll(m, e)
	}
	var fn func(*omm.Msg, *Event)
	switch m.Class {
	case omm.ClassRefresh:
		fn = c.OnRefresh
	case omm.ClassUpdate:
		fn = c.OnUpdate
	case omm.ClassStatus:
		fn = c.OnStatus
	case omm.ClassGeneric:
		fn = c.OnGeneric
	case omm.ClassAck:
		fn = c.OnAck
	}
	if fn != nil {
		fn(m, e)
	}
}
