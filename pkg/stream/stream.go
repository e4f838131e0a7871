package stream

import (
	"fmt"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/omm"
)

// Handle identifies a registered stream for the life of a registry. Handles
// are never reused and stay the same when the stream id changes on reconnect.
type Handle uint64

type State uint8

const (
	StatePending State = iota
	StateOpenOk
	StateOpenSuspect
	StateClosed
	StateClosedRecover
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateOpenOk:
		return "Open-Ok"
	case StateOpenSuspect:
		return "Open-Suspect"
	case StateClosed:
		return "Closed"
	case StateClosedRecover:
		return "ClosedRecover"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// IsOpen is true for the two Open states.
func (s State) IsOpen() bool { return s == StateOpenOk || s == StateOpenSuspect }

// Request is what a caller registers.
type Request struct {
	Domain omm.DomainType
	// Required except for batch and directory requests
	Name string
	// Item and dictionary domains need a ServiceName or a ServiceID with
	// HasServiceID set
	ServiceName  string
	ServiceID    uint16
	HasServiceID bool
	Filter       uint32
	// If true the stream closes after the refresh
	Snapshot bool
	Private  bool
	Qos      *codec.Qos
	Payload  codec.Container
}

func (r *Request) validate(batch bool) error {
	switch {
	case r.Domain == 0:
		return fmt.Errorf("%w: missing domain", ErrInvalidRequest)
	case r.Domain == omm.DomainLogin:
		return fmt.Errorf("%w: login is managed by the session", ErrInvalidRequest)
	case r.Domain == omm.DomainDirectory:
		return nil
	case !batch && r.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidRequest)
	case batch && r.Name != "":
		return fmt.Errorf("%w: batch requests take names separately", ErrInvalidRequest)
	case r.ServiceName == "" && !r.HasServiceID:
		return fmt.Errorf("%w: missing service", ErrInvalidRequest)
	}
	return nil
}

// Msg builds the request for the stream id and resolved service id.
func (r *Request) Msg(streamID int32, serviceID uint16) *omm.MsgBuilder {
	b := omm.NewRequest(r.Domain, streamID)
	if r.Snapshot {
		b.RemoveFlags(omm.FlagStreaming)
	}
	if r.Private {
		b.AddFlags(omm.FlagPrivateStream)
	}
	if r.Name != "" {
		b.SetName(r.Name)
	}
	if r.Domain != omm.DomainDirectory || r.ServiceName != "" || r.HasServiceID {
		b.SetServiceID(serviceID)
	}
	if r.Filter != 0 {
		b.SetFilter(r.Filter)
	}
	if r.Qos != nil {
		b.SetQos(*r.Qos)
	}
	return b.SetPayload(r.Payload)
}

// Stream is a snapshot of a registered stream.
type Stream struct {
	Handle   Handle
	Request  Request
	StreamID int32
	State    State
	// True once the request has been written on the current connection
	Requested bool
	// Opaque values given at registration
	Client  interface{}
	Closure interface{}
	// For items of a batch, the batch handle
	Batch Handle
	// For a batch, its item handles in name order
	Items []Handle
	// Bumped on every suspend and reassign
	epoch uint64
}

// StateFor maps a message state onto a stream state. NoChange data state
// keeps the Open state the stream already has.
func StateFor(current State, m *omm.Msg) State {
	if m.Class != omm.ClassRefresh && m.Class != omm.ClassStatus {
		return current
	}
	switch m.State.Stream {
	case codec.StreamStateOpen:
		switch m.State.Data {
		case codec.DataStateOk:
			return StateOpenOk
		case codec.DataStateSuspect:
			return StateOpenSuspect
		}
		if current == StatePending && m.Class == omm.ClassRefresh {
			return StateOpenOk
		}
		return current
	case codec.StreamStateNonStreaming:
		if m.IsFinal() {
			return StateClosed
		}
		return StateOpenOk
	case codec.StreamStateClosedRecover:
		return StateClosedRecover
	case codec.StreamStateClosed, codec.StreamStateRedirected:
		return StateClosed
	}
	return current
}
