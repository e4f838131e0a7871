package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/log"
	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/rdm"
)

// ErrAuthenticationExpired is the logout reason when the authentication TT
// passes without a new login refresh.
var ErrAuthenticationExpired = errors.New("authentication expired")

type State uint8

const (
	StateDisconnected State = iota
	StateLoginPending
	StateLoginOk
	StateLoginSuspect
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateLoginPending:
		return "LoginPending"
	case StateLoginOk:
		return "LoginOk"
	case StateLoginSuspect:
		return "LoginSuspect"
	case StateLoggedOut:
		return "LoggedOut"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// DefaultReissueLead is how long before the authentication TT a reissue is
// sent when Config.ReissueLead is zero.
const DefaultReissueLead = 5 * time.Second

type Config struct {
	// Required. Called for the first login and every reissue.
	Credentials func() rdm.LoginRequest
	// If nil, uses WallClock()
	Clock Clock
	// If zero, uses DefaultReissueLead. Never more than half the time between
	// the refresh and its TT.
	ReissueLead time.Duration
	// If nil, uses log.NopLog()
	Log log.Log
}

// Transition describes a state change caused by a message or a check.
type Transition struct {
	From State
	To   State
	// Set when the session logged out, so every dependent stream must close
	Cascade bool
	// Set when the provider asked for recovery (login ClosedRecover)
	Recover bool
	// Set when an Ok login turns Open/Suspect. Item data is unreliable until
	// a later transition has Resume set.
	Suspect bool
	// Set when a login made suspect by an Open/Suspect message is Ok again
	Resume bool
	// Set with Cascade: the logout reason
	Err error
	// Status of the message that caused the change, if any
	Status codec.State
}

func (t Transition) Changed() bool {
	return t.From != t.To || t.Cascade || t.Recover || t.Suspect || t.Resume
}

// Session is the login state machine of one connection. It does no I/O; the
// caller writes the messages it returns.
type Session interface {
	State() State
	// Start moves Disconnected to LoginPending and returns the login request.
	Start() (*omm.Msg, error)
	// OnMessage applies an inbound login-domain message.
	OnMessage(m *omm.Msg) Transition
	// Check returns a reissue request when the TT is near, once per TT value,
	// and logs out with ErrAuthenticationExpired once it has passed.
	Check(now time.Time) (*omm.Msg, Transition)
	// NextCheck is when Check next has something to do.
	NextCheck() (time.Time, bool)
	// Refresh is the last accepted login refresh.
	Refresh() (rdm.LoginRefresh, bool)
	// Disconnected handles channel loss. LoggedOut is kept.
	Disconnected() Transition
	// Reset moves LoggedOut back to Disconnected.
	Reset() error
}

type session struct {
	config Config
	log    log.Log

	lock        sync.Mutex // Governs fields below
	state       State
	refresh     *rdm.LoginRefresh
	refreshedAt time.Time
	reissuedFor time.Time
	// Set by Ok -> Suspect on an Open stream, cleared by Resume
	suspect bool
}

func New(config Config) (Session, error) {
	if config.Credentials == nil {
		return nil, fmt.Errorf("missing credentials")
	}
	if config.Clock == nil {
		config.Clock = WallClock()
	}
	if config.ReissueLead <= 0 {
		config.ReissueLead = DefaultReissueLead
	}
	s := &session{config: config, log: config.Log}
	if s.log == nil {
		s.log = log.NopLog()
	}
	return s, nil
}

func (s *session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *session) Start() (*omm.Msg, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateDisconnected {
		return nil, fmt.Errorf("cannot login from %v", s.state)
	}
	req := s.config.Credentials()
	if req.UserName == "" {
		return nil, fmt.Errorf("credentials missing user name")
	}
	s.state = StateLoginPending
	s.refresh = nil
	s.reissuedFor = time.Time{}
	s.suspect = false
	return req.Msg().Ref(), nil
}

func (s *session) OnMessage(m *omm.Msg) Transition {
	s.lock.Lock()
	defer s.lock.Unlock()
	t := Transition{From: s.state, To: s.state, Status: m.State}
	if m.Domain != omm.DomainLogin || s.state == StateDisconnected || s.state == StateLoggedOut {
		return t
	}
	switch m.Class {
	case omm.ClassRefresh, omm.ClassStatus:
	default:
		return t
	}
	switch m.State.Stream {
	case codec.StreamStateOpen, codec.StreamStateNonStreaming:
		if m.Class == omm.ClassRefresh {
			refresh, err := rdm.DecodeLoginRefresh(m)
			if err != nil {
				s.log.Warnf("Ignoring unreadable login refresh: %v", err)
				return t
			}
			s.refresh = refresh
			s.refreshedAt = s.config.Clock.Now()
		}
		switch m.State.Data {
		case codec.DataStateOk:
			t.To = StateLoginOk
		case codec.DataStateSuspect:
			t.To = StateLoginSuspect
		default:
			if s.state == StateLoginPending && m.Class == omm.ClassRefresh {
				t.To = StateLoginOk
			}
		}
		switch {
		case t.From == StateLoginOk && t.To == StateLoginSuspect:
			t.Suspect, s.suspect = true, true
		case s.suspect && t.To == StateLoginOk:
			t.Resume, s.suspect = true, false
		}
	case codec.StreamStateClosedRecover:
		t.To, t.Recover = StateLoginSuspect, true
	case codec.StreamStateClosed, codec.StreamStateRedirected:
		t.To, t.Cascade = StateLoggedOut, true
		t.Err = fmt.Errorf("login closed: %v", m.State)
	}
	s.state = t.To
	if t.Changed() {
		s.log.Debugf("Login %v -> %v on %v", t.From, t.To, m.State)
	}
	return t
}

// reissueAtUnlocked is zero when no TT is pending.
func (s *session) reissueAtUnlocked() (reissueAt, tt time.Time) {
	if s.refresh == nil || s.refresh.AuthenticationTTReissue.IsZero() {
		return time.Time{}, time.Time{}
	}
	tt = s.refresh.AuthenticationTTReissue
	lead := s.config.ReissueLead
	if window := tt.Sub(s.refreshedAt); window > 0 && lead > window/2 {
		lead = window / 2
	}
	return tt.Add(-lead), tt
}

func (s *session) Check(now time.Time) (*omm.Msg, Transition) {
	s.lock.Lock()
	defer s.lock.Unlock()
	t := Transition{From: s.state, To: s.state}
	if s.state != StateLoginOk && s.state != StateLoginSuspect {
		return nil, t
	}
	reissueAt, tt := s.reissueAtUnlocked()
	switch {
	case tt.IsZero():
		return nil, t
	case !now.Before(tt):
		s.log.Warnf("Login authentication expired at %v", tt)
		s.state = StateLoggedOut
		t.To, t.Cascade, t.Err = StateLoggedOut, true, ErrAuthenticationExpired
		return nil, t
	case !now.Before(reissueAt) && !s.reissuedFor.Equal(tt):
		s.reissuedFor = tt
		req := s.config.Credentials()
		s.log.Debugf("Reissuing login ahead of authentication expiry at %v", tt)
		return req.Msg().Ref(), t
	}
	return nil, t
}

func (s *session) NextCheck() (time.Time, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateLoginOk && s.state != StateLoginSuspect {
		return time.Time{}, false
	}
	reissueAt, tt := s.reissueAtUnlocked()
	if tt.IsZero() {
		return time.Time{}, false
	} else if s.reissuedFor.Equal(tt) {
		return tt, true
	}
	return reissueAt, true
}

func (s *session) Refresh() (rdm.LoginRefresh, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.refresh == nil {
		return rdm.LoginRefresh{}, false
	}
	return *s.refresh, true
}

func (s *session) Disconnected() Transition {
	s.lock.Lock()
	defer s.lock.Unlock()
	t := Transition{From: s.state, To: s.state}
	s.suspect = false
	if s.state != StateLoggedOut {
		s.state = StateDisconnected
		t.To = StateDisconnected
	}
	return t
}

func (s *session) Reset() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != StateLoggedOut && s.state != StateDisconnected {
		return fmt.Errorf("cannot reset from %v", s.state)
	}
	s.state = StateDisconnected
	s.refresh = nil
	return nil
}
