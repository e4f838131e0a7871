package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/log"
	"github.com/cretz/omm/pkg/metrics"
	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/rdm"
	"github.com/cretz/omm/pkg/transport"
)

type directoryStream struct {
	filter     uint32
	serviceID  uint16
	hasService bool
}

type itemStream struct {
	serviceID uint16
	key       itemKey
}

// conn is one consumer channel. Everything but ch and log is governed by the
// provider lock.
type conn struct {
	p   *provider
	ch  transport.Channel
	log log.Log

	login       *rdm.LoginRequest
	expiry      time.Time
	directories map[int32]directoryStream
	items       map[int32]itemStream
}

func newConn(p *provider, ch transport.Channel) *conn {
	return &conn{
		p:           p,
		ch:          ch,
		log:         p.log,
		directories: map[int32]directoryStream{},
		items:       map[int32]itemStream{},
	}
}

func (c *conn) expiryInterval() time.Duration {
	d := c.p.config.AuthenticationTT / 4
	if d > time.Second {
		d = time.Second
	} else if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (c *conn) run(ctx context.Context) error {
	// Receive messages in the background
	msgCh := make(chan []byte)
	errCh := make(chan error)
	go func() {
		for {
			b, err := c.ch.Read(ctx)
			if err != nil {
				select {
				case <-ctx.Done():
				case errCh <- err:
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case msgCh <- b:
			}
		}
	}()
	var expiryCh <-chan time.Time
	if c.p.config.AuthenticationTT > 0 {
		ticker := time.NewTicker(c.expiryInterval())
		defer ticker.Stop()
		expiryCh = ticker.C
	}
	// Process messages intentionally not async
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case b := <-msgCh:
			if err := c.receive(b); err != nil {
				return err
			}
		case now := <-expiryCh:
			c.p.lock.Lock()
			err := c.checkExpiry(now)
			c.p.lock.Unlock()
			if err != nil {
				return err
			}
		}
	}
}

func (c *conn) receive(b []byte) error {
	start := time.Now()
	m, err := omm.Unmarshal(b, c.p.codec)
	if err != nil {
		c.log.Warnf("Dropping undecodable message on %v: %v", c.ch.Info().ID, err)
		c.p.metrics.Drop(metrics.DropUndecodable)
		return nil
	}
	c.log.Debugf("Received %v", m)
	c.p.lock.Lock()
	err = c.handle(m)
	c.p.lock.Unlock()
	c.p.metrics.ObserveMessage(m, start)
	return err
}

// Send marshals and writes m. A full output pool drops the message.
func (c *conn) Send(m *omm.Msg) error {
	b, err := omm.Marshal(m, c.p.codec)
	if err != nil {
		return fmt.Errorf("failed marshaling %v: %w", m.Class, err)
	}
	if err = transport.WriteMessage(c.ch, b); errors.Is(err, transport.ErrWouldBlock) {
		c.p.metrics.WouldBlock.Inc()
		c.log.Warnf("Dropped %v on %v, output full", m, c.ch.Info().ID)
		return nil
	}
	return err
}

// sendLogged is for pushes outside of a request where a failed write is
// noticed by the read side.
func (c *conn) sendLogged(b *omm.MsgBuilder) {
	if err := b.Send(c); err != nil {
		c.log.Debugf("Push on %v failed: %v", c.ch.Info().ID, err)
	}
}

func (c *conn) reject(m *omm.Msg, code codec.StateCode, text string) error {
	return omm.NewStatus(m.Domain, m.StreamID, codec.State{
		Stream: codec.StreamStateClosed,
		Data:   codec.DataStateSuspect,
		Code:   code,
		Text:   text,
	}).ApplyReceived(m).Send(c)
}

func (c *conn) handle(m *omm.Msg) error {
	if m.Domain == omm.DomainLogin {
		return c.handleLogin(m)
	} else if c.login == nil {
		if m.Class == omm.ClassRequest {
			return c.reject(m, codec.StateCodeNotAuthorized, "Login required")
		}
		return nil
	}
	switch m.Domain {
	case omm.DomainDirectory:
		return c.handleDirectory(m)
	case omm.DomainDictionary:
		return c.handleDictionary(m)
	}
	return c.handleItem(m)
}

func (c *conn) handleLogin(m *omm.Msg) error {
	switch m.Class {
	case omm.ClassRequest:
		req, err := rdm.DecodeLoginRequest(m)
		if err != nil {
			return c.reject(m, codec.StateCodeUsageError, err.Error())
		}
		if c.p.config.Authorize != nil {
			if err := c.p.config.Authorize(req, c.ch.Info()); err != nil {
				c.log.Infof("Rejected login of %v on %v: %v", req.UserName, c.ch.Info().ID, err)
				c.logout()
				return c.reject(m, codec.StateCodeNotAuthorized, err.Error())
			}
		}
		reissue := c.login != nil
		c.login = req
		if tt := c.p.config.AuthenticationTT; tt > 0 {
			c.expiry = time.Unix(time.Now().Add(tt).Unix(), 0)
		}
		if reissue && req.NoRefresh {
			return nil
		}
		c.log.Infof("Accepted login of %v on %v", req.UserName, c.ch.Info().ID)
		refresh := &rdm.LoginRefresh{
			UserName:                req.UserName,
			ApplicationID:           req.ApplicationID,
			ApplicationName:         c.p.config.ApplicationName,
			Position:                req.Position,
			SingleOpen:              req.SingleOpen,
			AllowSuspectData:        req.AllowSuspectData,
			SupportBatchRequests:    true,
			SupportPost:             true,
			AuthenticationTTReissue: c.expiry,
		}
		return refresh.Msg(codec.State{Stream: codec.StreamStateOpen, Data: codec.DataStateOk, Text: "Login accepted"}).
			Send(c)
	case omm.ClassClose:
		c.log.Infof("Logout on %v", c.ch.Info().ID)
		c.logout()
	case omm.ClassPost:
		if c.login != nil {
			return c.handlePost(m)
		}
	case omm.ClassGeneric:
		return c.echo(m)
	}
	return nil
}

func (c *conn) logout() {
	c.login = nil
	c.expiry = time.Time{}
	c.directories = map[int32]directoryStream{}
	c.items = map[int32]itemStream{}
}

func (c *conn) checkExpiry(now time.Time) error {
	if c.login == nil || c.expiry.IsZero() || now.Before(c.expiry) {
		return nil
	}
	c.log.Infof("Login of %v on %v expired", c.login.UserName, c.ch.Info().ID)
	c.logout()
	return omm.NewStatus(omm.DomainLogin, rdm.LoginStreamID, codec.State{
		Stream: codec.StreamStateClosed,
		Data:   codec.DataStateSuspect,
		Code:   codec.StateCodeNotAuthorized,
		Text:   "Authentication expired",
	}).Send(c)
}

func (c *conn) handleDirectory(m *omm.Msg) error {
	switch m.Class {
	case omm.ClassClose:
		delete(c.directories, m.StreamID)
		return nil
	case omm.ClassRequest:
	default:
		return nil
	}
	d := directoryStream{filter: rdm.DefaultDirectoryFilter}
	if m.Key.Has(omm.KeyHasFilter) {
		d.filter = m.Key.Filter
	}
	d.serviceID, d.hasService = m.ServiceID()
	var entries []rdm.ServiceEntry
	c.p.services.Scan(func(id uint16, s *service) bool {
		if !d.hasService || id == d.serviceID {
			entries = append(entries, s.entry(codec.MapActionAdd))
		}
		return true
	})
	state := codec.State{Stream: codec.StreamStateOpen, Data: codec.DataStateOk}
	if m.Flags.Has(omm.FlagStreaming) {
		c.directories[m.StreamID] = d
	} else {
		state.Stream = codec.StreamStateNonStreaming
	}
	return omm.NewRefresh(omm.DomainDirectory, m.StreamID, state).ApplyReceived(m).
		AddFlags(omm.FlagClearCache | omm.FlagSolicited).SetFilter(d.filter).
		SetPayload(rdm.EncodeDirectory(entries, d.filter)).Send(c)
}

func (c *conn) handleDictionary(m *omm.Msg) error {
	if m.Class != omm.ClassRequest {
		return nil
	}
	id, _ := m.ServiceID()
	s, ok := c.p.services.Get(id)
	if !ok {
		return c.reject(m, codec.StateCodeNotFound, "Service not found")
	} else if m.Name() != rdm.FieldDictionaryName || !s.providesDictionary(m.Name()) {
		return c.reject(m, codec.StateCodeNotFound, "Dictionary not found")
	}
	state := codec.State{Stream: codec.StreamStateNonStreaming, Data: codec.DataStateOk}
	if m.Flags.Has(omm.FlagStreaming) {
		state.Stream = codec.StreamStateOpen
	}
	for i, part := range c.p.dictParts {
		b := omm.NewRefresh(omm.DomainDictionary, m.StreamID, state).ApplyReceived(m).
			AddFlags(omm.FlagSolicited).SetPayload(part)
		if i == 0 {
			b.AddFlags(omm.FlagClearCache)
		}
		if i < len(c.p.dictParts)-1 {
			b.RemoveFlags(omm.FlagRefreshComplete)
		}
		if err := b.Send(c); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) handleItem(m *omm.Msg) error {
	switch m.Class {
	case omm.ClassRequest:
		if names, ok := rdm.BatchItems(m); ok {
			return c.handleBatch(m, names)
		}
		return c.handleItemRequest(m)
	case omm.ClassClose:
		delete(c.items, m.StreamID)
	case omm.ClassPost:
		return c.handlePost(m)
	case omm.ClassGeneric:
		return c.echo(m)
	}
	return nil
}

// handleBatch answers each name on the following stream ids then closes the
// batch stream.
func (c *conn) handleBatch(m *omm.Msg, names []string) error {
	for i, name := range names {
		req := *m
		req.StreamID = m.StreamID + int32(i) + 1
		var key omm.MsgKey
		if m.Key != nil {
			key = *m.Key
		}
		key.Flags |= omm.KeyHasName
		key.Name = name
		req.Key = &key
		req.Payload = nil
		if err := c.handleItemRequest(&req); err != nil {
			return err
		}
	}
	return omm.NewStatus(m.Domain, m.StreamID, codec.State{
		Stream: codec.StreamStateClosed,
		Data:   codec.DataStateOk,
		Text:   fmt.Sprintf("Processed %v items", len(names)),
	}).ApplyReceived(m).Send(c)
}

func (c *conn) handleItemRequest(m *omm.Msg) error {
	id, ok := m.ServiceID()
	var s *service
	if ok {
		s, _ = c.p.services.Get(id)
	}
	if s == nil {
		delete(c.items, m.StreamID)
		return c.reject(m, codec.StateCodeNotFound, "Service not found")
	} else if !s.hasCapability(m.Domain) {
		delete(c.items, m.StreamID)
		return c.reject(m, codec.StateCodeUsageError, fmt.Sprintf("Domain %v not supported", m.Domain))
	} else if !s.up() {
		delete(c.items, m.StreamID)
		return omm.NewStatus(m.Domain, m.StreamID, codec.State{
			Stream: codec.StreamStateClosedRecover,
			Data:   codec.DataStateSuspect,
			Text:   "Service not accepting requests",
		}).ApplyReceived(m).Send(c)
	}
	ik := itemKey{domain: m.Domain, name: m.Name()}
	it := s.items[ik]
	if it == nil {
		delete(c.items, m.StreamID)
		return c.reject(m, codec.StateCodeNotFound, "Item not found")
	}
	_, open := c.items[m.StreamID]
	streaming := m.Flags.Has(omm.FlagStreaming)
	if streaming {
		c.items[m.StreamID] = itemStream{serviceID: s.ID, key: ik}
	} else {
		delete(c.items, m.StreamID)
	}
	if open && m.Flags.Has(omm.FlagNoRefresh) {
		return nil
	}
	state := codec.State{Stream: codec.StreamStateOpen, Data: codec.DataStateOk}
	if !streaming {
		state.Stream = codec.StreamStateNonStreaming
	}
	b := omm.NewRefresh(m.Domain, m.StreamID, state).ApplyReceived(m).
		AddFlags(omm.FlagSolicited | omm.FlagClearCache).SetSeqNum(it.seq).SetPayload(copyFieldList(it.image))
	if m.Qos != nil {
		b.SetQos(*m.Qos)
	}
	return b.Send(c)
}

func (c *conn) handlePost(m *omm.Msg) error {
	var s *service
	var ik itemKey
	if st, ok := c.items[m.StreamID]; ok {
		s, _ = c.p.services.Get(st.serviceID)
		ik = st.key
	} else if id, ok := m.ServiceID(); ok && m.Name() != "" {
		// Off-stream post addressed by key
		s, _ = c.p.services.Get(id)
		ik = itemKey{domain: m.Domain, name: m.Name()}
		if ik.domain == omm.DomainLogin {
			ik.domain = omm.DomainMarketPrice
		}
	} else if m.StreamID != rdm.LoginStreamID {
		return c.nak(m, omm.NakNotOpen, "Stream not open")
	}
	if s == nil {
		return c.nak(m, omm.NakSourceUnknown, "Service not found")
	} else if !s.up() {
		return c.nak(m, omm.NakSourceDown, "Service down")
	}
	it := s.items[ik]
	if it == nil {
		return c.nak(m, omm.NakSymbolUnknown, "Item not found")
	}
	update, ok := m.Payload.(*codec.FieldList)
	if !ok {
		return c.nak(m, omm.NakInvalidContent, "Post payload must be a field list")
	}
	c.p.publish(s, ik, it, update)
	if !m.Flags.Has(omm.FlagAck) {
		return nil
	}
	return omm.NewAck(m.Domain, m.StreamID, m.PostID).ApplyReceived(m).SetSeqNum(m.SeqNum).Send(c)
}

func (c *conn) nak(m *omm.Msg, code uint8, text string) error {
	c.log.Debugf("Rejected post %v on %v: %v", m.PostID, m.StreamID, text)
	if !m.Flags.Has(omm.FlagAck) {
		return nil
	}
	return omm.NewAck(m.Domain, m.StreamID, m.PostID).ApplyReceived(m).SetSeqNum(m.SeqNum).SetNak(code, text).Send(c)
}

func (c *conn) echo(m *omm.Msg) error {
	return omm.NewGeneric(m.Domain, m.StreamID).ApplyReceived(m).SetSeqNum(m.SeqNum).SetPayload(m.Payload).Send(c)
}

// sendUpdate sends to every stream of this conn open for the item.
func (c *conn) sendUpdate(s *service, ik itemKey, seq uint32, update *codec.FieldList) int {
	sent := 0
	for id, st := range c.items {
		if st.serviceID == s.ID && st.key == ik {
			c.sendLogged(omm.NewUpdate(ik.domain, id).SetSeqNum(seq).SetPayload(update))
			sent++
		}
	}
	return sent
}

func (c *conn) unsolicitedRefresh(streamID int32, s *service, ik itemKey, it *item) *omm.MsgBuilder {
	return omm.NewRefresh(ik.domain, streamID, codec.State{Stream: codec.StreamStateOpen, Data: codec.DataStateOk}).
		SetName(ik.name).SetServiceID(s.ID).AddFlags(omm.FlagClearCache).SetSeqNum(it.seq).
		SetPayload(copyFieldList(it.image))
}

func (c *conn) resendImage(s *service, ik itemKey, it *item) {
	for id, st := range c.items {
		if st.serviceID == s.ID && st.key == ik {
			c.sendLogged(c.unsolicitedRefresh(id, s, ik, it))
		}
	}
}

// serviceStateChanged pushes the new state to directory streams and, when
// the service went down or came back, to the item streams on it.
func (c *conn) serviceStateChanged(s *service, wasUp bool) {
	if c.login == nil {
		return
	}
	state := *s.State
	entry := rdm.ServiceEntry{ServiceID: s.ID, Action: codec.MapActionUpdate, State: &state}
	for id, d := range c.directories {
		if d.filter&rdm.FilterIDState.Mask() == 0 || (d.hasService && d.serviceID != s.ID) {
			continue
		}
		c.sendLogged(omm.NewUpdate(omm.DomainDirectory, id).SetFilter(d.filter).
			SetPayload(rdm.EncodeDirectory([]rdm.ServiceEntry{entry}, rdm.FilterIDState.Mask())))
	}
	up := s.up()
	if up == wasUp {
		return
	}
	for id, st := range c.items {
		if st.serviceID != s.ID {
			continue
		}
		if !up {
			c.sendLogged(omm.NewStatus(st.key.domain, id, codec.State{
				Stream: codec.StreamStateOpen,
				Data:   codec.DataStateSuspect,
				Text:   "Service down",
			}))
		} else if it := s.items[st.key]; it != nil {
			c.sendLogged(c.unsolicitedRefresh(id, s, st.key, it))
		}
	}
}
