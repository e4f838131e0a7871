package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/dictionary"
	"github.com/cretz/omm/pkg/directory"
	"github.com/cretz/omm/pkg/metrics"
	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/rdm"
	"github.com/cretz/omm/pkg/session"
	"github.com/cretz/omm/pkg/stream"
	"github.com/cretz/omm/pkg/transport"
)

// dispatchOnce reads and processes at most one message. An error means
// dispatching cannot continue.
func (c *consumer) dispatchOnce(ctx context.Context, timeout time.Duration) (bool, error) {
	c.lock.RLock()
	closed, failed := c.closed, c.failed
	c.lock.RUnlock()
	if closed {
		return false, ErrConsumerClosed
	} else if failed != nil {
		return false, failed
	}
	c.checkSession()
	ch, cdc := c.channel()
	if ch == nil {
		return false, c.reconnect(ctx, timeout)
	}
	// Wake up for the next login reissue
	if next, ok := c.session.NextCheck(); ok {
		if wait := next.Sub(c.config.Clock.Now()); wait < timeout {
			timeout = wait
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	b, err := ch.Read(readCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		} else if errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		c.channelDown(ch, err)
		return false, nil
	}
	start := time.Now()
	m, err := omm.Unmarshal(b, cdc)
	if err != nil {
		c.log.Warnf("Dropping undecodable message: %v", err)
		c.metrics.Drop(metrics.DropUndecodable)
		return false, nil
	}
	delivered := c.process(m)
	c.metrics.ObserveMessage(m, start)
	c.metrics.SetStreams(c.registry.Counts())
	return delivered, nil
}

func (c *consumer) process(m *omm.Msg) bool {
	switch m.StreamID {
	case rdm.LoginStreamID:
		c.processLogin(m)
		return true
	case rdm.DirectoryStreamID:
		return c.processDirectory(m)
	case rdm.FieldDictionaryStreamID, rdm.EnumDictionaryStreamID:
		c.processDictionary(m)
		return true
	}
	s, ok := c.registry.OnMessage(m)
	if !ok {
		c.log.Debugf("Dropping message for unknown stream: %v", m)
		c.metrics.Drop(metrics.DropUnknownStream)
		return false
	}
	// The batch stream itself only acknowledges the batch
	if len(s.Items) > 0 {
		return false
	}
	c.deliver(s, m)
	return true
}

func (c *consumer) channelInfo() transport.Info {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.info
}

func (c *consumer) deliver(s stream.Stream, m *omm.Msg) {
	if client, _ := s.Client.(Client); client != nil {
		client.OnMsg(m, &Event{Handle: s.Handle, Closure: s.Closure, Channel: c.channelInfo(), State: s.State})
	}
}

func (c *consumer) deliverAdmin(m *omm.Msg) {
	if c.config.AdminClient != nil {
		c.config.AdminClient.OnMsg(m, &Event{Channel: c.channelInfo()})
	}
}

func statusFor(s stream.Stream, state codec.State) *omm.Msg {
	b := omm.NewStatus(s.Request.Domain, s.StreamID, state)
	if s.Request.Name != "" {
		b.SetName(s.Request.Name)
	}
	return b.Ref()
}

// closeAllStreams removes every stream, giving each a final status.
func (c *consumer) closeAllStreams(state codec.State) {
	for _, s := range c.registry.CloseAll() {
		if len(s.Items) == 0 {
			c.deliver(s, statusFor(s, state))
		}
	}
	c.metrics.SetStreams(c.registry.Counts())
}

func (c *consumer) checkSession() {
	req, t := c.session.Check(c.config.Clock.Now())
	if req != nil {
		if err := c.send(req); err != nil {
			c.log.Warnf("Failed reissuing login: %v", err)
		}
	}
	c.onLoginTransition(t)
}

func (c *consumer) processLogin(m *omm.Msg) {
	t := c.session.OnMessage(m)
	c.deliverAdmin(m)
	c.onLoginTransition(t)
	c.checkReady()
}

func (c *consumer) onLoginTransition(t session.Transition) {
	switch {
	case t.Cascade:
		c.loginSuspects = nil
		code := t.Status.Code
		if errors.Is(t.Err, session.ErrAuthenticationExpired) {
			code = codec.StateCodeNotAuthorized
		}
		c.log.Warnf("Logged out, closing all streams: %v", t.Err)
		c.closeAllStreams(codec.State{Stream: codec.StreamStateClosed, Data: codec.DataStateSuspect, Code: code, Text: t.Err.Error()})
		c.signalConnect(fmt.Errorf("failed logging in: %w", t.Err))
	case t.Recover:
		if ch, _ := c.channel(); ch != nil {
			c.channelDown(ch, fmt.Errorf("login closed with recover: %v", t.Status))
		}
	case t.Suspect:
		c.suspectStreams(t.Status)
	case t.Resume:
		c.resumeStreams()
	case t.From == session.StateLoginPending && (t.To == session.StateLoginOk || t.To == session.StateLoginSuspect):
		if err := c.send(rdm.DirectoryRequest(c.config.DirectoryFilter).Ref()); err != nil {
			c.log.Warnf("Failed requesting directory: %v", err)
		}
	}
}

// suspectStreams tells every open stream its data is unreliable while the
// login is suspect.
func (c *consumer) suspectStreams(login codec.State) {
	c.log.Warnf("Login suspect, marking open streams suspect: %v", login)
	state := codec.State{Stream: codec.StreamStateOpen, Data: codec.DataStateSuspect, Code: login.Code, Text: "login suspect"}
	if login.Text != "" {
		state.Text += ": " + login.Text
	}
	for _, s := range c.registry.Open() {
		status := statusFor(s, state)
		if updated, ok := c.registry.OnMessage(status); ok {
			c.loginSuspects = append(c.loginSuspects, s.Handle)
			c.deliver(updated, status)
		}
	}
	c.metrics.SetStreams(c.registry.Counts())
}

// resumeStreams re-drives the directory and the streams made suspect by the
// login once it is Ok again. Their refreshes restore the stream state.
func (c *consumer) resumeStreams() {
	handles := c.loginSuspects
	c.loginSuspects = nil
	c.log.Infof("Login ok again, re-requesting directory and %v streams", len(handles))
	if err := c.send(rdm.DirectoryRequest(c.config.DirectoryFilter).Ref()); err != nil {
		c.log.Warnf("Failed requesting directory: %v", err)
	}
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	for _, h := range handles {
		s, ok := c.registry.Get(h)
		if !ok || !s.Requested || !s.State.IsOpen() {
			continue
		}
		serviceID, ok := c.resolveService(&s.Request)
		if !ok {
			continue
		}
		if err := c.send(s.Request.Msg(s.StreamID, serviceID).Ref()); err != nil {
			c.log.Debugf("Re-request on stream %v not sent: %v", s.StreamID, err)
		}
	}
}

func (c *consumer) processDirectory(m *omm.Msg) bool {
	if m.Class == omm.ClassStatus {
		c.log.Infof("Directory status: %v", m.State)
		c.deliverAdmin(m)
		return true
	}
	_, err := c.catalog.Apply(m)
	if errors.Is(err, directory.ErrOutOfOrderUpdate) {
		c.metrics.Drop(metrics.DropOutOfOrder)
		return false
	}
	c.deliverAdmin(m)
	c.startDictionaryDownload()
	c.sendPending()
	c.checkReady()
	return true
}

func (c *consumer) startDictionaryDownload() {
	if c.download != nil || !c.catalog.Ready() || c.Dictionary() != nil {
		return
	}
	for _, svc := range c.catalog.Services() {
		if !c.catalog.IsServiceUp(svc.ID) {
			continue
		}
		for _, name := range svc.Info.DictionariesProvided {
			if name != rdm.FieldDictionaryName {
				continue
			}
			c.log.Debugf("Downloading %v from service %v", name, svc.Info.Name)
			if err := c.send(rdm.DictionaryRequest(rdm.FieldDictionaryStreamID, svc.ID, name).Ref()); err != nil {
				c.log.Warnf("Failed requesting dictionary: %v", err)
				return
			}
			c.download = dictionary.New()
			return
		}
	}
}

func (c *consumer) processDictionary(m *omm.Msg) {
	if c.download == nil {
		c.metrics.Drop(metrics.DropUnknownStream)
		return
	}
	switch m.Class {
	case omm.ClassRefresh:
		if err := rdm.DecodeFieldDictionaryPart(c.download, m.Payload); err != nil {
			c.download = nil
			c.signalConnect(fmt.Errorf("failed downloading dictionary: %w", err))
			return
		}
		if m.Flags.Has(omm.FlagRefreshComplete) {
			d := c.download
			c.download = nil
			c.log.Infof("Downloaded dictionary version %v with %v fields", d.Version, d.Len())
			c.setDictionary(d)
			c.checkReady()
		}
	case omm.ClassStatus:
		if m.IsFinal() {
			c.download = nil
			c.signalConnect(fmt.Errorf("dictionary request failed: %v", m.State))
		}
	}
}

// checkReady completes Connect and resets reconnect attempts once the
// connection is fully usable.
func (c *consumer) checkReady() {
	if s := c.session.State(); s != session.StateLoginOk && s != session.StateLoginSuspect {
		return
	} else if !c.catalog.Ready() || c.Dictionary() == nil {
		return
	}
	c.lock.Lock()
	c.attempts = 0
	c.lock.Unlock()
	c.signalConnect(nil)
}

// resolveService returns the service id for the request and whether it can
// be requested now.
func (c *consumer) resolveService(req *stream.Request) (uint16, bool) {
	if req.Domain == omm.DomainDirectory && req.ServiceName == "" && !req.HasServiceID {
		return 0, true
	}
	var serviceID uint16
	if req.HasServiceID {
		serviceID = req.ServiceID
	} else {
		svc, ok := c.catalog.ServiceFor(req.ServiceName)
		if !ok {
			return 0, false
		}
		serviceID = svc.ID
	}
	return serviceID, c.catalog.IsServiceUp(serviceID)
}

// sendPending sends every unrequested stream whose service is up. Streams
// that cannot be sent stay pending.
func (c *consumer) sendPending() {
	if s := c.session.State(); s != session.StateLoginOk && s != session.StateLoginSuspect {
		return
	} else if !c.catalog.Ready() {
		return
	}
	c.pendingLock.Lock()
	defer c.pendingLock.Unlock()
	for _, s := range c.registry.Unrequested() {
		if s.Batch != 0 {
			continue
		}
		serviceID, ok := c.resolveService(&s.Request)
		if !ok {
			continue
		}
		if len(s.Items) == 0 {
			c.sendRequest(s, serviceID)
			continue
		}
		items := make([]stream.Stream, 0, len(s.Items))
		for _, h := range s.Items {
			if item, ok := c.registry.Get(h); ok {
				items = append(items, item)
			}
		}
		// Item stream ids follow the batch stream id, so a batch with a
		// removed item is requested item by item instead
		if len(items) != len(s.Items) {
			c.registry.Unregister(s.Handle)
			for _, item := range items {
				c.sendRequest(item, serviceID)
			}
			continue
		}
		names := make([]string, len(items))
		for i, item := range items {
			names[i] = item.Request.Name
		}
		b := rdm.BatchRequest(s.Request.Domain, s.StreamID, serviceID, names)
		if s.Request.Snapshot {
			b.RemoveFlags(omm.FlagStreaming)
		}
		if s.Request.Private {
			b.AddFlags(omm.FlagPrivateStream)
		}
		if s.Request.Filter != 0 {
			b.SetFilter(s.Request.Filter)
		}
		if s.Request.Qos != nil {
			b.SetQos(*s.Request.Qos)
		}
		if err := c.send(b.Ref()); err != nil {
			c.log.Debugf("Batch request on stream %v not sent: %v", s.StreamID, err)
			continue
		}
		c.registry.MarkRequested(s, serviceID)
		for _, item := range items {
			c.registry.MarkRequested(item, serviceID)
		}
	}
}

func (c *consumer) sendRequest(s stream.Stream, serviceID uint16) {
	if err := c.send(s.Request.Msg(s.StreamID, serviceID).Ref()); err != nil {
		c.log.Debugf("Request on stream %v not sent: %v", s.StreamID, err)
		return
	}
	if !c.registry.MarkRequested(s, serviceID) {
		c.log.Debugf("Stream %v was suspended while its request was written", s.StreamID)
	}
}

// channelDown suspends every stream and schedules a reconnect.
func (c *consumer) channelDown(ch transport.Channel, cause error) {
	c.lock.Lock()
	if c.ch != ch {
		c.lock.Unlock()
		return
	}
	c.ch = nil
	c.nextReconnect = time.Now()
	c.lock.Unlock()
	ch.Close()
	c.log.Warnf("Channel %v down: %v", ch.Info().ID, cause)
	t := c.session.Disconnected()
	c.catalog.Reset()
	c.download = nil
	c.loginSuspects = nil
	if t.To == session.StateLoggedOut {
		c.lock.Lock()
		c.failed = fmt.Errorf("channel down after logout: %w", cause)
		c.lock.Unlock()
		return
	}
	private, suspended := c.registry.Suspend()
	for _, s := range private {
		c.deliver(s, statusFor(s, codec.State{Stream: codec.StreamStateClosedRecover, Data: codec.DataStateSuspect, Text: "channel down"}))
	}
	for _, s := range suspended {
		c.deliver(s, statusFor(s, codec.State{Stream: codec.StreamStateOpen, Data: codec.DataStateSuspect, Text: "channel down, reconnecting"}))
	}
	c.metrics.SetStreams(c.registry.Counts())
}

func (c *consumer) backoff(attempt int) time.Duration {
	d := c.config.ReconnectMinDelay
	for i := 1; i < attempt && d < c.config.ReconnectMaxDelay; i++ {
		d *= 2
	}
	if d > c.config.ReconnectMaxDelay {
		d = c.config.ReconnectMaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// reconnect makes at most one connection attempt, waiting up to timeout for
// the attempt to be due.
func (c *consumer) reconnect(ctx context.Context, timeout time.Duration) error {
	c.lock.Lock()
	if limit := c.config.ReconnectAttempts; limit > 0 && c.attempts >= limit {
		c.failed = fmt.Errorf("%w after %v attempts", ErrReconnectFailed, c.attempts)
		failed := c.failed
		c.lock.Unlock()
		c.closeAllStreams(codec.State{Stream: codec.StreamStateClosed, Data: codec.DataStateSuspect, Text: failed.Error()})
		c.signalConnect(failed)
		return failed
	}
	wait := time.Until(c.nextReconnect)
	c.lock.Unlock()
	if wait > timeout {
		return sleep(ctx, timeout)
	} else if err := sleep(ctx, wait); err != nil {
		return err
	}
	c.lock.Lock()
	c.attempts++
	attempt := c.attempts
	c.lock.Unlock()
	c.metrics.Reconnects.Inc()
	ch, err := c.config.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := c.backoff(attempt)
		c.lock.Lock()
		c.nextReconnect = time.Now().Add(delay)
		c.lock.Unlock()
		c.log.Warnf("Reconnect attempt %v failed, retrying in %v: %v", attempt, delay, err)
		return nil
	}
	c.log.Infof("Reconnected on attempt %v", attempt)
	c.registry.Reassign()
	if err := c.startLogin(ch); err != nil {
		c.log.Warnf("Login after reconnect failed: %v", err)
		c.channelDown(ch, err)
	}
	return nil
}
