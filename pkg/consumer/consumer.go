package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/dictionary"
	"github.com/cretz/omm/pkg/directory"
	"github.com/cretz/omm/pkg/log"
	"github.com/cretz/omm/pkg/metrics"
	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/rdm"
	"github.com/cretz/omm/pkg/session"
	"github.com/cretz/omm/pkg/stream"
	"github.com/cretz/omm/pkg/transport"
)

type DispatchMode int

const (
	// APIDispatch runs a goroutine that reads and delivers messages.
	APIDispatch DispatchMode = iota
	// UserDispatch delivers messages only from Dispatch calls.
	UserDispatch
)

var (
	ErrConcurrentDispatch = errors.New("dispatch already running")
	ErrConsumerClosed     = errors.New("consumer closed")
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectFailed    = errors.New("reconnect attempts exhausted")
)

// LoginHandle submits on the login stream.
const LoginHandle stream.Handle = 0

type Config struct {
	// Required. Called for the first connection and every reconnect.
	Dial func(context.Context) (transport.Channel, error)
	// Required unless Credentials is set
	Login rdm.LoginRequest
	// If nil, Login is used for every login and reissue
	Credentials func() rdm.LoginRequest
	// Default is APIDispatch
	DispatchMode DispatchMode
	// If zero, rdm.DefaultDirectoryFilter
	DirectoryFilter uint32
	// If nil and DownloadDictionary is false, dictionary.Default() is used
	Dictionary *dictionary.Dictionary
	// Download the field dictionary from the first service providing it when
	// Dictionary is nil
	DownloadDictionary bool
	// If zero, 5. Negative retries forever.
	ReconnectAttempts int
	// If zero, 1s
	ReconnectMinDelay time.Duration
	// If zero, 5s
	ReconnectMaxDelay time.Duration
	// If zero, session.DefaultReissueLead
	ReissueLead time.Duration
	// If nil, uses session.WallClock()
	Clock session.Clock
	// Receives login and directory messages. Optional.
	AdminClient Client
	// If nil, unregistered collectors are used
	Metrics *metrics.Metrics
	// If nil, uses log.NopLog()
	Log log.Log
}

// Consumer is one connection to a provider with its streams.
type Consumer interface {
	// Connect dials, logs in and waits for the directory (and the dictionary
	// when downloading). In UserDispatch mode it dispatches while waiting.
	Connect(ctx context.Context) error
	// Dispatch reads and delivers at most one message, waiting up to timeout.
	// The result is whether a message was delivered. Only for UserDispatch.
	Dispatch(timeout time.Duration) (bool, error)
	// Register adds a stream. The request is sent once the service is up.
	Register(req stream.Request, client Client, closure interface{}) (stream.Handle, error)
	// RegisterBatch adds one stream per name, requested together.
	RegisterBatch(req stream.Request, names []string, client Client, closure interface{}) ([]stream.Handle, error)
	Reissue(h stream.Handle, req stream.Request) error
	// Unregister closes the stream. Later messages for it are dropped.
	Unregister(h stream.Handle) error
	// Submit sends a Post or Generic on the stream. ErrWouldBlock is
	// returned when no output buffer is free.
	Submit(h stream.Handle, m *omm.Msg) error
	// SubmitWithRetry retries Submit on ErrWouldBlock until ctx is done.
	SubmitWithRetry(ctx context.Context, h stream.Handle, m *omm.Msg) error
	// Relogin logs in again after the session was logged out.
	Relogin() error
	Stream(h stream.Handle) (stream.Stream, bool)
	StreamCounts() map[stream.State]int
	LoginState() session.State
	Catalog() directory.Catalog
	Dictionary() *dictionary.Dictionary
	Close() error
}

type consumer struct {
	config   Config
	log      log.Log
	metrics  *metrics.Metrics
	registry stream.Registry
	catalog  directory.Catalog
	session  session.Session

	ctx     context.Context
	cancel  context.CancelFunc
	runDone chan struct{}

	dispatchLock sync.Mutex
	// Held while sending pending requests
	pendingLock sync.Mutex

	connectOnce   sync.Once
	connectResult chan error

	// Only accessed by the dispatching goroutine
	download *dictionary.Dictionary
	// Streams made suspect by a suspect login, re-requested on resume
	loginSuspects []stream.Handle

	lock          sync.RWMutex // Governs fields below
	ch            transport.Channel
	info          transport.Info
	codec         codec.Codec
	dict          *dictionary.Dictionary
	closed        bool
	running       bool
	failed        error
	attempts      int
	nextReconnect time.Time
}

func New(config Config) (Consumer, error) {
	if config.Dial == nil {
		return nil, fmt.Errorf("missing dial")
	}
	if config.Credentials == nil {
		if config.Login.UserName == "" {
			return nil, fmt.Errorf("missing login user name")
		}
		login := config.Login
		config.Credentials = func() rdm.LoginRequest { return login }
	}
	if config.DirectoryFilter == 0 {
		config.DirectoryFilter = rdm.DefaultDirectoryFilter
	}
	if config.ReconnectAttempts == 0 {
		config.ReconnectAttempts = 5
	}
	if config.ReconnectMinDelay <= 0 {
		config.ReconnectMinDelay = time.Second
	}
	if config.ReconnectMaxDelay <= 0 {
		config.ReconnectMaxDelay = 5 * time.Second
	}
	if config.ReconnectMaxDelay < config.ReconnectMinDelay {
		config.ReconnectMaxDelay = config.ReconnectMinDelay
	}
	if config.Clock == nil {
		config.Clock = session.WallClock()
	}
	if config.Log == nil {
		config.Log = log.NopLog()
	}
	c := &consumer{
		config:        config,
		log:           config.Log,
		metrics:       config.Metrics,
		registry:      stream.NewRegistry(),
		catalog:       directory.NewCatalog(directory.CatalogConfig{Log: config.Log}),
		runDone:       make(chan struct{}),
		connectResult: make(chan error, 1),
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil, "consumer")
	}
	var err error
	c.session, err = session.New(session.Config{
		Credentials: config.Credentials,
		Clock:       config.Clock,
		ReissueLead: config.ReissueLead,
		Log:         config.Log,
	})
	if err != nil {
		return nil, err
	}
	if config.Dictionary != nil {
		c.setDictionary(config.Dictionary)
	} else if !config.DownloadDictionary {
		c.setDictionary(dictionary.Default())
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func (c *consumer) setDictionary(d *dictionary.Dictionary) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.dict = d
	c.codec = codec.Codec{Dictionary: d}
}

func (c *consumer) Dictionary() *dictionary.Dictionary {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.dict
}

func (c *consumer) Connect(ctx context.Context) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrConsumerClosed
	} else if c.ch != nil || c.attempts > 0 {
		c.lock.Unlock()
		return fmt.Errorf("already connected")
	}
	c.lock.Unlock()
	ch, err := c.config.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed connecting: %w", err)
	}
	if err := c.startLogin(ch); err != nil {
		c.lock.Lock()
		c.ch = nil
		c.lock.Unlock()
		c.session.Disconnected()
		ch.Close()
		return err
	}
	if c.config.DispatchMode == APIDispatch {
		c.lock.Lock()
		c.running = true
		c.lock.Unlock()
		go c.run()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.connectResult:
			return err
		}
	}
	for {
		select {
		case err := <-c.connectResult:
			return err
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.dispatchLock.TryLock() {
			return ErrConcurrentDispatch
		}
		_, err := c.dispatchOnce(ctx, 100*time.Millisecond)
		c.dispatchLock.Unlock()
		if err != nil {
			return err
		}
	}
}

// startLogin makes ch the current channel and sends the login request.
func (c *consumer) startLogin(ch transport.Channel) error {
	c.lock.Lock()
	c.ch = ch
	c.info = ch.Info()
	c.lock.Unlock()
	req, err := c.session.Start()
	if err != nil {
		return fmt.Errorf("failed starting login: %w", err)
	}
	c.log.Debugf("Logging in as %v on channel %v", req.Name(), ch.Info().ID)
	if err := c.send(req); err != nil {
		return fmt.Errorf("failed sending login: %w", err)
	}
	return nil
}

func (c *consumer) signalConnect(err error) {
	c.connectOnce.Do(func() { c.connectResult <- err })
}

func (c *consumer) run() {
	defer close(c.runDone)
	for {
		if _, err := c.dispatchOnce(c.ctx, time.Second); err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Warnf("Dispatch stopped: %v", err)
			}
			return
		}
	}
}

func (c *consumer) Dispatch(timeout time.Duration) (bool, error) {
	if c.config.DispatchMode != UserDispatch {
		return false, fmt.Errorf("dispatch is only for user dispatch mode")
	} else if !c.dispatchLock.TryLock() {
		return false, ErrConcurrentDispatch
	}
	defer c.dispatchLock.Unlock()
	return c.dispatchOnce(c.ctx, timeout)
}

func (c *consumer) channel() (transport.Channel, codec.Codec) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.ch, c.codec
}

// send marshals and writes m on the current channel.
func (c *consumer) send(m *omm.Msg) error {
	ch, cdc := c.channel()
	if ch == nil {
		return ErrNotConnected
	}
	b, err := omm.Marshal(m, cdc)
	if err != nil {
		return fmt.Errorf("failed marshaling %v: %w", m.Class, err)
	}
	if err = transport.WriteMessage(ch, b); errors.Is(err, transport.ErrWouldBlock) {
		c.metrics.WouldBlock.Inc()
	}
	return err
}

func (c *consumer) Register(req stream.Request, client Client, closure interface{}) (stream.Handle, error) {
	if client == nil {
		return 0, fmt.Errorf("%w: missing client", stream.ErrInvalidRequest)
	}
	h, err := c.registry.Register(req, client, closure)
	if err != nil {
		return 0, err
	}
	c.sendPending()
	return h, nil
}

func (c *consumer) RegisterBatch(req stream.Request, names []string, client Client, closure interface{}) ([]stream.Handle, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: missing client", stream.ErrInvalidRequest)
	}
	_, items, err := c.registry.RegisterBatch(req, names, client, closure)
	if err != nil {
		return nil, err
	}
	c.sendPending()
	return items, nil
}

func (c *consumer) Reissue(h stream.Handle, req stream.Request) error {
	s, err := c.registry.Reissue(h, req)
	if err != nil {
		return err
	}
	if !s.Requested {
		c.sendPending()
		return nil
	}
	serviceID, ok := c.resolveService(&s.Request)
	if !ok {
		return fmt.Errorf("%w: service not available", stream.ErrInvalidRequest)
	}
	c.registry.MarkRequested(s, serviceID)
	return c.send(s.Request.Msg(s.StreamID, serviceID).Ref())
}

func (c *consumer) Unregister(h stream.Handle) error {
	s, err := c.registry.Unregister(h)
	if err != nil {
		return err
	}
	c.metrics.SetStreams(c.registry.Counts())
	if s.Requested {
		if err := c.send(omm.NewClose(s.Request.Domain, s.StreamID).Ref()); err != nil && !errors.Is(err, ErrNotConnected) {
			c.log.Debugf("Failed sending close for stream %v: %v", s.StreamID, err)
		}
	}
	return nil
}

func (c *consumer) Submit(h stream.Handle, m *omm.Msg) error {
	if m.Class != omm.ClassPost && m.Class != omm.ClassGeneric {
		return fmt.Errorf("%w: cannot submit %v", stream.ErrInvalidRequest, m.Class)
	}
	out := *m
	if h == LoginHandle {
		if s := c.session.State(); s != session.StateLoginOk && s != session.StateLoginSuspect {
			return ErrNotConnected
		}
		out.StreamID = rdm.LoginStreamID
		if out.Domain == 0 {
			out.Domain = omm.DomainLogin
		}
		return c.send(&out)
	}
	s, ok := c.registry.Get(h)
	if !ok {
		return stream.ErrHandleNotFound
	} else if !s.Requested {
		return fmt.Errorf("%w: stream %v not requested yet", ErrNotConnected, h)
	}
	out.StreamID = s.StreamID
	if out.Domain == 0 {
		out.Domain = s.Request.Domain
	}
	return c.send(&out)
}

func (c *consumer) SubmitWithRetry(ctx context.Context, h stream.Handle, m *omm.Msg) error {
	delay := time.Millisecond
	for {
		err := c.Submit(h, m)
		if !errors.Is(err, transport.ErrWouldBlock) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed submitting: %w", err)
		case <-time.After(delay):
		}
		if delay *= 2; delay > 100*time.Millisecond {
			delay = 100 * time.Millisecond
		}
	}
}

func (c *consumer) Relogin() error {
	if err := c.session.Reset(); err != nil {
		return err
	}
	ch, _ := c.channel()
	if ch == nil {
		return ErrNotConnected
	}
	return c.startLogin(ch)
}

func (c *consumer) Stream(h stream.Handle) (stream.Stream, bool) { return c.registry.Get(h) }

func (c *consumer) StreamCounts() map[stream.State]int { return c.registry.Counts() }

func (c *consumer) LoginState() session.State { return c.session.State() }

func (c *consumer) Catalog() directory.Catalog { return c.catalog }

func (c *consumer) Close() error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return nil
	}
	c.closed = true
	c.lock.Unlock()
	if s := c.session.State(); s == session.StateLoginOk || s == session.StateLoginSuspect {
		_ = c.send(omm.NewClose(omm.DomainLogin, rdm.LoginStreamID).Ref())
	}
	c.cancel()
	c.signalConnect(ErrConsumerClosed)
	c.lock.RLock()
	running := c.running
	c.lock.RUnlock()
	if running {
		<-c.runDone
	}
	c.lock.Lock()
	ch := c.ch
	c.ch = nil
	c.lock.Unlock()
	c.registry.CloseAll()
	if ch != nil {
		return ch.Close()
	}
	return nil
}
