package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/dictionary"
	"github.com/cretz/omm/pkg/log"
	"github.com/cretz/omm/pkg/metrics"
	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/rdm"
	"github.com/cretz/omm/pkg/transport"
	"github.com/tidwall/btree"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrItemNotFound    = errors.New("item not found")
	ErrProviderClosed  = errors.New("provider closed")
)

// Service is one service the provider publishes in its directory.
type Service struct {
	ID   uint16
	Info rdm.ServiceInfo
	// If nil, the service is up and accepting requests. Nil fields are taken
	// as true.
	State *rdm.ServiceState
	Load  *rdm.ServiceLoad
	Links []rdm.ServiceLink
}

// ItemKey names an item image.
type ItemKey struct {
	Service string
	// If zero, MarketPrice
	Domain omm.DomainType
	Name   string
}

type Config struct {
	// Services in the directory. Info.Capabilities defaults to MarketPrice and
	// Dictionary, and Info.DictionariesProvided to the field dictionary when
	// Dictionary is a capability.
	Services []Service
	// If nil, uses dictionary.Default
	Dictionary *dictionary.Dictionary
	// If nil, every login is accepted
	Authorize func(*rdm.LoginRequest, transport.Info) error
	// If zero, logins do not expire
	AuthenticationTT time.Duration
	// If zero, 100
	DictionaryPartSize int
	// If empty, is "omm"
	ApplicationName string
	// If nil, uses an unregistered set
	Metrics *metrics.Metrics
	// If empty, uses log.NopLog
	Log log.Log
}

type Provider interface {
	// ServeChannel blocks until the channel fails, ctx is done or the
	// provider is closed. The channel is closed on return.
	ServeChannel(ctx context.Context, ch transport.Channel) error
	// SetImage creates or replaces an item image. Open streams for the item
	// get an unsolicited refresh.
	SetImage(key ItemKey, image *codec.FieldList) error
	// Publish applies update to the image and sends it to every open stream
	// for the item, returning how many streams it was sent to.
	Publish(key ItemKey, update *codec.FieldList) (int, error)
	// SetServiceState merges state into the service and pushes the change to
	// every directory stream.
	SetServiceState(serviceID uint16, state rdm.ServiceState) error
	// SetLoginState sends a login Status with state to every logged in
	// connection, returning how many it was sent to. Only Open stream states
	// are accepted.
	SetLoginState(state codec.State) (int, error)
	Services() []Service
	Connections() []transport.Info
	Close() error
}

type item struct {
	image *codec.FieldList
	seq   uint32
}

type itemKey struct {
	domain omm.DomainType
	name   string
}

type service struct {
	Service
	items map[itemKey]*item
}

func (s *service) up() bool {
	return *s.State.Up && *s.State.AcceptingRequests
}

func (s *service) hasCapability(d omm.DomainType) bool {
	for _, c := range s.Info.Capabilities {
		if c == d {
			return true
		}
	}
	return false
}

func (s *service) providesDictionary(name string) bool {
	for _, d := range s.Info.DictionariesProvided {
		if d == name {
			return true
		}
	}
	return false
}

func (s *service) entry(action codec.MapAction) rdm.ServiceEntry {
	info := s.Info
	state := *s.State
	return rdm.ServiceEntry{ServiceID: s.ID, Action: action, Info: &info, State: &state, Load: s.Load, Links: s.Links}
}

type provider struct {
	config    Config
	codec     codec.Codec
	dictParts []*codec.Series
	log       log.Log
	metrics   *metrics.Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Governs every field below and the state of every conn
	lock     sync.Mutex
	services *btree.Map[uint16, *service]
	byName   map[string]*service
	conns    map[*conn]struct{}
	closed   bool
}

func New(config Config) (Provider, error) {
	if config.Dictionary == nil {
		config.Dictionary = dictionary.Default()
	}
	if config.ApplicationName == "" {
		config.ApplicationName = "omm"
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New(nil, "provider")
	}
	if config.Log == nil {
		config.Log = log.NopLog()
	}
	p := &provider{
		config:    config,
		codec:     codec.Codec{Dictionary: config.Dictionary},
		dictParts: rdm.EncodeFieldDictionary(config.Dictionary, config.DictionaryPartSize),
		log:       config.Log,
		metrics:   config.Metrics,
		services:  btree.NewMap[uint16, *service](32),
		byName:    map[string]*service{},
		conns:     map[*conn]struct{}{},
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for _, svc := range config.Services {
		if svc.Info.Name == "" {
			return nil, fmt.Errorf("service %v missing name", svc.ID)
		} else if _, ok := p.services.Get(svc.ID); ok {
			return nil, fmt.Errorf("duplicate service id %v", svc.ID)
		} else if p.byName[svc.Info.Name] != nil {
			return nil, fmt.Errorf("duplicate service name %v", svc.Info.Name)
		}
		s := &service{Service: svc, items: map[itemKey]*item{}}
		if len(s.Info.Capabilities) == 0 {
			s.Info.Capabilities = []omm.DomainType{omm.DomainMarketPrice, omm.DomainDictionary}
		}
		if len(s.Info.DictionariesProvided) == 0 && s.hasCapability(omm.DomainDictionary) {
			s.Info.DictionariesProvided = []string{rdm.FieldDictionaryName}
		}
		state := rdm.ServiceState{Up: rdm.Bool(true), AcceptingRequests: rdm.Bool(true)}
		if svc.State != nil {
			mergeState(&state, *svc.State)
		}
		s.State = &state
		p.services.Set(s.ID, s)
		p.byName[s.Info.Name] = s
	}
	return p, nil
}

func mergeState(into *rdm.ServiceState, from rdm.ServiceState) {
	if from.Up != nil {
		into.Up = rdm.Bool(*from.Up)
	}
	if from.AcceptingRequests != nil {
		into.AcceptingRequests = rdm.Bool(*from.AcceptingRequests)
	}
	if from.Status != nil {
		status := *from.Status
		into.Status = &status
	}
}

func copyFieldList(f *codec.FieldList) *codec.FieldList {
	return &codec.FieldList{Entries: append([]codec.FieldEntry(nil), f.Entries...)}
}

func (p *provider) ServeChannel(ctx context.Context, ch transport.Channel) error {
	defer ch.Close()
	c := newConn(p, ch)
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return ErrProviderClosed
	}
	p.conns[c] = struct{}{}
	p.wg.Add(1)
	p.lock.Unlock()
	defer func() {
		p.lock.Lock()
		delete(p.conns, c)
		p.lock.Unlock()
		p.wg.Done()
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	p.log.Debugf("Serving channel %v from %v", ch.Info().ID, ch.Info().RemoteAddr)
	return c.run(ctx)
}

func (p *provider) item(key ItemKey) (*service, itemKey, error) {
	s := p.byName[key.Service]
	if s == nil {
		return nil, itemKey{}, fmt.Errorf("%w: %v", ErrServiceNotFound, key.Service)
	}
	domain := key.Domain
	if domain == 0 {
		domain = omm.DomainMarketPrice
	}
	return s, itemKey{domain: domain, name: key.Name}, nil
}

func (p *provider) SetImage(key ItemKey, image *codec.FieldList) error {
	if image == nil {
		return fmt.Errorf("missing image")
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	s, ik, err := p.item(key)
	if err != nil {
		return err
	}
	it := s.items[ik]
	if it == nil {
		it = &item{}
		s.items[ik] = it
	}
	it.image = copyFieldList(image)
	for c := range p.conns {
		c.resendImage(s, ik, it)
	}
	return nil
}

func (p *provider) Publish(key ItemKey, update *codec.FieldList) (int, error) {
	if update == nil {
		return 0, fmt.Errorf("missing update")
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	s, ik, err := p.item(key)
	if err != nil {
		return 0, err
	}
	it := s.items[ik]
	if it == nil {
		return 0, fmt.Errorf("%w: %v", ErrItemNotFound, key.Name)
	}
	return p.publish(s, ik, it, update), nil
}

// publish applies the update and fans it out. Caller must hold the lock.
func (p *provider) publish(s *service, ik itemKey, it *item, update *codec.FieldList) int {
	rdm.ApplyFields(it.image, update)
	it.seq++
	sent := 0
	for c := range p.conns {
		sent += c.sendUpdate(s, ik, it.seq, update)
	}
	return sent
}

func (p *provider) SetServiceState(serviceID uint16, state rdm.ServiceState) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	s, ok := p.services.Get(serviceID)
	if !ok {
		return fmt.Errorf("%w: %v", ErrServiceNotFound, serviceID)
	}
	wasUp := s.up()
	mergeState(s.State, state)
	p.log.Infof("Service %v state now up=%v accepting=%v", s.Info.Name, *s.State.Up, *s.State.AcceptingRequests)
	for c := range p.conns {
		c.serviceStateChanged(s, wasUp)
	}
	return nil
}

func (p *provider) SetLoginState(state codec.State) (int, error) {
	if state.Stream != codec.StreamStateOpen {
		return 0, fmt.Errorf("login state must be open, got %v", state.Stream)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	sent := 0
	for c := range p.conns {
		if c.login != nil {
			c.sendLogged(omm.NewStatus(omm.DomainLogin, rdm.LoginStreamID, state))
			sent++
		}
	}
	p.log.Infof("Login state %v sent to %v connections", state, sent)
	return sent, nil
}

func (p *provider) Services() []Service {
	p.lock.Lock()
	defer p.lock.Unlock()
	ret := make([]Service, 0, p.services.Len())
	p.services.Scan(func(_ uint16, s *service) bool {
		svc := s.Service
		state := *s.State
		svc.State = &state
		ret = append(ret, svc)
		return true
	})
	return ret
}

func (p *provider) Connections() []transport.Info {
	p.lock.Lock()
	defer p.lock.Unlock()
	ret := make([]transport.Info, 0, len(p.conns))
	for c := range p.conns {
		ret = append(ret, c.ch.Info())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// Close ends every served channel and waits for them to finish.
func (p *provider) Close() error {
	p.lock.Lock()
	p.closed = true
	p.lock.Unlock()
	p.cancel()
	p.wg.Wait()
	return nil
}
