package stream

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cretz/omm/pkg/omm"
)

var (
	ErrHandleNotFound = errors.New("handle not found")
	ErrInvalidRequest = errors.New("invalid request")
)

// FirstItemStreamID is the first id handed out. Lower ids are reserved for
// login, directory and dictionary streams.
const FirstItemStreamID int32 = 5

// Registry tracks the streams of one connection. All methods are safe for
// concurrent use; streams returned are copies.
type Registry interface {
	Register(req Request, client, closure interface{}) (Handle, error)
	// RegisterBatch registers one stream for the batch and one per name, with
	// item stream ids following the batch stream id.
	RegisterBatch(req Request, names []string, client, closure interface{}) (batch Handle, items []Handle, err error)
	// Reissue replaces the request of a Pending or Open stream. The domain
	// cannot change.
	Reissue(h Handle, req Request) (Stream, error)
	// Unregister removes the stream and returns it. Calling it again returns
	// ErrHandleNotFound and changes nothing.
	Unregister(h Handle) (Stream, error)
	Get(h Handle) (Stream, bool)
	Lookup(streamID int32) (Stream, bool)
	// OnMessage applies an inbound message to the stream it is for and returns
	// the stream after the change. The stream is removed when the message is
	// final. False means no stream has the id, so the message is dropped.
	OnMessage(m *omm.Msg) (Stream, bool)
	// MarkRequested records that the request of sent, a stream returned
	// earlier, was written. It is refused when the stream was suspended or
	// given a new stream id since sent was taken.
	MarkRequested(sent Stream, serviceID uint16) bool
	// Open returns the Open item streams in handle order. Batch streams are
	// not included.
	Open() []Stream
	// Unrequested returns Pending streams that have not been requested on the
	// current connection, in handle order.
	Unrequested() []Stream
	// CloseAll removes every stream and returns them in handle order.
	CloseAll() []Stream
	// Suspend handles a lost connection: private streams are removed and
	// returned, batch streams are removed and their items kept, and every
	// other stream is made Pending and unrequested.
	Suspend() (private []Stream, suspended []Stream)
	// Reassign gives every stream a fresh stream id from FirstItemStreamID in
	// handle order. Handles are unchanged.
	Reassign()
	Counts() map[State]int
	Len() int
}

type registry struct {
	lock         sync.RWMutex // Governs all fields below
	nextHandle   Handle
	nextStreamID int32
	byHandle     map[Handle]*Stream
	byStreamID   map[int32]*Stream
}

func NewRegistry() Registry {
	return &registry{
		nextHandle:   1,
		nextStreamID: FirstItemStreamID,
		byHandle:     map[Handle]*Stream{},
		byStreamID:   map[int32]*Stream{},
	}
}

func (r *registry) addUnlocked(s *Stream) {
	s.Handle = r.nextHandle
	r.nextHandle++
	s.StreamID = r.nextStreamID
	r.nextStreamID++
	r.byHandle[s.Handle] = s
	r.byStreamID[s.StreamID] = s
}

func (r *registry) removeUnlocked(s *Stream) {
	delete(r.byHandle, s.Handle)
	if r.byStreamID[s.StreamID] == s {
		delete(r.byStreamID, s.StreamID)
	}
}

func (s *Stream) copy() Stream {
	c := *s
	c.Items = append([]Handle(nil), s.Items...)
	return c
}

func (r *registry) Register(req Request, client, closure interface{}) (Handle, error) {
	if err := req.validate(false); err != nil {
		return 0, err
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	s := &Stream{Request: req, Client: client, Closure: closure}
	r.addUnlocked(s)
	return s.Handle, nil
}

func (r *registry) RegisterBatch(req Request, names []string, client, closure interface{}) (Handle, []Handle, error) {
	if err := req.validate(true); err != nil {
		return 0, nil, err
	} else if len(names) == 0 {
		return 0, nil, fmt.Errorf("%w: batch without names", ErrInvalidRequest)
	}
	for _, name := range names {
		if name == "" {
			return 0, nil, fmt.Errorf("%w: empty name in batch", ErrInvalidRequest)
		}
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	batch := &Stream{Request: req, Client: client, Closure: closure}
	r.addUnlocked(batch)
	for _, name := range names {
		itemReq := req
		itemReq.Name = name
		itemReq.Payload = nil
		item := &Stream{Request: itemReq, Client: client, Closure: closure, Batch: batch.Handle}
		r.addUnlocked(item)
		batch.Items = append(batch.Items, item.Handle)
	}
	return batch.Handle, append([]Handle(nil), batch.Items...), nil
}

func (r *registry) Reissue(h Handle, req Request) (Stream, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	s := r.byHandle[h]
	if s == nil || (s.State != StatePending && !s.State.IsOpen()) {
		return Stream{}, ErrHandleNotFound
	} else if req.Domain != s.Request.Domain {
		return Stream{}, fmt.Errorf("%w: cannot change domain from %v to %v", ErrInvalidRequest, s.Request.Domain, req.Domain)
	} else if len(s.Items) > 0 {
		return Stream{}, fmt.Errorf("%w: cannot reissue a batch, reissue its items", ErrInvalidRequest)
	} else if err := req.validate(false); err != nil {
		return Stream{}, err
	}
	s.Request = req
	return s.copy(), nil
}

func (r *registry) Unregister(h Handle) (Stream, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	s := r.byHandle[h]
	if s == nil {
		return Stream{}, ErrHandleNotFound
	}
	r.removeUnlocked(s)
	s.State = StateClosed
	return s.copy(), nil
}

func (r *registry) Get(h Handle) (Stream, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if s := r.byHandle[h]; s != nil {
		return s.copy(), true
	}
	return Stream{}, false
}

func (r *registry) Lookup(streamID int32) (Stream, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if s := r.byStreamID[streamID]; s != nil {
		return s.copy(), true
	}
	return Stream{}, false
}

func (r *registry) OnMessage(m *omm.Msg) (Stream, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	s := r.byStreamID[m.StreamID]
	if s == nil {
		return Stream{}, false
	}
	s.State = StateFor(s.State, m)
	if m.IsFinal() {
		if s.State != StateClosedRecover {
			s.State = StateClosed
		}
		r.removeUnlocked(s)
	}
	return s.copy(), true
}

func (r *registry) MarkRequested(sent Stream, serviceID uint16) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	s := r.byHandle[sent.Handle]
	if s == nil || s.StreamID != sent.StreamID || s.epoch != sent.epoch {
		return false
	}
	s.Requested = true
	if !s.Request.HasServiceID {
		// Keep the resolved id so reissues go to the same service
		s.Request.ServiceID = serviceID
	}
	return true
}

func (r *registry) sortedUnlocked() []*Stream {
	streams := make([]*Stream, 0, len(r.byHandle))
	for _, s := range r.byHandle {
		streams = append(streams, s)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Handle < streams[j].Handle })
	return streams
}

func (r *registry) Unrequested() []Stream {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var ret []Stream
	for _, s := range r.sortedUnlocked() {
		if !s.Requested && s.State == StatePending {
			ret = append(ret, s.copy())
		}
	}
	return ret
}

func (r *registry) Open() []Stream {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var ret []Stream
	for _, s := range r.sortedUnlocked() {
		if s.State.IsOpen() && len(s.Items) == 0 {
			ret = append(ret, s.copy())
		}
	}
	return ret
}

func (r *registry) CloseAll() []Stream {
	r.lock.Lock()
	defer r.lock.Unlock()
	streams := r.sortedUnlocked()
	ret := make([]Stream, 0, len(streams))
	for _, s := range streams {
		r.removeUnlocked(s)
		s.State = StateClosed
		ret = append(ret, s.copy())
	}
	return ret
}

func (r *registry) Suspend() (private []Stream, suspended []Stream) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, s := range r.sortedUnlocked() {
		switch {
		case s.Request.Private:
			r.removeUnlocked(s)
			s.State = StateClosedRecover
			private = append(private, s.copy())
		case len(s.Items) > 0:
			// Items are re-requested one by one
			r.removeUnlocked(s)
		default:
			s.State = StatePending
			s.Requested = false
			s.Batch = 0
			s.epoch++
			suspended = append(suspended, s.copy())
		}
	}
	return
}

func (r *registry) Reassign() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.byStreamID = make(map[int32]*Stream, len(r.byHandle))
	r.nextStreamID = FirstItemStreamID
	for _, s := range r.sortedUnlocked() {
		s.StreamID = r.nextStreamID
		s.epoch++
		r.nextStreamID++
		r.byStreamID[s.StreamID] = s
	}
}

func (r *registry) Counts() map[State]int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	counts := map[State]int{}
	for _, s := range r.byHandle {
		counts[s.State]++
	}
	return counts
}

func (r *registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.byHandle)
}
