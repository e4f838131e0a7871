package stream

import (
	"testing"

	"github.com/cretz/omm/pkg/codec"
	"github.com/cretz/omm/pkg/omm"
	"github.com/stretchr/testify/require"
)

func itemRequest(name string) Request {
	return Request{Domain: omm.DomainMarketPrice, Name: name, ServiceName: "DIRECT_FEED"}
}

func refresh(streamID int32, stream codec.StreamState, data codec.DataState) *omm.Msg {
	return omm.NewRefresh(omm.DomainMarketPrice, streamID, codec.State{Stream: stream, Data: data}).Ref()
}

func status(streamID int32, stream codec.StreamState, data codec.DataState) *omm.Msg {
	return omm.NewStatus(omm.DomainMarketPrice, streamID, codec.State{Stream: stream, Data: data}).Ref()
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	for name, req := range map[string]Request{
		"domain":  {Name: "IBM.N", ServiceName: "X"},
		"login":   {Domain: omm.DomainLogin, Name: "user"},
		"name":    {Domain: omm.DomainMarketPrice, ServiceName: "X"},
		"service": {Domain: omm.DomainMarketPrice, Name: "IBM.N"},
	} {
		_, err := r.Register(req, nil, nil)
		require.ErrorIs(t, err, ErrInvalidRequest, name)
	}
	_, _, err := r.RegisterBatch(itemRequest(""), nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, _, err = r.RegisterBatch(itemRequest("named"), []string{"A"}, nil, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.Equal(t, 0, r.Len())

	_, err = r.Register(Request{Domain: omm.DomainDirectory}, nil, nil)
	require.NoError(t, err)
	_, err = r.Register(Request{Domain: omm.DomainMarketPrice, Name: "IBM.N", ServiceID: 1, HasServiceID: true}, nil, nil)
	require.NoError(t, err)
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	h1, err := r.Register(itemRequest("IBM.N"), "client", "closure")
	require.NoError(t, err)
	h2, err := r.Register(itemRequest("VOD.L"), nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	s, ok := r.Get(h1)
	require.True(t, ok)
	require.Equal(t, FirstItemStreamID, s.StreamID)
	require.Equal(t, StatePending, s.State)
	require.Equal(t, "client", s.Client)
	require.Equal(t, "closure", s.Closure)

	s, ok = r.Lookup(FirstItemStreamID + 1)
	require.True(t, ok)
	require.Equal(t, h2, s.Handle)
	_, ok = r.Lookup(99)
	require.False(t, ok)
}

func TestStateTransitions(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Register(itemRequest("IBM.N"), nil, nil)
	s, _ := r.Get(h)
	id := s.StreamID

	s, ok := r.OnMessage(refresh(id, codec.StreamStateOpen, codec.DataStateSuspect))
	require.True(t, ok)
	require.Equal(t, StateOpenSuspect, s.State)
	s, _ = r.OnMessage(status(id, codec.StreamStateOpen, codec.DataStateNoChange))
	require.Equal(t, StateOpenSuspect, s.State)
	s, _ = r.OnMessage(refresh(id, codec.StreamStateOpen, codec.DataStateOk))
	require.Equal(t, StateOpenOk, s.State)
	s, _ = r.OnMessage(omm.NewUpdate(omm.DomainMarketPrice, id).Ref())
	require.Equal(t, StateOpenOk, s.State)
	s, _ = r.OnMessage(status(id, codec.StreamStateClosedRecover, codec.DataStateSuspect))
	require.Equal(t, StateClosedRecover, s.State)
	_, ok = r.Get(h)
	require.False(t, ok)
	_, ok = r.OnMessage(refresh(id, codec.StreamStateOpen, codec.DataStateOk))
	require.False(t, ok)
}

func TestSnapshotClosesOnCompleteRefresh(t *testing.T) {
	r := NewRegistry()
	req := itemRequest("IBM.N")
	req.Snapshot = true
	h, _ := r.Register(req, nil, nil)
	s, _ := r.Get(h)
	require.False(t, req.Msg(s.StreamID, 1).Ref().Flags.Has(omm.FlagStreaming))
	part := omm.NewRefresh(omm.DomainMarketPrice, s.StreamID,
		codec.State{Stream: codec.StreamStateNonStreaming, Data: codec.DataStateOk}).RemoveFlags(omm.FlagRefreshComplete).Ref()
	s, _ = r.OnMessage(part)
	require.Equal(t, StateOpenOk, s.State)
	s, _ = r.OnMessage(refresh(s.StreamID, codec.StreamStateNonStreaming, codec.DataStateOk))
	require.Equal(t, StateClosed, s.State)
	require.Equal(t, 0, r.Len())
}

func TestUnregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Register(itemRequest("IBM.N"), nil, nil)
	s, _ := r.Get(h)
	first, err := r.Unregister(h)
	require.NoError(t, err)
	require.Equal(t, StateClosed, first.State)
	countsAfterFirst := r.Counts()
	_, err = r.Unregister(h)
	require.ErrorIs(t, err, ErrHandleNotFound)
	require.Equal(t, countsAfterFirst, r.Counts())
	require.Equal(t, 0, r.Len())
	// Late refresh has nowhere to go
	_, ok := r.OnMessage(refresh(s.StreamID, codec.StreamStateOpen, codec.DataStateOk))
	require.False(t, ok)
}

func TestReissue(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Register(itemRequest("IBM.N"), nil, nil)
	req := itemRequest("IBM.N")
	req.Filter = 7
	s, err := r.Reissue(h, req)
	require.NoError(t, err)
	require.Equal(t, uint32(7), s.Request.Filter)

	req.Domain = omm.DomainMarketByPrice
	_, err = r.Reissue(h, req)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = r.Unregister(h)
	require.NoError(t, err)
	_, err = r.Reissue(h, itemRequest("IBM.N"))
	require.ErrorIs(t, err, ErrHandleNotFound)
}

func TestBatch(t *testing.T) {
	r := NewRegistry()
	_, _ = r.Register(itemRequest("FIRST"), nil, nil)
	batch, items, err := r.RegisterBatch(itemRequest(""), []string{"A", "B", "C", "D", "E"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, items, 5)
	b, _ := r.Get(batch)
	require.Equal(t, items, b.Items)
	for i, h := range items {
		s, _ := r.Get(h)
		require.Equal(t, b.StreamID+int32(i)+1, s.StreamID)
		require.Equal(t, batch, s.Batch)
		require.Equal(t, string(rune('A'+i)), s.Request.Name)
	}
	for _, h := range items {
		s, _ := r.Get(h)
		got, ok := r.OnMessage(refresh(s.StreamID, codec.StreamStateOpen, codec.DataStateOk))
		require.True(t, ok)
		require.Equal(t, h, got.Handle)
	}
	r.OnMessage(status(b.StreamID, codec.StreamStateClosed, codec.DataStateOk))
	counts := r.Counts()
	require.Equal(t, 5, counts[StateOpenOk])
	require.Equal(t, 1, counts[StatePending])
	_, ok := r.Get(batch)
	require.False(t, ok)
	_, err = r.Reissue(items[0], itemRequest("A2"))
	require.NoError(t, err)
}

func TestSuspendAndReassign(t *testing.T) {
	r := NewRegistry()
	h1, _ := r.Register(itemRequest("IBM.N"), nil, nil)
	privReq := itemRequest("PRIV")
	privReq.Private = true
	h2, _ := r.Register(privReq, nil, nil)
	batch, items, _ := r.RegisterBatch(itemRequest(""), []string{"A", "B"}, nil, nil)
	for _, s := range r.Unrequested() {
		require.True(t, r.MarkRequested(s, 9))
		r.OnMessage(refresh(s.StreamID, codec.StreamStateOpen, codec.DataStateOk))
	}
	require.Empty(t, r.Unrequested())

	private, suspended := r.Suspend()
	require.Len(t, private, 1)
	require.Equal(t, h2, private[0].Handle)
	require.Equal(t, StateClosedRecover, private[0].State)
	require.Len(t, suspended, 3)
	_, ok := r.Get(batch)
	require.False(t, ok)

	r.Reassign()
	var ids []int32
	for _, s := range r.Unrequested() {
		require.Equal(t, StatePending, s.State)
		require.Equal(t, uint16(9), s.Request.ServiceID)
		require.Zero(t, s.Batch)
		ids = append(ids, s.StreamID)
	}
	require.Equal(t, []int32{5, 6, 7}, ids)
	s, _ := r.Get(h1)
	require.Equal(t, int32(5), s.StreamID)
	s, _ = r.Lookup(7)
	require.Equal(t, items[1], s.Handle)
}

func TestMarkRequestedAfterSuspendRefused(t *testing.T) {
	r := NewRegistry()
	h, _ := r.Register(itemRequest("IBM.N"), nil, nil)
	sent := r.Unrequested()[0]
	// The channel went down between writing the request and marking it
	_, suspended := r.Suspend()
	require.Len(t, suspended, 1)
	require.False(t, r.MarkRequested(sent, 1))
	require.Len(t, r.Unrequested(), 1)

	r.Reassign()
	require.False(t, r.MarkRequested(sent, 1))
	fresh := r.Unrequested()[0]
	require.True(t, r.MarkRequested(fresh, 1))
	require.Empty(t, r.Unrequested())
	s, _ := r.Get(h)
	require.True(t, s.Requested)

	_, err := r.Unregister(h)
	require.NoError(t, err)
	require.False(t, r.MarkRequested(fresh, 1))
}

func TestOpen(t *testing.T) {
	r := NewRegistry()
	h1, _ := r.Register(itemRequest("A"), nil, nil)
	r.Register(itemRequest("B"), nil, nil)
	batch, items, _ := r.RegisterBatch(itemRequest(""), []string{"C"}, nil, nil)
	for _, h := range []Handle{h1, batch, items[0]} {
		s, _ := r.Get(h)
		r.OnMessage(refresh(s.StreamID, codec.StreamStateOpen, codec.DataStateOk))
	}
	s, _ := r.Get(items[0])
	r.OnMessage(status(s.StreamID, codec.StreamStateOpen, codec.DataStateSuspect))
	var handles []Handle
	for _, s := range r.Open() {
		handles = append(handles, s.Handle)
	}
	require.Equal(t, []Handle{h1, items[0]}, handles)
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"A", "B", "C"} {
		h, _ := r.Register(itemRequest(name), nil, nil)
		s, _ := r.Get(h)
		r.OnMessage(refresh(s.StreamID, codec.StreamStateOpen, codec.DataStateOk))
	}
	closed := r.CloseAll()
	require.Len(t, closed, 3)
	for _, s := range closed {
		require.Equal(t, StateClosed, s.State)
	}
	require.Equal(t, 0, r.Len())
	require.Empty(t, r.Counts())
}
