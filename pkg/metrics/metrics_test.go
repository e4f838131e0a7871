package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "consumer")
	m.ObserveMessage(omm.NewUpdate(omm.DomainMarketPrice, 5).Ref(), time.Now())
	m.ObserveMessage(omm.NewUpdate(omm.DomainMarketPrice, 6).Ref(), time.Now())
	m.Drop(DropUnknownStream)
	m.WouldBlock.Inc()
	m.SetStreams(map[stream.State]int{stream.StateOpenOk: 3})

	require.Equal(t, 2.0, testutil.ToFloat64(m.Messages.WithLabelValues("MarketPrice", "Update")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues(DropUnknownStream)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.WouldBlock))
	require.Equal(t, 3.0, testutil.ToFloat64(m.Streams.WithLabelValues("Open-Ok")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.Streams.WithLabelValues("Pending")))
	require.Equal(t, 1, testutil.CollectAndCount(m.DispatchDuration))

	expected := `
# HELP omm_consumer_reconnects_total Connection attempts after a lost channel
# TYPE omm_consumer_reconnects_total counter
omm_consumer_reconnects_total 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "omm_consumer_reconnects_total"))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "omm_consumer_would_block_total 1")
}

func TestUnregistered(t *testing.T) {
	// Two sets with the same names must not collide when unregistered
	New(nil, "x").Drop(DropUndecodable)
	New(nil, "x").Drop(DropUndecodable)
}
