package metrics

import (
	"net/http"
	"time"

	"github.com/cretz/omm/pkg/omm"
	"github.com/cretz/omm/pkg/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "omm"

// Drop reasons
const (
	DropUnknownStream   = "unknown_stream"
	DropOutOfOrder      = "out_of_order_update"
	DropUndecodable     = "undecodable"
	DropUnexpectedClass = "unexpected_class"
)

// Metrics are the collectors of one consumer or provider.
type Metrics struct {
	Messages         *prometheus.CounterVec
	Dropped          *prometheus.CounterVec
	WouldBlock       prometheus.Counter
	Reconnects       prometheus.Counter
	Streams          *prometheus.GaugeVec
	DispatchDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg. If reg is nil, they
// are not registered.
func New(reg prometheus.Registerer, subsystem string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Messages received, by domain and class",
		}, []string{"domain", "class"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_messages_total",
			Help:      "Messages received and not delivered, by reason",
		}, []string{"reason"}),
		WouldBlock: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "would_block_total",
			Help:      "Writes rejected because the output buffer pool was empty",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_total",
			Help:      "Connection attempts after a lost channel",
		}),
		Streams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "streams",
			Help:      "Registered streams, by state",
		}, []string{"state"}),
		DispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent decoding and delivering one message",
			Buckets:   []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
}

func (m *Metrics) ObserveMessage(msg *omm.Msg, start time.Time) {
	m.Messages.WithLabelValues(msg.Domain.String(), msg.Class.String()).Inc()
	m.DispatchDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) Drop(reason string) { m.Dropped.WithLabelValues(reason).Inc() }

// SetStreams sets the stream gauge from registry counts. States with no
// streams are set to zero.
func (m *Metrics) SetStreams(counts map[stream.State]int) {
	for _, s := range []stream.State{
		stream.StatePending, stream.StateOpenOk, stream.StateOpenSuspect, stream.StateClosed, stream.StateClosedRecover,
	} {
		m.Streams.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// Handler serves the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
