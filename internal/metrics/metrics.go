package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event names used with Inc/Add. They become values of the `event` label.
const (
	EventRoomCreated   = "room_created"
	EventCodeCollision = "room_code_collision"
	EventRoomJoined    = "room_joined"
	EventRoomLeft      = "room_left"
	EventSweepFailed   = "sweep_failed"

	EventSignalRelayed = "signal_relayed"
	EventSignalDropped = "signal_dropped"
	EventChatBroadcast = "chat_broadcast"
	EventHandRaised    = "hand_raised"

	EventIdentityMismatch = "identity_mismatch"
	EventBadMessage       = "bad_message"
	EventHandlerPanic     = "handler_panic"
	EventSlowConsumer     = "slow_consumer"

	DropReasonRateLimited       = "rate_limited"
	DropReasonCreateRateLimited = "create_rate_limited"
)

const namespace = "meet_signaling"

// SweptEvent names the counter bumped when a room is reclaimed for reason.
func SweptEvent(reason string) string { return "room_swept_" + reason }

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without one in tests.
type Metrics struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	connections   prometheus.Gauge
	sweepDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Signaling and room registry events.",
		}, []string{"event"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Currently open signaling WebSocket connections.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Time spent reclaiming expired rooms per sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.events,
		m.connections,
		m.sweepDuration,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Inc(event string) {
	m.Add(event, 1)
}

func (m *Metrics) Add(event string, n float64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Add(n)
}

// Get returns the current value of an event counter.
func (m *Metrics) Get(event string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(event).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
