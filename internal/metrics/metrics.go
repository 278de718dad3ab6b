package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Event counter names.
const (
	ConnAccepted           = "conn_accepted"
	ConnRejectedAuth       = "conn_rejected_unauthorized"
	ConnRejectedIdentity   = "conn_rejected_invalid_identity"
	ConnRejectedTooMany    = "conn_rejected_too_many"
	ConnRejectedRateLimit  = "conn_rejected_rate_limited"
	ConnRejectedOrigin     = "conn_rejected_origin"
	ConnClosed             = "conn_closed"
	ConnIdleTimeout        = "conn_idle_timeout"
	FrameChat              = "frame_chat"
	FrameWebRTC            = "frame_webrtc"
	FrameUnknownType       = "frame_unknown_type"
	FrameMalformed         = "frame_malformed"
	FrameRateLimited       = "frame_rate_limited"
	PersistOK              = "persist_ok"
	PersistFailed          = "persist_failed"
	ChatDroppedPersistence = "chat_dropped_persistence"
	FanoutDelivered        = "fanout_delivered"
	DeliveryFailed         = "delivery_failed"
	AuthCacheHit           = "auth_cache_hit"
	AuthCacheMiss          = "auth_cache_miss"
	ICECredentialsIssued   = "ice_credentials_issued"
)

// SignalKind returns the counter name for a classified webrtc signal.
func SignalKind(kind string) string { return "signal_" + kind }

const namespace = "aero_chat_relay"

// Metrics is a concurrency-safe counter registry backed by a private
// Prometheus registry. Every counter is exported as
// aero_chat_relay_events_total{event="<name>"}.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64

	reg    *prometheus.Registry
	events *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Internal event counters.",
	}, []string{"event"})
	reg.MustRegister(events)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Metrics{
		m:      make(map[string]uint64),
		reg:    reg,
		events: events,
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
	m.events.WithLabelValues(name).Add(float64(n))
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// GaugeFunc exports fn as aero_chat_relay_<name>. Registering the same name
// twice returns an error.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry exposes the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
