package websocket

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes transport counters to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests          *prometheus.CounterVec
	latency           *prometheus.HistogramVec
	pending           prometheus.Gauge
	state             prometheus.Gauge
	dialAttempts      *prometheus.CounterVec
	reconnects        prometheus.Counter
	notifications     *prometheus.CounterVec
	heartbeatFailures *prometheus.CounterVec
	droppedFrames     *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	const ns = "rpcws"
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "requests_total",
			Help: "JSON-RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "request_duration_seconds",
			Help:    "Time from send to response, timeout or failure.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "pending_requests",
			Help: "Requests awaiting a response.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "connection_state",
			Help: "0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closed.",
		}),
		dialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "dial_attempts_total",
			Help: "WebSocket dial attempts by phase and result.",
		}, []string{"phase", "result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "reconnects_total",
			Help: "Sessions re-established after an unexpected drop.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "notifications_total",
			Help: "Inbound notifications by method and result.",
		}, []string{"method", "result"}),
		heartbeatFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "heartbeat_failures_total",
			Help: "Heartbeat probes that failed, by reason.",
		}, []string{"reason"}),
		droppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "dropped_frames_total",
			Help: "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.requests, m.latency, m.pending, m.state, m.dialAttempts,
		m.reconnects, m.notifications, m.heartbeatFailures, m.droppedFrames,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, errors.New("rpcws metrics already registered with this registerer")
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) dialAttempt(phase string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dialAttempts.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) notification(method, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(method, result).Inc()
}

func (m *Metrics) heartbeatFailure(reason string) {
	if m == nil {
		return
	}
	m.heartbeatFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedFrames.WithLabelValues(reason).Inc()
}
