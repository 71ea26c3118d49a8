package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "paramsync"

// Metrics 同步服务的 prometheus 指标。
// 所有方法对 nil 接收者安全，测试里可以直接传 nil。
type Metrics struct {
	connections     prometheus.Gauge
	sessions        prometheus.Gauge
	commits         prometheus.Counter
	conflicts       prometheus.Counter
	rejections      *prometheus.CounterVec
	droppedMessages prometheus.Counter
	proposeDuration prometheus.Histogram
	kafkaDropped    prometheus.Counter
}

// NewMetrics 在 reg 上注册指标；reg 为 nil 时用独立的 registry
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Active sessions in the registry",
		}),
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Committed parameter writes",
		}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Detected write conflicts",
		}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Rejected writes by reason",
		}, []string{"reason"}),
		droppedMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Outbound messages dropped because a send queue was full or closed",
		}),
		proposeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "propose_duration_seconds",
			Help:      "Time spent processing a proposed write",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		kafkaDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_dropped_events_total",
			Help:      "Commit events dropped after exhausting retries or queue space",
		}),
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

func (m *Metrics) Commit() {
	if m != nil {
		m.commits.Inc()
	}
}

func (m *Metrics) Conflict() {
	if m != nil {
		m.conflicts.Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.droppedMessages.Inc()
	}
}

func (m *Metrics) KafkaDropped() {
	if m != nil {
		m.kafkaDropped.Inc()
	}
}

func (m *Metrics) ObservePropose(d time.Duration) {
	if m != nil {
		m.proposeDuration.Observe(d.Seconds())
	}
}
