package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cliproxy/relay/utils"
)

// Metrics exposes the routing core's Prometheus metrics. All methods are
// safe for concurrent use and nil-receiver tolerant, so wiring metrics is
// optional everywhere.
type Metrics struct {
	registry *prometheus.Registry

	decisionsTotal  *prometheus.CounterVec
	selectionsTotal *prometheus.CounterVec
	attemptsTotal   *prometheus.CounterVec
	cooldownsTotal  *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "routing_decisions_total",
				Help:      "Total routing decisions by reason",
			},
			[]string{"reason", "applied"},
		),
		selectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "target_selections_total",
				Help:      "Total target selections by pick strategy",
			},
			[]string{"pick"},
		),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "upstream_attempts_total",
				Help:      "Total upstream attempts by instance and outcome",
			},
			[]string{"instance", "outcome"},
		),
		cooldownsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "cooldowns_recorded_total",
				Help:      "Total cooldowns recorded by failure class",
			},
			[]string{"class"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relay",
				Name:      "upstream_attempt_duration_seconds",
				Help:      "Upstream attempt duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"instance"},
		),
	}

	utils.MustWithoutOutput(registry.Register(m.decisionsTotal))
	utils.MustWithoutOutput(registry.Register(m.selectionsTotal))
	utils.MustWithoutOutput(registry.Register(m.attemptsTotal))
	utils.MustWithoutOutput(registry.Register(m.cooldownsTotal))
	utils.MustWithoutOutput(registry.Register(m.attemptDuration))

	return m
}

func (m *Metrics) RecordDecision(reason string, applied bool) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(reason, strconv.FormatBool(applied)).Inc()
}

func (m *Metrics) RecordSelection(pick string) {
	if m == nil {
		return
	}
	m.selectionsTotal.WithLabelValues(pick).Inc()
}

func (m *Metrics) RecordAttempt(instance string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(instance, outcome).Inc()
	m.attemptDuration.WithLabelValues(instance).Observe(duration.Seconds())
}

func (m *Metrics) RecordCooldown(class string) {
	if m == nil {
		return
	}
	m.cooldownsTotal.WithLabelValues(class).Inc()
}

// Handler serves the metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
