package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/metrics"
)

type sessionMetrics struct {
	state  prometheus.Gauge
	checks *prometheus.CounterVec
}

func newSessionMetrics(reg prometheus.Registerer, log logger.Logger) *sessionMetrics {
	m := &sessionMetrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Session state: 0 latent, 1 connected, 2 suspended, 3 lost.",
		}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "session",
			Name:      "checks_total",
			Help:      "Session create and renew attempts by outcome.",
		}, []string{"operation", "outcome"}),
	}
	var err error
	if m.state, err = metrics.Reuse(reg, m.state); err != nil {
		log.Warn("session metrics not registered", "error", err)
	}
	if m.checks, err = metrics.Reuse(reg, m.checks); err != nil {
		log.Warn("session metrics not registered", "error", err)
	}
	return m
}
