package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/metrics"
)

type requestMetrics struct {
	requests *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newRequestMetrics(reg prometheus.Registerer, log logger.Logger) *requestMetrics {
	m := &requestMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Logical backend requests by method and outcome.",
		}, []string{"method", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "transport",
			Name:      "retries_total",
			Help:      "Retried backend request attempts by method.",
		}, []string{"method"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "transport",
			Name:      "request_duration_seconds",
			Help:      "Duration of logical backend requests, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	var err error
	if m.requests, err = metrics.Reuse(reg, m.requests); err != nil {
		log.Warn("transport metrics not registered", "error", err)
	}
	if m.retries, err = metrics.Reuse(reg, m.retries); err != nil {
		log.Warn("transport metrics not registered", "error", err)
	}
	if m.duration, err = metrics.Reuse(reg, m.duration); err != nil {
		log.Warn("transport metrics not registered", "error", err)
	}
	return m
}

func (m *requestMetrics) observe(method string, err error, elapsed time.Duration) {
	m.requests.WithLabelValues(method, outcomeLabel(err)).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}
