package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Coordination holds the cache and lock collectors shared by every backend.
type Coordination struct {
	CacheEvents     *prometheus.CounterVec
	CacheIterations *prometheus.CounterVec
	LockAcquire     *prometheus.CounterVec
}

// NewCoordination creates the collectors and registers them on reg. The
// collectors are usable even when registration fails; the error reports why
// they are not exported.
func NewCoordination(reg prometheus.Registerer) (*Coordination, error) {
	m := &Coordination{
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Cache change events by type.",
		}, []string{"type"}),
		CacheIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "iterations_total",
			Help:      "Cache synchronization iterations by outcome.",
		}, []string{"outcome"}),
		LockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Lock acquisition attempts by outcome.",
		}, []string{"outcome"}),
	}
	var errs [3]error
	m.CacheEvents, errs[0] = Reuse(reg, m.CacheEvents)
	m.CacheIterations, errs[1] = Reuse(reg, m.CacheIterations)
	m.LockAcquire, errs[2] = Reuse(reg, m.LockAcquire)
	return m, errors.Join(errs[:]...)
}
