package health

import (
	"context"
	"time"

	"github.com/nimburion/coordination/pkg/coordination"
)

// SessionSource exposes a session state. coordination.Handle satisfies it.
type SessionSource interface {
	SessionState() coordination.SessionState
}

// SessionChecker maps the session state to a health status: CONNECTED is
// healthy, SUSPENDED degraded, LATENT and LOST unhealthy.
type SessionChecker struct {
	name   string
	source SessionSource
}

// NewSessionChecker returns a checker named name.
func NewSessionChecker(name string, source SessionSource) *SessionChecker {
	return &SessionChecker{name: name, source: source}
}

func (c *SessionChecker) Name() string { return c.name }

func (c *SessionChecker) Check(context.Context) CheckResult {
	state := c.source.SessionState()
	result := CheckResult{
		Name:      c.name,
		Message:   state.String(),
		Timestamp: time.Now(),
		Metadata:  map[string]any{"state": state.String()},
	}
	switch state {
	case coordination.SessionConnected:
		result.Status = StatusHealthy
	case coordination.SessionSuspended:
		result.Status = StatusDegraded
	default:
		result.Status = StatusUnhealthy
		result.Error = "session is " + state.String()
	}
	return result
}

// CacheChecker is healthy once the cache has completed its first synchronization.
type CacheChecker struct {
	name  string
	cache interface{ Initialized() bool }
}

// NewCacheChecker returns a checker for any cache reporting initialization,
// such as coordination.Cache.
func NewCacheChecker(name string, cache interface{ Initialized() bool }) *CacheChecker {
	return &CacheChecker{name: name, cache: cache}
}

func (c *CacheChecker) Name() string { return c.name }

func (c *CacheChecker) Check(context.Context) CheckResult {
	if c.cache.Initialized() {
		return CheckResult{Name: c.name, Status: StatusHealthy, Message: "initialized", Timestamp: time.Now()}
	}
	return CheckResult{Name: c.name, Status: StatusUnhealthy, Error: "cache not initialized", Timestamp: time.Now()}
}

// Checkable is implemented by backends that can probe their connection.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker runs a Checkable probe.
type AdapterChecker struct {
	name    string
	adapter Checkable
}

// NewAdapterChecker creates a checker for adapter.
func NewAdapterChecker(name string, adapter Checkable) *AdapterChecker {
	return &AdapterChecker{name: name, adapter: adapter}
}

func (c *AdapterChecker) Name() string { return c.name }

func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if err := c.adapter.HealthCheck(ctx); err != nil {
		return CheckResult{
			Name:      c.name,
			Status:    StatusUnhealthy,
			Error:     err.Error(),
			Timestamp: time.Now(),
			Duration:  time.Since(start),
		}
	}
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
}
