// Package session runs the client-side lease state machine shared by every
// coordination backend. A Manager creates a lease, keeps renewing it at two
// thirds of its TTL and derives the session state from the outcome of each
// attempt.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/listener"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/tracing"
)

// Lease is a server-side session. A zero TTL in a renew result means the TTL
// is unchanged.
type Lease struct {
	ID  string
	TTL time.Duration
}

// Leaser talks to the backend on behalf of a Manager.
type Leaser interface {
	Create(ctx context.Context) (Lease, error)
	Renew(ctx context.Context, id string) (Lease, error)
	Destroy(ctx context.Context, id string) error
}

// Config configures a Manager.
type Config struct {
	Leaser Leaser
	// SessionLength is the TTL requested at creation. Suspension lasting this
	// long turns into a lost session.
	SessionLength time.Duration
	// RequestTimeout bounds each create or renew call.
	RequestTimeout time.Duration
	// MaxCloseSession bounds the destroy call made by Close.
	MaxCloseSession time.Duration

	Logger            logger.Logger
	MetricsRegisterer prometheus.Registerer
	Now               func() time.Time
}

func (c *Config) normalize() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxCloseSession <= 0 {
		c.MaxCloseSession = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Logger = logger.OrNop(c.Logger)
}

// Manager owns one lease. It is safe for concurrent use.
type Manager struct {
	cfg     Config
	log     logger.Logger
	metrics *sessionMetrics

	mu             sync.Mutex
	id             string
	state          coordination.SessionState
	ttl            time.Duration
	suspendedSince time.Time
	changed        chan struct{}
	started        bool
	closed         bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	done      chan struct{}

	listeners *listener.Container[coordination.SessionStateListener]
}

// NewManager validates cfg and returns a manager in the LATENT state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Leaser == nil {
		return nil, fmt.Errorf("session leaser is required")
	}
	if cfg.SessionLength <= 0 {
		return nil, fmt.Errorf("session length must be positive, got %s", cfg.SessionLength)
	}
	cfg.normalize()

	runCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "session"),
		state:     coordination.SessionLatent,
		ttl:       cfg.SessionLength,
		changed:   make(chan struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
		done:      make(chan struct{}),
		listeners: listener.NewContainer[coordination.SessionStateListener](cfg.Logger),
	}
	m.metrics = newSessionMetrics(cfg.MetricsRegisterer, m.log)
	m.metrics.state.Set(float64(coordination.SessionLatent))
	return m, nil
}

// Start schedules an immediate session check and keeps checking in the background.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return coordination.ErrClosed
	}
	if m.started {
		return coordination.ErrAlreadyStarted
	}
	m.started = true
	go m.loop()
	return nil
}

func (m *Manager) loop() {
	defer close(m.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-timer.C:
			m.check(m.runCtx)
			timer.Reset(m.nextDelay())
		}
	}
}

func (m *Manager) nextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttl * 2 / 3
}

// check creates a lease when none is held and renews it otherwise.
func (m *Manager) check(ctx context.Context) {
	id := m.ID()
	operation := "renew"
	if id == "" {
		operation = "create"
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()
	reqCtx, span := tracing.StartSpan(reqCtx, tracing.SpanOperationSessionCheck, attribute.String("session.operation", operation))
	defer span.End()

	var lease Lease
	var err error
	if id == "" {
		lease, err = m.cfg.Leaser.Create(reqCtx)
	} else {
		lease, err = m.cfg.Leaser.Renew(reqCtx, id)
		if err == nil && lease.ID == "" {
			lease.ID = id
		}
	}
	if err == nil && lease.ID == "" {
		err = fmt.Errorf("backend returned an empty session id")
	}
	tracing.RecordError(span, err)

	if m.isClosed() || ctx.Err() != nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
		if id == "" {
			m.log.Error("could not create session", "error", err)
		} else {
			m.log.Error("could not renew session", "session", id, "error", err)
		}
	}
	m.metrics.checks.WithLabelValues(operation, outcome).Inc()
	m.record(lease, err)
}

// record applies the outcome of a check. id and state change together.
func (m *Manager) record(lease Lease, err error) {
	m.mu.Lock()
	previous := m.state
	if err == nil {
		m.id = lease.ID
		if lease.TTL > 0 && lease.TTL != m.ttl {
			m.log.Info("server is changing the session ttl", "session", lease.ID, "ttl", lease.TTL)
			m.ttl = lease.TTL
		}
		m.suspendedSince = time.Time{}
		m.state = coordination.SessionConnected
	} else {
		m.id = ""
		now := m.cfg.Now()
		switch {
		case m.suspendedSince.IsZero():
			m.suspendedSince = now
			m.state = coordination.SessionSuspended
		case now.Sub(m.suspendedSince) >= m.cfg.SessionLength:
			m.state = coordination.SessionLost
		default:
			m.state = coordination.SessionSuspended
		}
	}
	current := m.state
	if current != previous {
		close(m.changed)
		m.changed = make(chan struct{})
	}
	m.mu.Unlock()

	if current == previous {
		return
	}
	m.metrics.state.Set(float64(current))
	switch current {
	case coordination.SessionConnected:
		m.log.Info("session state changed", "from", previous.String(), "to", current.String(), "session", lease.ID)
	default:
		m.log.Warn("session state changed", "from", previous.String(), "to", current.String())
	}
	m.listeners.ForEach(func(l coordination.SessionStateListener) {
		l(current)
	})
}

// Close stops the renewal loop and destroys the held lease. A destroy failure
// is logged; the lease then expires on the server after its TTL.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	m.mu.Unlock()

	m.cancelRun()
	if started {
		<-m.done
	}

	m.mu.Lock()
	id := m.id
	m.id = ""
	m.mu.Unlock()
	m.listeners.Clear()

	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.MaxCloseSession)
	defer cancel()
	if err := m.cfg.Leaser.Destroy(ctx, id); err != nil {
		m.log.Error("could not delete session", "session", id, "error", err)
	}
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ID returns the held session id, "" when none is held.
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// State returns the current session state.
func (m *Manager) State() coordination.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TTL returns the current, possibly renegotiated, TTL.
func (m *Manager) TTL() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttl
}

// Listenable exposes session state listeners.
func (m *Manager) Listenable() listener.Listenable[coordination.SessionStateListener] {
	return m.listeners
}

// BlockUntilConnected waits up to maxBlock for the CONNECTED state. It returns
// false when the time runs out or ctx ends.
func (m *Manager) BlockUntilConnected(ctx context.Context, maxBlock time.Duration) bool {
	var expired <-chan time.Time
	if maxBlock > 0 {
		timer := time.NewTimer(maxBlock)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		m.mu.Lock()
		state, changed := m.state, m.changed
		m.mu.Unlock()
		if state == coordination.SessionConnected {
			return true
		}
		if maxBlock <= 0 {
			return false
		}
		select {
		case <-changed:
		case <-expired:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// SessionID returns the held id or blocks up to maxBlock for one.
func (m *Manager) SessionID(ctx context.Context, maxBlock time.Duration) (string, bool) {
	if !m.BlockUntilConnected(ctx, maxBlock) {
		return "", false
	}
	id := m.ID()
	return id, id != ""
}
