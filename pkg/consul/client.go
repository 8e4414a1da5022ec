// Package consul implements coordination.Handle on the Consul HTTP API:
// sessions become leases renewed in the background, locks use the KV
// acquire/release primitives and caches follow subtrees with blocking queries.
package consul

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/coordination/session"
	"github.com/nimburion/coordination/pkg/listener"
	"github.com/nimburion/coordination/pkg/nodepath"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/metrics"
	"github.com/nimburion/coordination/pkg/retry"
	"github.com/nimburion/coordination/pkg/transport"
)

// KV exposes the low-level request machinery of a Consul-backed handle.
// Discover it with AsKV.
type KV interface {
	Requester() *transport.Requester
	// URI builds a full request URL for an API path such as "/v1/kv/" plus an
	// already escaped suffix.
	URI(apiPath, suffix string, query url.Values) string
	// SessionID returns the held session id, "" when none is held.
	SessionID() string
}

// AsKV returns the KV capability of h when h is backed by Consul.
func AsKV(h coordination.Handle) (KV, bool) {
	kv, ok := h.(KV)
	return kv, ok
}

// Client is the Consul coordination handle.
type Client struct {
	cfg       Config
	log       logger.Logger
	requester *transport.Requester
	session   *session.Manager
	metrics   *metrics.Coordination
}

var (
	_ coordination.Handle = (*Client)(nil)
	_ KV                  = (*Client)(nil)
)

// New validates cfg and builds a client. Call Start to establish the session.
func New(cfg Config) (*Client, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consul config: %w", err)
	}

	policy := cfg.RetryPolicy
	if policy == nil {
		var err error
		if policy, err = retry.FromConfig(cfg.Retry); err != nil {
			return nil, err
		}
	}
	log := cfg.Logger.With("backend", "consul")

	requester := transport.NewRequester(transport.Config{
		HTTPClient:        cfg.HTTPClient,
		Token:             cfg.Token,
		RetryPolicy:       policy,
		Logger:            log,
		MetricsRegisterer: cfg.MetricsRegisterer,
	})

	sessionLength, err := ParseDuration(cfg.TTL)
	if err != nil {
		return nil, err
	}
	leaserCfg := cfg
	leaserCfg.Logger = log
	manager, err := session.NewManager(session.Config{
		Leaser:            newLeaser(requester, leaserCfg),
		SessionLength:     sessionLength,
		RequestTimeout:    cfg.RequestTimeout,
		MaxCloseSession:   cfg.MaxCloseSession,
		Logger:            log,
		MetricsRegisterer: cfg.MetricsRegisterer,
	})
	if err != nil {
		return nil, err
	}

	collectors, err := metrics.NewCoordination(cfg.MetricsRegisterer)
	if err != nil {
		log.Warn("coordination metrics not registered", "error", err)
	}

	return &Client{
		cfg:       cfg,
		log:       log,
		requester: requester,
		session:   manager,
		metrics:   collectors,
	}, nil
}

// Start begins session management.
func (c *Client) Start(context.Context) error {
	return c.session.Start()
}

// Close stops session renewal and destroys the session.
func (c *Client) Close() error {
	return c.session.Close()
}

// SessionState returns the current session state.
func (c *Client) SessionState() coordination.SessionState {
	return c.session.State()
}

// BlockUntilSession waits up to maxBlock for a connected session.
func (c *Client) BlockUntilSession(ctx context.Context, maxBlock time.Duration) bool {
	return c.session.BlockUntilConnected(ctx, maxBlock)
}

// SessionStateListenable exposes session state listeners.
func (c *Client) SessionStateListenable() listener.Listenable[coordination.SessionStateListener] {
	return c.session.Listenable()
}

// NewLock returns a lock on path bound to this client's session.
func (c *Client) NewLock(path nodepath.Path) coordination.Lock {
	return newLock(c, path)
}

// NewCache returns an unstarted cache of the subtree at path.
func (c *Client) NewCache(path nodepath.Path) coordination.Cache {
	return newCache(c, path)
}

// HealthCheck asks the agent for the raft leader. An empty leader means the
// cluster cannot serve writes.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.await(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    c.URI(pathStatusLeader, "", nil),
	}, transport.WithoutRetry())
	if err != nil {
		return err
	}
	var leader string
	if err := resp.Decode(&leader); err != nil {
		return err
	}
	if leader == "" {
		return fmt.Errorf("consul cluster has no leader")
	}
	return nil
}

// Requester returns the client's requester.
func (c *Client) Requester() *transport.Requester {
	return c.requester
}

// URI builds a URL on the configured agent.
func (c *Client) URI(apiPath, suffix string, query url.Values) string {
	return buildURI(c.cfg.Address, apiPath, suffix, query)
}

// SessionID returns the held session id.
func (c *Client) SessionID() string {
	return c.session.ID()
}
