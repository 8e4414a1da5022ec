// Package rediscoord implements coordination.Handle on Redis. Sessions are
// expiring keys renewed in the background, nodes are hashes versioned by a
// shared counter, locks are SET NX keys owned by a session and caches poll a
// subtree with SCAN.
package rediscoord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/coordination/session"
	"github.com/nimburion/coordination/pkg/listener"
	"github.com/nimburion/coordination/pkg/nodepath"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/metrics"
)

// ErrBackend classifies failures reported by Redis.
var ErrBackend = errors.New("redis coordination backend error")

func backendError(op string, err error) error {
	return errors.Join(coordination.Errorf(ErrBackend, "%s", op), err)
}

// Client is the Redis coordination handle.
type Client struct {
	cfg     Config
	log     logger.Logger
	rdb     redis.UniversalClient
	ownsRDB bool
	keys    keys
	session *session.Manager
	metrics *metrics.Coordination
}

var _ coordination.Handle = (*Client)(nil)

// New validates cfg and builds a client. No connection is made until Start.
func New(cfg Config) (*Client, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	log := cfg.Logger.With("backend", "redis")

	rdb, owns := cfg.Client, false
	if rdb == nil {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		opts.ReadTimeout = cfg.OperationTimeout
		opts.WriteTimeout = cfg.OperationTimeout
		rdb, owns = redis.NewClient(opts), true
	}

	k := keys{prefix: cfg.Prefix}
	manager, err := session.NewManager(session.Config{
		Leaser:            &leaser{rdb: rdb, keys: k, ttl: cfg.SessionTTL},
		SessionLength:     cfg.SessionTTL,
		RequestTimeout:    cfg.OperationTimeout,
		MaxCloseSession:   cfg.MaxCloseSession,
		Logger:            log,
		MetricsRegisterer: cfg.MetricsRegisterer,
	})
	if err != nil {
		if owns {
			_ = rdb.Close()
		}
		return nil, err
	}

	collectors, err := metrics.NewCoordination(cfg.MetricsRegisterer)
	if err != nil {
		log.Warn("coordination metrics not registered", "error", err)
	}

	return &Client{
		cfg:     cfg,
		log:     log,
		rdb:     rdb,
		ownsRDB: owns,
		keys:    k,
		session: manager,
		metrics: collectors,
	}, nil
}

// Start verifies the connection and begins session management.
func (c *Client) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()
	if err := c.rdb.Ping(pingCtx).Err(); err != nil {
		return backendError("ping", err)
	}
	c.log.Info("redis connection established", "prefix", c.cfg.Prefix, "session_ttl", c.cfg.SessionTTL)
	return c.session.Start()
}

// Close destroys the session and closes the connection if the client opened it.
func (c *Client) Close() error {
	err := c.session.Close()
	if c.ownsRDB {
		err = errors.Join(err, c.rdb.Close())
	}
	return err
}

// HealthCheck pings Redis.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return backendError("ping", err)
	}
	return nil
}

// Redis returns the underlying connection.
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

func (c *Client) SessionState() coordination.SessionState {
	return c.session.State()
}

func (c *Client) BlockUntilSession(ctx context.Context, maxBlock time.Duration) bool {
	return c.session.BlockUntilConnected(ctx, maxBlock)
}

func (c *Client) SessionStateListenable() listener.Listenable[coordination.SessionStateListener] {
	return c.session.Listenable()
}

// NewLock returns a lock on path bound to this client's session.
func (c *Client) NewLock(path nodepath.Path) coordination.Lock {
	return newLock(c, path)
}

// NewCache returns an unstarted polling cache of the subtree at path.
func (c *Client) NewCache(path nodepath.Path) coordination.Cache {
	return newCache(c, path)
}

func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.OperationTimeout)
}
