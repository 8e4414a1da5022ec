package rediscoord

import (
	"context"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/listener"
	"github.com/nimburion/coordination/pkg/nodepath"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/retry"
)

// cache polls a subtree and feeds each snapshot to a coordination.Mirror.
type cache struct {
	client *Client
	path   nodepath.Path
	cfg    CacheConfig
	log    logger.Logger
	mirror *coordination.Mirror

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ coordination.Cache = (*cache)(nil)

func newCache(c *Client, path nodepath.Path) *cache {
	log := c.log.With("component", "cache", "path", path.FullPath())
	return &cache{
		client: c,
		path:   path,
		cfg:    c.cfg.Cache,
		log:    log,
		mirror: coordination.NewMirror(log),
		done:   make(chan struct{}),
	}
}

func (c *cache) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return coordination.ErrClosed
	}
	if c.started {
		return coordination.ErrAlreadyStarted
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.loop(ctx)
	return nil
}

func (c *cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started, cancel := c.started, c.cancel
	c.mu.Unlock()

	if started {
		cancel()
		<-c.done
	}
	c.mirror.Close()
	return nil
}

func (c *cache) Current() map[nodepath.Path]coordination.Node[[]byte] {
	return c.mirror.Current()
}

func (c *cache) Listenable() listener.Listenable[coordination.CacheListener] {
	return c.mirror.Listenable()
}

func (c *cache) Initialized() bool {
	return c.mirror.Initialized()
}

func (c *cache) loop(ctx context.Context) {
	defer close(c.done)
	backoff := retry.NewBackoff(c.cfg.BackoffBase, c.cfg.BackoffMax)
	for {
		delay := c.cfg.PollInterval
		if err := c.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.client.metrics.CacheIterations.WithLabelValues("failure").Inc()
			delay = backoff.Next()
			c.log.Warn("cache synchronization failed", "error", err, "retry_in", delay)
		} else {
			c.client.metrics.CacheIterations.WithLabelValues("success").Inc()
			backoff.Reset()
		}
		if !retry.Sleep(ctx, delay) {
			return
		}
	}
}

// iterate reads the whole subtree once and applies it.
func (c *cache) iterate(ctx context.Context) error {
	ctx, cancel := c.client.opContext(ctx)
	defer cancel()

	stored, err := c.client.scan(ctx, c.client.keys.subtreePattern(c.path.Key()))
	if err != nil {
		return backendError("scan "+c.path.FullPath(), err)
	}
	stored = c.withinSubtree(stored)

	pipe := c.client.rdb.Pipeline()
	reads := make([]*redis.MapStringStringCmd, len(stored))
	for i, key := range stored {
		reads[i] = pipe.HGetAll(ctx, key)
	}
	if len(reads) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return backendError("read "+c.path.FullPath(), err)
		}
	}

	var snap coordination.Snapshot
	for i, key := range stored {
		path, err := nodepath.Parse("/" + strings.TrimPrefix(key, c.client.keys.kvPrefix()))
		if err != nil {
			c.log.Error("could not parse key", "key", key, "error", err)
			continue
		}
		node, err := nodeFromHash(path, reads[i].Val())
		if err != nil {
			// deleted between SCAN and HGETALL
			if len(reads[i].Val()) == 0 {
				continue
			}
			c.log.Error("could not decode node", "key", key, "error", err)
			snap.Retain = append(snap.Retain, path)
			continue
		}
		snap.Nodes = append(snap.Nodes, node)
	}

	for _, event := range c.mirror.Apply(snap) {
		c.client.metrics.CacheEvents.WithLabelValues(event.Type.String()).Inc()
	}
	return nil
}

// withinSubtree drops keys that share the root's prefix without being below
// it, such as "/ab" when following "/a".
func (c *cache) withinSubtree(stored []string) []string {
	root := c.path.Key()
	if root == "" {
		return stored
	}
	kept := stored[:0]
	for _, key := range stored {
		rest := strings.TrimPrefix(key, c.client.keys.kvPrefix())
		if rest == root || strings.HasPrefix(rest, root+"/") {
			kept = append(kept, key)
		}
	}
	return kept
}
