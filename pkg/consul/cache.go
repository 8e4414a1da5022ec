package consul

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/listener"
	"github.com/nimburion/coordination/pkg/nodepath"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/retry"
	"github.com/nimburion/coordination/pkg/transport"
)

// cache follows a subtree with blocking recursive reads and feeds each
// snapshot to a coordination.Mirror.
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

// Close stops the loop. A read in flight is abandoned and its result discarded.
func (c *cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
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
	limiter := rate.NewLimiter(rate.Limit(c.cfg.RateLimit), c.cfg.RateBurst)
	index := transport.NoIndex

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		next, err := c.iterate(ctx, index)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.client.metrics.CacheIterations.WithLabelValues("failure").Inc()
			delay := backoff.Next()
			c.log.Warn("cache synchronization failed", "error", err, "retry_in", delay)
			if !retry.Sleep(ctx, delay) {
				return
			}
			continue
		}
		c.client.metrics.CacheIterations.WithLabelValues("success").Inc()
		backoff.Reset()
		index = next
	}
}

// iterate reads the subtree once, blocking on index when one is known, and
// applies the result. It returns the index to block on next.
func (c *cache) iterate(ctx context.Context, index int64) (int64, error) {
	uri := buildURI(c.client.cfg.Address, pathKV, kvKey(c.path), blockingQuery(url.Values{"recurse": {""}}, index, c.cfg.BlockingWait))
	outcome := c.client.requester.
		Execute(ctx, transport.Request{Method: http.MethodGet, URL: uri}, transport.WithoutRetry()).
		Await(ctx, c.cfg.MaxRead)

	var entries []kvEntry
	var respIndex int64
	switch outcome.Status {
	case transport.StatusTimedOut:
		return index, fmt.Errorf("%w after %s", errReadTimedOut, c.cfg.MaxRead)
	case transport.StatusFailed:
		var statusErr *transport.StatusError
		if !errors.As(outcome.Err, &statusErr) || statusErr.Code != http.StatusNotFound {
			return index, outcome.Err
		}
		respIndex = statusErr.Index
	default:
		var err error
		if entries, err = decodeEntries(outcome.Response); err != nil {
			return index, err
		}
		respIndex = outcome.Response.Index
	}

	events := c.mirror.Apply(c.snapshot(entries))
	for _, event := range events {
		c.client.metrics.CacheEvents.WithLabelValues(event.Type.String()).Inc()
	}

	switch {
	case respIndex == transport.NoIndex:
		return transport.NoIndex, nil
	case index != transport.NoIndex && respIndex < index:
		c.log.Info("server index went backwards, resetting", "previous", index, "current", respIndex)
		return transport.NoIndex, nil
	default:
		return respIndex, nil
	}
}

// snapshot converts entries to nodes. Entries outside the subtree are ignored;
// entries that cannot be decoded keep their previously mirrored value.
func (c *cache) snapshot(entries []kvEntry) coordination.Snapshot {
	root := c.path.Key()
	var snap coordination.Snapshot
	for _, entry := range entries {
		if root != "" && entry.Key != root && !strings.HasPrefix(entry.Key, root+"/") {
			continue
		}
		path, err := pathFromKey(entry.Key)
		if err != nil {
			c.log.Error("could not parse key", "key", entry.Key, "error", err)
			continue
		}
		value, err := entry.decodeValue()
		if err != nil {
			c.log.Error("could not decode value", "key", entry.Key, "error", err)
			snap.Retain = append(snap.Retain, path)
			continue
		}
		snap.Nodes = append(snap.Nodes, coordination.Node[[]byte]{
			Path:     path,
			Metadata: coordination.MetadataAt(entry.ModifyIndex),
			Value:    value,
		})
	}
	return snap
}
