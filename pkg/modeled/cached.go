package modeled

import (
	"errors"
	"slices"
	"sync"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/listener"
	"github.com/nimburion/coordination/pkg/nodepath"
	"github.com/nimburion/coordination/pkg/observability/logger"
)

// CacheListener receives typed cache changes.
type CacheListener[T any] interface {
	Event(eventType coordination.EventType, node coordination.Node[T])
	Initialized()
}

// CacheListenerFuncs adapts functions to CacheListener. Nil fields are skipped.
type CacheListenerFuncs[T any] struct {
	OnEvent       func(eventType coordination.EventType, node coordination.Node[T])
	OnInitialized func()
}

func (f CacheListenerFuncs[T]) Event(eventType coordination.EventType, node coordination.Node[T]) {
	if f.OnEvent != nil {
		f.OnEvent(eventType, node)
	}
}

func (f CacheListenerFuncs[T]) Initialized() {
	if f.OnInitialized != nil {
		f.OnInitialized()
	}
}

// CachedHandle serves reads of a subtree from a cache. Nodes with empty
// values, and nodes that fail to decode, are not reported to listeners.
type CachedHandle[T any] struct {
	handle    *Handle[T]
	cache     coordination.Cache
	log       logger.Logger
	listeners *listener.Container[CacheListener[T]]

	mu       sync.Mutex
	unbridge func()
}

func newCachedHandle[T any](h *Handle[T]) *CachedHandle[T] {
	log := h.log.With("component", "modeled_cache", "path", h.spec.path.FullPath())
	return &CachedHandle[T]{
		handle:    h,
		cache:     h.client.NewCache(h.spec.path),
		log:       log,
		listeners: listener.NewContainer[CacheListener[T]](log),
	}
}

// Start begins following the subtree.
func (c *CachedHandle[T]) Start() error {
	c.mu.Lock()
	if c.unbridge == nil {
		c.unbridge = c.cache.Listenable().AddListener(coordination.CacheListenerFuncs{
			OnEvent:       c.bridge,
			OnInitialized: c.initialized,
		})
	}
	c.mu.Unlock()
	return c.cache.Start()
}

// Close stops the cache and drops every listener.
func (c *CachedHandle[T]) Close() error {
	c.mu.Lock()
	if c.unbridge != nil {
		c.unbridge()
		c.unbridge = nil
	}
	c.mu.Unlock()
	c.listeners.Clear()
	return c.cache.Close()
}

// Listenable exposes typed listeners.
func (c *CachedHandle[T]) Listenable() listener.Listenable[CacheListener[T]] {
	return c.listeners
}

// Initialized reports whether the first synchronization has completed.
func (c *CachedHandle[T]) Initialized() bool {
	return c.cache.Initialized()
}

// Handle returns the uncached handle.
func (c *CachedHandle[T]) Handle() *Handle[T] {
	return c.handle
}

// Read returns the cached value at the handle's path.
func (c *CachedHandle[T]) Read() (T, error) {
	node, err := c.ReadAsNode(c.handle.spec.path)
	return node.Value, err
}

// ReadAsNode returns the cached node at path, which must be inside the subtree.
func (c *CachedHandle[T]) ReadAsNode(path nodepath.Path) (coordination.Node[T], error) {
	raw, ok := c.cache.Current()[path]
	if !ok {
		return coordination.Node[T]{}, coordination.Errorf(coordination.ErrNotFound, "%s is not cached", path)
	}
	return decodeNode(c.handle.spec.serializer, raw)
}

// List decodes every cached node with a non-empty value. Nodes that fail to
// decode are reported in the joined error and left out.
func (c *CachedHandle[T]) List() ([]coordination.Node[T], error) {
	var nodes []coordination.Node[T]
	var errs []error
	for _, raw := range c.cache.Current() {
		if len(raw.Value) == 0 {
			continue
		}
		node, err := decodeNode(c.handle.spec.serializer, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		nodes = append(nodes, node)
	}
	slices.SortFunc(nodes, func(a, b coordination.Node[T]) int {
		switch {
		case a.Path.FullPath() < b.Path.FullPath():
			return -1
		case a.Path.FullPath() > b.Path.FullPath():
			return 1
		}
		return 0
	})
	return nodes, errors.Join(errs...)
}

// Children returns the cached direct children of the handle's path.
func (c *CachedHandle[T]) Children() []nodepath.Path {
	root := c.handle.spec.path
	var children []nodepath.Path
	for path := range c.cache.Current() {
		if path != root && path.Parent() == root {
			children = append(children, path)
		}
	}
	return children
}

func (c *CachedHandle[T]) bridge(eventType coordination.EventType, raw coordination.Node[[]byte]) {
	if len(raw.Value) == 0 {
		return
	}
	node, err := decodeNode(c.handle.spec.serializer, raw)
	if err != nil {
		c.log.Warn("skipping node that could not be decoded", "node", raw.Path.FullPath(), "error", err)
		return
	}
	c.listeners.ForEach(func(l CacheListener[T]) {
		l.Event(eventType, node)
	})
}

func (c *CachedHandle[T]) initialized() {
	c.listeners.ForEach(func(l CacheListener[T]) {
		l.Initialized()
	})
}
