// Package listener holds sets of listeners and dispatches to them with
// per-listener executors and failure isolation.
package listener

import (
	"fmt"
	"sync"

	"github.com/nimburion/coordination/pkg/observability/logger"
)

// Executor runs a dispatch task. Direct runs it on the calling goroutine.
type Executor func(task func())

// Direct executes tasks synchronously.
func Direct(task func()) { task() }

// Go executes each task on a new goroutine.
func Go(task func()) { go task() }

type entry[T any] struct {
	listener T
	executor Executor
}

// Container is a concurrency-safe set of listeners of type T. Listeners may be
// added or removed while a dispatch is running; the dispatch works on a snapshot.
type Container[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]entry[T]
	order   []uint64
	log     logger.Logger
}

// NewContainer creates an empty container. log receives recovered panics; nil discards them.
func NewContainer[T any](log logger.Logger) *Container[T] {
	return &Container[T]{
		entries: make(map[uint64]entry[T]),
		log:     logger.OrNop(log),
	}
}

// AddListener registers l with the Direct executor and returns a function that removes it.
func (c *Container[T]) AddListener(l T) (remove func()) {
	return c.AddListenerWithExecutor(l, Direct)
}

// AddListenerWithExecutor registers l; dispatches to it go through exec.
func (c *Container[T]) AddListenerWithExecutor(l T, exec Executor) (remove func()) {
	if exec == nil {
		exec = Direct
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.entries[id] = entry[T]{listener: l, executor: exec}
	c.order = append(c.order, id)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.remove(id) })
	}
}

func (c *Container[T]) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
}

// ForEach calls fn for every listener, in registration order, through the
// listener's executor. A panic in fn is recovered and logged so the remaining
// listeners still run.
func (c *Container[T]) ForEach(fn func(l T)) {
	for _, e := range c.snapshot() {
		e.executor(func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("listener panicked", "panic", fmt.Sprint(r))
				}
			}()
			fn(e.listener)
		})
	}
}

func (c *Container[T]) snapshot() []entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]entry[T], 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

// Size returns the number of registered listeners.
func (c *Container[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear removes every listener.
func (c *Container[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]entry[T])
	c.order = nil
}

// Listenable is the registration half of a Container, handed to callers that
// may subscribe but must not dispatch.
type Listenable[T any] interface {
	AddListener(l T) (remove func())
	AddListenerWithExecutor(l T, exec Executor) (remove func())
}

var _ Listenable[func()] = (*Container[func()])(nil)
