package coordination

import (
	"sync"

	"github.com/nimburion/coordination/pkg/listener"
	"github.com/nimburion/coordination/pkg/nodepath"
	"github.com/nimburion/coordination/pkg/observability/logger"
)

// Event is one change produced by Mirror.Apply.
type Event struct {
	Type EventType
	Node Node[[]byte]
}

// Snapshot is the full content of a subtree as read from a backend.
// Retain lists paths whose entries could not be decoded; their previously
// mirrored values are kept instead of being reported as removed.
type Snapshot struct {
	Nodes  []Node[[]byte]
	Retain []nodepath.Path
}

// Mirror keeps the local copy of a subtree and diffs each new snapshot against
// it. Apply must be called from a single goroutine; readers may call Current
// and Get concurrently.
type Mirror struct {
	mu          sync.RWMutex
	nodes       map[nodepath.Path]Node[[]byte]
	initialized bool

	listeners *listener.Container[CacheListener]
}

// NewMirror creates an empty mirror.
func NewMirror(log logger.Logger) *Mirror {
	return &Mirror{
		nodes:     make(map[nodepath.Path]Node[[]byte]),
		listeners: listener.NewContainer[CacheListener](log),
	}
}

// Apply replaces the mirrored content with snapshot and notifies listeners.
// A path is added when new, updated when its change index differs and removed
// when it no longer appears. The first call also reports Initialized.
func (m *Mirror) Apply(snapshot Snapshot) []Event {
	m.mu.Lock()
	next := make(map[nodepath.Path]Node[[]byte], len(snapshot.Nodes))
	var events []Event
	for _, node := range snapshot.Nodes {
		if _, dup := next[node.Path]; dup {
			continue
		}
		next[node.Path] = node
		previous, existed := m.nodes[node.Path]
		switch {
		case !existed:
			events = append(events, Event{Type: NodeAdded, Node: node})
		case previous.Metadata.Version != node.Metadata.Version:
			events = append(events, Event{Type: NodeUpdated, Node: node})
		}
	}
	for _, path := range snapshot.Retain {
		if _, present := next[path]; present {
			continue
		}
		if previous, existed := m.nodes[path]; existed {
			next[path] = previous
		}
	}
	for path, previous := range m.nodes {
		if _, kept := next[path]; !kept {
			events = append(events, Event{Type: NodeRemoved, Node: previous})
		}
	}
	m.nodes = next
	first := !m.initialized
	m.initialized = true
	m.mu.Unlock()

	for _, event := range events {
		m.listeners.ForEach(func(l CacheListener) {
			l.Event(event.Type, event.Node)
		})
	}
	if first {
		m.listeners.ForEach(func(l CacheListener) {
			l.Initialized()
		})
	}
	return events
}

// Current returns a copy of the mirrored nodes. Values must not be modified.
func (m *Mirror) Current() map[nodepath.Path]Node[[]byte] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[nodepath.Path]Node[[]byte], len(m.nodes))
	for path, node := range m.nodes {
		out[path] = node
	}
	return out
}

// Get returns the mirrored node at path.
func (m *Mirror) Get(path nodepath.Path) (Node[[]byte], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.nodes[path]
	return node, ok
}

// Initialized reports whether Apply has run at least once.
func (m *Mirror) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Listenable exposes listener registration.
func (m *Mirror) Listenable() listener.Listenable[CacheListener] {
	return m.listeners
}

// Close removes every listener.
func (m *Mirror) Close() {
	m.listeners.Clear()
}
