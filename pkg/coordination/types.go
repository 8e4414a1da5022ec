// Package coordination defines the backend-neutral coordination model: session
// states, nodes, locks, caches and the Handle every backend implements.
package coordination

import (
	"context"
	"time"

	"github.com/nimburion/coordination/pkg/listener"
	"github.com/nimburion/coordination/pkg/nodepath"
)

// SessionState is the lifecycle state of a client session.
type SessionState int

const (
	// SessionLatent means no session has been established yet.
	SessionLatent SessionState = iota
	// SessionConnected means the most recent create or renew succeeded.
	SessionConnected
	// SessionSuspended means renewal is failing but the session length has not elapsed.
	SessionSuspended
	// SessionLost means renewal failed for longer than the session length.
	SessionLost
)

func (s SessionState) String() string {
	switch s {
	case SessionLatent:
		return "LATENT"
	case SessionConnected:
		return "CONNECTED"
	case SessionSuspended:
		return "SUSPENDED"
	case SessionLost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// IsConnected reports whether s is SessionConnected.
func (s SessionState) IsConnected() bool {
	return s == SessionConnected
}

// SessionStateListener is notified of session state changes.
type SessionStateListener func(state SessionState)

// Metadata describes the stored version of a node. Both fields carry the
// backend's change index for the node.
type Metadata struct {
	Version     int64
	Transaction int64
}

// MetadataAt returns Metadata for a single change index.
func MetadataAt(index int64) Metadata {
	return Metadata{Version: index, Transaction: index}
}

// Node is a value stored at a path.
type Node[T any] struct {
	Path     nodepath.Path
	Metadata Metadata
	Value    T
}

// EventType classifies a cache change.
type EventType int

const (
	// NodeAdded reports a path that was not mirrored before.
	NodeAdded EventType = iota
	// NodeUpdated reports a mirrored path whose change index moved.
	NodeUpdated
	// NodeRemoved reports a mirrored path missing from the latest snapshot.
	NodeRemoved
)

func (t EventType) String() string {
	switch t {
	case NodeAdded:
		return "NODE_ADDED"
	case NodeUpdated:
		return "NODE_UPDATED"
	case NodeRemoved:
		return "NODE_REMOVED"
	default:
		return "UNKNOWN"
	}
}

// CacheListener receives cache changes. Initialized is called once, after the
// events of the first successful synchronization.
type CacheListener interface {
	Event(eventType EventType, node Node[[]byte])
	Initialized()
}

// CacheListenerFuncs adapts functions to CacheListener. Nil fields are skipped.
type CacheListenerFuncs struct {
	OnEvent       func(eventType EventType, node Node[[]byte])
	OnInitialized func()
}

// Event calls OnEvent.
func (f CacheListenerFuncs) Event(eventType EventType, node Node[[]byte]) {
	if f.OnEvent != nil {
		f.OnEvent(eventType, node)
	}
}

// Initialized calls OnInitialized.
func (f CacheListenerFuncs) Initialized() {
	if f.OnInitialized != nil {
		f.OnInitialized()
	}
}

// Lock is a distributed mutual-exclusion lock bound to the handle's session.
type Lock interface {
	// Acquire tries to take the lock within timeout. Running out of time
	// returns false with a nil error.
	Acquire(ctx context.Context, timeout time.Duration) (bool, error)
	// Release gives the lock up. Releasing a lock that is not held is not an error.
	Release(ctx context.Context) error
}

// Cache mirrors a subtree and notifies listeners of changes.
type Cache interface {
	Start() error
	Close() error
	// Current returns a copy of the mirrored nodes.
	Current() map[nodepath.Path]Node[[]byte]
	Listenable() listener.Listenable[CacheListener]
	// Initialized reports whether the first synchronization has completed.
	Initialized() bool
}

// Handle is the entry point to a coordination backend.
type Handle interface {
	Start(ctx context.Context) error
	Close() error

	SessionState() SessionState
	// BlockUntilSession waits up to maxBlock for a connected session.
	BlockUntilSession(ctx context.Context, maxBlock time.Duration) bool
	SessionStateListenable() listener.Listenable[SessionStateListener]

	Read(ctx context.Context, path nodepath.Path) (Node[[]byte], error)
	Set(ctx context.Context, path nodepath.Path, data []byte) error
	// SetVersion writes only if the node's current version equals version.
	SetVersion(ctx context.Context, path nodepath.Path, version int64, data []byte) error
	Delete(ctx context.Context, path nodepath.Path) error
	// DeleteVersion deletes only if the node's current version equals version.
	DeleteVersion(ctx context.Context, path nodepath.Path, version int64) error
	// Children returns the direct child paths of path, in no particular order.
	Children(ctx context.Context, path nodepath.Path) ([]nodepath.Path, error)

	NewLock(path nodepath.Path) Lock
	NewCache(path nodepath.Path) Cache
}
