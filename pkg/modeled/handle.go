package modeled

import (
	"context"
	"fmt"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/nodepath"
	"github.com/nimburion/coordination/pkg/observability/logger"
)

// Handle reads and writes values of type T at the path of its spec.
type Handle[T any] struct {
	client coordination.Handle
	spec   Spec[T]
	log    logger.Logger
}

// NewHandle returns a typed handle over client. A nil log discards messages.
func NewHandle[T any](client coordination.Handle, spec Spec[T], log logger.Logger) *Handle[T] {
	return &Handle[T]{client: client, spec: spec, log: logger.OrNop(log)}
}

// Spec returns the handle's spec.
func (h *Handle[T]) Spec() Spec[T] {
	return h.spec
}

// Set writes v unconditionally.
func (h *Handle[T]) Set(ctx context.Context, v T) error {
	data, err := h.spec.serializer.Serialize(v)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", h.spec.path, err)
	}
	return h.client.Set(ctx, h.spec.path, data)
}

// SetVersion writes v only if the stored version equals version.
func (h *Handle[T]) SetVersion(ctx context.Context, version int64, v T) error {
	data, err := h.spec.serializer.Serialize(v)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", h.spec.path, err)
	}
	return h.client.SetVersion(ctx, h.spec.path, version, data)
}

// Read returns the stored value.
func (h *Handle[T]) Read(ctx context.Context) (T, error) {
	node, err := h.ReadAsNode(ctx)
	return node.Value, err
}

// ReadAsNode returns the stored value with its metadata.
func (h *Handle[T]) ReadAsNode(ctx context.Context) (coordination.Node[T], error) {
	raw, err := h.client.Read(ctx, h.spec.path)
	if err != nil {
		return coordination.Node[T]{}, err
	}
	return decodeNode(h.spec.serializer, raw)
}

func decodeNode[T any](serializer Serializer[T], raw coordination.Node[[]byte]) (coordination.Node[T], error) {
	value, err := serializer.Deserialize(raw.Value)
	if err != nil {
		return coordination.Node[T]{}, fmt.Errorf("deserialize %s: %w", raw.Path, err)
	}
	return coordination.Node[T]{Path: raw.Path, Metadata: raw.Metadata, Value: value}, nil
}

func (h *Handle[T]) Delete(ctx context.Context) error {
	return h.client.Delete(ctx, h.spec.path)
}

func (h *Handle[T]) DeleteVersion(ctx context.Context, version int64) error {
	return h.client.DeleteVersion(ctx, h.spec.path, version)
}

// Children returns the child paths of this handle's path.
func (h *Handle[T]) Children(ctx context.Context) ([]nodepath.Path, error) {
	return h.client.Children(ctx, h.spec.path)
}

// Siblings returns the other children of this handle's parent.
func (h *Handle[T]) Siblings(ctx context.Context) ([]nodepath.Path, error) {
	children, err := h.client.Children(ctx, h.spec.path.Parent())
	if err != nil {
		return nil, err
	}
	siblings := children[:0]
	for _, child := range children {
		if child != h.spec.path {
			siblings = append(siblings, child)
		}
	}
	return siblings, nil
}

// Child returns a handle one level below.
func (h *Handle[T]) Child(name any) (*Handle[T], error) {
	spec, err := h.spec.Child(name)
	if err != nil {
		return nil, err
	}
	return NewHandle(h.client, spec, h.log), nil
}

// Parent returns a handle on the parent path.
func (h *Handle[T]) Parent() *Handle[T] {
	return NewHandle(h.client, h.spec.Parent(), h.log)
}

// WithPath returns a handle on p with the same serializer.
func (h *Handle[T]) WithPath(p nodepath.Path) *Handle[T] {
	return NewHandle(h.client, h.spec.WithPath(p), h.log)
}

// Resolved returns a handle whose parameter segments are replaced by params.
func (h *Handle[T]) Resolved(params ...any) *Handle[T] {
	return NewHandle(h.client, h.spec.Resolved(params...), h.log)
}

// Cached returns an unstarted cached view of the subtree at this handle's path.
func (h *Handle[T]) Cached() *CachedHandle[T] {
	return newCachedHandle(h)
}
