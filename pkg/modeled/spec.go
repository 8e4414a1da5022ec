package modeled

import "github.com/nimburion/coordination/pkg/nodepath"

// Spec binds a path to a serializer.
type Spec[T any] struct {
	path       nodepath.Path
	serializer Serializer[T]
}

// NewSpec returns a spec for values of type T stored at path.
func NewSpec[T any](path nodepath.Path, serializer Serializer[T]) Spec[T] {
	return Spec[T]{path: path, serializer: serializer}
}

func (s Spec[T]) Path() nodepath.Path       { return s.path }
func (s Spec[T]) Serializer() Serializer[T] { return s.serializer }

// WithPath returns a spec for p with the same serializer.
func (s Spec[T]) WithPath(p nodepath.Path) Spec[T] {
	return Spec[T]{path: p, serializer: s.serializer}
}

// Child returns a spec one level below, with the same serializer.
func (s Spec[T]) Child(name any) (Spec[T], error) {
	child, err := s.path.Child(name)
	if err != nil {
		return Spec[T]{}, err
	}
	return s.WithPath(child), nil
}

// Parent returns the spec of the parent path. The root is its own parent.
func (s Spec[T]) Parent() Spec[T] {
	return s.WithPath(s.path.Parent())
}

// Resolved substitutes parameter segments of the path with params.
func (s Spec[T]) Resolved(params ...any) Spec[T] {
	return s.WithPath(s.path.Resolved(params...))
}
