// Package nodepath models the hierarchical node names shared by every
// coordination backend.
package nodepath

import (
	"errors"
	"fmt"
	"strings"
)

// Separator between path segments.
const Separator = "/"

// ErrInvalidPath is returned for paths that cannot be parsed.
var ErrInvalidPath = errors.New("invalid node path")

// Path is an immutable, comparable absolute path such as "/services/db".
// The zero value is the root path.
type Path struct {
	full string
}

// Root is the top of the hierarchy.
var Root = Path{}

// Parse validates and canonicalizes s. A leading separator is optional; a
// trailing separator is dropped. Empty segments ("a//b") are rejected.
func Parse(s string) (Path, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, Separator)
	trimmed = strings.TrimSuffix(trimmed, Separator)
	if trimmed == "" {
		return Root, nil
	}
	for _, segment := range strings.Split(trimmed, Separator) {
		if err := validateSegment(segment); err != nil {
			return Root, fmt.Errorf("%w: %q: %v", ErrInvalidPath, s, err)
		}
	}
	return Path{full: Separator + trimmed}, nil
}

// MustParse is like Parse but panics on error. Use it for constants.
func MustParse(s string) Path {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

func validateSegment(segment string) error {
	switch segment {
	case "":
		return errors.New("empty segment")
	case ".", "..":
		return errors.New("relative segment")
	}
	return nil
}

// FullPath returns the canonical absolute form, "/" for the root.
func (p Path) FullPath() string {
	if p.full == "" {
		return Separator
	}
	return p.full
}

// Key returns the path without the leading separator, the form KV stores use.
func (p Path) Key() string {
	return strings.TrimPrefix(p.full, Separator)
}

// String implements fmt.Stringer.
func (p Path) String() string {
	return p.FullPath()
}

// IsRoot reports whether p is the root.
func (p Path) IsRoot() bool {
	return p.full == ""
}

// Equal reports value equality.
func (p Path) Equal(other Path) bool {
	return p.full == other.full
}

// Segments returns the path's segments, empty for the root.
func (p Path) Segments() []string {
	if p.IsRoot() {
		return nil
	}
	return strings.Split(p.Key(), Separator)
}

// NodeName returns the last segment, "" for the root.
func (p Path) NodeName() string {
	if p.IsRoot() {
		return ""
	}
	return p.full[strings.LastIndex(p.full, Separator)+1:]
}

// Parent returns the enclosing path. The parent of the root is the root.
func (p Path) Parent() Path {
	if p.IsRoot() {
		return Root
	}
	idx := strings.LastIndex(p.full, Separator)
	return Path{full: p.full[:idx]}
}

// Child appends one segment. child is formatted with fmt.Sprint and may itself
// contain separators, in which case each part becomes a segment.
func (p Path) Child(child any) (Path, error) {
	return Parse(p.full + Separator + fmt.Sprint(child))
}

// MustChild is like Child but panics on error.
func (p Path) MustChild(child any) Path {
	c, err := p.Child(child)
	if err != nil {
		panic(err)
	}
	return c
}

// IsParameter reports whether a segment is a "{name}" placeholder.
func IsParameter(segment string) bool {
	return len(segment) > 2 && strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}")
}

// Resolved replaces "{name}" segments, in order, with the given parameters.
// Parameters beyond the placeholders are ignored; placeholders without a
// parameter are kept.
func (p Path) Resolved(params ...any) Path {
	if len(params) == 0 {
		return p
	}
	segments := p.Segments()
	next := 0
	for i, segment := range segments {
		if next >= len(params) {
			break
		}
		if IsParameter(segment) {
			segments[i] = fmt.Sprint(params[next])
			next++
		}
	}
	resolved, err := Parse(strings.Join(segments, Separator))
	if err != nil {
		return p
	}
	return resolved
}

// IsAncestorOf reports whether other lies strictly beneath p.
func (p Path) IsAncestorOf(other Path) bool {
	if p.IsRoot() {
		return !other.IsRoot()
	}
	return strings.HasPrefix(other.full, p.full+Separator)
}
