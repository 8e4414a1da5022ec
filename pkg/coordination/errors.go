package coordination

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound classifies reads of nodes that do not exist.
	ErrNotFound = errors.New("coordination node not found")
	// ErrVersionMismatch classifies conditional writes rejected because the
	// node's version changed.
	ErrVersionMismatch = errors.New("coordination version mismatch")
	// ErrAlreadyStarted is returned when a component is started twice.
	ErrAlreadyStarted = errors.New("coordination component already started")
	// ErrClosed classifies operations performed on closed components.
	ErrClosed = errors.New("coordination component closed")
	// ErrNoSession classifies operations that need a session when none is held.
	ErrNoSession = errors.New("coordination session not established")
)

// Errorf wraps kind with a formatted message, "kind: message".
func Errorf(kind error, format string, args ...any) error {
	if format == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
