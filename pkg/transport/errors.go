package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

var (
	// ErrTransient classifies failures that are safe to retry: 5xx responses,
	// connection resets and refusals, I/O timeouts and truncated responses.
	ErrTransient = errors.New("transport transient error")
	// ErrPermanent classifies failures that retrying cannot fix.
	ErrPermanent = errors.New("transport permanent error")
	// ErrCancelled is reported when the request was cancelled by the caller.
	ErrCancelled = errors.New("transport request cancelled")
	// ErrCodec classifies response bodies that are not valid JSON.
	ErrCodec = errors.New("transport codec error")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code  int
	Body  string
	Index int64
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("unexpected status %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Unwrap classifies 5xx as transient and every other status as permanent.
func (e *StatusError) Unwrap() error {
	if e.Code >= http.StatusInternalServerError {
		return ErrTransient
	}
	return ErrPermanent
}

// IsStatus reports whether err carries an HTTP status equal to code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == code
}

// IsRetryable reports whether err is classified as transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func cancelledError(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// classify maps a client or body-read error onto the transport error kinds.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return cancelledError(context.Cause(ctx))
	}
	if isTransportError(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return true
	}
	return false
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrCodec):
		return "codec"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "permanent"
	}
}
