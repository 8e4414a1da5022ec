package transport

import (
	"context"
	"sync"
	"time"
)

// Status is the tri-state result of waiting on a request.
type Status int

const (
	// StatusSuccess means the request completed with a response.
	StatusSuccess Status = iota
	// StatusTimedOut means the wait ended before the request completed.
	StatusTimedOut
	// StatusFailed means the request completed with an error.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimedOut:
		return "timed_out"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of Future.Await. Response is set only for
// StatusSuccess and Err only for StatusFailed.
type Outcome struct {
	Status   Status
	Response *Response
	Err      error
}

// Future is a pending request. All methods are safe for concurrent use.
type Future struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	resp *Response
	err  error
}

func newFuture(cancel context.CancelFunc) *Future {
	return &Future{
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (f *Future) complete(resp *Response, err error) {
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
		f.cancel()
	})
}

// Done is closed once the request has completed, failed or been cancelled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Cancel abandons the request. A request that has not completed yet
// finishes with ErrCancelled.
func (f *Future) Cancel() {
	f.cancel()
}

// Result returns the final result. It must only be called after Done is closed.
func (f *Future) Result() (*Response, error) {
	<-f.done
	return f.resp, f.err
}

// Get waits for the result. If ctx ends first the request is cancelled and an
// error wrapping both ErrCancelled and the context error is returned.
func (f *Future) Get(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		f.Cancel()
		return nil, cancelledError(ctx.Err())
	}
}

// Await waits at most timeout for the result. Running out of time is reported
// as StatusTimedOut, not as an error, and abandons the request. A non-positive
// timeout only inspects whether the request has already completed.
func (f *Future) Await(ctx context.Context, timeout time.Duration) Outcome {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	} else {
		closed := make(chan time.Time)
		close(closed)
		expired = closed
	}

	select {
	case <-f.done:
		return f.outcome()
	default:
	}

	select {
	case <-f.done:
		return f.outcome()
	case <-expired:
		f.Cancel()
		return Outcome{Status: StatusTimedOut}
	case <-ctx.Done():
		f.Cancel()
		return Outcome{Status: StatusFailed, Err: cancelledError(ctx.Err())}
	}
}

func (f *Future) outcome() Outcome {
	if f.err != nil {
		return Outcome{Status: StatusFailed, Err: f.err}
	}
	return Outcome{Status: StatusSuccess, Response: f.resp}
}
