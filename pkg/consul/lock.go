package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/nodepath"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/tracing"
	"github.com/nimburion/coordination/pkg/retry"
	"github.com/nimburion/coordination/pkg/transport"
)

const (
	// lockDelayRetryBase is the first pause after an acquire is rejected on a
	// free key, which happens while the server's lock-delay is running.
	lockDelayRetryBase = 25 * time.Millisecond
	// lockDelayRetryMax caps that pause when no lock delay is configured.
	lockDelayRetryMax = time.Second
)

// holderPayload is stored as the value of an acquired lock key.
type holderPayload struct {
	Holder     string    `json:"holder"`
	Session    string    `json:"session"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// lock is a KV-based mutex. The key is owned by whichever session acquired it.
type lock struct {
	client *Client
	path   nodepath.Path
	holder string
	log    logger.Logger
}

var _ coordination.Lock = (*lock)(nil)

func newLock(c *Client, path nodepath.Path) *lock {
	holder := uuid.NewString()
	return &lock{
		client: c,
		path:   path,
		holder: holder,
		log:    c.log.With("component", "lock", "path", path.FullPath(), "holder", holder),
	}
}

// Acquire loops between an acquire attempt and a read of the key that blocks
// until the key changes, until the lock is ours or timeout has elapsed.
func (l *lock) Acquire(ctx context.Context, timeout time.Duration) (acquired bool, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanOperationLockAcquire, attribute.String("coordination.path", l.path.FullPath()))
	defer func() {
		span.SetAttributes(attribute.Bool("lock.acquired", acquired))
		tracing.RecordError(span, err)
		span.End()
		l.client.metrics.LockAcquire.WithLabelValues(acquireOutcome(acquired, err)).Inc()
	}()

	deadline := time.Now().Add(timeout)
	index := transport.NoIndex
	backoff := retry.NewBackoff(lockDelayRetryBase, l.lockDelayRetryCap())
	free := false
	for {
		remaining := time.Until(deadline)
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if remaining <= 0 {
			return false, nil
		}

		sessionID, ok := l.client.session.SessionID(ctx, remaining)
		if !ok {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			return false, nil
		}

		done, ok, err := l.tryAcquire(ctx, sessionID, time.Until(deadline))
		if done {
			return ok, err
		}

		if free {
			// The key had no holder yet the acquire was refused: the server is
			// still inside the lock-delay window and the index will not move.
			pause := min(backoff.Next(), time.Until(deadline))
			l.log.Debug("acquire refused on a free key, retrying", "delay", pause)
			if !retry.Sleep(ctx, pause) {
				return false, ctx.Err()
			}
			index = transport.NoIndex
		} else {
			backoff.Reset()
		}

		remaining = time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		var held bool
		done, held, free, index, err = l.waitForChange(ctx, sessionID, index, remaining)
		if done {
			return held, err
		}
	}
}

// lockDelayRetryCap bounds the pause between acquires refused on a free key by
// the configured session lock delay.
func (l *lock) lockDelayRetryCap() time.Duration {
	delay, err := ParseDuration(l.client.cfg.LockDelay)
	if err != nil || delay <= 0 {
		return lockDelayRetryMax
	}
	return max(delay, lockDelayRetryBase)
}

// tryAcquire makes one acquire attempt. done is false when the caller should
// keep waiting.
func (l *lock) tryAcquire(ctx context.Context, sessionID string, remaining time.Duration) (done, acquired bool, err error) {
	payload, err := json.Marshal(holderPayload{Holder: l.holder, Session: sessionID, AcquiredAt: time.Now().UTC()})
	if err != nil {
		return true, false, fmt.Errorf("encode lock holder: %w", err)
	}
	outcome := l.client.requester.Execute(ctx, transport.Request{
		Method: http.MethodPut,
		URL:    l.client.kvURI(l.path, url.Values{"acquire": {sessionID}}),
		Body:   payload,
	}, transport.WithoutRetry()).Await(ctx, remaining)

	switch outcome.Status {
	case transport.StatusTimedOut:
		return true, false, nil
	case transport.StatusFailed:
		return true, false, l.failure(ctx, outcome.Err)
	}
	ok, err := decodeBool(outcome.Response)
	if err != nil {
		return true, false, err
	}
	if ok {
		l.log.Debug("lock acquired", "session", sessionID)
		return true, true, nil
	}
	return false, false, nil
}

// waitForChange reads the key, blocking on index when one is known. A free
// key (absent, or without a holding session) returns immediately with free set
// so the caller can try again.
func (l *lock) waitForChange(ctx context.Context, sessionID string, index int64, remaining time.Duration) (done, held, free bool, next int64, err error) {
	outcome := l.client.requester.Execute(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    l.client.kvURI(l.path, blockingQuery(nil, index, remaining)),
	}, transport.WithoutRetry()).Await(ctx, remaining)

	switch outcome.Status {
	case transport.StatusTimedOut:
		return true, false, false, index, nil
	case transport.StatusFailed:
		var statusErr *transport.StatusError
		if errors.As(outcome.Err, &statusErr) && statusErr.Code == http.StatusNotFound {
			return false, false, true, statusErr.Index, nil
		}
		return true, false, false, index, l.failure(ctx, outcome.Err)
	}

	entries, err := decodeEntries(outcome.Response)
	if err != nil {
		return true, false, false, index, err
	}
	next = outcome.Response.Index
	if len(entries) == 0 || entries[0].Session == "" {
		return false, false, true, next, nil
	}
	if entries[0].Session == sessionID {
		return true, true, false, next, nil
	}
	return false, false, false, next, nil
}

func (l *lock) failure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, transport.ErrCancelled) {
		return ctxErr
	}
	return err
}

// Release gives up the lock if this client's session holds it. The request is
// retried under the client's retry policy and confirmed by the response status.
func (l *lock) Release(ctx context.Context) (err error) {
	sessionID := l.client.session.ID()
	if sessionID == "" {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, tracing.SpanOperationLockRelease, attribute.String("coordination.path", l.path.FullPath()))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	resp, err := l.client.await(ctx, transport.Request{
		Method: http.MethodPut,
		URL:    l.client.kvURI(l.path, url.Values{"release": {sessionID}}),
	})
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	released, err := decodeBool(resp)
	if err != nil {
		return err
	}
	if !released {
		l.log.Debug("lock was not held by this session", "session", sessionID)
	}
	return nil
}

func acquireOutcome(acquired bool, err error) string {
	switch {
	case acquired:
		return "acquired"
	case err == nil:
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}
