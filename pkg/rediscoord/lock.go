package rediscoord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/nodepath"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/tracing"
	"github.com/nimburion/coordination/pkg/retry"
)

const (
	acquireHeld        = 1
	acquireContended   = 0
	acquireSessionGone = -1
)

// lock is a SET NX key holding the owning session id. It expires with the
// session and is extended by every renew.
type lock struct {
	client *Client
	path   nodepath.Path
	key    string
	log    logger.Logger
}

var _ coordination.Lock = (*lock)(nil)

func newLock(c *Client, path nodepath.Path) *lock {
	return &lock{
		client: c,
		path:   path,
		key:    c.keys.lock(path.Key()),
		log:    c.log.With("component", "lock", "path", path.FullPath(), "holder", uuid.NewString()),
	}
}

// Acquire polls the lock key with a bounded backoff until it is ours or
// timeout has elapsed.
func (l *lock) Acquire(ctx context.Context, timeout time.Duration) (acquired bool, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanOperationLockAcquire, attribute.String("coordination.path", l.path.FullPath()))
	defer func() {
		span.SetAttributes(attribute.Bool("lock.acquired", acquired))
		tracing.RecordError(span, err)
		span.End()
		l.client.metrics.LockAcquire.WithLabelValues(acquireOutcome(acquired, err)).Inc()
	}()

	deadline := time.Now().Add(timeout)
	backoff := retry.NewBackoff(l.client.cfg.LockPollBase, l.client.cfg.LockPollMax)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		sessionID, ok := l.client.session.SessionID(ctx, remaining)
		if !ok {
			return false, ctx.Err()
		}

		result, err := l.tryAcquire(ctx, sessionID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			return false, err
		}
		switch result {
		case acquireHeld:
			l.log.Debug("lock acquired", "session", sessionID)
			return true, nil
		case acquireSessionGone:
			l.log.Warn("session expired while acquiring lock", "session", sessionID)
		}

		delay := min(backoff.Next(), time.Until(deadline))
		if delay <= 0 {
			return false, nil
		}
		if !retry.Sleep(ctx, delay) {
			return false, ctx.Err()
		}
	}
}

func (l *lock) tryAcquire(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := l.client.opContext(ctx)
	defer cancel()
	result, err := acquireScript.Run(ctx, l.client.rdb,
		[]string{l.key, l.client.keys.session(sessionID), l.client.keys.sessionLocks(sessionID)},
		sessionID, l.client.session.TTL().Milliseconds(),
	).Int64()
	if err != nil {
		return 0, backendError("acquire lock "+l.path.FullPath(), err)
	}
	return result, nil
}

// Release deletes the lock key if this client's session holds it.
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

	opCtx, cancel := l.client.opContext(ctx)
	defer cancel()
	released, err := releaseScript.Run(opCtx, l.client.rdb,
		[]string{l.key, l.client.keys.sessionLocks(sessionID)}, sessionID,
	).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.path, backendError("release", err))
	}
	if released == 0 {
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
