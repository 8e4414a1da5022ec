package rediscoord

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nimburion/coordination/pkg/coordination/session"
)

// errSessionExpired is returned by Renew when the session key has expired.
var errSessionExpired = errors.New("redis session expired")

// leaser keeps sessions as expiring keys. The TTL never changes on renew.
type leaser struct {
	rdb  redis.UniversalClient
	keys keys
	ttl  time.Duration
}

var _ session.Leaser = (*leaser)(nil)

func (l *leaser) Create(ctx context.Context) (session.Lease, error) {
	id := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.keys.session(id), time.Now().UTC().Format(time.RFC3339Nano), l.ttl).Result()
	if err != nil {
		return session.Lease{}, backendError("create session", err)
	}
	if !ok {
		return session.Lease{}, backendError("create session", errors.New("session id collision"))
	}
	return session.Lease{ID: id, TTL: l.ttl}, nil
}

func (l *leaser) Renew(ctx context.Context, id string) (session.Lease, error) {
	renewed, err := renewScript.Run(ctx, l.rdb,
		[]string{l.keys.session(id), l.keys.sessionLocks(id)},
		l.ttl.Milliseconds(), id,
	).Int()
	if err != nil {
		return session.Lease{}, backendError("renew session", err)
	}
	if renewed == 0 {
		return session.Lease{}, errSessionExpired
	}
	return session.Lease{ID: id}, nil
}

func (l *leaser) Destroy(ctx context.Context, id string) error {
	err := destroyScript.Run(ctx, l.rdb, []string{l.keys.session(id), l.keys.sessionLocks(id)}, id).Err()
	if err != nil {
		return backendError("destroy session", err)
	}
	return nil
}
