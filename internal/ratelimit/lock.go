package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when the lock could not be taken before the context or wait budget ran out.
var ErrLockTimeout = errors.New("lock wait timed out")

// OwnerLock serializes admission for one owner across API replicas (SET NX PX).
type OwnerLock struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	maxWait time.Duration
	poll    time.Duration
	log     *slog.Logger
}

// NewOwnerLock builds a lock whose holder expires after ttl if it never releases.
func NewOwnerLock(client *redis.Client, ttl time.Duration) *OwnerLock {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &OwnerLock{
		client:  client,
		prefix:  "voicejobs:admit:",
		ttl:     ttl,
		maxWait: ttl,
		poll:    15 * time.Millisecond,
		log:     slog.Default(),
	}
}

// WithLogger sets the logger that reports failed releases.
func (l *OwnerLock) WithLogger(log *slog.Logger) *OwnerLock {
	if log != nil {
		l.log = log
	}
	return l
}

// Acquire blocks until the owner's lock is held and returns its release func.
func (l *OwnerLock) Acquire(ctx context.Context, owner string) (func(), error) {
	key := l.prefix + owner
	token := uuid.NewString()
	deadline := time.Now().Add(l.maxWait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", owner, err)
		}
		if ok {
			return func() { l.release(key, owner, token) }, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// release drops the lock if token still holds it. A lock that expired first means
// admission for owner was not serialized for part of the hold.
func (l *OwnerLock) release(key, owner, token string) {
	// background ctx: release must run even when the request ctx is done
	n, err := unlockScript.Run(context.Background(), l.client, []string{key}, token).Int()
	if err != nil {
		l.log.Warn("release admission lock", "owner", owner, "err", err)
		return
	}
	if n == 0 {
		l.log.Warn("admission lock expired before release", "owner", owner, "ttl", l.ttl)
	}
}

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
