package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// Redis distributed lock
// ============================================================================
//
// Acquire: SET key value NX EX timeout
//   - NX: set only when the key is absent, so one holder at a time
//   - EX: the lock expires if its holder dies
//   - value: holder token, checked on release
//
// Release runs a Lua script that deletes the key only while it still holds
// our token. A holder whose lock already expired and was taken by another
// instance must not delete the new holder's lock.
// ============================================================================

var (
	ErrLockFailed = errors.New("failed to acquire distributed lock")
	ErrNotHeld    = errors.New("distributed lock is not held by this owner")
)

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

type DistributedLock struct {
	client     redis.UniversalClient
	key        string
	value      string // holder token
	expiration time.Duration
}

func NewDistributedLock(client redis.UniversalClient, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock attempts a single non-blocking acquire.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock up to maxRetries times, sleeping retryInterval in between.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock releases the lock if this owner still holds it. It returns
// ErrNotHeld when the lock expired or belongs to someone else.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (l *DistributedLock) Key() string {
	return l.key
}

// SweepLockKey guards the expiry sweep so one instance settles locks at a time.
const SweepLockKey = "ledger:lock:sweep"

// NewSweepLock returns a lock on SweepLockKey with a fresh owner token.
// The expiration must outlast one sweep run.
func NewSweepLock(client redis.UniversalClient, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, SweepLockKey, uuid.NewString(), expiration)
}
