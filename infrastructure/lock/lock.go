// Package lock implements a short-lived Redis distributed lock used to
// serialize inbox polling per phone number: "poll:lock:{numberId}".
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrNotAcquired indicates another holder currently owns the lock. Callers
// treat this as a non-error skip, not a failure.
var ErrNotAcquired = errors.New("lock: not acquired")

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Locker acquires and releases short-lived keyed locks backed by Redis
// SET NX PX, with a Lua compare-and-delete release so a holder never
// releases a lock it no longer owns (e.g. after its TTL already expired and
// someone else acquired it).
type Locker struct {
	client *redis.Client
}

// NewLocker builds a Locker over an existing Redis client.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Handle is the token returned by a successful Acquire; Release needs it to
// avoid releasing a lock acquired by someone else after expiry.
type Handle struct {
	key   string
	token string
}

// Acquire attempts to take the named lock for ttl. It returns ErrNotAcquired
// immediately if another holder has it; callers must treat that as a skip.
func Acquire(ctx context.Context, l *Locker, key string, ttl time.Duration) (*Handle, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Handle{key: key, token: token}, nil
}

// Release drops the lock if and only if this handle's token still matches
// what's stored, so a slow caller whose TTL already lapsed can't steal back
// a lock a different holder has since acquired.
func Release(ctx context.Context, l *Locker, h *Handle) error {
	if h == nil {
		return nil
	}
	return l.client.Eval(ctx, releaseScript, []string{h.key}, h.token).Err()
}

// PollLockKey builds the key for a single number's inbox-polling lock.
func PollLockKey(numberID string) string {
	return "poll:lock:" + numberID
}
