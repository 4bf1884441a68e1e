package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLocker(client)
}

func TestAcquire_SucceedsWhenUnheld(t *testing.T) {
	l := newTestLocker(t)
	h, err := Acquire(context.Background(), l, PollLockKey("n1"), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, h)
}

func TestAcquire_FailsWhenAlreadyHeld(t *testing.T) {
	l := newTestLocker(t)
	key := PollLockKey("n1")
	_, err := Acquire(context.Background(), l, key, time.Minute)
	require.NoError(t, err)

	_, err = Acquire(context.Background(), l, key, time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestRelease_AllowsReacquireByAnotherHolder(t *testing.T) {
	l := newTestLocker(t)
	key := PollLockKey("n1")
	h, err := Acquire(context.Background(), l, key, time.Minute)
	require.NoError(t, err)

	require.NoError(t, Release(context.Background(), l, h))

	_, err = Acquire(context.Background(), l, key, time.Minute)
	require.NoError(t, err)
}

func TestRelease_DoesNotStealALockAcquiredAfterExpiry(t *testing.T) {
	l := newTestLocker(t)
	key := PollLockKey("n1")
	stale, err := Acquire(context.Background(), l, key, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	fresh, err := Acquire(context.Background(), l, key, time.Minute)
	require.NoError(t, err)

	require.NoError(t, Release(context.Background(), l, stale))

	_, err = Acquire(context.Background(), l, key, time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired, "a stale holder's release must not clobber the fresh holder's lock")
	_ = fresh
}
