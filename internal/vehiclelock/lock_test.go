package vehiclelock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalTryLockConflict(t *testing.T) {
	l := NewLocal()
	_, release, err := l.TryLock(context.Background(), "v1")
	require.NoError(t, err)

	_, _, err = l.TryLock(context.Background(), "v1")
	assert.ErrorIs(t, err, ErrConflict)

	// other vehicles are independent
	_, r2, err := l.TryLock(context.Background(), "v2")
	require.NoError(t, err)
	r2()

	release()
	release() // idempotent
	assert.False(t, l.Held("v1"))
	_, r3, err := l.TryLock(context.Background(), "v1")
	require.NoError(t, err)
	r3()
}

func TestLocalLockPreemptsHolder(t *testing.T) {
	l := NewLocal()
	hctx, release, err := l.TryLock(context.Background(), "v1")
	require.NoError(t, err)

	aborted := make(chan struct{})
	go func() {
		<-hctx.Done()
		close(aborted)
		release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, r2, err := l.Lock(ctx, "v1")
	require.NoError(t, err)
	defer r2()

	select {
	case <-aborted:
	default:
		t.Fatal("holder was not cancelled")
	}
	assert.True(t, errors.Is(hctx.Err(), context.Canceled))
}

func TestLocalLockHonoursContext(t *testing.T) {
	l := NewLocal()
	_, release, err := l.TryLock(context.Background(), "v1")
	require.NoError(t, err)
	defer release()

	// holder never releases
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = l.Lock(ctx, "v1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func newRedisLock(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	r := NewRedis(rdb)
	r.Poll = 5 * time.Millisecond
	return r, mr
}

func TestRedisLease(t *testing.T) {
	r, mr := newRedisLock(t)
	ctx := context.Background()

	_, release, err := r.TryLock(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("fleetopt:vehicle-lock:v1"))
	assert.Equal(t, 30*time.Second, mr.TTL("fleetopt:vehicle-lock:v1"))

	_, _, err = r.TryLock(ctx, "v1")
	assert.ErrorIs(t, err, ErrConflict)

	release()
	assert.False(t, mr.Exists("fleetopt:vehicle-lock:v1"))
}

func TestRedisLeaseHeldElsewhere(t *testing.T) {
	r, mr := newRedisLock(t)
	require.NoError(t, mr.Set("fleetopt:vehicle-lock:v1", "other-process"))

	_, _, err := r.TryLock(context.Background(), "v1")
	assert.ErrorIs(t, err, ErrConflict)
	assert.False(t, r.local.Held("v1"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		mr.Del("fleetopt:vehicle-lock:v1")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, release, err := r.Lock(ctx, "v1")
	require.NoError(t, err)
	release()

	// a release never deletes a lease it does not own
	require.NoError(t, mr.Set("fleetopt:vehicle-lock:v2", "other-process"))
	_, rel, err := r.local.TryLock(context.Background(), "v2")
	require.NoError(t, err)
	r.hold("v2", "mine", rel)()
	v, _ := mr.Get("fleetopt:vehicle-lock:v2")
	assert.Equal(t, "other-process", v)
}
