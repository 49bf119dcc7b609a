package vehiclelock

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Redis extends a Local lock with a lease shared by every process on the
// same Redis. A holder in another process cannot be preempted; its lease
// must be released or expire.
type Redis struct {
	rdb   *redis.Client
	local *Local
	Lease time.Duration
	Poll  time.Duration
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, local: NewLocal(), Lease: 30 * time.Second, Poll: 100 * time.Millisecond}
}

func (r *Redis) key(vehicleID string) string { return "fleetopt:vehicle-lock:" + vehicleID }

func (r *Redis) TryLock(ctx context.Context, vehicleID string) (context.Context, func(), error) {
	lctx, release, err := r.local.TryLock(ctx, vehicleID)
	if err != nil {
		return nil, nil, err
	}
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.key(vehicleID), token, r.Lease).Result()
	if err != nil || !ok {
		release()
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrConflict
	}
	return lctx, r.hold(vehicleID, token, release), nil
}

func (r *Redis) Lock(ctx context.Context, vehicleID string) (context.Context, func(), error) {
	lctx, release, err := r.local.Lock(ctx, vehicleID)
	if err != nil {
		return nil, nil, err
	}
	token := uuid.NewString()
	ticker := time.NewTicker(r.Poll)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, r.key(vehicleID), token, r.Lease).Result()
		if err != nil {
			release()
			return nil, nil, err
		}
		if ok {
			return lctx, r.hold(vehicleID, token, release), nil
		}
		select {
		case <-ctx.Done():
			release()
			return nil, nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// hold renews the lease until release and returns the combined release func.
func (r *Redis) hold(vehicleID, token string, localRelease func()) func() {
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(r.Lease / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := renewScript.Run(context.Background(), r.rdb, []string{r.key(vehicleID)}, token, r.Lease.Milliseconds()).Err(); err != nil {
					log.Printf("op=vehiclelock.renew vehicle=%s err=%v", vehicleID, err)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { r.release(vehicleID, token, stop, localRelease) })
	}
}

func (r *Redis) release(vehicleID, token string, stop chan struct{}, localRelease func()) {
	close(stop)
	rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(rctx, r.rdb, []string{r.key(vehicleID)}, token).Err(); err != nil {
		log.Printf("op=vehiclelock.release vehicle=%s err=%v", vehicleID, err)
	}
	localRelease()
}
