package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript pushes the expiry out only if the key still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every process talking to the same Redis.
// Held leases are renewed every ttl/3; a crashed holder stops renewing and
// its lease expires after ttl.
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	step   time.Duration
}

// NewRedis creates a distributed locker.
func NewRedis(client redis.Cmdable, ttl, step time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if step <= 0 {
		step = 50 * time.Millisecond
	}
	return &Redis{client: client, prefix: "einvoicing:lock:", ttl: ttl, step: step}
}

func (r *Redis) Acquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()
	name := r.prefix + key

	for {
		ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("keylock: acquire %s: %w", key, err)
		}
		if ok {
			l := &redisLease{owner: r, key: key, name: name, token: token, stop: make(chan struct{}), done: make(chan struct{})}
			go l.renew()
			return l, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.step):
		}
	}
}

type redisLease struct {
	owner *Redis
	key   string
	name  string
	token string

	lost atomic.Bool
	stop chan struct{}
	done chan struct{}

	once sync.Once
	err  error
}

func (l *redisLease) Key() string { return l.key }

// renew extends the key until Release or until the token is gone. A failed
// round trip is retried on the next tick; the key only expires if renewals
// keep failing for a whole ttl.
func (l *redisLease) renew() {
	defer close(l.done)
	interval := max(l.owner.ttl/3, time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, l.owner.client, []string{l.name}, l.token, l.owner.ttl.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			l.lost.Store(true)
			return
		}
	}
}

func (l *redisLease) Check(ctx context.Context) error {
	if l.lost.Load() {
		return ErrLeaseLost
	}
	v, err := l.owner.client.Get(ctx, l.name).Result()
	if errors.Is(err, redis.Nil) || (err == nil && v != l.token) {
		l.lost.Store(true)
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("keylock: check %s: %w", l.key, err)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		n, err := releaseScript.Run(ctx, l.owner.client, []string{l.name}, l.token).Int()
		if err != nil {
			l.err = fmt.Errorf("keylock: release %s: %w", l.key, err)
			return
		}
		if n == 0 {
			l.err = ErrLeaseLost
		}
	})
	return l.err
}
