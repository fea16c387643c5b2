// Package lock provides short-lived mutual exclusion across processes
// (redis) or within one process (Local).
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const redisTimeout = 5 * time.Second

type Locker interface {
	// TryLock acquires key for at most ttl. ok is false when another holder
	// has it. unlock is safe to call after the ttl has passed.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "energy-rental:lock:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (l *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	full := l.prefix + key
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{full}, token).Err()
	}, true, nil
}

// Local is a Locker for single-process deployments and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]localHold
	now  func() time.Time
}

type localHold struct {
	token   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: map[string]localHold{}, now: time.Now}
}

func (l *Local) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[key]; ok && l.now().Before(h.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.held[key] = localHold{token: token, expires: l.now().Add(ttl)}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if h, ok := l.held[key]; ok && h.token == token {
			delete(l.held, key)
		}
	}, true, nil
}

// Run calls fn while holding key. It reports false without calling fn when
// the lock is taken.
func Run(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	unlock, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer unlock()
	return true, fn(ctx)
}
