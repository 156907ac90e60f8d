package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard admits at most one rebalance run at a time. A second trigger while
// the guard is held is dropped, never queued.
type Guard interface {
	// TryAcquire returns a release func when the guard was free.
	TryAcquire(ctx context.Context) (release func(), acquired bool, err error)
	Held(ctx context.Context) (bool, error)
	Name() string
}

// LocalGuard is the in-process guard.
type LocalGuard struct {
	busy atomic.Bool
}

func NewLocalGuard() *LocalGuard { return &LocalGuard{} }

func (g *LocalGuard) Name() string { return "local" }

func (g *LocalGuard) TryAcquire(context.Context) (func(), bool, error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			g.busy.Store(false)
		}
	}, true, nil
}

func (g *LocalGuard) Held(context.Context) (bool, error) {
	return g.busy.Load(), nil
}

// releaseScript deletes the lock only while it still carries our token, so
// a run that outlived its TTL cannot free a lock taken by another process.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisGuardConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// RedisGuard shares the guard between processes through SET NX PX.
type RedisGuard struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisGuard(ctx context.Context, cfg RedisGuardConfig) (*RedisGuard, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis guard: address is required")
	}
	key := cfg.Key
	if key == "" {
		key = "intentrail:rebalance:lock"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis guard: connect: %w", err)
	}
	return &RedisGuard{client: client, key: key, ttl: ttl}, nil
}

func (g *RedisGuard) Name() string { return "redis" }

func (g *RedisGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis guard: acquire: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, g.client, []string{g.key}, token).Err()
	}, true, nil
}

func (g *RedisGuard) Held(ctx context.Context) (bool, error) {
	n, err := g.client.Exists(ctx, g.key).Result()
	if err != nil {
		return false, fmt.Errorf("redis guard: check: %w", err)
	}
	return n > 0, nil
}

func (g *RedisGuard) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}
