package dedup

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gustycube/discovery-registry/internal/circuitbreaker"
)

const keyPrefix = "registry:event:"

// Redis shares applied event ids between registry replicas. A breaker skips
// the round trip while Redis keeps failing.
type Redis struct {
	cli        *redis.Client
	ttl        time.Duration
	log        *zap.SugaredLogger
	breaker    *circuitbreaker.Breaker
	errorCount atomic.Int64
}

// NewRedis connects to addr and fails when Redis does not answer.
func NewRedis(addr string, ttl time.Duration, log *zap.SugaredLogger) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	cfg := circuitbreaker.DefaultConfig()
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		log.Warnw("redis dedup breaker", "from", from.String(), "to", to.String())
	}
	return &Redis{cli: cli, ttl: ttl, log: log, breaker: circuitbreaker.New(cfg)}, nil
}

// Seen reports whether key was marked. While Redis is failing every event is
// treated as new.
func (r *Redis) Seen(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var n int64
	err := r.breaker.Execute(func() error {
		var err error
		n, err = r.cli.Exists(ctx, keyPrefix+key).Result()
		return err
	})
	if err != nil {
		r.warn("redis dedup check failed", err)
		return false // process rather than drop
	}
	return n > 0
}

// Mark records key for the configured TTL. It is not bound to the caller's
// cancellation so an event applied during shutdown is still recorded.
func (r *Redis) Mark(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	err := r.breaker.Execute(func() error { return r.cli.Set(ctx, keyPrefix+key, 1, r.ttl).Err() })
	if err != nil {
		r.warn("redis dedup mark failed", err)
	}
}

func (r *Redis) warn(msg string, err error) {
	if n := r.errorCount.Add(1); n%100 == 1 && !errors.Is(err, circuitbreaker.ErrOpen) { // every 100th error
		r.log.Warnw(msg, "count", n, "err", err)
	}
}

// Ping reports whether the Redis server answers. It bypasses the breaker.
func (r *Redis) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

// Close closes the Redis client
func (r *Redis) Close() error { return r.cli.Close() }
