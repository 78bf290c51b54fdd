// Package queue is a Redis list based work queue of discovery events with
// lease and acknowledgement. A leased item sits in a processing list until it
// is acked or retried, so a crashed worker's items can be recovered.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a reliable Redis list queue: leased items wait in a processing list until acked
type RedisQueue struct {
	cli      *redis.Client
	queueKey string
	procKey  string
	block    time.Duration
}

type item struct {
	Event   json.RawMessage `json:"event"`
	TS      int64           `json:"ts"`
	Attempt int             `json:"attempt"`
}

// Leased is an item taken from the queue and not yet acknowledged.
type Leased struct {
	Event   json.RawMessage
	Attempt int
	raw     string
}

// NewRedis connects to addr; Lease blocks for at most block
func NewRedis(addr, key string, block time.Duration) (*RedisQueue, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	if block <= 0 {
		block = 5 * time.Second
	}
	return &RedisQueue{cli: cli, queueKey: key, procKey: key + ":processing", block: block}, nil
}

// Lease waits up to the block interval for an item. It returns nil without
// error when nothing arrived.
func (q *RedisQueue) Lease(ctx context.Context) (*Leased, error) {
	res, err := q.cli.BRPopLPush(ctx, q.queueKey, q.procKey, q.block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var it item
	if err := json.Unmarshal([]byte(res), &it); err != nil {
		// unreadable items are dropped from processing so they do not come back
		_ = q.cli.LRem(ctx, q.procKey, 1, res).Err()
		return nil, err
	}
	return &Leased{Event: it.Event, Attempt: it.Attempt, raw: res}, nil
}

// Ack removes a processed item.
func (q *RedisQueue) Ack(ctx context.Context, l *Leased) error {
	return q.cli.LRem(ctx, q.procKey, 1, l.raw).Err()
}

// Retry puts a leased item back at the tail of the queue with its attempt
// count raised.
func (q *RedisQueue) Retry(ctx context.Context, l *Leased) error {
	b, err := json.Marshal(item{Event: l.Event, TS: time.Now().UTC().Unix(), Attempt: l.Attempt + 1})
	if err != nil {
		return err
	}
	_, err = q.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.procKey, 1, l.raw)
		p.LPush(ctx, q.queueKey, string(b))
		return nil
	})
	return err
}

// Recover moves every item left in processing back onto the queue and
// returns how many were moved.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.cli.RPopLPush(ctx, q.procKey, q.queueKey).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Seed pushes an encoded event onto the queue.
func (q *RedisQueue) Seed(ctx context.Context, event []byte) error {
	b, err := json.Marshal(item{Event: event, TS: time.Now().UTC().Unix()})
	if err != nil {
		return err
	}
	return q.cli.LPush(ctx, q.queueKey, string(b)).Err()
}

// Ping reports whether the Redis server answers.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.cli.Ping(ctx).Err()
}

// Close closes the Redis client
func (q *RedisQueue) Close() error { return q.cli.Close() }
