package dedup

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory keeps recent keys in a bounded LRU; the oldest keys fall out when it
// is full or their TTL passes.
type Memory struct {
	seen *expirable.LRU[string, struct{}]
}

// NewMemory creates an in-process dedup set of at most size keys.
func NewMemory(size int, ttl time.Duration) *Memory {
	return &Memory{seen: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Seen reports whether key was marked and has not expired
func (d *Memory) Seen(_ context.Context, key string) bool {
	return d.seen.Contains(key)
}

// Mark records key
func (d *Memory) Mark(_ context.Context, key string) {
	d.seen.Add(key, struct{}{})
}
