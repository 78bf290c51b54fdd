package rate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerClient keeps one token bucket per client key, typically the remote
// address of an API caller. Idle buckets are dropped by a background sweep.
type PerClient struct {
	mu         sync.Mutex
	m          map[string]*limitEntry
	perSecond  float64
	burst      int
	maxEntries int
	idle       time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New creates a limiter allowing perSecond requests per client with the given burst
func New(perSecond float64, burst int) *PerClient {
	pc := &PerClient{
		m:          make(map[string]*limitEntry),
		perSecond:  perSecond,
		burst:      burst,
		maxEntries: 10000,
		idle:       time.Hour,
		stop:       make(chan struct{}),
	}
	go pc.cleanup(5 * time.Minute)
	return pc
}

func (p *PerClient) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// sweep drops idle buckets once the map has grown past its bound.
func (p *PerClient) sweep(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.m) <= p.maxEntries {
		return
	}
	cutoff := now.Add(-p.idle)
	for client, entry := range p.m {
		if entry.lastUsed.Before(cutoff) {
			delete(p.m, client)
		}
	}
}

// Stop ends the background sweep.
func (p *PerClient) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *PerClient) entry(client string) *limitEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[client]
	if !ok {
		e = &limitEntry{limiter: rate.NewLimiter(rate.Limit(p.perSecond), p.burst)}
		p.m[client] = e
	}
	e.lastUsed = time.Now()
	return e
}

// Allow reports whether client may make a request now
func (p *PerClient) Allow(client string) bool {
	return p.entry(client).limiter.Allow()
}

// Wait blocks until client may proceed or ctx is done.
func (p *PerClient) Wait(ctx context.Context, client string) error {
	return p.entry(client).limiter.Wait(ctx)
}

// Len returns the number of tracked clients.
func (p *PerClient) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
