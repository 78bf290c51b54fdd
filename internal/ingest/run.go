package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gustycube/discovery-registry/internal/store"
)

// DefaultMaxAttempts bounds how often a failing event is handed back to its
// source before it is dropped.
const DefaultMaxAttempts = 5

// Run feeds deliveries from src to workers until src is exhausted or ctx is
// done. Deliveries left unacked at shutdown stay with the source.
func (p *Processor) Run(ctx context.Context, src Source, workers, maxAttempts int) {
	if workers < 1 {
		workers = 1
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	deliveries := make(chan *Delivery, workers*4)

	go func() {
		defer close(deliveries)
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0
		bo.MaxInterval = 30 * time.Second
		for {
			d, err := src.Next(ctx)
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			if err != nil {
				wait := bo.NextBackOff()
				p.log.Warnw("event source failed", "err", err, "retry_in", wait)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			bo.Reset()
			if d == nil {
				continue
			}
			select {
			case deliveries <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				p.deliver(ctx, d, maxAttempts)
			}
		}()
	}
	wg.Wait()
}

func (p *Processor) deliver(ctx context.Context, d *Delivery, maxAttempts int) {
	ev, err := Decode(d.Payload)
	if err == nil {
		err = p.Handle(ctx, ev)
	}
	switch {
	case err == nil, errors.Is(err, ErrDuplicate):
	case errors.Is(err, store.ErrValidation):
		p.log.Warnw("dropping invalid event", "event", ev.ID, "err", err)
	case ctx.Err() != nil:
		// left with the source; the queue requeues in-flight events on startup
		p.log.Infow("event interrupted by shutdown", "event", ev.ID)
		return
	case d.Attempt+1 >= maxAttempts:
		p.log.Errorw("dropping event after repeated failures", "event", ev.ID, "attempts", d.Attempt+1, "err", err)
	default:
		p.log.Warnw("event failed, retrying", "event", ev.ID, "attempt", d.Attempt+1, "err", err)
		if rerr := d.Retry(context.WithoutCancel(ctx)); rerr != nil {
			p.log.Warnw("event retry failed", "event", ev.ID, "err", rerr)
		}
		return
	}
	if aerr := d.Ack(context.WithoutCancel(ctx)); aerr != nil {
		p.log.Warnw("event ack failed", "event", ev.ID, "err", aerr)
	}
}
