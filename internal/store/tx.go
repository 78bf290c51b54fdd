package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gustycube/discovery-registry/internal/metrics"
)

// RetryPolicy bounds how long a unit of work is retried after a conflict.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy retries conflicts for up to five seconds
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 5 * time.Millisecond,
		MaxElapsed:      5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	bo.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(bo, ctx)
}

// Update runs fn as a write unit. When tx is non-nil fn joins it: nothing is
// committed and conflicts are returned to the owner of tx. Otherwise a new
// transaction is opened, committed on success and rolled back on error or
// panic; the whole unit is retried while it fails with ErrConflict.
func Update(ctx context.Context, s Store, tx Tx, p RetryPolicy, fn func(Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	op := func() error {
		err := runOnce(ctx, s, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConflict) {
			metrics.StoreConflictsTotal.Inc()
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, p.backOff(ctx))
}

func runOnce(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx, true)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// View runs fn against a read-only transaction that is discarded afterwards.
func View(ctx context.Context, s Store, fn func(Tx) error) error {
	tx, err := s.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}
