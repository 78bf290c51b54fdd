// Package registry keeps the target records. Targets are reconciled by connect
// URL the same way discovery nodes are reconciled by key, and can be looked up
// by id, JVM id or connect URL whether or not they are deleted.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gustycube/discovery-registry/internal/metrics"
	"github.com/gustycube/discovery-registry/internal/softdelete"
	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/types"
)

const entity = "Target"

// Config tunes the registry.
type Config struct {
	Retry store.RetryPolicy
	// CacheSize bounds the jvmId → id lookup cache. Zero disables it.
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig returns the default retry policy and a 4096 entry, ten minute cache
func DefaultConfig() Config {
	return Config{
		Retry:     store.DefaultRetryPolicy(),
		CacheSize: 4096,
		CacheTTL:  10 * time.Minute,
	}
}

// Registry owns target records
type Registry struct {
	store store.Store
	retry store.RetryPolicy
	log   *zap.SugaredLogger
	byJvm *expirable.LRU[string, int64]
}

// New creates a registry over s
func New(s store.Store, cfg Config, log *zap.SugaredLogger) *Registry {
	r := &Registry{store: s, retry: cfg.Retry, log: log}
	if cfg.CacheSize > 0 {
		r.byJvm = expirable.NewLRU[string, int64](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return r
}

var tracer = otel.Tracer("registry/targets")

// CreateOrUndelete returns the target for connectURL: the first active one,
// else the first deleted one brought back, else a new target whose alias is
// the connect URL. The id is stable across soft-delete and reappearance.
func (r *Registry) CreateOrUndelete(ctx context.Context, tx store.Tx, connectURL string) (*types.Target, error) {
	ctx, span := tracer.Start(ctx, "CreateOrUndelete", trace.WithAttributes(attribute.String("target.connect_url", connectURL)))
	defer span.End()

	if tx == nil {
		var found *types.Target
		err := store.View(ctx, r.store, func(tx store.Tx) error {
			ts, err := tx.TargetsByConnectURL(ctx, connectURL)
			if err != nil {
				return err
			}
			found, _ = softdelete.First(ts, softdelete.Active, nil)
			return nil
		})
		if err != nil {
			span.RecordError(err)
			metrics.ReconcileTotal.WithLabelValues("target", "error").Inc()
			return nil, fmt.Errorf("create or undelete %q: %w", connectURL, err)
		}
		if found != nil {
			metrics.ReconcileTotal.WithLabelValues("target", "active").Inc()
			return found, nil
		}
	}

	var (
		target  *types.Target
		outcome string
	)
	err := store.Update(ctx, r.store, tx, r.retry, func(tx store.Tx) error {
		if err := tx.GuardTargetKey(ctx, connectURL); err != nil {
			return err
		}
		ts, err := tx.TargetsByConnectURL(ctx, connectURL)
		if err != nil {
			return err
		}
		if t, ok := softdelete.First(ts, softdelete.Active, nil); ok {
			target, outcome = t, "active"
			return nil
		}
		var tr softdelete.Transition
		t, ok := softdelete.First(ts, softdelete.Deleted, nil)
		if ok {
			tr, outcome = softdelete.Undelete(t), "undeleted"
		} else {
			t = &types.Target{ConnectURL: connectURL, Alias: connectURL}
			tr, outcome = softdelete.Transition{Kind: softdelete.Created, At: softdelete.Now()}, "created"
		}
		if err := tx.SaveTarget(ctx, t); err != nil {
			return err
		}
		r.announce(tx, t, tr)
		target = t
		return nil
	})
	if err != nil {
		span.RecordError(err)
		metrics.ReconcileTotal.WithLabelValues("target", "error").Inc()
		return nil, fmt.Errorf("create or undelete %q: %w", connectURL, err)
	}
	span.SetAttributes(attribute.String("reconcile.outcome", outcome))
	metrics.ReconcileTotal.WithLabelValues("target", outcome).Inc()
	return target, nil
}

func (r *Registry) announce(tx store.Tx, t *types.Target, tr softdelete.Transition) {
	softdelete.OnCommit(tx, r.log, entity, tr, "id", t.ID, "connectUrl", t.ConnectURL, "jvmId", t.JvmID)
}

// GetTargetByID returns the target with id, deleted or not.
func (r *Registry) GetTargetByID(ctx context.Context, id int64) (*types.Target, error) {
	var t *types.Target
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		t, err = tx.Target(ctx, id)
		return err
	})
	return t, err
}

// GetTargetByJvmID returns the target with jvmID, deleted or not.
func (r *Registry) GetTargetByJvmID(ctx context.Context, jvmID string) (*types.Target, error) {
	var t *types.Target
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		if r.byJvm != nil {
			if id, ok := r.byJvm.Get(jvmID); ok {
				cached, err := tx.Target(ctx, id)
				if err == nil && cached.JvmID == jvmID {
					t = cached
					return nil
				}
				r.byJvm.Remove(jvmID)
			}
		}
		var err error
		t, err = tx.TargetByJvmID(ctx, jvmID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if r.byJvm != nil {
		r.byJvm.Add(jvmID, t.ID)
	}
	return t, nil
}

// GetTargetByConnectURL returns the target for connectURL, preferring an
// active one over deleted ones.
func (r *Registry) GetTargetByConnectURL(ctx context.Context, connectURL string) (*types.Target, error) {
	var t *types.Target
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		ts, err := tx.TargetsByConnectURL(ctx, connectURL)
		if err != nil {
			return err
		}
		if found, ok := softdelete.First(ts, softdelete.Active, nil); ok {
			t = found
			return nil
		}
		if found, ok := softdelete.First(ts, softdelete.All, nil); ok {
			t = found
			return nil
		}
		return fmt.Errorf("target with connect url %s: %w", connectURL, store.ErrNotFound)
	})
	return t, err
}

// List returns the active targets, or every target when includeDeleted is set.
func (r *Registry) List(ctx context.Context, includeDeleted bool) ([]*types.Target, error) {
	if includeDeleted {
		return r.find(ctx, softdelete.All)
	}
	return r.find(ctx, softdelete.Active)
}

// FindActive returns the targets that are not deleted
func (r *Registry) FindActive(ctx context.Context) ([]*types.Target, error) {
	return r.find(ctx, softdelete.Active)
}

// FindDeleted returns the soft-deleted targets
func (r *Registry) FindDeleted(ctx context.Context) ([]*types.Target, error) {
	return r.find(ctx, softdelete.Deleted)
}

// FindAllIncludingDeleted returns every target
func (r *Registry) FindAllIncludingDeleted(ctx context.Context) ([]*types.Target, error) {
	return r.find(ctx, softdelete.All)
}

func (r *Registry) find(ctx context.Context, f softdelete.Filter) ([]*types.Target, error) {
	var out []*types.Target
	err := store.View(ctx, r.store, func(tx store.Tx) error {
		var err error
		out, err = tx.Targets(ctx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s targets: %w", f, err)
	}
	return out, nil
}

// SoftDelete marks the target deleted. Its discovery node is left alone.
func (r *Registry) SoftDelete(ctx context.Context, tx store.Tx, id int64) (*types.Target, error) {
	return r.transition(ctx, tx, id, softdelete.SoftDelete)
}

// Undelete clears the target's deletion mark. Its discovery node is left alone.
func (r *Registry) Undelete(ctx context.Context, tx store.Tx, id int64) (*types.Target, error) {
	return r.transition(ctx, tx, id, softdelete.Undelete)
}

func (r *Registry) transition(ctx context.Context, tx store.Tx, id int64, fn func(softdelete.Record) softdelete.Transition) (*types.Target, error) {
	var t *types.Target
	err := store.Update(ctx, r.store, tx, r.retry, func(tx store.Tx) error {
		var err error
		if t, err = tx.Target(ctx, id); err != nil {
			return err
		}
		tr := fn(t)
		if err := tx.SaveTarget(ctx, t); err != nil {
			return err
		}
		r.announce(tx, t, tr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Update stores the mutable attributes of t: jvm id, alias, labels,
// annotations and the discovery node link. The connect URL is never changed.
func (r *Registry) Update(ctx context.Context, tx store.Tx, t *types.Target) error {
	if t.ID == 0 {
		return fmt.Errorf("update of unsaved target: %w", store.ErrValidation)
	}
	return store.Update(ctx, r.store, tx, r.retry, func(tx store.Tx) error {
		old, err := tx.Target(ctx, t.ID)
		if err != nil {
			return err
		}
		if err := tx.SaveTarget(ctx, t); err != nil {
			return err
		}
		if old.JvmID != "" && old.JvmID != t.JvmID && r.byJvm != nil {
			stale := old.JvmID
			tx.AfterCommit(func() { r.byJvm.Remove(stale) })
		}
		r.announce(tx, t, softdelete.Transition{Kind: softdelete.Updated, At: softdelete.Now()})
		return nil
	})
}

// IsNotFound reports whether err means no target matched.
func IsNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
