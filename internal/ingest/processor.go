// Package ingest applies discovery events to the tree and the target
// registry. A found event places the target under its realm and grouping path
// in one transaction; a lost event soft-deletes the target and its node and
// leaves the rest of the tree untouched.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gustycube/discovery-registry/internal/dedup"
	"github.com/gustycube/discovery-registry/internal/metrics"
	"github.com/gustycube/discovery-registry/internal/reconcile"
	"github.com/gustycube/discovery-registry/internal/registry"
	"github.com/gustycube/discovery-registry/internal/softdelete"
	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/tree"
	"github.com/gustycube/discovery-registry/internal/types"
)

// RealmAnnotation is the discovery annotation naming the realm of a target.
const RealmAnnotation = "REALM"

// ErrDuplicate is returned for an event id that was already processed.
var ErrDuplicate = errors.New("duplicate event")

// Processor applies discovery events
type Processor struct {
	store    store.Store
	retry    store.RetryPolicy
	rec      *reconcile.Reconciler
	tree     *tree.Service
	registry *registry.Registry
	dedup    dedup.Interface
	log      *zap.SugaredLogger
}

// NewProcessor creates a processor; a nil dedup disables duplicate detection
func NewProcessor(s store.Store, retry store.RetryPolicy, rec *reconcile.Reconciler, t *tree.Service, reg *registry.Registry, d dedup.Interface, log *zap.SugaredLogger) *Processor {
	return &Processor{store: s, retry: retry, rec: rec, tree: t, registry: reg, dedup: d, log: log}
}

var tracer = otel.Tracer("registry/ingest")

// Handle applies ev. An event id applied before yields ErrDuplicate. The id is
// recorded only after the event's transaction has committed, so an event that
// failed or was interrupted is applied again when it is redelivered.
func (p *Processor) Handle(ctx context.Context, ev Event) error {
	ctx, span := tracer.Start(ctx, "Handle", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.kind", string(ev.Kind)),
		attribute.String("target.connect_url", ev.ConnectURL),
	))
	defer span.End()

	if err := ev.Validate(); err != nil {
		metrics.IngestEventsTotal.WithLabelValues(string(ev.Kind), "invalid").Inc()
		return err
	}
	if p.dedup != nil && p.dedup.Seen(ctx, ev.ID) {
		metrics.IngestEventsTotal.WithLabelValues(string(ev.Kind), "duplicate").Inc()
		return ErrDuplicate
	}

	var err error
	switch ev.Kind {
	case Found:
		err = p.found(ctx, ev)
	case Lost:
		err = p.lost(ctx, ev)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.IngestEventsTotal.WithLabelValues(string(ev.Kind), "error").Inc()
		return fmt.Errorf("event %s: %w", ev.ID, err)
	}
	if p.dedup != nil {
		p.dedup.Mark(ctx, ev.ID)
	}
	metrics.IngestEventsTotal.WithLabelValues(string(ev.Kind), "ok").Inc()
	return nil
}

func (p *Processor) found(ctx context.Context, ev Event) error {
	return store.Update(ctx, p.store, nil, p.retry, func(tx store.Tx) error {
		parent, err := p.tree.EnsureRealm(ctx, tx, ev.Realm)
		if err != nil {
			return err
		}
		for _, el := range ev.Path {
			if parent, err = p.rec.Child(ctx, tx, parent, el.Name, el.NodeType); err != nil {
				return err
			}
		}

		target, err := p.registry.CreateOrUndelete(ctx, tx, ev.ConnectURL)
		if err != nil {
			return err
		}
		if refresh(target, ev) {
			if err := p.registry.Update(ctx, tx, target); err != nil {
				return err
			}
		}

		under := parent.ID
		node, err := p.rec.TargetNode(ctx, tx, target, ev.targetNodeType(), func(_ context.Context, _ store.Tx, n *types.DiscoveryNode) error {
			n.ParentID = types.ID(under)
			return nil
		})
		if err != nil {
			return err
		}
		p.log.Debugw("target found", "event", ev.ID, "target", target.ID, "node", node.ID, "realm", ev.Realm)
		return nil
	})
}

// refresh copies the attributes reported by ev onto t and reports whether
// anything changed. Empty fields of the event keep the stored values.
func refresh(t *types.Target, ev Event) bool {
	before := t.Clone()
	t.Normalize()
	if ev.JvmID != "" {
		t.JvmID = ev.JvmID
	}
	if ev.Alias != "" {
		t.Alias = ev.Alias
	}
	if ev.Labels != nil {
		t.Labels = maps.Clone(ev.Labels)
	}
	if ev.Annotations != nil {
		t.Annotations.Platform = maps.Clone(ev.Annotations)
	}
	t.Annotations.Discovery[RealmAnnotation] = ev.Realm

	before.Normalize()
	return before.JvmID != t.JvmID ||
		before.Alias != t.Alias ||
		!maps.Equal(before.Labels, t.Labels) ||
		!maps.Equal(before.Annotations.Platform, t.Annotations.Platform) ||
		!maps.Equal(before.Annotations.Discovery, t.Annotations.Discovery)
}

func (p *Processor) lost(ctx context.Context, ev Event) error {
	return store.Update(ctx, p.store, nil, p.retry, func(tx store.Tx) error {
		targets, err := tx.TargetsByConnectURL(ctx, ev.ConnectURL)
		if err != nil {
			return err
		}
		active := softdelete.Select(targets, softdelete.Active)
		if len(active) == 0 {
			p.log.Debugw("lost event for unknown or deleted target", "event", ev.ID, "connectUrl", ev.ConnectURL)
			return nil
		}
		for _, t := range active {
			if _, err := p.registry.SoftDelete(ctx, tx, t.ID); err != nil {
				return err
			}
			if t.DiscoveryNodeID == nil {
				continue
			}
			n, err := tx.Node(ctx, *t.DiscoveryNodeID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if softdelete.IsDeleted(n) {
				continue
			}
			if _, err := p.tree.SoftDelete(ctx, tx, n.ID); err != nil {
				return err
			}
		}
		return nil
	})
}
