// Package reconcile resolves a (nodeType, name) key reported by a discovery
// source to a discovery node. An active match is reused as is, a deleted match
// is brought back with its id and history, and only when neither exists is a
// new node created.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gustycube/discovery-registry/internal/metrics"
	"github.com/gustycube/discovery-registry/internal/softdelete"
	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/types"
)

const entity = "DiscoveryNode"

// Filter narrows the nodes sharing a key. It must not modify the node.
type Filter func(n *types.DiscoveryNode) bool

// Any accepts every node.
func Any(*types.DiscoveryNode) bool { return true }

// Customizer mutates a resolved node before it is saved. It runs inside the
// reconciling transaction; returning an error rolls that transaction back.
// Changes to the node's name or type are ignored.
type Customizer func(ctx context.Context, tx store.Tx, n *types.DiscoveryNode) error

// Outcome tells which tier resolved a key.
type Outcome string

const (
	// OutcomeActive means an active node matched and was returned unchanged
	OutcomeActive Outcome = "active"
	// OutcomeUndeleted means a deleted node was restored and customized
	OutcomeUndeleted Outcome = "undeleted"
	// OutcomeCreated means no node matched and a new one was saved
	OutcomeCreated Outcome = "created"
)

// Reconciler resolves discovery keys to nodes
type Reconciler struct {
	store store.Store
	retry store.RetryPolicy
	log   *zap.SugaredLogger
}

// New creates a reconciler over s
func New(s store.Store, retry store.RetryPolicy, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{store: s, retry: retry, log: log}
}

var tracer = otel.Tracer("registry/reconcile")

// Reconcile returns the node for (nodeType, name).
//
// When tx is nil the active tier is checked first in a read-only transaction
// and the write path runs in its own transaction, retried on conflict. When tx
// is non-nil every step joins it and the caller owns commit and retry.
func (r *Reconciler) Reconcile(ctx context.Context, tx store.Tx, nodeType types.NodeType, name string, filter Filter, customize Customizer) (*types.DiscoveryNode, error) {
	ctx, span := tracer.Start(ctx, "Reconcile", trace.WithAttributes(
		attribute.String("node.type", string(nodeType)),
		attribute.String("node.name", name),
	))
	defer span.End()

	if filter == nil {
		filter = Any
	}

	if tx == nil {
		var found *types.DiscoveryNode
		err := store.View(ctx, r.store, func(tx store.Tx) error {
			nodes, err := tx.NodesByKey(ctx, nodeType, name)
			if err != nil {
				return err
			}
			found, _ = softdelete.First(nodes, softdelete.Active, filter)
			return nil
		})
		if err != nil {
			return nil, r.fail(span, nodeType, name, err)
		}
		if found != nil {
			r.done(span, OutcomeActive)
			return found, nil
		}
	}

	var (
		node    *types.DiscoveryNode
		outcome Outcome
	)
	err := store.Update(ctx, r.store, tx, r.retry, func(tx store.Tx) error {
		var err error
		node, outcome, err = r.resolve(ctx, tx, nodeType, name, filter, customize)
		return err
	})
	if err != nil {
		return nil, r.fail(span, nodeType, name, err)
	}
	r.done(span, outcome)
	return node, nil
}

func (r *Reconciler) resolve(ctx context.Context, tx store.Tx, nodeType types.NodeType, name string, filter Filter, customize Customizer) (*types.DiscoveryNode, Outcome, error) {
	if err := tx.GuardNodeKey(ctx, nodeType, name); err != nil {
		return nil, "", err
	}
	nodes, err := tx.NodesByKey(ctx, nodeType, name)
	if err != nil {
		return nil, "", err
	}
	if n, ok := softdelete.First(nodes, softdelete.Active, filter); ok {
		return n, OutcomeActive, nil
	}

	var (
		tr      softdelete.Transition
		outcome Outcome
	)
	n, ok := softdelete.First(nodes, softdelete.Deleted, filter)
	if ok {
		tr, outcome = softdelete.Undelete(n), OutcomeUndeleted
	} else {
		n = &types.DiscoveryNode{Name: name, NodeType: nodeType, Labels: map[string]string{}}
		tr, outcome = softdelete.Transition{Kind: softdelete.Created, At: softdelete.Now()}, OutcomeCreated
	}

	if customize != nil {
		if err := customize(ctx, tx, n); err != nil {
			return nil, "", fmt.Errorf("customize: %w", err)
		}
	}
	n.Name, n.NodeType = name, nodeType
	if err := tx.SaveNode(ctx, n); err != nil {
		return nil, "", err
	}
	softdelete.OnCommit(tx, r.log, entity, tr, "id", n.ID, "name", n.Name, "nodeType", n.NodeType)
	return n, outcome, nil
}

func (r *Reconciler) done(span trace.Span, outcome Outcome) {
	span.SetAttributes(attribute.String("reconcile.outcome", string(outcome)))
	metrics.ReconcileTotal.WithLabelValues("node", string(outcome)).Inc()
}

func (r *Reconciler) fail(span trace.Span, nodeType types.NodeType, name string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.ReconcileTotal.WithLabelValues("node", "error").Inc()
	return fmt.Errorf("reconcile %s %q: %w", nodeType, name, err)
}

// Environment resolves a grouping node such as the universe or a realm. Any
// node of the key qualifies and nothing is customized.
func (r *Reconciler) Environment(ctx context.Context, tx store.Tx, name string, nodeType types.NodeType) (*types.DiscoveryNode, error) {
	return r.Reconcile(ctx, tx, nodeType, name, Any, nil)
}

// Child resolves a grouping node below parent. Nodes of the same key under a
// different parent are not candidates, so equally named groups of separate
// subtrees stay apart.
func (r *Reconciler) Child(ctx context.Context, tx store.Tx, parent *types.DiscoveryNode, name string, nodeType types.NodeType) (*types.DiscoveryNode, error) {
	under := func(n *types.DiscoveryNode) bool {
		return n.ParentID != nil && *n.ParentID == parent.ID
	}
	setParent := func(_ context.Context, _ store.Tx, n *types.DiscoveryNode) error {
		n.ParentID = types.ID(parent.ID)
		return nil
	}
	return r.Reconcile(ctx, tx, nodeType, name, under, setParent)
}

// TargetNode resolves the node terminating in target, keyed by its connect
// URL. Before customize runs the node is pointed at target and the target's
// labels are merged over the node's. The target is linked back to the node in
// the same transaction, and a different node that still owned the target is
// soft-deleted so only one active node refers to it.
func (r *Reconciler) TargetNode(ctx context.Context, tx store.Tx, target *types.Target, nodeType types.NodeType, customize Customizer) (*types.DiscoveryNode, error) {
	if target.ID == 0 {
		return nil, fmt.Errorf("target %q is not persisted: %w", target.ConnectURL, store.ErrValidation)
	}
	attach := func(ctx context.Context, tx store.Tx, n *types.DiscoveryNode) error {
		n.TargetID = types.ID(target.ID)
		n.Normalize()
		for k, v := range target.Labels {
			n.Labels[k] = v
		}
		if customize != nil {
			return customize(ctx, tx, n)
		}
		return nil
	}

	var node *types.DiscoveryNode
	err := store.Update(ctx, r.store, tx, r.retry, func(tx store.Tx) error {
		n, err := r.Reconcile(ctx, tx, nodeType, target.ConnectURL, Any, attach)
		if err != nil {
			return err
		}
		if target.DiscoveryNodeID == nil || *target.DiscoveryNodeID != n.ID {
			if target.DiscoveryNodeID != nil {
				if err := r.retire(ctx, tx, *target.DiscoveryNodeID, target.ID); err != nil {
					return err
				}
			}
			target.DiscoveryNodeID = types.ID(n.ID)
			if err := tx.SaveTarget(ctx, target); err != nil {
				return fmt.Errorf("link target %d: %w", target.ID, err)
			}
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// retire soft-deletes the node with id when it is still an active owner of
// targetID. Missing or already deleted nodes are left alone.
func (r *Reconciler) retire(ctx context.Context, tx store.Tx, id, targetID int64) error {
	prev, err := tx.Node(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if softdelete.IsDeleted(prev) || prev.TargetID == nil || *prev.TargetID != targetID {
		return nil
	}
	tr := softdelete.SoftDelete(prev)
	if err := tx.SaveNode(ctx, prev); err != nil {
		return fmt.Errorf("retire node %d: %w", id, err)
	}
	softdelete.OnCommit(tx, r.log, entity, tr, "id", prev.ID, "name", prev.Name, "nodeType", prev.NodeType, "target", targetID)
	return nil
}
