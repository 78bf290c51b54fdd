// Package tree serves the read side of the discovery tree and the explicit
// soft-delete and undelete of its nodes.
//
// Deletion never cascades: a node's children and its target keep their own
// deletion state.
package tree

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gustycube/discovery-registry/internal/reconcile"
	"github.com/gustycube/discovery-registry/internal/softdelete"
	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/types"
)

// UniverseName is the name of the singleton root node.
const UniverseName = "Universe"

const entity = "DiscoveryNode"

// Service answers tree queries and soft-deletes or restores nodes
type Service struct {
	store store.Store
	rec   *reconcile.Reconciler
	retry store.RetryPolicy
	log   *zap.SugaredLogger
}

// New creates a tree service over s
func New(s store.Store, rec *reconcile.Reconciler, retry store.RetryPolicy, log *zap.SugaredLogger) *Service {
	return &Service{store: s, rec: rec, retry: retry, log: log}
}

// EnsureUniverse resolves the root node, creating it on first use.
func (s *Service) EnsureUniverse(ctx context.Context, tx store.Tx) (*types.DiscoveryNode, error) {
	return s.rec.Environment(ctx, tx, UniverseName, types.Universe)
}

// EnsureRealm resolves the realm called name directly below the universe.
func (s *Service) EnsureRealm(ctx context.Context, tx store.Tx, name string) (*types.DiscoveryNode, error) {
	universe, err := s.EnsureUniverse(ctx, tx)
	if err != nil {
		return nil, err
	}
	return s.rec.Child(ctx, tx, universe, name, types.Realm)
}

// Universe returns the root node, preferring an active row.
func (s *Service) Universe(ctx context.Context) (*types.DiscoveryNode, error) {
	var out *types.DiscoveryNode
	err := store.View(ctx, s.store, func(tx store.Tx) error {
		nodes, err := tx.NodesByType(ctx, types.Universe)
		if err != nil {
			return err
		}
		if n, ok := softdelete.First(nodes, softdelete.Active, nil); ok {
			out = n
			return nil
		}
		if n, ok := softdelete.First(nodes, softdelete.All, nil); ok {
			out = n
			return nil
		}
		return fmt.Errorf("universe: %w", store.ErrNotFound)
	})
	return out, err
}

// Realm returns the first realm called name, whether or not it is deleted.
func (s *Service) Realm(ctx context.Context, name string) (*types.DiscoveryNode, error) {
	var out *types.DiscoveryNode
	err := store.View(ctx, s.store, func(tx store.Tx) error {
		nodes, err := tx.NodesByKey(ctx, types.Realm, name)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			return fmt.Errorf("realm %q: %w", name, store.ErrNotFound)
		}
		out = nodes[0]
		return nil
	})
	return out, err
}

// Realms returns the active realms.
func (s *Service) Realms(ctx context.Context) ([]*types.DiscoveryNode, error) {
	var out []*types.DiscoveryNode
	err := store.View(ctx, s.store, func(tx store.Tx) error {
		nodes, err := tx.NodesByType(ctx, types.Realm)
		out = softdelete.Select(nodes, softdelete.Active)
		return err
	})
	return out, err
}

// Node returns the node with id, deleted or not.
func (s *Service) Node(ctx context.Context, id int64) (*types.DiscoveryNode, error) {
	var out *types.DiscoveryNode
	err := store.View(ctx, s.store, func(tx store.Tx) error {
		var err error
		out, err = tx.Node(ctx, id)
		return err
	})
	return out, err
}

// Children returns the active children of the node with id.
func (s *Service) Children(ctx context.Context, id int64) ([]*types.DiscoveryNode, error) {
	return s.children(ctx, id, softdelete.Active)
}

// AllChildren returns every child of the node with id.
func (s *Service) AllChildren(ctx context.Context, id int64) ([]*types.DiscoveryNode, error) {
	return s.children(ctx, id, softdelete.All)
}

func (s *Service) children(ctx context.Context, id int64, f softdelete.Filter) ([]*types.DiscoveryNode, error) {
	var out []*types.DiscoveryNode
	err := store.View(ctx, s.store, func(tx store.Tx) error {
		if _, err := tx.Node(ctx, id); err != nil {
			return err
		}
		nodes, err := tx.ChildrenOf(ctx, id)
		out = softdelete.Select(nodes, f)
		return err
	})
	return out, err
}

// FindActive returns every node that is not deleted
func (s *Service) FindActive(ctx context.Context) ([]*types.DiscoveryNode, error) {
	return s.find(ctx, softdelete.Active)
}

// FindDeleted returns every soft-deleted node
func (s *Service) FindDeleted(ctx context.Context) ([]*types.DiscoveryNode, error) {
	return s.find(ctx, softdelete.Deleted)
}

// FindAllIncludingDeleted returns every node
func (s *Service) FindAllIncludingDeleted(ctx context.Context) ([]*types.DiscoveryNode, error) {
	return s.find(ctx, softdelete.All)
}

func (s *Service) find(ctx context.Context, f softdelete.Filter) ([]*types.DiscoveryNode, error) {
	var out []*types.DiscoveryNode
	err := store.View(ctx, s.store, func(tx store.Tx) error {
		var err error
		out, err = tx.Nodes(ctx, f)
		return err
	})
	return out, err
}

// FindAllByNodeType returns active and deleted nodes of type t.
func (s *Service) FindAllByNodeType(ctx context.Context, t types.NodeType) ([]*types.DiscoveryNode, error) {
	var out []*types.DiscoveryNode
	err := store.View(ctx, s.store, func(tx store.Tx) error {
		var err error
		out, err = tx.NodesByType(ctx, t)
		return err
	})
	return out, err
}

// SoftDelete marks the node with id deleted.
func (s *Service) SoftDelete(ctx context.Context, tx store.Tx, id int64) (*types.DiscoveryNode, error) {
	return s.transition(ctx, tx, id, softdelete.SoftDelete)
}

// Undelete clears the deletion mark of the node with id.
func (s *Service) Undelete(ctx context.Context, tx store.Tx, id int64) (*types.DiscoveryNode, error) {
	return s.transition(ctx, tx, id, softdelete.Undelete)
}

func (s *Service) transition(ctx context.Context, tx store.Tx, id int64, fn func(softdelete.Record) softdelete.Transition) (*types.DiscoveryNode, error) {
	var n *types.DiscoveryNode
	err := store.Update(ctx, s.store, tx, s.retry, func(tx store.Tx) error {
		var err error
		if n, err = tx.Node(ctx, id); err != nil {
			return err
		}
		tr := fn(n)
		if err := tx.SaveNode(ctx, n); err != nil {
			return err
		}
		softdelete.OnCommit(tx, s.log, entity, tr, "id", n.ID, "name", n.Name, "nodeType", n.NodeType)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Flat returns the flat view of the node with id, with its target when it has
// one.
func (s *Service) Flat(ctx context.Context, id int64) (types.NodeFlat, error) {
	var out types.NodeFlat
	err := store.View(ctx, s.store, func(tx store.Tx) error {
		n, err := tx.Node(ctx, id)
		if err != nil {
			return err
		}
		out, err = flat(ctx, tx, n)
		return err
	})
	return out, err
}

// Nested returns the node with id and its active descendants. The node itself
// is returned even when deleted.
func (s *Service) Nested(ctx context.Context, id int64) (types.NodeNested, error) {
	var out types.NodeNested
	err := store.View(ctx, s.store, func(tx store.Tx) error {
		n, err := tx.Node(ctx, id)
		if err != nil {
			return err
		}
		out, err = nested(ctx, tx, n, map[int64]bool{})
		return err
	})
	return out, err
}

func flat(ctx context.Context, tx store.Tx, n *types.DiscoveryNode) (types.NodeFlat, error) {
	if !n.HasTarget() {
		return types.Flat(n, nil), nil
	}
	t, err := tx.Target(ctx, *n.TargetID)
	if errors.Is(err, store.ErrNotFound) {
		return types.Flat(n, nil), nil
	}
	if err != nil {
		return types.NodeFlat{}, err
	}
	return types.Flat(n, t), nil
}

func nested(ctx context.Context, tx store.Tx, n *types.DiscoveryNode, seen map[int64]bool) (types.NodeNested, error) {
	seen[n.ID] = true
	f, err := flat(ctx, tx, n)
	if err != nil {
		return types.NodeNested{}, err
	}
	out := types.NodeNested{NodeFlat: f, Children: []types.NodeNested{}}

	children, err := tx.ChildrenOf(ctx, n.ID)
	if err != nil {
		return types.NodeNested{}, err
	}
	for _, c := range softdelete.Select(children, softdelete.Active) {
		if seen[c.ID] {
			continue
		}
		cn, err := nested(ctx, tx, c, seen)
		if err != nil {
			return types.NodeNested{}, err
		}
		out.Children = append(out.Children, cn)
	}
	return out, nil
}
