// Package store defines the durable storage contract for discovery nodes and
// targets. Backends live in subpackages; the reconciliation and query logic
// only ever sees the interfaces declared here.
package store

import (
	"context"
	"errors"

	"github.com/gustycube/discovery-registry/internal/softdelete"
	"github.com/gustycube/discovery-registry/internal/types"
)

var (
	// ErrNotFound is returned by identity lookups that match nothing
	ErrNotFound = errors.New("not found")
	// ErrConflict means a concurrent transaction won; the unit may be retried
	ErrConflict = errors.New("transaction conflict")
	// ErrValidation rejects a record with missing or malformed fields
	ErrValidation = errors.New("validation failed")
	// ErrReadOnly is returned for a write in a read-only transaction
	ErrReadOnly = errors.New("write in read-only transaction")
)

// NodeRepository reads and writes discovery nodes. Returned nodes are copies
// owned by the caller; changes are only stored through SaveNode.
type NodeRepository interface {
	// GuardNodeKey serializes writers of the (nodeType, name) key. It must be
	// called before the key is looked up.
	GuardNodeKey(ctx context.Context, nodeType types.NodeType, name string) error
	NodesByKey(ctx context.Context, nodeType types.NodeType, name string) ([]*types.DiscoveryNode, error)
	NodesByType(ctx context.Context, nodeType types.NodeType) ([]*types.DiscoveryNode, error)
	Nodes(ctx context.Context, f softdelete.Filter) ([]*types.DiscoveryNode, error)
	Node(ctx context.Context, id int64) (*types.DiscoveryNode, error)
	ChildrenOf(ctx context.Context, parentID int64) ([]*types.DiscoveryNode, error)
	// SaveNode inserts n when n.ID is zero, assigning the id, and updates it
	// otherwise. Name and node type are never rewritten by an update.
	SaveNode(ctx context.Context, n *types.DiscoveryNode) error
}

// TargetRepository reads and writes targets. Lookups never apply a deletion
// filter unless one is passed explicitly.
type TargetRepository interface {
	GuardTargetKey(ctx context.Context, connectURL string) error
	Target(ctx context.Context, id int64) (*types.Target, error)
	TargetsByConnectURL(ctx context.Context, connectURL string) ([]*types.Target, error)
	TargetByJvmID(ctx context.Context, jvmID string) (*types.Target, error)
	Targets(ctx context.Context, f softdelete.Filter) ([]*types.Target, error)
	SaveTarget(ctx context.Context, t *types.Target) error
}

// Tx is one unit of work. Results are ordered by ascending id.
type Tx interface {
	NodeRepository
	TargetRepository
	// AfterCommit registers fn to run once the transaction has committed.
	// Nothing runs when the transaction is rolled back.
	AfterCommit(fn func())
	Commit() error
	Rollback() error
}

// Store opens transactions against a backend.
type Store interface {
	Begin(ctx context.Context, writable bool) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

// Hooks collects after-commit callbacks. Backends embed it in their Tx.
type Hooks struct {
	fns []func()
}

// AfterCommit registers fn to run after a successful commit
func (h *Hooks) AfterCommit(fn func()) { h.fns = append(h.fns, fn) }

// Fire runs and clears the registered callbacks.
func (h *Hooks) Fire() {
	fns := h.fns
	h.fns = nil
	for _, fn := range fns {
		fn()
	}
}

// Discard clears the registered callbacks without running them.
func (h *Hooks) Discard() { h.fns = nil }
