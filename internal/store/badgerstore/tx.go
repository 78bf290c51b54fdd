package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"github.com/gustycube/discovery-registry/internal/softdelete"
	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/types"
)

const (
	pNode        = "n/"
	pNodeKey     = "nk/"
	pNodeType    = "nt/"
	pNodeParent  = "np/"
	pNodeGuard   = "ng/"
	pTarget      = "t/"
	pTargetURL   = "tu/"
	pTargetJvm   = "tj/"
	pTargetGuard = "tg/"
	sep          = "\x00"
)

func hexID(id int64) string { return fmt.Sprintf("%016x", id) }

func recordKey(prefix string, id int64) []byte { return []byte(prefix + hexID(id)) }

func nodeKeyPrefix(t types.NodeType, name string) string {
	return pNodeKey + string(t) + sep + name + sep
}

func nodeTypePrefix(t types.NodeType) string { return pNodeType + string(t) + sep }

func parentPrefix(parent int64) string { return pNodeParent + hexID(parent) + "/" }

func urlPrefix(url string) string { return pTargetURL + url + sep }

func jvmPrefix(jvmID string) string { return pTargetJvm + jvmID + sep }

type tx struct {
	store.Hooks
	s        *Store
	txn      *badger.Txn
	writable bool
	done     bool
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.txn.Commit(); err != nil {
		t.Discard()
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("commit: %w", store.ErrConflict)
		}
		return fmt.Errorf("commit: %w", err)
	}
	t.Fire()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.txn.Discard()
	t.Discard()
	return nil
}

// touch reads key so a concurrent commit of the same key conflicts with this
// transaction.
func (t *tx) touch(key []byte) error {
	if _, err := t.txn.Get(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (t *tx) GuardNodeKey(ctx context.Context, nodeType types.NodeType, name string) error {
	return t.touch([]byte(pNodeGuard + string(nodeType) + sep + name))
}

func (t *tx) GuardTargetKey(ctx context.Context, connectURL string) error {
	return t.touch([]byte(pTargetGuard + connectURL))
}

// indexIDs collects the ids encoded at the end of every key under prefix.
func (t *tx) indexIDs(prefix string) ([]int64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()

	var ids []int64
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		k := it.Item().Key()
		id, err := strconv.ParseInt(string(k[len(k)-16:]), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt index key %q: %w", k, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *tx) get(key []byte, v interface{}) error {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(b []byte) error { return json.Unmarshal(b, v) })
}

func (t *tx) put(key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.txn.Set(key, b)
}

func (t *tx) scan(prefix string, fn func(b []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := t.txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Node(ctx context.Context, id int64) (*types.DiscoveryNode, error) {
	var n types.DiscoveryNode
	if err := t.get(recordKey(pNode, id), &n); err != nil {
		return nil, fmt.Errorf("node %d: %w", id, err)
	}
	n.Normalize()
	return &n, nil
}

func (t *tx) nodesByIDs(ids []int64) ([]*types.DiscoveryNode, error) {
	out := make([]*types.DiscoveryNode, 0, len(ids))
	for _, id := range ids {
		n, err := t.Node(context.Background(), id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (t *tx) NodesByKey(ctx context.Context, nodeType types.NodeType, name string) ([]*types.DiscoveryNode, error) {
	ids, err := t.indexIDs(nodeKeyPrefix(nodeType, name))
	if err != nil {
		return nil, err
	}
	return t.nodesByIDs(ids)
}

func (t *tx) NodesByType(ctx context.Context, nodeType types.NodeType) ([]*types.DiscoveryNode, error) {
	ids, err := t.indexIDs(nodeTypePrefix(nodeType))
	if err != nil {
		return nil, err
	}
	return t.nodesByIDs(ids)
}

func (t *tx) ChildrenOf(ctx context.Context, parentID int64) ([]*types.DiscoveryNode, error) {
	ids, err := t.indexIDs(parentPrefix(parentID))
	if err != nil {
		return nil, err
	}
	return t.nodesByIDs(ids)
}

func (t *tx) Nodes(ctx context.Context, f softdelete.Filter) ([]*types.DiscoveryNode, error) {
	var out []*types.DiscoveryNode
	err := t.scan(pNode, func(b []byte) error {
		var n types.DiscoveryNode
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		if f.Match(&n) {
			n.Normalize()
			out = append(out, &n)
		}
		return nil
	})
	return out, err
}

func (t *tx) SaveNode(ctx context.Context, n *types.DiscoveryNode) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	n.Normalize()
	if n.ID != 0 {
		old, err := t.Node(ctx, n.ID)
		if err != nil {
			return err
		}
		n.Name, n.NodeType = old.Name, old.NodeType
		if !sameID(old.ParentID, n.ParentID) {
			if old.ParentID != nil {
				if err := t.txn.Delete([]byte(parentPrefix(*old.ParentID) + hexID(n.ID))); err != nil {
					return err
				}
			}
			if err := t.indexParent(n); err != nil {
				return err
			}
		}
	} else {
		if err := store.ValidateNode(n); err != nil {
			return err
		}
		id, err := t.s.nextID(t.s.nodeSeq)
		if err != nil {
			return err
		}
		n.ID = id
		if err := t.txn.Set([]byte(nodeKeyPrefix(n.NodeType, n.Name)+hexID(id)), nil); err != nil {
			return err
		}
		if err := t.txn.Set([]byte(nodeTypePrefix(n.NodeType)+hexID(id)), nil); err != nil {
			return err
		}
		if err := t.indexParent(n); err != nil {
			return err
		}
	}
	if err := t.put(recordKey(pNode, n.ID), n); err != nil {
		return err
	}
	return t.txn.Set([]byte(pNodeGuard+string(n.NodeType)+sep+n.Name), []byte(hexID(n.ID)))
}

func (t *tx) indexParent(n *types.DiscoveryNode) error {
	if n.ParentID == nil {
		return nil
	}
	return t.txn.Set([]byte(parentPrefix(*n.ParentID)+hexID(n.ID)), nil)
}

func (t *tx) Target(ctx context.Context, id int64) (*types.Target, error) {
	var tg types.Target
	if err := t.get(recordKey(pTarget, id), &tg); err != nil {
		return nil, fmt.Errorf("target %d: %w", id, err)
	}
	tg.Normalize()
	return &tg, nil
}

func (t *tx) targetsByIDs(ids []int64) ([]*types.Target, error) {
	out := make([]*types.Target, 0, len(ids))
	for _, id := range ids {
		tg, err := t.Target(context.Background(), id)
		if err != nil {
			return nil, err
		}
		out = append(out, tg)
	}
	return out, nil
}

func (t *tx) TargetsByConnectURL(ctx context.Context, connectURL string) ([]*types.Target, error) {
	ids, err := t.indexIDs(urlPrefix(connectURL))
	if err != nil {
		return nil, err
	}
	return t.targetsByIDs(ids)
}

func (t *tx) TargetByJvmID(ctx context.Context, jvmID string) (*types.Target, error) {
	if jvmID == "" {
		return nil, fmt.Errorf("target with empty jvm id: %w", store.ErrNotFound)
	}
	ids, err := t.indexIDs(jvmPrefix(jvmID))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("target with jvm id %s: %w", jvmID, store.ErrNotFound)
	}
	return t.Target(ctx, ids[0])
}

func (t *tx) Targets(ctx context.Context, f softdelete.Filter) ([]*types.Target, error) {
	var out []*types.Target
	err := t.scan(pTarget, func(b []byte) error {
		var tg types.Target
		if err := json.Unmarshal(b, &tg); err != nil {
			return err
		}
		if f.Match(&tg) {
			tg.Normalize()
			out = append(out, &tg)
		}
		return nil
	})
	return out, err
}

func (t *tx) SaveTarget(ctx context.Context, tg *types.Target) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	tg.Normalize()
	if tg.ID != 0 {
		old, err := t.Target(ctx, tg.ID)
		if err != nil {
			return err
		}
		tg.ConnectURL = old.ConnectURL
		if old.JvmID != tg.JvmID {
			if old.JvmID != "" {
				if err := t.txn.Delete([]byte(jvmPrefix(old.JvmID) + hexID(tg.ID))); err != nil {
					return err
				}
			}
			if err := t.indexJvm(tg); err != nil {
				return err
			}
		}
	} else {
		if err := store.ValidateTarget(tg); err != nil {
			return err
		}
		id, err := t.s.nextID(t.s.targetSeq)
		if err != nil {
			return err
		}
		tg.ID = id
		if err := t.txn.Set([]byte(urlPrefix(tg.ConnectURL)+hexID(id)), nil); err != nil {
			return err
		}
		if err := t.indexJvm(tg); err != nil {
			return err
		}
	}
	if err := t.put(recordKey(pTarget, tg.ID), tg); err != nil {
		return err
	}
	return t.txn.Set([]byte(pTargetGuard+tg.ConnectURL), []byte(hexID(tg.ID)))
}

func (t *tx) indexJvm(tg *types.Target) error {
	if tg.JvmID == "" {
		return nil
	}
	return t.txn.Set([]byte(jvmPrefix(tg.JvmID)+hexID(tg.ID)), nil)
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
