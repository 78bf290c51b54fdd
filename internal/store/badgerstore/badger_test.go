package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/discovery-registry/internal/softdelete"
	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/types"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func write(t *testing.T, s *Store, fn func(tx store.Tx)) {
	t.Helper()
	tx, err := s.Begin(context.Background(), true)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func newNode(name string, nt types.NodeType) *types.DiscoveryNode {
	return &types.DiscoveryNode{Name: name, NodeType: nt}
}

func ids(nodes []*types.DiscoveryNode) []int64 {
	out := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestSaveAndLoadNode(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	n := newNode("realm-a", types.Realm)
	n.Labels = map[string]string{"k": "v"}
	write(t, s, func(tx store.Tx) { require.NoError(t, tx.SaveNode(ctx, n)) })
	require.NotZero(t, n.ID)

	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		got, err := tx.Node(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, "realm-a", got.Name)
		assert.Equal(t, types.Realm, got.NodeType)
		assert.Equal(t, "v", got.Labels["k"])
		assert.Nil(t, got.DeletedAt)
		return nil
	}))
}

func TestNodeNotFound(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	err := store.View(ctx, s, func(tx store.Tx) error {
		_, err := tx.Node(ctx, 42)
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveRejectsBlankFields(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	tx, err := s.Begin(ctx, true)
	require.NoError(t, err)
	defer tx.Rollback()

	assert.ErrorIs(t, tx.SaveNode(ctx, newNode(" ", types.Realm)), store.ErrValidation)
	assert.ErrorIs(t, tx.SaveNode(ctx, newNode("x", "")), store.ErrValidation)
	assert.ErrorIs(t, tx.SaveTarget(ctx, &types.Target{ConnectURL: ""}), store.ErrValidation)
}

func TestReadOnlyTransactionRejectsWrites(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	err := store.View(ctx, s, func(tx store.Tx) error {
		return tx.SaveNode(ctx, newNode("a", types.Realm))
	})
	assert.ErrorIs(t, err, store.ErrReadOnly)
}

func TestNodesByKeyIsExact(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	a1, ab, a2, other := newNode("a", types.Realm), newNode("ab", types.Realm), newNode("a", types.Realm), newNode("a", types.Pod)
	write(t, s, func(tx store.Tx) {
		for _, n := range []*types.DiscoveryNode{a1, ab, a2, other} {
			require.NoError(t, tx.SaveNode(ctx, n))
		}
	})

	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		got, err := tx.NodesByKey(ctx, types.Realm, "a")
		require.NoError(t, err)
		assert.Equal(t, []int64{a1.ID, a2.ID}, ids(got), "ascending id order, exact key")
		return nil
	}))
}

func TestFindAllByNodeTypeIncludesDeleted(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	active := newNode("active", "TestType")
	deleted := newNode("deleted", "TestType")
	unrelated := newNode("unrelated", types.Realm)
	write(t, s, func(tx store.Tx) {
		require.NoError(t, tx.SaveNode(ctx, active))
		require.NoError(t, tx.SaveNode(ctx, deleted))
		require.NoError(t, tx.SaveNode(ctx, unrelated))
	})
	write(t, s, func(tx store.Tx) {
		softdelete.SoftDelete(deleted)
		require.NoError(t, tx.SaveNode(ctx, deleted))
	})

	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		byType, err := tx.NodesByType(ctx, "TestType")
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{active.ID, deleted.ID}, ids(byType))

		act, err := tx.Nodes(ctx, softdelete.Active)
		require.NoError(t, err)
		del, err := tx.Nodes(ctx, softdelete.Deleted)
		require.NoError(t, err)
		all, err := tx.Nodes(ctx, softdelete.All)
		require.NoError(t, err)

		assert.ElementsMatch(t, []int64{active.ID, unrelated.ID}, ids(act))
		assert.ElementsMatch(t, []int64{deleted.ID}, ids(del))
		assert.ElementsMatch(t, append(ids(act), ids(del)...), ids(all))
		return nil
	}))
}

func TestChildrenIndexFollowsParent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	p1, p2, child := newNode("p1", types.Realm), newNode("p2", types.Realm), newNode("c", types.JVM)
	write(t, s, func(tx store.Tx) {
		require.NoError(t, tx.SaveNode(ctx, p1))
		require.NoError(t, tx.SaveNode(ctx, p2))
		child.ParentID = types.ID(p1.ID)
		require.NoError(t, tx.SaveNode(ctx, child))
	})
	write(t, s, func(tx store.Tx) {
		child.ParentID = types.ID(p2.ID)
		require.NoError(t, tx.SaveNode(ctx, child))
	})

	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		c1, err := tx.ChildrenOf(ctx, p1.ID)
		require.NoError(t, err)
		assert.Empty(t, c1)
		c2, err := tx.ChildrenOf(ctx, p2.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{child.ID}, ids(c2))
		return nil
	}))
}

func TestNameAndTypeAreImmutable(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	n := newNode("orig", types.Realm)
	write(t, s, func(tx store.Tx) { require.NoError(t, tx.SaveNode(ctx, n)) })
	write(t, s, func(tx store.Tx) {
		n.Name = "renamed"
		n.NodeType = types.Pod
		require.NoError(t, tx.SaveNode(ctx, n))
	})

	assert.Equal(t, "orig", n.Name)
	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		got, err := tx.NodesByKey(ctx, types.Realm, "orig")
		require.NoError(t, err)
		assert.Len(t, got, 1)
		return nil
	}))
}

func TestTargetLookups(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	url := "service:jmx:rmi:///jndi/rmi://localhost:9091/jmxrmi"

	tg := &types.Target{ConnectURL: url, JvmID: "jvm-1", Alias: "app"}
	write(t, s, func(tx store.Tx) { require.NoError(t, tx.SaveTarget(ctx, tg)) })
	write(t, s, func(tx store.Tx) {
		tg.JvmID = "jvm-2"
		softdelete.SoftDelete(tg)
		require.NoError(t, tx.SaveTarget(ctx, tg))
	})

	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		byURL, err := tx.TargetsByConnectURL(ctx, url)
		require.NoError(t, err)
		require.Len(t, byURL, 1)
		assert.True(t, softdelete.IsDeleted(byURL[0]))

		_, err = tx.TargetByJvmID(ctx, "jvm-1")
		assert.ErrorIs(t, err, store.ErrNotFound, "stale jvm id index must be removed")

		byJvm, err := tx.TargetByJvmID(ctx, "jvm-2")
		require.NoError(t, err)
		assert.Equal(t, tg.ID, byJvm.ID)

		active, err := tx.Targets(ctx, softdelete.Active)
		require.NoError(t, err)
		assert.Empty(t, active)
		deleted, err := tx.Targets(ctx, softdelete.Deleted)
		require.NoError(t, err)
		assert.Len(t, deleted, 1)
		return nil
	}))
}

func TestAfterCommitHooks(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	fired := 0
	tx, err := s.Begin(ctx, true)
	require.NoError(t, err)
	tx.AfterCommit(func() { fired++ })
	require.NoError(t, tx.Rollback())
	assert.Equal(t, 0, fired)

	tx, err = s.Begin(ctx, true)
	require.NoError(t, err)
	tx.AfterCommit(func() { fired++ })
	require.NoError(t, tx.SaveNode(ctx, newNode("x", types.Realm)))
	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, fired)
}

func TestConcurrentCreationOfSameKeyConflicts(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tx1, err := s.Begin(ctx, true)
	require.NoError(t, err)
	tx2, err := s.Begin(ctx, true)
	require.NoError(t, err)

	require.NoError(t, tx1.GuardNodeKey(ctx, types.Realm, "k"))
	require.NoError(t, tx2.GuardNodeKey(ctx, types.Realm, "k"))

	require.NoError(t, tx1.SaveNode(ctx, newNode("k", types.Realm)))
	require.NoError(t, tx2.SaveNode(ctx, newNode("k", types.Realm)))

	require.NoError(t, tx1.Commit())
	assert.ErrorIs(t, tx2.Commit(), store.ErrConflict)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, true)
	require.NoError(t, err)
	require.NoError(t, tx.SaveNode(ctx, newNode("gone", types.Realm)))
	require.NoError(t, tx.Rollback())

	require.NoError(t, store.View(ctx, s, func(tx store.Tx) error {
		got, err := tx.NodesByKey(ctx, types.Realm, "gone")
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	}))
}
