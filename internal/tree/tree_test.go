package tree

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gustycube/discovery-registry/internal/reconcile"
	"github.com/gustycube/discovery-registry/internal/softdelete"
	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/store/badgerstore"
	"github.com/gustycube/discovery-registry/internal/types"
)

func setup(t *testing.T) (*Service, *reconcile.Reconciler, store.Store) {
	t.Helper()
	s, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	log := zap.NewNop().Sugar()
	rec := reconcile.New(s, store.DefaultRetryPolicy(), log)
	return New(s, rec, store.DefaultRetryPolicy(), log), rec, s
}

func ids(nodes []*types.DiscoveryNode) []int64 {
	out := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestActiveDeletedAndByTypeScenario(t *testing.T) {
	svc, rec, _ := setup(t)
	ctx := context.Background()

	active, err := rec.Environment(ctx, nil, "active", "TestType")
	require.NoError(t, err)
	deleted, err := rec.Environment(ctx, nil, "deleted", "TestType")
	require.NoError(t, err)
	_, err = svc.SoftDelete(ctx, nil, deleted.ID)
	require.NoError(t, err)
	other, err := rec.Environment(ctx, nil, "other", types.Realm)
	require.NoError(t, err)

	act, err := svc.FindActive(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids(act), active.ID)
	assert.NotContains(t, ids(act), deleted.ID)

	del, err := svc.FindDeleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{deleted.ID}, ids(del))

	byType, err := svc.FindAllByNodeType(ctx, "TestType")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{active.ID, deleted.ID}, ids(byType))
	assert.NotContains(t, ids(byType), other.ID)

	all, err := svc.FindAllIncludingDeleted(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, append(ids(act), ids(del)...), ids(all))
}

func TestSoftDeleteParentDoesNotCascade(t *testing.T) {
	svc, rec, _ := setup(t)
	ctx := context.Background()

	realm, err := svc.EnsureRealm(ctx, nil, "k8s")
	require.NoError(t, err)
	ns, err := rec.Child(ctx, nil, realm, "default", types.Namespace)
	require.NoError(t, err)

	_, err = svc.SoftDelete(ctx, nil, realm.ID)
	require.NoError(t, err)

	child, err := svc.Node(ctx, ns.ID)
	require.NoError(t, err)
	assert.False(t, softdelete.IsDeleted(child))

	_, err = svc.SoftDelete(ctx, nil, ns.ID)
	require.NoError(t, err)
	_, err = svc.Undelete(ctx, nil, realm.ID)
	require.NoError(t, err)
	child, err = svc.Node(ctx, ns.ID)
	require.NoError(t, err)
	assert.True(t, softdelete.IsDeleted(child), "undelete does not cascade either")
}

func TestChildrenFiltersAtReadTime(t *testing.T) {
	svc, rec, _ := setup(t)
	ctx := context.Background()

	realm, err := svc.EnsureRealm(ctx, nil, "docker")
	require.NoError(t, err)
	a, err := rec.Child(ctx, nil, realm, "a", types.Container)
	require.NoError(t, err)
	b, err := rec.Child(ctx, nil, realm, "b", types.Container)
	require.NoError(t, err)

	kids, err := svc.Children(ctx, realm.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, ids(kids))

	_, err = svc.SoftDelete(ctx, nil, a.ID)
	require.NoError(t, err)

	kids, err = svc.Children(ctx, realm.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID}, ids(kids))

	allKids, err := svc.AllChildren(ctx, realm.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, ids(allKids))

	_, err = svc.Children(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUniverseAndRealmAccessors(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	_, err := svc.Universe(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)

	realm, err := svc.EnsureRealm(ctx, nil, "jdp")
	require.NoError(t, err)
	u, err := svc.Universe(ctx)
	require.NoError(t, err)
	assert.Equal(t, UniverseName, u.Name)
	require.NotNil(t, realm.ParentID)
	assert.Equal(t, u.ID, *realm.ParentID)

	_, err = svc.SoftDelete(ctx, nil, realm.ID)
	require.NoError(t, err)
	got, err := svc.Realm(ctx, "jdp")
	require.NoError(t, err)
	assert.Equal(t, realm.ID, got.ID)
	assert.True(t, softdelete.IsDeleted(got))

	active, err := svc.Realms(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	again, err := svc.EnsureRealm(ctx, nil, "jdp")
	require.NoError(t, err)
	assert.Equal(t, realm.ID, again.ID, "a deleted realm is reused")
}

func TestNestedViewShowsActiveChildrenOnly(t *testing.T) {
	svc, rec, s := setup(t)
	ctx := context.Background()

	realm, err := svc.EnsureRealm(ctx, nil, "k8s")
	require.NoError(t, err)
	ns, err := rec.Child(ctx, nil, realm, "prod", types.Namespace)
	require.NoError(t, err)
	gone, err := rec.Child(ctx, nil, realm, "old", types.Namespace)
	require.NoError(t, err)
	_, err = svc.SoftDelete(ctx, nil, gone.ID)
	require.NoError(t, err)

	url := "service:jmx:rmi:///jndi/rmi://pod:9091/jmxrmi"
	target := &types.Target{ConnectURL: url, Alias: "pod"}
	require.NoError(t, store.Update(ctx, s, nil, store.DefaultRetryPolicy(), func(tx store.Tx) error {
		return tx.SaveTarget(ctx, target)
	}))
	jvm, err := rec.TargetNode(ctx, nil, target, types.JVM, func(_ context.Context, _ store.Tx, n *types.DiscoveryNode) error {
		n.ParentID = types.ID(ns.ID)
		return nil
	})
	require.NoError(t, err)

	u, err := svc.Universe(ctx)
	require.NoError(t, err)
	view, err := svc.Nested(ctx, u.ID)
	require.NoError(t, err)

	require.Len(t, view.Children, 1)
	r := view.Children[0]
	assert.Equal(t, realm.ID, r.ID)
	require.Len(t, r.Children, 1, "deleted namespace is hidden")
	require.Len(t, r.Children[0].Children, 1)
	leaf := r.Children[0].Children[0]
	assert.Equal(t, jvm.ID, leaf.ID)
	require.NotNil(t, leaf.Target)
	assert.Equal(t, url, leaf.Target.ConnectURL)
	assert.NotNil(t, leaf.Children)
	assert.Empty(t, leaf.Children)

	b, err := json.Marshal(leaf)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"children":[]`)

	f, err := svc.Flat(ctx, realm.ID)
	require.NoError(t, err)
	assert.Nil(t, f.Target)
	fb, err := json.Marshal(f)
	require.NoError(t, err)
	assert.NotContains(t, string(fb), "children")
}
