package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/discovery-registry/internal/types"
)

type fakeTx struct {
	Tx
	Hooks
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) AfterCommit(fn func()) { t.Hooks.AfterCommit(fn) }

func (t *fakeTx) Commit() error {
	if t.commitErr != nil {
		t.Discard()
		return t.commitErr
	}
	t.committed = true
	t.Fire()
	return nil
}

func (t *fakeTx) Rollback() error {
	t.rolledBack = true
	t.Discard()
	return nil
}

type fakeStore struct {
	txs        []*fakeTx
	commitErrs []error
}

func (s *fakeStore) Begin(ctx context.Context, writable bool) (Tx, error) {
	tx := &fakeTx{}
	if n := len(s.txs); n < len(s.commitErrs) {
		tx.commitErr = s.commitErrs[n]
	}
	s.txs = append(s.txs, tx)
	return tx, nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close() error               { return nil }

func TestUpdateOpensAndCommits(t *testing.T) {
	s := &fakeStore{}
	fired := false
	err := Update(context.Background(), s, nil, DefaultRetryPolicy(), func(tx Tx) error {
		tx.AfterCommit(func() { fired = true })
		return nil
	})
	require.NoError(t, err)
	require.Len(t, s.txs, 1)
	assert.True(t, s.txs[0].committed)
	assert.True(t, fired)
}

func TestUpdateJoinsExisting(t *testing.T) {
	s := &fakeStore{}
	outer := &fakeTx{}
	var got Tx
	err := Update(context.Background(), s, outer, DefaultRetryPolicy(), func(tx Tx) error {
		got = tx
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, outer, got)
	assert.Empty(t, s.txs, "joining must not open a transaction")
	assert.False(t, outer.committed, "joining must not commit the outer transaction")
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := &fakeStore{}
	boom := errors.New("customize failed")
	fired := false
	err := Update(context.Background(), s, nil, DefaultRetryPolicy(), func(tx Tx) error {
		tx.AfterCommit(func() { fired = true })
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Len(t, s.txs, 1, "non-conflict errors are not retried")
	assert.True(t, s.txs[0].rolledBack)
	assert.False(t, fired)
}

func TestUpdateRollsBackOnPanic(t *testing.T) {
	s := &fakeStore{}
	assert.Panics(t, func() {
		_ = Update(context.Background(), s, nil, DefaultRetryPolicy(), func(tx Tx) error {
			panic("boom")
		})
	})
	require.Len(t, s.txs, 1)
	assert.True(t, s.txs[0].rolledBack)
}

func TestUpdateRetriesConflicts(t *testing.T) {
	s := &fakeStore{commitErrs: []error{ErrConflict, ErrConflict}}
	calls := 0
	err := Update(context.Background(), s, nil, DefaultRetryPolicy(), func(tx Tx) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, s.txs[2].committed)
}

func TestValidateNode(t *testing.T) {
	tests := []struct {
		name    string
		node    types.DiscoveryNode
		wantErr bool
	}{
		{"valid", types.DiscoveryNode{Name: "realm", NodeType: types.Realm}, false},
		{"blank name", types.DiscoveryNode{Name: "  ", NodeType: types.Realm}, true},
		{"empty type", types.DiscoveryNode{Name: "realm"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNode(&tt.node)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTarget(t *testing.T) {
	valid := []string{
		"service:jmx:rmi:///jndi/rmi://localhost:9091/jmxrmi",
		"http://10.0.0.3:8080/agent",
	}
	for _, u := range valid {
		assert.NoError(t, ValidateTarget(&types.Target{ConnectURL: u}), u)
	}
	invalid := []string{"", "   ", "localhost", "://broken"}
	for _, u := range invalid {
		assert.ErrorIs(t, ValidateTarget(&types.Target{ConnectURL: u}), ErrValidation, u)
	}
}
