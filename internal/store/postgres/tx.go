package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gustycube/discovery-registry/internal/softdelete"
	"github.com/gustycube/discovery-registry/internal/store"
	"github.com/gustycube/discovery-registry/internal/types"
)

const (
	nodeColumns   = `id, name, node_type, labels, deleted_at, parent_id, target_id`
	targetColumns = `id, connect_url, jvm_id, alias, labels, annotations, deleted_at, discovery_node_id`
)

type tx struct {
	store.Hooks
	ctx      context.Context
	tx       *sql.Tx
	writable bool
	done     bool
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		t.Discard()
		return fmt.Errorf("commit: %w", translate(err))
	}
	t.Fire()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.Discard()
	return t.tx.Rollback()
}

func (t *tx) advisoryLock(ctx context.Context, key string) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("advisory lock %s: %w", key, translate(err))
	}
	return nil
}

func (t *tx) GuardNodeKey(ctx context.Context, nodeType types.NodeType, name string) error {
	return t.advisoryLock(ctx, "node/"+string(nodeType)+"/"+name)
}

func (t *tx) GuardTargetKey(ctx context.Context, connectURL string) error {
	return t.advisoryLock(ctx, "target/"+connectURL)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row scanner) (*types.DiscoveryNode, error) {
	var (
		n         types.DiscoveryNode
		labels    []byte
		deletedAt sql.NullTime
		parentID  sql.NullInt64
		targetID  sql.NullInt64
		nodeType  string
	)
	if err := row.Scan(&n.ID, &n.Name, &nodeType, &labels, &deletedAt, &parentID, &targetID); err != nil {
		return nil, translate(err)
	}
	n.NodeType = types.NodeType(nodeType)
	if err := json.Unmarshal(labels, &n.Labels); err != nil {
		return nil, fmt.Errorf("decode labels of node %d: %w", n.ID, err)
	}
	if deletedAt.Valid {
		ts := deletedAt.Time.UTC()
		n.DeletedAt = &ts
	}
	if parentID.Valid {
		n.ParentID = types.ID(parentID.Int64)
	}
	if targetID.Valid {
		n.TargetID = types.ID(targetID.Int64)
	}
	n.Normalize()
	return &n, nil
}

func (t *tx) queryNodes(ctx context.Context, where string, args ...interface{}) ([]*types.DiscoveryNode, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+nodeColumns+` FROM discovery_nodes `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", translate(err))
	}
	defer rows.Close()

	var out []*types.DiscoveryNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return out, nil
}

func (t *tx) NodesByKey(ctx context.Context, nodeType types.NodeType, name string) ([]*types.DiscoveryNode, error) {
	return t.queryNodes(ctx, `WHERE node_type = $1 AND name = $2`, string(nodeType), name)
}

func (t *tx) NodesByType(ctx context.Context, nodeType types.NodeType) ([]*types.DiscoveryNode, error) {
	return t.queryNodes(ctx, `WHERE node_type = $1`, string(nodeType))
}

func (t *tx) Nodes(ctx context.Context, f softdelete.Filter) ([]*types.DiscoveryNode, error) {
	return t.queryNodes(ctx, deletedClause(f))
}

func (t *tx) ChildrenOf(ctx context.Context, parentID int64) ([]*types.DiscoveryNode, error) {
	return t.queryNodes(ctx, `WHERE parent_id = $1`, parentID)
}

func (t *tx) Node(ctx context.Context, id int64) (*types.DiscoveryNode, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM discovery_nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", id, err)
	}
	return n, nil
}

func (t *tx) SaveNode(ctx context.Context, n *types.DiscoveryNode) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	n.Normalize()
	labels, err := json.Marshal(n.Labels)
	if err != nil {
		return err
	}
	if n.ID == 0 {
		if err := store.ValidateNode(n); err != nil {
			return err
		}
		err := t.tx.QueryRowContext(ctx,
			`INSERT INTO discovery_nodes (name, node_type, labels, deleted_at, parent_id, target_id)
			 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			n.Name, string(n.NodeType), labels, nullTime(n), nullID(n.ParentID), nullID(n.TargetID),
		).Scan(&n.ID)
		if err != nil {
			return fmt.Errorf("failed to insert node: %w", translate(err))
		}
		return nil
	}
	// name and node_type are not updatable
	err = t.tx.QueryRowContext(ctx,
		`UPDATE discovery_nodes SET labels = $2, deleted_at = $3, parent_id = $4, target_id = $5
		 WHERE id = $1 RETURNING name, node_type`,
		n.ID, labels, nullTime(n), nullID(n.ParentID), nullID(n.TargetID),
	).Scan(&n.Name, &n.NodeType)
	if err != nil {
		return fmt.Errorf("failed to update node %d: %w", n.ID, translate(err))
	}
	return nil
}

func scanTarget(row scanner) (*types.Target, error) {
	var (
		tg          types.Target
		labels      []byte
		annotations []byte
		deletedAt   sql.NullTime
		nodeID      sql.NullInt64
	)
	if err := row.Scan(&tg.ID, &tg.ConnectURL, &tg.JvmID, &tg.Alias, &labels, &annotations, &deletedAt, &nodeID); err != nil {
		return nil, translate(err)
	}
	if err := json.Unmarshal(labels, &tg.Labels); err != nil {
		return nil, fmt.Errorf("decode labels of target %d: %w", tg.ID, err)
	}
	if err := json.Unmarshal(annotations, &tg.Annotations); err != nil {
		return nil, fmt.Errorf("decode annotations of target %d: %w", tg.ID, err)
	}
	if deletedAt.Valid {
		ts := deletedAt.Time.UTC()
		tg.DeletedAt = &ts
	}
	if nodeID.Valid {
		tg.DiscoveryNodeID = types.ID(nodeID.Int64)
	}
	tg.Normalize()
	return &tg, nil
}

func (t *tx) queryTargets(ctx context.Context, where string, args ...interface{}) ([]*types.Target, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", translate(err))
	}
	defer rows.Close()

	var out []*types.Target
	for rows.Next() {
		tg, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}
	return out, nil
}

func (t *tx) Target(ctx context.Context, id int64) (*types.Target, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	tg, err := scanTarget(row)
	if err != nil {
		return nil, fmt.Errorf("target %d: %w", id, err)
	}
	return tg, nil
}

func (t *tx) TargetsByConnectURL(ctx context.Context, connectURL string) ([]*types.Target, error) {
	return t.queryTargets(ctx, `WHERE connect_url = $1`, connectURL)
}

func (t *tx) TargetByJvmID(ctx context.Context, jvmID string) (*types.Target, error) {
	if jvmID == "" {
		return nil, fmt.Errorf("target with empty jvm id: %w", store.ErrNotFound)
	}
	row := t.tx.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE jvm_id = $1 ORDER BY id LIMIT 1`, jvmID)
	tg, err := scanTarget(row)
	if err != nil {
		return nil, fmt.Errorf("target with jvm id %s: %w", jvmID, err)
	}
	return tg, nil
}

func (t *tx) Targets(ctx context.Context, f softdelete.Filter) ([]*types.Target, error) {
	return t.queryTargets(ctx, deletedClause(f))
}

func (t *tx) SaveTarget(ctx context.Context, tg *types.Target) error {
	if !t.writable {
		return store.ErrReadOnly
	}
	tg.Normalize()
	labels, err := json.Marshal(tg.Labels)
	if err != nil {
		return err
	}
	annotations, err := json.Marshal(tg.Annotations)
	if err != nil {
		return err
	}
	if tg.ID == 0 {
		if err := store.ValidateTarget(tg); err != nil {
			return err
		}
		err := t.tx.QueryRowContext(ctx,
			`INSERT INTO targets (connect_url, jvm_id, alias, labels, annotations, deleted_at, discovery_node_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			tg.ConnectURL, tg.JvmID, tg.Alias, labels, annotations, nullTime(tg), nullID(tg.DiscoveryNodeID),
		).Scan(&tg.ID)
		if err != nil {
			return fmt.Errorf("failed to insert target: %w", translate(err))
		}
		return nil
	}
	err = t.tx.QueryRowContext(ctx,
		`UPDATE targets SET jvm_id = $2, alias = $3, labels = $4, annotations = $5, deleted_at = $6, discovery_node_id = $7
		 WHERE id = $1 RETURNING connect_url`,
		tg.ID, tg.JvmID, tg.Alias, labels, annotations, nullTime(tg), nullID(tg.DiscoveryNodeID),
	).Scan(&tg.ConnectURL)
	if err != nil {
		return fmt.Errorf("failed to update target %d: %w", tg.ID, translate(err))
	}
	return nil
}

func deletedClause(f softdelete.Filter) string {
	switch f {
	case softdelete.Active:
		return `WHERE deleted_at IS NULL`
	case softdelete.Deleted:
		return `WHERE deleted_at IS NOT NULL`
	default:
		return ``
	}
}

func nullTime(r softdelete.Record) sql.NullTime {
	if ts := r.DeletedTime(); ts != nil {
		return sql.NullTime{Time: *ts, Valid: true}
	}
	return sql.NullTime{}
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}
