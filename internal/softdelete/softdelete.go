// Package softdelete implements tombstone semantics shared by discovery nodes
// and targets: a record is deleted when it carries a deletion timestamp, and
// is never physically removed by these operations.
package softdelete

import (
	"time"

	"go.uber.org/zap"

	"github.com/gustycube/discovery-registry/internal/metrics"
)

// Record is anything carrying a nullable deletion timestamp.
type Record interface {
	DeletedTime() *time.Time
	SetDeletedTime(*time.Time)
}

// Kind classifies a persisted change of a record.
type Kind string

const (
	Created     Kind = "created"
	Updated     Kind = "updated"
	SoftDeleted Kind = "soft-deleted"
	Undeleted   Kind = "undeleted"
)

// Transition describes what happened to a record. It is returned by the
// lifecycle functions instead of being kept as hidden state on the record.
type Transition struct {
	Kind Kind
	At   time.Time
}

// Now is the clock used for deletion timestamps.
var Now = func() time.Time { return time.Now().UTC() }

// SoftDelete stamps r as deleted now, overwriting any previous timestamp.
// Nothing is persisted.
func SoftDelete(r Record) Transition {
	now := Now()
	r.SetDeletedTime(&now)
	return Transition{Kind: SoftDeleted, At: now}
}

// Undelete clears the deletion timestamp of r. Nothing is persisted.
func Undelete(r Record) Transition {
	r.SetDeletedTime(nil)
	return Transition{Kind: Undeleted, At: Now()}
}

// IsDeleted reports whether r carries a deletion timestamp.
func IsDeleted(r Record) bool {
	return r.DeletedTime() != nil
}

// Filter selects records by deletion state.
type Filter int

const (
	Active Filter = iota
	Deleted
	All
)

// String returns the filter name used in logs and metric labels
func (f Filter) String() string {
	switch f {
	case Active:
		return "active"
	case Deleted:
		return "deleted"
	default:
		return "all"
	}
}

// Match reports whether r passes the filter.
func (f Filter) Match(r Record) bool {
	switch f {
	case Active:
		return !IsDeleted(r)
	case Deleted:
		return IsDeleted(r)
	default:
		return true
	}
}

// Select returns the records of rs that pass f, keeping their order.
func Select[T Record](rs []T, f Filter) []T {
	out := make([]T, 0, len(rs))
	for _, r := range rs {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// First returns the first record of rs passing both f and pred. A nil pred
// accepts everything.
func First[T Record](rs []T, f Filter, pred func(T) bool) (T, bool) {
	for _, r := range rs {
		if !f.Match(r) {
			continue
		}
		if pred == nil || pred(r) {
			return r, true
		}
	}
	var zero T
	return zero, false
}

// Log writes the transition of one record. Tombstone changes are
// informational, everything else is debug.
func Log(log *zap.SugaredLogger, entity string, t Transition, kv ...interface{}) {
	msg := entity + " " + string(t.Kind)
	switch t.Kind {
	case SoftDeleted, Undeleted:
		log.Infow(msg, kv...)
	default:
		log.Debugw(msg, kv...)
	}
}

// Committer is the part of a transaction that runs callbacks after commit.
type Committer interface {
	AfterCommit(fn func())
}

// OnCommit logs and counts t once tx has committed. Nothing is reported for a
// transaction that rolls back.
func OnCommit(tx Committer, log *zap.SugaredLogger, entity string, t Transition, kv ...interface{}) {
	tx.AfterCommit(func() {
		metrics.TransitionsTotal.WithLabelValues(entity, string(t.Kind)).Inc()
		Log(log, entity, t, kv...)
	})
}
