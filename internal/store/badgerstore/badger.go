// Package badgerstore is the embedded node store. Records are JSON values
// under id keys; secondary indexes are empty-valued keys whose suffix is the
// record id, so prefix scans return ids in ascending order.
//
// Key layout:
//
//	n/<id>                       node
//	nk/<type>\x00<name>\x00<id>  node by (type, name)
//	nt/<type>\x00<id>            node by type
//	np/<parent>/<id>             node by parent
//	ng/<type>\x00<name>          per-key write guard
//	t/<id>                       target
//	tu/<url>\x00<id>             target by connect URL
//	tj/<jvmId>\x00<id>           target by JVM id
//	tg/<url>                     per-URL write guard
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/gustycube/discovery-registry/internal/store"
)

// Config holds configuration for the embedded store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// GCInterval is how often value log GC runs; zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *zap.SugaredLogger
}

// DefaultConfig returns durable settings for a store in path
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig is meant for tests: nothing touches the disk.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is the Badger node store
type Store struct {
	db        *badger.DB
	nodeSeq   *badger.Sequence
	targetSeq *badger.Sequence
	log       *zap.SugaredLogger

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

var _ store.Store = (*Store)(nil)

// Open opens the database and its id sequences
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for a persistent store")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	nodeSeq, err := db.GetSequence([]byte("seq/node"), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("node sequence: %w", err)
	}
	targetSeq, err := db.GetSequence([]byte("seq/target"), 64)
	if err != nil {
		nodeSeq.Release()
		db.Close()
		return nil, fmt.Errorf("target sequence: %w", err)
	}

	s := &Store{db: db, nodeSeq: nodeSeq, targetSeq: targetSeq, log: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Begin starts a transaction; conflicts surface at commit as store.ErrConflict
func (s *Store) Begin(ctx context.Context, writable bool) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{s: s, txn: s.db.NewTransaction(writable), writable: writable}, nil
}

// Ping fails once the database is closed
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return ctx.Err()
}

// Close stops GC and closes the database; later calls are no-ops
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		_ = s.nodeSeq.Release()
		_ = s.targetSeq.Release()
		err = s.db.Close()
	})
	return err
}

func (s *Store) nextID(seq *badger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return int64(n) + 1, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-t.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.log != nil {
				s.log.Warnw("badger value log GC failed", "err", err)
			}
		}
	}
}

type badgerLogger struct{ l *zap.SugaredLogger }

func (b *badgerLogger) Errorf(f string, args ...interface{})   { b.l.Errorf(f, args...) }
func (b *badgerLogger) Warningf(f string, args ...interface{}) { b.l.Warnf(f, args...) }
func (b *badgerLogger) Infof(f string, args ...interface{})    { b.l.Debugf(f, args...) }
func (b *badgerLogger) Debugf(f string, args ...interface{})   { b.l.Debugf(f, args...) }
