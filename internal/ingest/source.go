package ingest

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"

	"github.com/gustycube/discovery-registry/internal/queue"
)

// Delivery is one encoded event handed out by a Source.
type Delivery struct {
	Payload []byte
	Attempt int
	// Ack marks the delivery done. Retry hands it back for another attempt.
	Ack   func(ctx context.Context) error
	Retry func(ctx context.Context) error
}

// Source yields deliveries. Next returns nil without error when nothing is
// available yet and io.EOF when the source is exhausted.
type Source interface {
	Next(ctx context.Context) (*Delivery, error)
}

// FileSource reads one JSON event per line. Blank lines and lines starting
// with # are skipped. Retried lines are not read again.
type FileSource struct {
	f  *os.File
	sc *bufio.Scanner
}

// OpenFile opens a JSONL events file
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &FileSource{f: f, sc: sc}, nil
}

// Next returns the next event line, or io.EOF at the end of the file
func (s *FileSource) Next(ctx context.Context) (*Delivery, error) {
	for s.sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(s.sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return &Delivery{Payload: []byte(line), Ack: noop, Retry: noop}, nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close closes the file
func (s *FileSource) Close() error { return s.f.Close() }

func noop(context.Context) error { return nil }

// QueueSource leases events from a Redis queue.
type QueueSource struct {
	q *queue.RedisQueue
}

// NewQueueSource wraps q
func NewQueueSource(q *queue.RedisQueue) *QueueSource { return &QueueSource{q: q} }

// Next leases one event; nil means the lease timed out empty
func (s *QueueSource) Next(ctx context.Context) (*Delivery, error) {
	l, err := s.q.Lease(ctx)
	if err != nil || l == nil {
		return nil, err
	}
	return &Delivery{
		Payload: l.Event,
		Attempt: l.Attempt,
		Ack:     func(ctx context.Context) error { return s.q.Ack(ctx, l) },
		Retry:   func(ctx context.Context) error { return s.q.Retry(ctx, l) },
	}, nil
}
