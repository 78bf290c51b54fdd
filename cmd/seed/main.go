package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/gustycube/discovery-registry/internal/ingest"
	"github.com/gustycube/discovery-registry/internal/queue"
)

// seed pushes the discovery events of a JSONL file onto the Redis queue the
// registry consumes. Events without an id get a random one.
func main() {
	var file string
	var addr string
	var key string
	flag.StringVar(&file, "events", "", "path to JSONL events file")
	flag.StringVar(&addr, "redis", "127.0.0.1:6379", "redis addr")
	flag.StringVar(&key, "key", "registry:events", "redis queue key")
	flag.Parse()
	if file == "" {
		fmt.Fprintln(os.Stderr, "missing -events")
		os.Exit(1)
	}
	q, err := queue.NewRedis(addr, key, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "redis:", err)
		os.Exit(1)
	}
	defer q.Close()
	f, err := os.Open(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	ctx := context.Background()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	seeded, skipped := 0, 0
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var ev ingest.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", n, err)
			skipped++
			continue
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if err := ev.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", n, err)
			skipped++
			continue
		}
		b, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v\n", n, err)
			skipped++
			continue
		}
		if err := q.Seed(ctx, b); err != nil {
			fmt.Fprintln(os.Stderr, "redis:", err)
			os.Exit(1)
		}
		seeded++
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("seeded %d events onto %s (%d skipped)\n", seeded, key, skipped)
}
