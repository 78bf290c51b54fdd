// Package dedup remembers discovery event ids so redelivered events are
// processed once.
package dedup

import "context"

// Interface is implemented by the memory and Redis backends. Callers check
// Seen before applying an event and Mark it only once it has been applied,
// so an event interrupted midway is applied again on redelivery.
type Interface interface {
	// Seen reports whether key was marked. It records nothing.
	Seen(ctx context.Context, key string) bool
	// Mark records key as applied.
	Mark(ctx context.Context, key string)
}
