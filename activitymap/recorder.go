package activitymap

import (
	"context"
	"sync"

	auth "github.com/projetometanoia/metanoia-auth"
)

// DefaultCapacity is the number of events a Recorder keeps.
const DefaultCapacity = 200

// Recorder is an ActivitySink that keeps the most recent normalized events
// in memory for the admin activity feed.
type Recorder struct {
	mu     sync.Mutex
	events []Normalized
	next   int
	full   bool
	opts   []Option
}

var _ auth.ActivitySink = (*Recorder)(nil)

// NewRecorder keeps up to capacity events. A non-positive capacity means
// DefaultCapacity.
func NewRecorder(capacity int, opts ...Option) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		events: make([]Normalized, capacity),
		opts:   opts,
	}
}

// Record implements auth.ActivitySink.
func (r *Recorder) Record(_ context.Context, event auth.ActivityEvent) error {
	n := Normalize(event, r.opts...)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.next] = n
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns up to limit events, newest first. A non-positive limit
// returns everything kept.
func (r *Recorder) Recent(limit int) []Normalized {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.events)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Normalized, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.events)) % len(r.events)
		out = append(out, r.events[idx])
	}
	return out
}
