package detector

import (
	"sync"
	"time"

	"github.com/formguard/formguard/internal/engine"
)

// RetentionWindow is the hard ceiling on how long an input event stays
// buffered, independent of any query window. It models human-timescale
// correlation, not a persistent log.
const RetentionWindow = 10 * time.Second

// InputBuffer holds the recently observed sensitive input events for one
// tab, in insertion order. Appends evict everything past the retention
// window; reads never evict. Safe for concurrent use.
type InputBuffer struct {
	mu      sync.Mutex
	entries []engine.InputEvent
	now     func() time.Time
}

// NewInputBuffer returns an empty buffer using the wall clock.
func NewInputBuffer() *InputBuffer {
	return &InputBuffer{now: time.Now}
}

func (b *InputBuffer) clock() time.Time {
	if b.now == nil {
		return time.Now()
	}
	return b.now()
}

// Record appends the event, then drops every entry older than the
// retention window. Event timestamps come from the observer and need not
// be monotonic, so eviction filters rather than trimming the head.
func (b *InputBuffer) Record(ev engine.InputEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, ev)

	cutoff := b.clock().Add(-RetentionWindow)
	kept := b.entries[:0]
	for _, e := range b.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	b.entries = kept
}

// Recent returns the entries with timestamps inside the lookback window,
// in insertion order. The window is capped at the retention window, so an
// oversized query can never resurface entries an eviction would drop. The
// result is a copy; mutating it does not touch the buffer.
func (b *InputBuffer) Recent(within time.Duration) []engine.InputEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if within > RetentionWindow {
		within = RetentionWindow
	}
	cutoff := b.clock().Add(-within)
	var out []engine.InputEvent
	for _, e := range b.entries {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Clear empties the buffer, e.g. on navigation.
func (b *InputBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

// Len reports the number of buffered entries, including any not yet
// evicted by a Record call.
func (b *InputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
