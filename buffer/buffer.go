// Package buffer implements the per-user bounded in-memory stream buffer.
package buffer

import (
	"sync"
	"time"

	"github.com/justapithecus/telemetry-broker/types"
)

// Buffer is a fixed-capacity ring of samples for a single user. All
// operations acquire a single mutex; the lock is uncontended in the common
// case of one edge producer and occasional readers.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	samples  []types.Sample
}

// New creates a Buffer with the given fixed capacity.
func New(capacity int) *Buffer {
	return &Buffer{
		capacity: capacity,
		samples:  make([]types.Sample, 0, capacity),
	}
}

// Append inserts a sample at the tail, dropping the oldest entry first if
// the buffer is at capacity. Never fails.
func (b *Buffer) Append(s types.Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.samples) >= b.capacity {
		b.samples = b.samples[1:]
	}
	b.samples = append(b.samples, s)
}

// Latest returns the most recent sample matching the filter, if any.
func (b *Buffer) Latest(f types.SampleFilter) (types.Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.samples) - 1; i >= 0; i-- {
		if b.samples[i].Matches(f) {
			return b.samples[i], true
		}
	}
	return types.Sample{}, false
}

// LastN returns up to n most-recent matches, newest-first. n <= 0 returns
// an empty slice; n larger than the retained count returns everything that
// matches.
func (b *Buffer) LastN(n int, f types.SampleFilter) []types.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 {
		return []types.Sample{}
	}

	out := make([]types.Sample, 0, n)
	for i := len(b.samples) - 1; i >= 0 && len(out) < n; i-- {
		if b.samples[i].Matches(f) {
			out = append(out, b.samples[i])
		}
	}
	return out
}

// Range returns samples with start <= timestamp <= end, oldest-first.
func (b *Buffer) Range(start, end time.Time, f types.SampleFilter) []types.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.Sample, 0)
	for _, s := range b.samples {
		if s.Timestamp.Before(start) || s.Timestamp.After(end) {
			continue
		}
		if s.Matches(f) {
			out = append(out, s)
		}
	}
	return out
}

// Clear drops all samples, or only those matching userID when non-empty.
func (b *Buffer) Clear(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if userID == "" {
		b.samples = b.samples[:0]
		return
	}

	kept := b.samples[:0:0]
	for _, s := range b.samples {
		if s.UserID != userID {
			kept = append(kept, s)
		}
	}
	b.samples = kept
}

// Stats summarizes the buffer's current contents.
func (b *Buffer) Stats() types.BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := types.BufferStats{
		Count:    len(b.samples),
		Capacity: b.capacity,
	}
	if b.capacity > 0 {
		stats.FillPercent = float64(stats.Count) / float64(b.capacity) * 100
	}

	users := make(map[string]struct{})
	sessions := make(map[string]struct{})
	for i, s := range b.samples {
		users[s.UserID] = struct{}{}
		sessions[s.SessionID] = struct{}{}
		ts := s.Timestamp
		if i == 0 {
			stats.OldestTS = &ts
		}
		stats.NewestTS = &ts
	}
	stats.DistinctUsers = len(users)
	stats.DistinctSess = len(sessions)

	return stats
}
