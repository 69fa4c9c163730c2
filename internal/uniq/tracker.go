// Package uniq implements the deduplication core: an authoritative exact set
// paired with a growable bloom filter whose serialized snapshots are
// distributed to producers for client-side pre-filtering.
//
// The bloom filter is an optimization, never the source of truth. A miss is
// definitive (the item is new); a hit is only probable and is confirmed
// against the exact set. Both sides of the wire use the same filter library,
// so a snapshot deserializes bit-for-bit on the producer.
package uniq

import (
	"bytes"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// initialCapacity is the expected item count for a fresh filter.
	initialCapacity = 100_000

	// falsePositiveRate is the target FPR at construction.
	falsePositiveRate = 0.01

	// rebuildFPRThreshold triggers a rebuild when the measured FPR passes it.
	rebuildFPRThreshold = 0.05

	// distributionThreshold is the number of newly unique items that
	// triggers a snapshot push to producers.
	distributionThreshold = 100
)

// Stats tracks filtering performance since the last rebuild.
type Stats struct {
	TotalProcessed    uint64
	UniqueFound       uint64
	BloomHits         uint64
	BloomMisses       uint64
	FalsePositives    uint64
	FalsePositiveRate float64
}

// Tracker is the orchestrator-owned uniqueness authority. It is not safe for
// concurrent use; the orchestrator's owner task is its only caller.
type Tracker struct {
	items    map[string]struct{}
	order    []string
	filter   *bloom.BloomFilter
	capacity uint
	version  uint64

	// sinceDistribution counts uniques added since the last snapshot push.
	sinceDistribution int
	// rebuilt flags that a rebuild happened since the last distribution.
	rebuilt bool

	stats Stats
}

// NewTracker returns an empty tracker at initial capacity.
func NewTracker() *Tracker {
	return &Tracker{
		items:    make(map[string]struct{}),
		filter:   bloom.NewWithEstimates(initialCapacity, falsePositiveRate),
		capacity: initialCapacity,
	}
}

// FilterUnique consults the bloom filter then the exact set for each item and
// returns, in input order, only the items that were genuinely new. The
// version increments once per call that added at least one item. Repeated
// items within the batch are deduplicated by the same path.
func (t *Tracker) FilterUnique(batch []string) []string {
	var added []string
	for _, item := range batch {
		t.stats.TotalProcessed++
		if t.filter.TestString(item) {
			t.stats.BloomHits++
			if _, seen := t.items[item]; seen {
				continue
			}
			// Bloom false positive: the item is actually new.
			t.stats.FalsePositives++
		} else {
			t.stats.BloomMisses++
		}
		t.add(item)
		added = append(added, item)
	}
	if len(added) > 0 {
		t.version++
		t.sinceDistribution += len(added)
		t.updateFalsePositiveRate()
		if t.shouldRebuild() {
			t.rebuild()
		}
	}
	return added
}

// Contains reports exact membership.
func (t *Tracker) Contains(item string) bool {
	_, ok := t.items[item]
	return ok
}

func (t *Tracker) add(item string) {
	t.items[item] = struct{}{}
	t.order = append(t.order, item)
	t.filter.AddString(item)
	t.stats.UniqueFound++
}

// Snapshot serializes the current filter tagged with its version. The byte
// vector is immutable; later additions produce a new snapshot rather than
// mutating an outstanding one.
func (t *Tracker) Snapshot() ([]byte, uint64, error) {
	var buf bytes.Buffer
	if _, err := t.filter.WriteTo(&buf); err != nil {
		return nil, 0, fmt.Errorf("uniq: serialize bloom filter: %w", err)
	}
	return buf.Bytes(), t.version, nil
}

// Version returns the current bloom version. It is non-decreasing and
// strictly increases on every set-extending FilterUnique call and rebuild.
func (t *Tracker) Version() uint64 { return t.version }

// Count returns the number of unique items.
func (t *Tracker) Count() uint64 { return uint64(len(t.items)) }

// Stats returns filtering statistics since the last rebuild.
func (t *Tracker) Stats() Stats { return t.stats }

// Recent returns up to n of the most recently added unique items, newest
// last. The slice is a copy.
func (t *Tracker) Recent(n int) []string {
	if n <= 0 || len(t.order) == 0 {
		return nil
	}
	if n > len(t.order) {
		n = len(t.order)
	}
	out := make([]string, n)
	copy(out, t.order[len(t.order)-n:])
	return out
}

// ShouldDistribute reports whether a new snapshot should be pushed to
// producers: enough new uniques accumulated since the last push, or a
// rebuild invalidated their copies.
func (t *Tracker) ShouldDistribute() bool {
	return t.sinceDistribution >= distributionThreshold || t.rebuilt
}

// MarkDistributed resets the distribution predicate after a push.
func (t *Tracker) MarkDistributed() {
	t.sinceDistribution = 0
	t.rebuilt = false
}

// Reset empties the tracker for a new session.
func (t *Tracker) Reset() {
	t.items = make(map[string]struct{})
	t.order = nil
	t.filter = bloom.NewWithEstimates(initialCapacity, falsePositiveRate)
	t.capacity = initialCapacity
	t.version = 0
	t.sinceDistribution = 0
	t.rebuilt = false
	t.stats = Stats{}
}

// shouldRebuild applies the rebuild policy: the set outgrew twice the
// filter's expected capacity, or the measured FPR passed the threshold.
func (t *Tracker) shouldRebuild() bool {
	return uint(len(t.items)) > 2*t.capacity || t.stats.FalsePositiveRate > rebuildFPRThreshold
}

// rebuild reallocates the filter at max(2×size, initial capacity) and
// reinserts every item. The version increments and bloom counters reset so
// the FPR measurement restarts against the new filter.
func (t *Tracker) rebuild() {
	capacity := uint(len(t.items)) * 2
	if capacity < initialCapacity {
		capacity = initialCapacity
	}
	t.filter = bloom.NewWithEstimates(capacity, falsePositiveRate)
	for item := range t.items {
		t.filter.AddString(item)
	}
	t.capacity = capacity
	t.version++
	t.rebuilt = true
	t.stats.BloomHits = 0
	t.stats.BloomMisses = 0
	t.stats.FalsePositives = 0
	t.stats.FalsePositiveRate = 0
}

func (t *Tracker) updateFalsePositiveRate() {
	checks := t.stats.BloomHits + t.stats.BloomMisses
	if checks == 0 {
		return
	}
	t.stats.FalsePositiveRate = float64(t.stats.FalsePositives) / float64(checks)
}

// Snapshot is a producer-side immutable copy of a distributed bloom filter.
type Snapshot struct {
	filter  *bloom.BloomFilter
	version uint64
	size    int
}

// LoadSnapshot deserializes a snapshot produced by Tracker.Snapshot.
func LoadSnapshot(data []byte, version uint64) (*Snapshot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("uniq: empty bloom snapshot")
	}
	var f bloom.BloomFilter
	if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("uniq: deserialize bloom filter: %w", err)
	}
	return &Snapshot{filter: &f, version: version, size: len(data)}, nil
}

// MayContain reports probable membership. False means definitively absent.
func (s *Snapshot) MayContain(item string) bool {
	return s.filter.TestString(item)
}

// Version returns the version tag the snapshot was shipped with.
func (s *Snapshot) Version() uint64 { return s.version }

// Size returns the serialized size in bytes.
func (s *Snapshot) Size() int { return s.size }
