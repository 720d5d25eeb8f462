package aggregate

import "github.com/ehrlich-b/tracemem/internal/model"

// temporaryEntry is one allocation waiting in a thread's FIFO window to see
// if it gets freed before it ages out.
type temporaryEntry struct {
	allocation model.Allocation
	age        int
}

// TemporaryAllocationsAggregator detects allocations freed before maxItems
// later allocations have occurred on the same thread (frees do not age a
// window's entries): a short-lived allocation
// pattern worth reporting separately from long-lived leaks (spec 4.8).
type TemporaryAllocationsAggregator struct {
	maxItems int
	windows  map[model.ThreadID][]temporaryEntry
	// addressOwner lets a free on one thread find which thread's window
	// holds the matching allocation, since a free record carries no
	// python/native frame info to key on directly.
	addressOwner map[uint64]model.ThreadID
	counts       map[model.LocationKey]LocationUsage
}

// NewTemporaryAllocationsAggregator returns an aggregator whose window is
// maxItems allocations wide per thread.
func NewTemporaryAllocationsAggregator(maxItems int) *TemporaryAllocationsAggregator {
	return &TemporaryAllocationsAggregator{
		maxItems:     maxItems,
		windows:      make(map[model.ThreadID][]temporaryEntry),
		addressOwner: make(map[uint64]model.ThreadID),
		counts:       make(map[model.LocationKey]LocationUsage),
	}
}

// Observe feeds one Allocation (or Free) into the aggregator.
func (t *TemporaryAllocationsAggregator) Observe(a model.Allocation) {
	if a.Allocator.IsFree() {
		t.observeFree(a)
		return
	}
	t.observeAllocation(a)
}

func (t *TemporaryAllocationsAggregator) observeAllocation(a model.Allocation) {
	window := t.windows[a.ThreadID]
	for i := range window {
		window[i].age++
	}
	window = t.evictAged(a.ThreadID, window)
	window = append(window, temporaryEntry{allocation: a})
	t.windows[a.ThreadID] = window
	t.addressOwner[a.Address] = a.ThreadID
}

func (t *TemporaryAllocationsAggregator) observeFree(a model.Allocation) {
	owner, ok := t.addressOwner[a.Address]
	if !ok {
		return
	}
	delete(t.addressOwner, a.Address)
	window := t.windows[owner]
	for i, entry := range window {
		if entry.allocation.Address != a.Address {
			continue
		}
		key := locationKeyFor(entry.allocation, false)
		usage := t.counts[key]
		usage.Count++
		usage.TotalBytes += entry.allocation.Size
		t.counts[key] = usage
		t.windows[owner] = append(window[:i], window[i+1:]...)
		return
	}
}

// evictAged drops entries that have seen maxItems later allocations on
// their thread without being freed; they're no longer candidates for
// "temporary".
func (t *TemporaryAllocationsAggregator) evictAged(tid model.ThreadID, window []temporaryEntry) []temporaryEntry {
	kept := window[:0]
	for _, entry := range window {
		if entry.age >= t.maxItems {
			delete(t.addressOwner, entry.allocation.Address)
			continue
		}
		kept = append(kept, entry)
	}
	return kept
}

// Counts returns the accumulated temporary-allocation increments, keyed by
// call site.
func (t *TemporaryAllocationsAggregator) Counts() map[model.LocationKey]LocationUsage {
	out := make(map[model.LocationKey]LocationUsage, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}
