package aggregate

import "github.com/ehrlich-b/tracemem/internal/model"

// LocationUsage is the (count, total_bytes) pair a snapshot reports for one
// LocationKey (spec 4.8).
type LocationUsage struct {
	Count      uint64
	TotalBytes uint64
}

// SnapshotAllocationAggregator maintains the set of currently-live
// allocations and can summarize them, keyed by call site, at any point in
// the stream (spec 4.8).
type SnapshotAllocationAggregator struct {
	live map[uint64]model.Allocation // address -> allocation
}

// NewSnapshotAllocationAggregator returns an empty aggregator.
func NewSnapshotAllocationAggregator() *SnapshotAllocationAggregator {
	return &SnapshotAllocationAggregator{live: make(map[uint64]model.Allocation)}
}

// Observe records a, removing its address from the live set on a matching
// free and inserting it otherwise. Addresses are assumed unique among
// currently-live allocations (the allocator never reuses an address while
// it's still outstanding).
func (s *SnapshotAllocationAggregator) Observe(a model.Allocation) {
	if a.Allocator.IsFree() {
		delete(s.live, a.Address)
		return
	}
	s.live[a.Address] = a
}

// Snapshot returns the current residents keyed by LocationKey. When
// mergeThreads is true, every key's ThreadID is collapsed to 0 so call
// sites aggregate across threads.
func (s *SnapshotAllocationAggregator) Snapshot(mergeThreads bool) map[model.LocationKey]LocationUsage {
	out := make(map[model.LocationKey]LocationUsage)
	for _, a := range s.live {
		key := locationKeyFor(a, mergeThreads)
		usage := out[key]
		usage.Count++
		usage.TotalBytes += a.Size
		out[key] = usage
	}
	return out
}

// LiveCount returns the number of currently-live allocations, mostly useful
// for tests asserting allocation/free conservation.
func (s *SnapshotAllocationAggregator) LiveCount() int {
	return len(s.live)
}

// LiveBytes returns the sum of sizes of currently-live allocations.
func (s *SnapshotAllocationAggregator) LiveBytes() uint64 {
	var total uint64
	for _, a := range s.live {
		total += a.Size
	}
	return total
}

func locationKeyFor(a model.Allocation, mergeThreads bool) model.LocationKey {
	key := model.LocationKey{
		PythonFrameID: a.PythonFrameID,
		NativeFrameID: a.NativeFrameID,
		ThreadID:      a.ThreadID,
	}
	if mergeThreads {
		key.ThreadID = 0
	}
	return key
}
