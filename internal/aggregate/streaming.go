package aggregate

import "github.com/ehrlich-b/tracemem/internal/model"

// StreamingAllocationAggregator wraps a SnapshotAllocationAggregator and,
// at each strict increase of current live bytes past the previous maximum,
// records a lightweight copy of the live map. A query then returns either
// the high-water-mark snapshot or the final residual (leaks), per spec 4.8.
type StreamingAllocationAggregator struct {
	snapshot *SnapshotAllocationAggregator
	peakByte uint64
	peakCopy map[uint64]model.Allocation
}

// NewStreamingAllocationAggregator returns an empty aggregator.
func NewStreamingAllocationAggregator() *StreamingAllocationAggregator {
	return &StreamingAllocationAggregator{
		snapshot: NewSnapshotAllocationAggregator(),
		peakCopy: make(map[uint64]model.Allocation),
	}
}

// Observe feeds one Allocation (or Free) into the aggregator. Current live
// bytes are derived from the snapshot's own live set after every call, so
// a free with no matching allocation (already a no-op in the snapshot)
// never perturbs the running total.
func (s *StreamingAllocationAggregator) Observe(a model.Allocation) {
	s.snapshot.Observe(a)
	if current := s.snapshot.LiveBytes(); current > s.peakByte {
		s.peakByte = current
		s.peakCopy = s.copyLive()
	}
}

func (s *StreamingAllocationAggregator) copyLive() map[uint64]model.Allocation {
	out := make(map[uint64]model.Allocation, len(s.snapshot.live))
	for addr, a := range s.snapshot.live {
		out[addr] = a
	}
	return out
}

// WatermarkSnapshot returns the live-set copy taken at the high-water mark,
// keyed by LocationKey.
func (s *StreamingAllocationAggregator) WatermarkSnapshot(mergeThreads bool) map[model.LocationKey]LocationUsage {
	return summarize(s.peakCopy, mergeThreads)
}

// LeakSnapshot returns the final residual live set, keyed by LocationKey —
// allocations that were never freed by the end of the stream.
func (s *StreamingAllocationAggregator) LeakSnapshot(mergeThreads bool) map[model.LocationKey]LocationUsage {
	return s.snapshot.Snapshot(mergeThreads)
}

// PeakBytes returns the high-water mark observed so far.
func (s *StreamingAllocationAggregator) PeakBytes() uint64 {
	return s.peakByte
}

func summarize(live map[uint64]model.Allocation, mergeThreads bool) map[model.LocationKey]LocationUsage {
	out := make(map[model.LocationKey]LocationUsage)
	for _, a := range live {
		key := locationKeyFor(a, mergeThreads)
		usage := out[key]
		usage.Count++
		usage.TotalBytes += a.Size
		out[key] = usage
	}
	return out
}
