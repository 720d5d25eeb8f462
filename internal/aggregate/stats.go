package aggregate

import (
	"container/heap"
	"math/bits"

	"github.com/ehrlich-b/tracemem/internal/model"
)

// locationTotals accumulates per-call-site counters the stats aggregator
// needs to rank into top_locations_by_size / top_locations_by_count.
type locationTotals struct {
	key        model.LocationKey
	count      uint64
	totalBytes uint64
}

// AllocationStatsAggregator keeps running totals, a power-of-two size-bucket
// histogram, per-allocator-kind counters, and ranks call sites by total
// bytes and by count (spec 4.8).
type AllocationStatsAggregator struct {
	totalAllocations uint64
	totalBytes       uint64
	peakBytes        uint64
	currentBytes     uint64
	liveSizes        map[uint64]uint64 // address -> size, for matching frees

	sizeBuckets   map[int]uint64 // bucket index (log2 of size) -> count
	allocatorHits map[model.AllocatorKind]uint64

	locations map[model.LocationKey]*locationTotals
}

// NewAllocationStatsAggregator returns an empty aggregator.
func NewAllocationStatsAggregator() *AllocationStatsAggregator {
	return &AllocationStatsAggregator{
		sizeBuckets:   make(map[int]uint64),
		allocatorHits: make(map[model.AllocatorKind]uint64),
		locations:     make(map[model.LocationKey]*locationTotals),
		liveSizes:     make(map[uint64]uint64),
	}
}

// Observe feeds one Allocation (or Free) into the aggregator. Free records
// carry no size on the wire, so matching sizes are recovered from the
// allocations observed so far, same as HighWatermarkFinder.
func (s *AllocationStatsAggregator) Observe(a model.Allocation) {
	s.allocatorHits[a.Allocator]++
	if a.Allocator.IsFree() {
		if size, ok := s.liveSizes[a.Address]; ok {
			delete(s.liveSizes, a.Address)
			s.currentBytes -= size
		}
		return
	}

	s.liveSizes[a.Address] = a.Size
	s.totalAllocations++
	s.totalBytes += a.Size
	s.currentBytes += a.Size
	if s.currentBytes > s.peakBytes {
		s.peakBytes = s.currentBytes
	}
	s.sizeBuckets[sizeBucket(a.Size)]++

	key := locationKeyFor(a, false)
	loc, ok := s.locations[key]
	if !ok {
		loc = &locationTotals{key: key}
		s.locations[key] = loc
	}
	loc.count++
	loc.totalBytes += a.Size
}

// sizeBucket returns the power-of-two bucket index for a size, i.e. the
// position of its highest set bit (size 0 and 1 both land in bucket 0).
func sizeBucket(size uint64) int {
	if size == 0 {
		return 0
	}
	return bits.Len64(size) - 1
}

// Totals returns the running counters.
func (s *AllocationStatsAggregator) Totals() (totalAllocations, totalBytes, peakBytes uint64) {
	return s.totalAllocations, s.totalBytes, s.peakBytes
}

// SizeHistogram returns a copy of the power-of-two size-bucket histogram.
func (s *AllocationStatsAggregator) SizeHistogram() map[int]uint64 {
	out := make(map[int]uint64, len(s.sizeBuckets))
	for k, v := range s.sizeBuckets {
		out[k] = v
	}
	return out
}

// AllocatorCounts returns a copy of the per-allocator-kind hit counts.
func (s *AllocationStatsAggregator) AllocatorCounts() map[model.AllocatorKind]uint64 {
	out := make(map[model.AllocatorKind]uint64, len(s.allocatorHits))
	for k, v := range s.allocatorHits {
		out[k] = v
	}
	return out
}

// TopLocationsBySize returns the n call sites with the largest total_bytes,
// largest first.
func (s *AllocationStatsAggregator) TopLocationsBySize(n int) []model.LocationKey {
	return s.topLocations(n, func(l *locationTotals) uint64 { return l.totalBytes })
}

// TopLocationsByCount returns the n call sites with the highest allocation
// count, largest first.
func (s *AllocationStatsAggregator) TopLocationsByCount(n int) []model.LocationKey {
	return s.topLocations(n, func(l *locationTotals) uint64 { return l.count })
}

func (s *AllocationStatsAggregator) topLocations(n int, rankBy func(*locationTotals) uint64) []model.LocationKey {
	if n <= 0 || len(s.locations) == 0 {
		return nil
	}
	h := &locationHeap{rankBy: rankBy}
	heap.Init(h)
	for _, loc := range s.locations {
		heap.Push(h, loc)
		if h.Len() > n {
			heap.Pop(h)
		}
	}
	out := make([]model.LocationKey, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(*locationTotals).key
	}
	return out
}

// locationHeap is a min-heap over whatever rankBy extracts, used to keep
// only the top n call sites without sorting the whole location set.
type locationHeap struct {
	items  []*locationTotals
	rankBy func(*locationTotals) uint64
}

func (h *locationHeap) Len() int { return len(h.items) }
func (h *locationHeap) Less(i, j int) bool {
	return h.rankBy(h.items[i]) < h.rankBy(h.items[j])
}
func (h *locationHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *locationHeap) Push(x any)    { h.items = append(h.items, x.(*locationTotals)) }
func (h *locationHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
