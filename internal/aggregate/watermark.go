// Package aggregate implements the allocation-stream aggregators that turn
// a capture's Allocation sequence into a high-water-mark report, a leak
// snapshot, a temporary-allocation report, or running statistics (spec C8).
// All aggregators consume Allocations in stream order and are single-
// threaded, owned by whatever reads the stream (the replay CLI or the
// background reader).
package aggregate

import "github.com/ehrlich-b/tracemem/internal/model"

// HighWatermarkFinder tracks live bytes across a stream of allocations and
// frees, remembering the earliest event index at which live bytes reached
// their peak. A free with no matching allocation is ignored rather than
// driving current_bytes negative.
type HighWatermarkFinder struct {
	live        map[uint64]uint64 // address -> size, for matching frees
	currentByte uint64
	peakByte    uint64
	peakIndex   int
	index       int
}

// NewHighWatermarkFinder returns an empty finder.
func NewHighWatermarkFinder() *HighWatermarkFinder {
	return &HighWatermarkFinder{live: make(map[uint64]uint64)}
}

// Observe feeds one Allocation (or Free, per a.Allocator.IsFree()) into the
// finder. Index tracking is internal; callers just call Observe in order.
func (f *HighWatermarkFinder) Observe(a model.Allocation) {
	if a.Allocator.IsFree() {
		if size, ok := f.live[a.Address]; ok {
			delete(f.live, a.Address)
			f.currentByte -= size
		}
	} else {
		f.live[a.Address] = a.Size
		f.currentByte += a.Size
	}
	f.index++
	if f.currentByte > f.peakByte {
		f.peakByte = f.currentByte
		f.peakIndex = f.index
	}
}

// Peak returns the index of the earliest event at which live bytes reached
// their maximum, and that maximum, per spec 8's watermark-monotonicity
// invariant (smallest i achieving the max).
func (f *HighWatermarkFinder) Peak() (index int, peakBytes uint64) {
	return f.peakIndex, f.peakByte
}

// Current returns the live-byte total as of the last Observe call.
func (f *HighWatermarkFinder) Current() uint64 {
	return f.currentByte
}
