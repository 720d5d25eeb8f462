package aggregate

import (
	"testing"

	"github.com/ehrlich-b/tracemem/internal/model"
)

func alloc(tid model.ThreadID, addr, size uint64) model.Allocation {
	return model.Allocation{ThreadID: tid, Address: addr, Size: size, Allocator: model.AllocatorMalloc}
}

func free(tid model.ThreadID, addr uint64) model.Allocation {
	return model.Allocation{ThreadID: tid, Address: addr, Allocator: model.AllocatorFree}
}

func TestHighWatermarkFinderTracksPeak(t *testing.T) {
	f := NewHighWatermarkFinder()
	f.Observe(alloc(1, 0x100, 10)) // current=10, peak=10 @1
	f.Observe(alloc(1, 0x200, 20)) // current=30, peak=30 @2
	f.Observe(free(1, 0x100))      // current=20
	f.Observe(alloc(1, 0x300, 5))  // current=25, still below 30

	idx, peak := f.Peak()
	if peak != 30 {
		t.Errorf("peak = %d, want 30", peak)
	}
	if idx != 2 {
		t.Errorf("peak index = %d, want 2", idx)
	}
	if f.Current() != 25 {
		t.Errorf("current = %d, want 25", f.Current())
	}
}

func TestHighWatermarkFinderIgnoresUnmatchedFree(t *testing.T) {
	f := NewHighWatermarkFinder()
	f.Observe(alloc(1, 0x100, 10))
	f.Observe(free(1, 0xDEAD)) // no matching allocation
	if f.Current() != 10 {
		t.Errorf("current = %d, want 10 (unmatched free should be a no-op)", f.Current())
	}
}

func TestSnapshotAllocationAggregatorTracksResidents(t *testing.T) {
	s := NewSnapshotAllocationAggregator()
	a1 := model.Allocation{ThreadID: 1, Address: 0x10, Size: 100, PythonFrameID: 5, NativeFrameID: 50}
	a2 := model.Allocation{ThreadID: 2, Address: 0x20, Size: 200, PythonFrameID: 5, NativeFrameID: 50}
	s.Observe(a1)
	s.Observe(a2)

	snap := s.Snapshot(false)
	key1 := model.LocationKey{PythonFrameID: 5, NativeFrameID: 50, ThreadID: 1}
	key2 := model.LocationKey{PythonFrameID: 5, NativeFrameID: 50, ThreadID: 2}
	if snap[key1].Count != 1 || snap[key1].TotalBytes != 100 {
		t.Errorf("key1 usage = %+v", snap[key1])
	}
	if snap[key2].Count != 1 || snap[key2].TotalBytes != 200 {
		t.Errorf("key2 usage = %+v", snap[key2])
	}

	merged := s.Snapshot(true)
	mergedKey := model.LocationKey{PythonFrameID: 5, NativeFrameID: 50, ThreadID: 0}
	if merged[mergedKey].Count != 2 || merged[mergedKey].TotalBytes != 300 {
		t.Errorf("merged usage = %+v", merged[mergedKey])
	}

	s.Observe(free(1, 0x10))
	if s.LiveCount() != 1 {
		t.Errorf("live count after free = %d, want 1", s.LiveCount())
	}
	if s.LiveBytes() != 200 {
		t.Errorf("live bytes after free = %d, want 200", s.LiveBytes())
	}
}

func TestStreamingAllocationAggregatorWatermarkAndLeaks(t *testing.T) {
	s := NewStreamingAllocationAggregator()
	s.Observe(alloc(1, 0x10, 100)) // current=100, peak=100
	s.Observe(alloc(1, 0x20, 50))  // current=150, peak=150
	s.Observe(free(1, 0x10))       // current=50, below peak
	s.Observe(alloc(1, 0x30, 10))  // current=60, still below 150

	if s.PeakBytes() != 150 {
		t.Errorf("PeakBytes = %d, want 150", s.PeakBytes())
	}

	watermark := s.WatermarkSnapshot(true)
	var watermarkTotal uint64
	for _, u := range watermark {
		watermarkTotal += u.TotalBytes
	}
	if watermarkTotal != 150 {
		t.Errorf("watermark snapshot total = %d, want 150", watermarkTotal)
	}

	leaks := s.LeakSnapshot(true)
	var leakTotal uint64
	for _, u := range leaks {
		leakTotal += u.TotalBytes
	}
	if leakTotal != 60 {
		t.Errorf("leak snapshot total = %d, want 60", leakTotal)
	}
}

func TestTemporaryAllocationsAggregatorDetectsShortLived(t *testing.T) {
	ta := NewTemporaryAllocationsAggregator(3)
	ta.Observe(alloc(1, 0x10, 8))
	ta.Observe(free(1, 0x10)) // freed one event later: temporary

	// This one ages out before being freed.
	ta.Observe(alloc(1, 0x20, 16))
	ta.Observe(alloc(1, 0x30, 1))
	ta.Observe(alloc(1, 0x40, 1))
	ta.Observe(alloc(1, 0x50, 1))
	ta.Observe(free(1, 0x20)) // too late, already evicted

	counts := ta.Counts()
	var total uint64
	for _, u := range counts {
		total += u.TotalBytes
	}
	if total != 8 {
		t.Errorf("temporary total bytes = %d, want 8 (only the quickly-freed allocation)", total)
	}
}

func TestAllocationStatsAggregatorCountsAndBuckets(t *testing.T) {
	stats := NewAllocationStatsAggregator()
	stats.Observe(alloc(1, 0x10, 100))
	stats.Observe(alloc(1, 0x20, 100))
	stats.Observe(free(1, 0x10))

	totalAllocs, totalBytes, peakBytes := stats.Totals()
	if totalAllocs != 2 {
		t.Errorf("totalAllocs = %d, want 2", totalAllocs)
	}
	if totalBytes != 200 {
		t.Errorf("totalBytes = %d, want 200", totalBytes)
	}
	if peakBytes != 200 {
		t.Errorf("peakBytes = %d, want 200", peakBytes)
	}

	hist := stats.SizeHistogram()
	if hist[sizeBucket(100)] != 2 {
		t.Errorf("histogram bucket for size 100 = %d, want 2", hist[sizeBucket(100)])
	}

	hits := stats.AllocatorCounts()
	if hits[model.AllocatorMalloc] != 2 || hits[model.AllocatorFree] != 1 {
		t.Errorf("allocator counts = %+v", hits)
	}
}

func TestAllocationStatsAggregatorTopLocations(t *testing.T) {
	stats := NewAllocationStatsAggregator()
	stats.Observe(model.Allocation{ThreadID: 1, Address: 0x1, Size: 10, PythonFrameID: 1})
	stats.Observe(model.Allocation{ThreadID: 1, Address: 0x2, Size: 1000, PythonFrameID: 2})
	stats.Observe(model.Allocation{ThreadID: 1, Address: 0x3, Size: 10, PythonFrameID: 1})

	bySize := stats.TopLocationsBySize(1)
	if len(bySize) != 1 || bySize[0].PythonFrameID != 2 {
		t.Errorf("TopLocationsBySize(1) = %+v, want frame 2", bySize)
	}

	byCount := stats.TopLocationsByCount(1)
	if len(byCount) != 1 || byCount[0].PythonFrameID != 1 {
		t.Errorf("TopLocationsByCount(1) = %+v, want frame 1", byCount)
	}
}

func TestTransformAggregatorFansOutToEveryStage(t *testing.T) {
	watermark := NewHighWatermarkFinder()
	stats := NewAllocationStatsAggregator()
	tee := NewTransformAggregator(watermark, stats)

	tee.Observe(alloc(1, 0x10, 64))
	tee.Observe(alloc(1, 0x20, 64))

	if _, peak := watermark.Peak(); peak != 128 {
		t.Errorf("watermark peak = %d, want 128", peak)
	}
	total, _, _ := stats.Totals()
	if total != 2 {
		t.Errorf("stats totalAllocations = %d, want 2", total)
	}
}
