// Package bgreader implements the background socket reader (spec 4.9): a
// worker that owns a record.Reader over a socket source and a
// SnapshotAllocationAggregator, feeding the snapshot aggregator allocation
// by allocation so a live client can ask for a leak/high-water report
// without replaying the stream itself.
package bgreader

import (
	"sync"

	"github.com/ehrlich-b/tracemem/internal/aggregate"
	"github.com/ehrlich-b/tracemem/internal/logging"
	"github.com/ehrlich-b/tracemem/internal/model"
	"github.com/ehrlich-b/tracemem/internal/record"
)

// Worker runs nextRecord in a loop against a live source and dispatches
// Allocation records into a SnapshotAllocationAggregator (spec 4.9).
type Worker struct {
	mu         sync.Mutex
	reader     *record.Reader
	aggregator *aggregate.SnapshotAllocationAggregator
	lastMemory model.MemorySnapshot
	stop       chan struct{}
	done       chan struct{}
	log        *logging.Logger

	stopOnce sync.Once
}

// New constructs a Worker over an already-open record.Reader. Start must be
// called to begin consuming it.
func New(reader *record.Reader, log *logging.Logger) *Worker {
	if log == nil {
		log = logging.Default()
	}
	return &Worker{
		reader:     reader,
		aggregator: aggregate.NewSnapshotAllocationAggregator(),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Start spawns the worker goroutine. It runs until nextRecord reports
// KindEndOfFile or KindError, or Stop is called.
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		rec := w.reader.NextRecord()
		switch rec.Kind {
		case record.KindAllocation:
			w.mu.Lock()
			w.aggregator.Observe(rec.Allocation)
			w.mu.Unlock()
		case record.KindMemoryRecord, record.KindMemorySnapshot:
			w.mu.Lock()
			w.lastMemory = rec.Memory
			w.mu.Unlock()
		case record.KindAggregatedAllocation:
			w.mu.Lock()
			w.aggregator.Observe(rec.Allocation)
			w.mu.Unlock()
		case record.KindEndOfFile:
			return
		case record.KindError:
			w.log.Error("background reader stopped on error", "error", rec.Err)
			return
		}
	}
}

// Stop signals the worker to exit and waits for it to do so. Safe to call
// more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done
}

// SnapshotAllocationRecords acquires the worker's mutex, asks the
// aggregator for a snapshot keyed by call site, and returns it
// (Py_GetSnapshotAllocationRecords in spec 4.9). Held only long enough to
// copy the live map, never blocking the worker for more than one record's
// worth of processing.
func (w *Worker) SnapshotAllocationRecords(mergeThreads bool) map[model.LocationKey]aggregate.LocationUsage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aggregator.Snapshot(mergeThreads)
}

// LastMemorySnapshot returns the most recently observed process memory
// sample.
func (w *Worker) LastMemorySnapshot() model.MemorySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastMemory
}
