package ghoststack

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ForkRecorder is the record writer's fork-split interface (spec 4.5:
// "records the split in the stream via the writer's
// setMainTidAndSkippedFrames interface").
type ForkRecorder interface {
	SetMainTidAndSkippedFrames(mainTid int, skippedFrames []uint64) error
}

// ResetAfterFork must be called in the child immediately after fork. Only
// the calling thread survives a fork (the child has exactly one thread,
// the one that called fork); every other thread's shadow stack is
// meaningless in the child and is dropped. The surviving thread's frames
// become the child stream's "skipped frames" since the child's record
// writer starts empty but the host's call stack did not.
func (r *Registry) ResetAfterFork(w ForkRecorder) error {
	mainTid := unix.Gettid()
	retained := r.Snapshot(mainTid)

	for _, tid := range r.Threads() {
		if tid == mainTid {
			continue
		}
		r.threads.Delete(tid)
	}

	if w == nil {
		return nil
	}
	if err := w.SetMainTidAndSkippedFrames(mainTid, retained); err != nil {
		return fmt.Errorf("ghoststack: reset after fork: %w", err)
	}
	return nil
}
