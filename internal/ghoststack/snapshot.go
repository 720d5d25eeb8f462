package ghoststack

import "fmt"

// FrameEmitter is the subset of the record writer (spec C6) the ghost
// stack needs to reconstruct a thread's stack for a new reader: a
// sequence of push records, one per frame bottom to top.
type FrameEmitter interface {
	EmitFramePush(tid int, frameID uint64) error
}

// SnapshotToWriter emits tid's current frame stack as a sequence of push
// records so a reader attaching mid-run can reconstruct it (spec 4.5:
// "on thread introduction, emits a sequence of push records").
func (r *Registry) SnapshotToWriter(tid int, w FrameEmitter) error {
	for _, frameID := range r.Snapshot(tid) {
		if err := w.EmitFramePush(tid, frameID); err != nil {
			return fmt.Errorf("ghoststack: snapshot tid %d: %w", tid, err)
		}
	}
	return nil
}
