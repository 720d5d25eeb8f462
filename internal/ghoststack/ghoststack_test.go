package ghoststack

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestPushPopTop(t *testing.T) {
	r := NewRegistry()
	tid := unix.Gettid()

	if got := r.Top(); got != 0 {
		t.Fatalf("empty stack Top() = %d, want 0", got)
	}

	r.Push(10)
	r.Push(20)
	if got := r.Top(); got != 20 {
		t.Errorf("Top() = %d, want 20", got)
	}

	r.Pop()
	if got := r.Top(); got != 10 {
		t.Errorf("after Pop, Top() = %d, want 10", got)
	}

	r.Pop()
	if got := r.Top(); got != 0 {
		t.Errorf("after draining, Top() = %d, want 0", got)
	}

	if got := r.TopForThread(tid); got != 0 {
		t.Errorf("TopForThread(self) = %d, want 0", got)
	}
}

func TestPopOnEmptyStackNeverPanics(t *testing.T) {
	r := NewRegistry()
	r.Pop()
	r.Pop()
	if got := r.Top(); got != 0 {
		t.Errorf("Top() after spurious pops = %d, want 0", got)
	}
}

func TestSnapshotOrderBottomToTop(t *testing.T) {
	r := NewRegistry()
	r.Push(1)
	r.Push(2)
	r.Push(3)

	tid := unix.Gettid()
	got := r.Snapshot(tid)
	want := []uint64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Snapshot length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

type fakeEmitter struct {
	pushes []uint64
}

func (f *fakeEmitter) EmitFramePush(tid int, frameID uint64) error {
	f.pushes = append(f.pushes, frameID)
	return nil
}

func TestSnapshotToWriterReplaysPushOrder(t *testing.T) {
	r := NewRegistry()
	r.Push(100)
	r.Push(200)
	tid := unix.Gettid()

	emitter := &fakeEmitter{}
	if err := r.SnapshotToWriter(tid, emitter); err != nil {
		t.Fatalf("SnapshotToWriter: %v", err)
	}
	if len(emitter.pushes) != 2 || emitter.pushes[0] != 100 || emitter.pushes[1] != 200 {
		t.Errorf("pushes = %v, want [100 200]", emitter.pushes)
	}
}

type fakeForkRecorder struct {
	mainTid int
	skipped []uint64
	called  bool
}

func (f *fakeForkRecorder) SetMainTidAndSkippedFrames(mainTid int, skippedFrames []uint64) error {
	f.mainTid = mainTid
	f.skipped = skippedFrames
	f.called = true
	return nil
}

func TestResetAfterForkRetainsCallingThreadOnly(t *testing.T) {
	r := NewRegistry()
	tid := unix.Gettid()
	r.Push(7)
	r.Push(8)
	// Simulate another thread's leftover stack.
	r.stackFor(tid + 1).push(999)

	rec := &fakeForkRecorder{}
	if err := r.ResetAfterFork(rec); err != nil {
		t.Fatalf("ResetAfterFork: %v", err)
	}

	if !rec.called {
		t.Fatal("expected SetMainTidAndSkippedFrames to be called")
	}
	if rec.mainTid != tid {
		t.Errorf("mainTid = %d, want %d", rec.mainTid, tid)
	}
	if len(rec.skipped) != 2 || rec.skipped[0] != 7 || rec.skipped[1] != 8 {
		t.Errorf("skipped = %v, want [7 8]", rec.skipped)
	}

	for _, other := range r.Threads() {
		if other != tid {
			t.Errorf("expected only calling thread %d to survive, found %d", tid, other)
		}
	}
}
