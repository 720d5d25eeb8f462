// Package ghoststack implements the per-thread shadow frame stack that
// mirrors the host interpreter's call stack (spec component C5). It is
// updated from the interpreter's per-frame evaluation hook and read from
// allocation hook shims, so every operation must be cheap and must never
// call into the allocator symbols the patcher has hooked.
package ghoststack

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// initialCapacity is the starting size of a thread's frame buffer; it
// doubles on overflow like the teacher's queue depth growth, amortizing
// the cost of the rare reallocation across many pushes.
const initialCapacity = 64

// stack is one thread's append-only frame_id stack, plus a re-entrancy
// guard so a push triggered from inside another push (e.g. because the
// runtime itself allocates while growing frames) is treated as untracked
// rather than corrupting the stack (spec 4.5: "allocation inside push/pop
// is treated as untracked").
type stack struct {
	mu     sync.Mutex
	frames []uint64
	inPush int32
}

func newStack() *stack {
	return &stack{frames: make([]uint64, 0, initialCapacity)}
}

func (s *stack) push(frameID uint64) {
	if !atomic.CompareAndSwapInt32(&s.inPush, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&s.inPush, 0)

	s.mu.Lock()
	s.frames = append(s.frames, frameID)
	s.mu.Unlock()
}

func (s *stack) pop() {
	s.mu.Lock()
	if n := len(s.frames); n > 0 {
		s.frames = s.frames[:n-1]
	}
	s.mu.Unlock()
}

// top is O(1) and returns 0 for an empty stack. It takes mu, the same lock
// push and pop hold, so it is not lock-free: it waits for a push or pop in
// progress on the same stack to finish.
func (s *stack) top() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.frames); n > 0 {
		return s.frames[n-1]
	}
	return 0
}

func (s *stack) snapshot() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.frames))
	copy(out, s.frames)
	return out
}

// Registry owns one stack per OS thread id, looked up by Gettid. Go's
// goroutines migrate across OS threads, so callers that need stack
// continuity across a single logical call chain must pin the goroutine
// with runtime.LockOSThread before pushing, exactly as the interpreter
// this mirrors pins its evaluation loop to a thread.
type Registry struct {
	threads sync.Map // tid (int) -> *stack
}

// NewRegistry constructs an empty per-thread stack registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) stackFor(tid int) *stack {
	if v, ok := r.threads.Load(tid); ok {
		return v.(*stack)
	}
	s := newStack()
	actual, _ := r.threads.LoadOrStore(tid, s)
	return actual.(*stack)
}

// Push records frame entry on the calling thread's stack.
func (r *Registry) Push(frameID uint64) {
	r.stackFor(unix.Gettid()).push(frameID)
}

// Pop records frame exit on the calling thread's stack.
func (r *Registry) Pop() {
	r.stackFor(unix.Gettid()).pop()
}

// Top returns the calling thread's current top frame id, or 0 if the
// stack is empty (0 is the reserved "unknown frame" sentinel).
func (r *Registry) Top() uint64 {
	return r.stackFor(unix.Gettid()).top()
}

// TopForThread returns tid's top frame id without touching the calling
// thread's own stack, for use by the background reader or tests.
func (r *Registry) TopForThread(tid int) uint64 {
	return r.stackFor(tid).top()
}

// Snapshot returns a copy of tid's current frame stack, bottom to top.
func (r *Registry) Snapshot(tid int) []uint64 {
	return r.stackFor(tid).snapshot()
}

// Threads returns the tids currently tracked, for iteration during
// snapshot-to-writer and fork handling.
func (r *Registry) Threads() []int {
	var tids []int
	r.threads.Range(func(key, _ any) bool {
		tids = append(tids, key.(int))
		return true
	})
	return tids
}
