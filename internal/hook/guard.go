package hook

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// reentrancyGuard prevents a hook shim from tracing its own allocations:
// a hooked allocator called from inside another hook's trampoline (e.g.
// the tracer's own bookkeeping allocating) must fall straight through to
// the original function (spec 4.4, step 1). Guards are per OS thread,
// mirroring the teacher's per-tag state array but keyed dynamically since
// the thread set isn't known up front.
type reentrancyGuard struct {
	flags sync.Map // tid (int) -> *int32
}

func (g *reentrancyGuard) flagFor(tid int) *int32 {
	if v, ok := g.flags.Load(tid); ok {
		return v.(*int32)
	}
	f := new(int32)
	actual, _ := g.flags.LoadOrStore(tid, f)
	return actual.(*int32)
}

// enter attempts to set the calling thread's guard. It returns false if
// the guard was already set (caller must fall through to the original
// function without tracing), or a release function to call when the
// trampoline is done.
func (g *reentrancyGuard) enter() (tid int, release func(), ok bool) {
	tid = unix.Gettid()
	flag := g.flagFor(tid)
	if !atomic.CompareAndSwapInt32(flag, 0, 1) {
		return tid, nil, false
	}
	return tid, func() { atomic.StoreInt32(flag, 0) }, true
}
