// Package hook builds per-symbol trampolines that wrap the real
// allocation functions the patcher (internal/patch) has rewritten
// indirection slots to point at (spec component C4).
//
// A trampoline has the same call signature as the function it replaces.
// Since this module expresses that relationship in pure Go rather than
// through cgo-level function pointers, a "hooked" function is modeled as
// a decorator: Shims.WrapMalloc(original) returns a new function of the
// same signature that performs the tracing steps around a call to
// original. The patcher's ShimAddr ultimately resolves to the code
// generated from whichever of these wrappers is in play for a build.
package hook

import (
	"sync/atomic"

	"github.com/ehrlich-b/tracemem/internal/ghoststack"
	"github.com/ehrlich-b/tracemem/internal/model"
)

// Writer is the record writer's hook-facing surface (spec C6, consumed
// from C4). Errors are never returned to the caller of a wrapped
// allocator; Shims counts and drops them instead (spec 4.4: "Errors in
// tracing... never propagate to the caller").
type Writer interface {
	EmitAllocation(a model.Allocation) error
}

// Unwinder captures a native backtrace; it is opt-in per spec 6's
// "native unwinder" collaborator (`backtrace(array, n) -> count`). A nil
// Unwinder disables native frame capture entirely.
type Unwinder func(skip int) []uint64

// Shims owns the collaborators every wrapped allocator needs: the ghost
// stack for the current Python frame, the record writer, an optional
// native unwinder, and the drop counter for absorbed tracing errors.
type Shims struct {
	guard   reentrancyGuard
	stacks  *ghoststack.Registry
	writer  Writer
	unwind  Unwinder
	dropped int64
}

// New builds a Shims bound to the given ghost stack registry and writer.
// unwind may be nil to disable native backtraces.
func New(stacks *ghoststack.Registry, writer Writer, unwind Unwinder) *Shims {
	return &Shims{stacks: stacks, writer: writer, unwind: unwind}
}

// Dropped returns the number of tracing attempts absorbed due to a writer
// error (full buffer, closed sink) rather than raised. Re-entrant calls
// that fall through the guard are not counted.
func (s *Shims) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// record runs the common steps 2-4 of the trampoline (spec 4.4) for one
// allocation or free event, after the guard has already been entered.
func (s *Shims) record(tid int, kind model.AllocatorKind, addr, size uint64) {
	var nativeFrameID uint64
	if s.unwind != nil {
		if frames := s.unwind(1); len(frames) > 0 {
			nativeFrameID = frames[0]
		}
	}

	alloc := model.Allocation{
		ThreadID:      model.ThreadID(tid),
		Address:       addr,
		Size:          size,
		Allocator:     kind,
		NativeFrameID: nativeFrameID,
		PythonFrameID: model.FrameID(s.stacks.TopForThread(tid)),
	}
	if err := s.writer.EmitAllocation(alloc); err != nil {
		atomic.AddInt64(&s.dropped, 1)
	}
}

// WrapMalloc returns a malloc trampoline around original.
func (s *Shims) WrapMalloc(original func(size uintptr) uintptr) func(size uintptr) uintptr {
	return func(size uintptr) uintptr {
		tid, release, ok := s.guard.enter()
		if !ok {
			return original(size)
		}
		defer release()

		addr := original(size)
		if addr != 0 {
			s.record(tid, model.AllocatorMalloc, uint64(addr), uint64(size))
		}
		return addr
	}
}

// WrapCalloc returns a calloc trampoline around original.
func (s *Shims) WrapCalloc(original func(nmemb, size uintptr) uintptr) func(nmemb, size uintptr) uintptr {
	return func(nmemb, size uintptr) uintptr {
		tid, release, ok := s.guard.enter()
		if !ok {
			return original(nmemb, size)
		}
		defer release()

		addr := original(nmemb, size)
		if addr != 0 {
			s.record(tid, model.AllocatorCalloc, uint64(addr), uint64(nmemb*size))
		}
		return addr
	}
}

// WrapRealloc returns a realloc trampoline around original.
func (s *Shims) WrapRealloc(original func(ptr uintptr, size uintptr) uintptr) func(ptr uintptr, size uintptr) uintptr {
	return func(ptr uintptr, size uintptr) uintptr {
		tid, release, ok := s.guard.enter()
		if !ok {
			return original(ptr, size)
		}
		defer release()

		if ptr != 0 {
			s.record(tid, model.AllocatorFree, uint64(ptr), 0)
		}
		addr := original(ptr, size)
		if addr != 0 {
			s.record(tid, model.AllocatorRealloc, uint64(addr), uint64(size))
		}
		return addr
	}
}

// WrapFree returns a free trampoline around original. Free/munmap events
// carry size 0 (spec 4.4, step 4).
func (s *Shims) WrapFree(original func(ptr uintptr)) func(ptr uintptr) {
	return func(ptr uintptr) {
		tid, release, ok := s.guard.enter()
		if !ok {
			original(ptr)
			return
		}
		defer release()

		original(ptr)
		if ptr != 0 {
			s.record(tid, model.AllocatorFree, uint64(ptr), 0)
		}
	}
}

// WrapMmap returns an mmap trampoline around original.
func (s *Shims) WrapMmap(original func(length uintptr) uintptr) func(length uintptr) uintptr {
	return func(length uintptr) uintptr {
		tid, release, ok := s.guard.enter()
		if !ok {
			return original(length)
		}
		defer release()

		addr := original(length)
		if addr != 0 {
			s.record(tid, model.AllocatorMmap, uint64(addr), uint64(length))
		}
		return addr
	}
}

// WrapMunmap returns a munmap trampoline around original.
func (s *Shims) WrapMunmap(original func(addr uintptr, length uintptr)) func(addr uintptr, length uintptr) {
	return func(addr uintptr, length uintptr) {
		tid, release, ok := s.guard.enter()
		if !ok {
			original(addr, length)
			return
		}
		defer release()

		original(addr, length)
		s.record(tid, model.AllocatorMunmap, uint64(addr), 0)
	}
}
