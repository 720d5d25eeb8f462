// Package model holds the data types shared across the capture and replay
// paths: the wire-level record shapes and the allocator vocabulary (spec
// section 3's data model). It has no dependencies on I/O, patching, or
// aggregation so every other internal package can import it without risk
// of a cycle.
package model

// FrameID names one (function, filename, first-line) triple, interned
// under a CodeObjectInfo record. Zero is reserved for "unknown".
type FrameID uint64

const UnknownFrame FrameID = 0

// AllocatorKind enumerates every allocation/free symbol the patcher may
// intercept (spec 3's Allocation.allocator_kind).
type AllocatorKind uint8

const (
	AllocatorUnknown AllocatorKind = iota
	AllocatorMalloc
	AllocatorCalloc
	AllocatorRealloc
	AllocatorPosixMemalign
	AllocatorAlignedAlloc
	AllocatorValloc
	AllocatorMemalign
	AllocatorPvalloc
	AllocatorFree
	AllocatorMmap
	AllocatorMunmap
	AllocatorPyMallocMalloc
	AllocatorPyMallocCalloc
	AllocatorPyMallocRealloc
	AllocatorPyMallocFree
)

// IsFree reports whether kind is one of the free-subset allocators, which
// always carry size 0.
func (k AllocatorKind) IsFree() bool {
	switch k {
	case AllocatorFree, AllocatorMunmap, AllocatorPyMallocFree:
		return true
	default:
		return false
	}
}

func (k AllocatorKind) String() string {
	switch k {
	case AllocatorMalloc:
		return "malloc"
	case AllocatorCalloc:
		return "calloc"
	case AllocatorRealloc:
		return "realloc"
	case AllocatorPosixMemalign:
		return "posix_memalign"
	case AllocatorAlignedAlloc:
		return "aligned_alloc"
	case AllocatorValloc:
		return "valloc"
	case AllocatorMemalign:
		return "memalign"
	case AllocatorPvalloc:
		return "pvalloc"
	case AllocatorFree:
		return "free"
	case AllocatorMmap:
		return "mmap"
	case AllocatorMunmap:
		return "munmap"
	case AllocatorPyMallocMalloc:
		return "pymalloc_malloc"
	case AllocatorPyMallocCalloc:
		return "pymalloc_calloc"
	case AllocatorPyMallocRealloc:
		return "pymalloc_realloc"
	case AllocatorPyMallocFree:
		return "pymalloc_free"
	default:
		return "unknown"
	}
}

// CodeObjectInfo is immutable once interned: created on first observation,
// never mutated, never evicted (spec 3's Lifecycles).
type CodeObjectInfo struct {
	FrameID       FrameID
	FunctionName  string
	FileName      string
	FirstLine     uint32
	LineTableBlob []byte
}

// UnresolvedNativeFrame names a native instruction pointer against the
// image layout in effect at the time it was captured (spec 3). Resolved
// lazily by the reader against an image-segments timeline.
type UnresolvedNativeFrame struct {
	InstructionPointer uint64
	ImageGeneration    uint64
}

// ThreadID is an opaque stable integer assigned by the writer on first
// sighting of a kernel thread.
type ThreadID uint64

// Allocation is one allocate or free event (spec 3).
type Allocation struct {
	ThreadID       ThreadID
	Address        uint64
	Size           uint64
	Allocator      AllocatorKind
	NativeFrameID  uint64 // 0 if none captured
	PythonFrameID  FrameID
}

// MemorySnapshot is a periodic process memory sample.
type MemorySnapshot struct {
	MonotonicTimeMs uint64
	RSSBytes        uint64
	HeapSizeBytes   uint64
}

// FileFormat distinguishes a full event stream from a pre-aggregated one.
type FileFormat uint8

const (
	FileFormatAllEvents FileFormat = iota
	FileFormatAggregated
)

// HeaderFlags are the independent capability bits recorded in the header.
type HeaderFlags uint16

const (
	FlagNativeTrace HeaderFlags = 1 << iota
	FlagCompressed
	FlagPythonAllocators
	FlagObjectLifetimes
)

// Magic pins the wire format: "MEMRAY0" as spec 6 defines it, written as
// its 7 bytes with no padding.
var Magic = [7]byte{'M', 'E', 'M', 'R', 'A', 'Y', '0'}

// CurrentVersion is the format version this module writes and expects.
const CurrentVersion uint16 = 1

// Header is the fixed-shape prologue of a capture file (spec 3).
type Header struct {
	Version              uint16
	Flags                HeaderFlags
	FileFormat           FileFormat
	Pid                  uint64
	MainTid              uint64
	SkippedFramesOnMain  uint32
	CommandLine          string
	PythonVersion        uint32
	NativeTracesEnabled  bool
	TracePythonAllocators bool
}

// ImageSegment is one loaded image's address range at a given loader
// generation, used by the reader to resolve native frames.
type ImageSegment struct {
	Generation uint64
	Start      uint64
	End        uint64
	Offset     uint64
	Path       string
}

// LocationKey groups allocations for aggregation (spec 4.8): the Python
// frame, native frame, and thread the allocation occurred at. ThreadID is
// zeroed by aggregators run with merge_threads=true.
type LocationKey struct {
	PythonFrameID FrameID
	NativeFrameID uint64
	ThreadID      ThreadID
}
