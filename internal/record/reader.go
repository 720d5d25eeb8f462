package record

import (
	"errors"
	"fmt"
	"io"

	"github.com/ehrlich-b/tracemem/internal/model"
	"github.com/ehrlich-b/tracemem/internal/wire"
)

// Kind discriminates the result of nextRecord (spec 4.7).
type Kind int

const (
	KindAllocation Kind = iota
	KindAggregatedAllocation
	KindMemoryRecord
	KindMemorySnapshot
	KindError
	KindEndOfFile
)

// Record is the tagged union nextRecord returns.
type Record struct {
	Kind       Kind
	Allocation model.Allocation
	Memory     model.MemorySnapshot
	Err        error
}

// Reader parses a capture stream and reconstructs allocations and
// per-thread frame stacks (spec component C7).
type Reader struct {
	src      wire.ByteReader
	Header   model.Header
	interner *CodeObjectInterner
	segments []model.ImageSegment

	currentTid model.ThreadID
	haveTid    bool
	lastFrame  map[model.ThreadID]uint64
	stacks     map[model.ThreadID][]model.FrameID

	closed      bool
	terminalErr error

	lastAllocation model.Allocation
	lastMemory     model.MemorySnapshot
}

// NewReader parses the header from src and returns a Reader positioned
// at the first body record.
func NewReader(src wire.ByteReader) (*Reader, error) {
	header, err := decodeHeader(src)
	if err != nil {
		return nil, err
	}
	return &Reader{
		src:       src,
		Header:    header,
		interner:  NewCodeObjectInterner(),
		lastFrame: make(map[model.ThreadID]uint64),
		stacks:    make(map[model.ThreadID][]model.FrameID),
	}, nil
}

// Interner exposes the reconstructed CodeObjectInfo table.
func (r *Reader) Interner() *CodeObjectInterner {
	return r.interner
}

// Segments returns the image-segments timeline accumulated so far.
func (r *Reader) Segments() []model.ImageSegment {
	return r.segments
}

// Stack returns a copy of tid's currently reconstructed Python stack.
func (r *Reader) Stack(tid model.ThreadID) []model.FrameID {
	cur := r.stacks[tid]
	out := make([]model.FrameID, len(cur))
	copy(out, cur)
	return out
}

// NextRecord parses and returns the next record, updating reconstructed
// state as a side effect. Once it returns KindError or KindEndOfFile, all
// further calls return the same terminal result (spec 7).
func (r *Reader) NextRecord() Record {
	for {
		if r.closed {
			if r.terminalErr != nil {
				return Record{Kind: KindError, Err: r.terminalErr}
			}
			return Record{Kind: KindEndOfFile}
		}

		rec, advance := r.readOne()
		if advance {
			continue
		}
		return rec
	}
}

// readOne parses a single tag. advance is true for tags that only update
// internal bookkeeping (thread markers, frame push/pop, interning,
// mappings) and have no Record of their own to return.
func (r *Reader) readOne() (rec Record, advance bool) {
	tagByte, err := r.src.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.closed = true
			return Record{Kind: KindEndOfFile}, false
		}
		return r.fail(fmt.Errorf("record: read tag: %w", err)), false
	}
	tag := wire.Tag(tagByte)
	if !tag.Valid() {
		return r.fail(fmt.Errorf("%w: unknown tag 0x%x", ErrTruncated, tagByte)), false
	}

	switch tag {
	case wire.TagThreadChange:
		tid, err := wire.ReadUvarint(r.src)
		if err != nil {
			return r.fail(fmt.Errorf("record: thread change: %w", err)), false
		}
		r.currentTid = model.ThreadID(tid)
		r.haveTid = true
		return Record{}, true

	case wire.TagFramePush:
		frameID, err := wire.ReadUvarint(r.src)
		if err != nil {
			return r.fail(fmt.Errorf("record: frame push: %w", err)), false
		}
		r.stacks[r.currentTid] = append(r.stacks[r.currentTid], model.FrameID(frameID))
		r.lastFrame[r.currentTid] = frameID
		return Record{}, true

	case wire.TagFramePop:
		stack := r.stacks[r.currentTid]
		if len(stack) > 0 {
			r.stacks[r.currentTid] = stack[:len(stack)-1]
		}
		return Record{}, true

	case wire.TagCodeObjectInfo:
		info, err := r.readCodeObject()
		if err != nil {
			return r.fail(err), false
		}
		r.interner.InternIfNew(info)
		return Record{}, true

	case wire.TagMappings:
		if err := r.readMappings(); err != nil {
			return r.fail(err), false
		}
		return Record{}, true

	case wire.TagAllocationRecord:
		alloc, err := r.readAllocation()
		if err != nil {
			return r.fail(err), false
		}
		r.lastAllocation = alloc
		return Record{Kind: KindAllocation, Allocation: alloc}, false

	case wire.TagFreeRecord:
		alloc, err := r.readFree()
		if err != nil {
			return r.fail(err), false
		}
		r.lastAllocation = alloc
		return Record{Kind: KindAllocation, Allocation: alloc}, false

	case wire.TagMemoryRecord:
		snap, err := r.readMemory()
		if err != nil {
			return r.fail(err), false
		}
		r.lastMemory = snap
		return Record{Kind: KindMemoryRecord, Memory: snap}, false

	case wire.TagMemorySnapshot:
		snap, err := r.readMemory()
		if err != nil {
			return r.fail(err), false
		}
		r.lastMemory = snap
		return Record{Kind: KindMemorySnapshot, Memory: snap}, false

	case wire.TagAggregatedAlloc:
		alloc, err := r.readAllocation()
		if err != nil {
			return r.fail(err), false
		}
		return Record{Kind: KindAggregatedAllocation, Allocation: alloc}, false

	case wire.TagContextSwitch:
		tid, err := wire.ReadUvarint(r.src)
		if err != nil {
			return r.fail(fmt.Errorf("record: context switch: %w", err)), false
		}
		r.currentTid = model.ThreadID(tid)
		r.haveTid = true
		return Record{}, true

	case wire.TagTrailer:
		if _, err := wire.ReadUvarint(r.src); err != nil {
			return r.fail(fmt.Errorf("record: trailer: %w", err)), false
		}
		r.closed = true
		return Record{Kind: KindEndOfFile}, false

	default:
		return r.fail(fmt.Errorf("%w: unhandled tag 0x%x", ErrTruncated, tag)), false
	}
}

func (r *Reader) fail(err error) Record {
	r.closed = true
	r.terminalErr = err
	return Record{Kind: KindError, Err: err}
}

func (r *Reader) readAllocation() (model.Allocation, error) {
	var a model.Allocation
	allocByte, err := r.src.ReadByte()
	if err != nil {
		return a, fmt.Errorf("record: allocation allocator: %w", err)
	}
	addr, err := wire.ReadUvarint(r.src)
	if err != nil {
		return a, fmt.Errorf("record: allocation address: %w", err)
	}
	size, err := wire.ReadUvarint(r.src)
	if err != nil {
		return a, fmt.Errorf("record: allocation size: %w", err)
	}
	nativeFrame, err := wire.ReadUvarint(r.src)
	if err != nil {
		return a, fmt.Errorf("record: allocation native frame: %w", err)
	}
	delta, err := wire.ReadVarint(r.src)
	if err != nil {
		return a, fmt.Errorf("record: allocation frame delta: %w", err)
	}
	last := r.lastFrame[r.currentTid]
	frameID := wire.ApplyFrameDelta(delta, last)
	if frameID != 0 {
		r.lastFrame[r.currentTid] = frameID
	}

	a.ThreadID = r.currentTid
	a.Allocator = model.AllocatorKind(allocByte)
	a.Address = addr
	a.Size = size
	a.NativeFrameID = nativeFrame
	a.PythonFrameID = model.FrameID(frameID)
	return a, nil
}

func (r *Reader) readFree() (model.Allocation, error) {
	var a model.Allocation
	allocByte, err := r.src.ReadByte()
	if err != nil {
		return a, fmt.Errorf("record: free allocator: %w", err)
	}
	addr, err := wire.ReadUvarint(r.src)
	if err != nil {
		return a, fmt.Errorf("record: free address: %w", err)
	}
	a.ThreadID = r.currentTid
	a.Allocator = model.AllocatorKind(allocByte)
	a.Address = addr
	return a, nil
}

func (r *Reader) readCodeObject() (model.CodeObjectInfo, error) {
	var info model.CodeObjectInfo
	frameID, err := wire.ReadUvarint(r.src)
	if err != nil {
		return info, fmt.Errorf("record: code object frame id: %w", err)
	}
	fn, err := wire.ReadString(r.src)
	if err != nil {
		return info, fmt.Errorf("record: code object function: %w", err)
	}
	file, err := wire.ReadString(r.src)
	if err != nil {
		return info, fmt.Errorf("record: code object file: %w", err)
	}
	firstLine, err := wire.ReadUvarint(r.src)
	if err != nil {
		return info, fmt.Errorf("record: code object first line: %w", err)
	}
	lineTable, err := wire.ReadBytes(r.src)
	if err != nil {
		return info, fmt.Errorf("record: code object line table: %w", err)
	}
	info.FrameID = model.FrameID(frameID)
	info.FunctionName = fn
	info.FileName = file
	info.FirstLine = uint32(firstLine)
	info.LineTableBlob = lineTable
	return info, nil
}

func (r *Reader) readMappings() error {
	generation, err := wire.ReadUvarint(r.src)
	if err != nil {
		return fmt.Errorf("record: mappings generation: %w", err)
	}
	count, err := wire.ReadUvarint(r.src)
	if err != nil {
		return fmt.Errorf("record: mappings count: %w", err)
	}
	for i := uint64(0); i < count; i++ {
		start, err := wire.ReadUvarint(r.src)
		if err != nil {
			return fmt.Errorf("record: mapping start: %w", err)
		}
		end, err := wire.ReadUvarint(r.src)
		if err != nil {
			return fmt.Errorf("record: mapping end: %w", err)
		}
		offset, err := wire.ReadUvarint(r.src)
		if err != nil {
			return fmt.Errorf("record: mapping offset: %w", err)
		}
		path, err := wire.ReadString(r.src)
		if err != nil {
			return fmt.Errorf("record: mapping path: %w", err)
		}
		r.segments = append(r.segments, model.ImageSegment{
			Generation: generation,
			Start:      start,
			End:        end,
			Offset:     offset,
			Path:       path,
		})
	}
	return nil
}

func (r *Reader) readMemory() (model.MemorySnapshot, error) {
	var snap model.MemorySnapshot
	ts, err := wire.ReadUvarint(r.src)
	if err != nil {
		return snap, fmt.Errorf("record: memory ts: %w", err)
	}
	rss, err := wire.ReadUvarint(r.src)
	if err != nil {
		return snap, fmt.Errorf("record: memory rss: %w", err)
	}
	heap, err := wire.ReadUvarint(r.src)
	if err != nil {
		return snap, fmt.Errorf("record: memory heap: %w", err)
	}
	snap.MonotonicTimeMs = ts
	snap.RSSBytes = rss
	snap.HeapSizeBytes = heap
	return snap, nil
}

// ResolveNativeFrame scans the image timeline for the most recent mapping
// at or before generation that contains ip, returning its path and the
// offset within it, or ok=false if none does (spec 4.7: "resolve ip -
// image_base to a symbol via the image's own symbol table ... or report
// ??"). Timelines stay small enough in practice (tens of loaded images)
// that a linear scan is sufficient.
func (r *Reader) ResolveNativeFrame(ip, generation uint64) (path string, offset uint64, ok bool) {
	for i := len(r.segments) - 1; i >= 0; i-- {
		seg := r.segments[i]
		if seg.Generation > generation {
			continue
		}
		if ip >= seg.Start && ip < seg.End {
			return seg.Path, ip - seg.Start + seg.Offset, true
		}
	}
	return "", 0, false
}
