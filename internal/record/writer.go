package record

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/ehrlich-b/tracemem/internal/iostream"
	"github.com/ehrlich-b/tracemem/internal/model"
	"github.com/ehrlich-b/tracemem/internal/wire"
)

// Writer owns a sink and the per-thread bookkeeping needed to serialize
// typed records to it (spec component C6).
type Writer struct {
	mu          sync.Mutex
	sink        iostream.Sink
	header      model.Header
	interner    *CodeObjectInterner
	currentTid  model.ThreadID
	haveTid     bool
	lastFrame   map[model.ThreadID]uint64
	recordCount uint64
	generation  uint64
}

// NewWriter constructs a Writer over sink, writes the initial header, and
// returns it ready to accept records.
func NewWriter(sink iostream.Sink, header model.Header) (*Writer, error) {
	w := &Writer{
		sink:      sink,
		header:    header,
		interner:  NewCodeObjectInterner(),
		lastFrame: make(map[model.ThreadID]uint64),
	}
	if err := w.WriteHeader(false); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteHeader (re)serializes the current header. If seekToStart is true
// the sink is seeked to 0 first, letting a caller patch in fields (like
// the fork split) discovered after the stream began.
func (w *Writer) WriteHeader(seekToStart bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeHeaderLocked(seekToStart)
}

func (w *Writer) writeHeaderLocked(seekToStart bool) error {
	if seekToStart {
		if err := w.sink.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("record: seek for header rewrite: %w", err)
		}
	}
	if err := w.sink.WriteAll(encodeHeader(w.header)); err != nil {
		return fmt.Errorf("record: write header: %w", err)
	}
	if seekToStart {
		// The patch above only touches the header prologue; every append
		// since NewWriter (CodeObjectInfo, mappings, allocations) must stay
		// reachable, so return the sink to its true end before resuming.
		if err := w.sink.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("record: seek to end after header rewrite: %w", err)
		}
	}
	return nil
}

// WriteTrailer finalizes the stream with the total record count.
func (w *Writer) WriteTrailer() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var buf bytes.Buffer
	buf.WriteByte(byte(wire.TagTrailer))
	buf.Write(wire.PutUvarint(nil, w.recordCount))
	return w.sink.WriteAll(buf.Bytes())
}

// ensureTidLocked emits a ThreadChange marker when tid differs from the
// writer's running "current tid" register (spec 4.6), so most
// thread-specific records can omit the tid entirely.
func (w *Writer) ensureTidLocked(tid model.ThreadID) error {
	if w.haveTid && w.currentTid == tid {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(wire.TagThreadChange))
	buf.Write(wire.PutUvarint(nil, uint64(tid)))
	if err := w.sink.WriteAll(buf.Bytes()); err != nil {
		return err
	}
	w.currentTid = tid
	w.haveTid = true
	w.recordCount++
	return nil
}

func (w *Writer) frameDeltaLocked(tid model.ThreadID, frameID model.FrameID) int64 {
	last := w.lastFrame[tid]
	delta := wire.FrameDelta(uint64(frameID), last)
	if frameID != 0 {
		w.lastFrame[tid] = uint64(frameID)
	}
	return delta
}

// EmitAllocation writes an AllocationRecord or FreeRecord, dispatching on
// whether the allocator is in the free subset (spec 3, 4.6).
func (w *Writer) EmitAllocation(a model.Allocation) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureTidLocked(a.ThreadID); err != nil {
		return err
	}

	var buf bytes.Buffer
	if a.Allocator.IsFree() {
		buf.WriteByte(byte(wire.TagFreeRecord))
		buf.WriteByte(byte(a.Allocator))
		buf.Write(wire.PutUvarint(nil, a.Address))
	} else {
		delta := w.frameDeltaLocked(a.ThreadID, a.PythonFrameID)
		buf.WriteByte(byte(wire.TagAllocationRecord))
		buf.WriteByte(byte(a.Allocator))
		buf.Write(wire.PutUvarint(nil, a.Address))
		buf.Write(wire.PutUvarint(nil, a.Size))
		buf.Write(wire.PutUvarint(nil, a.NativeFrameID))
		buf.Write(wire.PutVarint(nil, delta))
	}
	if err := w.sink.WriteAll(buf.Bytes()); err != nil {
		return fmt.Errorf("record: write allocation: %w", err)
	}
	w.recordCount++
	return nil
}

// EmitFramePush implements ghoststack.FrameEmitter, writing a FramePush
// record for tid.
func (w *Writer) EmitFramePush(tid int, frameID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	threadID := model.ThreadID(tid)
	if err := w.ensureTidLocked(threadID); err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(wire.TagFramePush))
	buf.Write(wire.PutUvarint(nil, frameID))
	if err := w.sink.WriteAll(buf.Bytes()); err != nil {
		return fmt.Errorf("record: write frame push: %w", err)
	}
	w.lastFrame[threadID] = frameID
	w.recordCount++
	return nil
}

// EmitFramePop writes a FramePop record for tid.
func (w *Writer) EmitFramePop(tid int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureTidLocked(model.ThreadID(tid)); err != nil {
		return err
	}
	if err := w.sink.WriteAll([]byte{byte(wire.TagFramePop)}); err != nil {
		return fmt.Errorf("record: write frame pop: %w", err)
	}
	w.recordCount++
	return nil
}

// WriteCodeObject emits a CodeObjectInfo record the first time info's
// frame id is seen; later calls for the same id are silently skipped.
func (w *Writer) WriteCodeObject(info model.CodeObjectInfo) error {
	if !w.interner.InternIfNew(info) {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf bytes.Buffer
	buf.WriteByte(byte(wire.TagCodeObjectInfo))
	buf.Write(wire.PutUvarint(nil, uint64(info.FrameID)))
	buf.Write(wire.PutString(nil, info.FunctionName))
	buf.Write(wire.PutString(nil, info.FileName))
	buf.Write(wire.PutUvarint(nil, uint64(info.FirstLine)))
	buf.Write(wire.PutBytes(nil, info.LineTableBlob))
	if err := w.sink.WriteAll(buf.Bytes()); err != nil {
		return fmt.Errorf("record: write code object: %w", err)
	}
	w.recordCount++
	return nil
}

// WriteMappings emits the current loaded-image layout at a new loader
// generation (spec 6's Mappings record).
func (w *Writer) WriteMappings(segments []model.ImageSegment) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.generation++

	var buf bytes.Buffer
	buf.WriteByte(byte(wire.TagMappings))
	buf.Write(wire.PutUvarint(nil, w.generation))
	buf.Write(wire.PutUvarint(nil, uint64(len(segments))))
	for _, seg := range segments {
		buf.Write(wire.PutUvarint(nil, seg.Start))
		buf.Write(wire.PutUvarint(nil, seg.End))
		buf.Write(wire.PutUvarint(nil, seg.Offset))
		buf.Write(wire.PutString(nil, seg.Path))
	}
	if err := w.sink.WriteAll(buf.Bytes()); err != nil {
		return fmt.Errorf("record: write mappings: %w", err)
	}
	w.recordCount++
	return nil
}

// WriteMemoryRecord emits a periodic process memory sample.
func (w *Writer) WriteMemoryRecord(snap model.MemorySnapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var buf bytes.Buffer
	buf.WriteByte(byte(wire.TagMemoryRecord))
	buf.Write(wire.PutUvarint(nil, snap.MonotonicTimeMs))
	buf.Write(wire.PutUvarint(nil, snap.RSSBytes))
	buf.Write(wire.PutUvarint(nil, snap.HeapSizeBytes))
	if err := w.sink.WriteAll(buf.Bytes()); err != nil {
		return fmt.Errorf("record: write memory record: %w", err)
	}
	w.recordCount++
	return nil
}

// SetMainTidAndSkippedFrames implements ghoststack.ForkRecorder. It
// updates the header fields a fresh child stream needs and rewrites the
// header in place (spec 4.5, 4.6).
func (w *Writer) SetMainTidAndSkippedFrames(mainTid int, skippedFrames []uint64) error {
	w.mu.Lock()
	w.header.MainTid = uint64(mainTid)
	w.header.SkippedFramesOnMain = uint32(len(skippedFrames))
	w.mu.Unlock()
	return w.WriteHeader(true)
}

// CloneInChildProcess flushes the current sink, clones it for the child,
// and constructs a new Writer over the clone whose header carries childPid
// and childTid, then re-emits every known CodeObjectInfo into it (spec
// 4.6). The child writer's tid register starts unset, so its first
// per-thread record is preceded by a ThreadChange marker. Image mappings
// written before the fork are not re-emitted.
func (w *Writer) CloneInChildProcess(childPid, childTid uint64) (*Writer, error) {
	w.mu.Lock()
	sink := w.sink
	header := w.header
	known := w.interner.All()
	w.mu.Unlock()

	if err := sink.Flush(); err != nil {
		return nil, fmt.Errorf("record: flush before clone: %w", err)
	}
	childSink, err := sink.CloneInChildProcess()
	if err != nil {
		return nil, fmt.Errorf("record: clone sink: %w", err)
	}

	header.Pid = childPid
	header.MainTid = childTid
	header.SkippedFramesOnMain = 0

	child, err := NewWriter(childSink, header)
	if err != nil {
		return nil, err
	}
	for _, info := range known {
		if err := child.WriteCodeObject(info); err != nil {
			return nil, fmt.Errorf("record: re-emit code object in child: %w", err)
		}
	}
	return child, nil
}

// Interner exposes the writer's CodeObjectInterner for callers (such as
// the background reader) that need to check what's already been sent.
func (w *Writer) Interner() *CodeObjectInterner {
	return w.interner
}

// Close flushes and closes the underlying sink.
func (w *Writer) Close() error {
	return w.sink.Close()
}
