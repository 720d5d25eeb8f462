package bgreader

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/ehrlich-b/tracemem/internal/iostream"
	"github.com/ehrlich-b/tracemem/internal/model"
	"github.com/ehrlich-b/tracemem/internal/record"
)

type memSink struct {
	buf *bytes.Buffer
}

func (s *memSink) WriteAll(p []byte) error {
	_, err := s.buf.Write(p)
	return err
}
func (s *memSink) Seek(offset int64, whence int) error {
	if offset == 0 && whence == 0 {
		s.buf.Reset()
	}
	return nil
}
func (s *memSink) Flush() error                               { return nil }
func (s *memSink) Close() error                                { return nil }
func (s *memSink) CloneInChildProcess() (iostream.Sink, error) { return &memSink{buf: &bytes.Buffer{}}, nil }

var _ iostream.Sink = (*memSink)(nil)

func buildStream(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := record.NewWriter(&memSink{buf: &buf}, model.Header{Version: model.CurrentVersion})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	allocs := []model.Allocation{
		{ThreadID: 1, Address: 0x10, Size: 64, Allocator: model.AllocatorMalloc, PythonFrameID: 1},
		{ThreadID: 1, Address: 0x20, Size: 128, Allocator: model.AllocatorMalloc, PythonFrameID: 1},
		{ThreadID: 1, Address: 0x10, Allocator: model.AllocatorFree},
	}
	for _, a := range allocs {
		if err := w.EmitAllocation(a); err != nil {
			t.Fatalf("EmitAllocation: %v", err)
		}
	}
	if err := w.WriteTrailer(); err != nil {
		t.Fatalf("WriteTrailer: %v", err)
	}
	return buf.Bytes()
}

func TestWorkerConsumesStreamAndReportsSnapshot(t *testing.T) {
	stream := buildStream(t)
	r, err := record.NewReader(bufio.NewReader(bytes.NewReader(stream)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	w := New(r, nil)
	w.Start()
	<-w.done // the stream ends in a trailer, so the worker exits on its own
	w.Stop()

	snap := w.SnapshotAllocationRecords(true)
	key := model.LocationKey{PythonFrameID: 1, ThreadID: 0}
	if snap[key].Count != 1 || snap[key].TotalBytes != 128 {
		t.Errorf("snapshot = %+v, want the one still-live allocation (128 bytes)", snap[key])
	}
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	stream := buildStream(t)
	r, err := record.NewReader(bufio.NewReader(bytes.NewReader(stream)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	w := New(r, nil)
	w.Start()

	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; worker likely deadlocked")
	}
}

func TestSyscallSocketRingImplementsInterface(t *testing.T) {
	ring, err := newSocketRing(8)
	if err != nil {
		t.Fatalf("newSocketRing: %v", err)
	}
	defer ring.Close()
	if _, ok := ring.(*syscallSocketRing); !ok {
		t.Errorf("default build should select the raw-syscall fallback ring, got %T", ring)
	}
}
