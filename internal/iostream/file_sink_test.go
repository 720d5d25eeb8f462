package iostream

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileSinkWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.bin")

	sink, err := NewFileSink(FileSinkConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	payload := []byte("hello allocation record")
	if err := sink.WriteAll(payload); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestFileSinkSlidesRingWhenFull(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "large.bin")

	sink, err := NewFileSink(FileSinkConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	chunk := make([]byte, 1<<20) // 1 MiB
	for i := range chunk {
		chunk[i] = byte(i)
	}
	// Write enough chunks to force at least one ring slide (ringSize is 16 MiB).
	for i := 0; i < 20; i++ {
		if err := sink.WriteAll(chunk); err != nil {
			t.Fatalf("WriteAll iteration %d: %v", i, err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	want := int64(len(chunk) * 20)
	if info.Size() != want {
		t.Errorf("file size = %d, want %d", info.Size(), want)
	}
}

func TestFileSinkFailsTerminally(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "closed.bin")

	sink, err := NewFileSink(FileSinkConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	sink.f.Close() // force the next flush to fail

	if err := sink.WriteAll(make([]byte, ringSize+1)); err == nil {
		t.Fatal("expected WriteAll to fail after underlying file closed")
	}

	if err := sink.WriteAll([]byte("more")); err == nil {
		t.Fatal("expected sink to remain in a terminal failed state")
	}
}

func TestFileSinkCompressedClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.bin")

	sink, err := NewFileSink(FileSinkConfig{
		Path:       path,
		Compress:   true,
		Level:      3,
		Compressor: ZstdCompressor{},
	})
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if err := sink.WriteAll([]byte("compress me please, a repeated string, repeated string, repeated string")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(path + ".zst.tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should have been renamed away: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("final compressed file missing: %v", err)
	}
}

func TestFileSinkCloneInChildProcess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.bin")

	sink, err := NewFileSink(FileSinkConfig{Path: path})
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	if err := sink.WriteAll([]byte("parent bytes")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	child, err := sink.CloneInChildProcess()
	if err != nil {
		t.Fatalf("CloneInChildProcess: %v", err)
	}
	defer child.Close()

	if err := child.WriteAll([]byte("child bytes")); err != nil {
		t.Fatalf("child WriteAll: %v", err)
	}
	if err := child.Flush(); err != nil {
		t.Fatalf("child Flush: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "parent byteschild bytes"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
