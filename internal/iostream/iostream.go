// Package iostream implements the Sink/Source byte-stream abstractions
// consumed by the record writer and reader (spec components C1/C2). It
// follows the teacher's low-level, syscall-adjacent I/O idiom
// (internal/queue/runner.go's raw mmap/syscall handling) rather than
// reaching for bufio defaults: sinks and sources own their own ring buffers
// so hot-path writes from allocation hooks never allocate.
package iostream

import "io"

// Sink is the write side of the capture stream (spec 4.1).
type Sink interface {
	// WriteAll writes every byte of p or returns a non-nil error. Partial
	// writes are retried internally; EINTR is retried; any other error
	// puts the sink into a terminal failed state.
	WriteAll(p []byte) error

	// Seek repositions the sink, draining any buffered bytes first.
	Seek(offset int64, whence int) error

	// Flush pushes any buffered bytes through to the underlying resource.
	Flush() error

	// Close finalizes the sink: for a compressing file sink this encodes
	// the accumulated file and renames it into place atomically.
	Close() error

	// CloneInChildProcess returns a Sink for use by a forked child. The
	// parent and child never share buffers after this call.
	CloneInChildProcess() (Sink, error)
}

// Source is the read side of the replay stream (spec 4.2).
type Source interface {
	// Read fills buf completely or returns false on short read past EOF.
	Read(buf []byte) (ok bool, err error)

	// GetLine reads bytes up to and including delim, or until EOF.
	GetLine(delim byte) (line []byte, err error)

	// Close releases the underlying resource. A concurrent Close from
	// another goroutine is safe and causes in-flight reads to observe a
	// short read and IsOpen to return false.
	Close() error

	// IsOpen reports whether the source can still be read from.
	IsOpen() bool
}

// errSinkFailed marks a sink that must refuse all further writes after a
// write failure, per spec section 4.1 ("the sink enters a terminal failed
// state and refuses further writes").
type errSinkFailed struct{ inner error }

func (e *errSinkFailed) Error() string { return "iostream: sink failed: " + e.inner.Error() }
func (e *errSinkFailed) Unwrap() error { return e.inner }

// Compressor is the external block-compression collaborator consulted on
// sink close when compression is enabled (spec section 6).
type Compressor interface {
	Encode(w io.Writer, r io.Reader, level int) error
}
