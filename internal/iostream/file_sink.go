package iostream

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/tracemem/internal/logging"
)

// ringSize is the size of a FileSink's private ring buffer (spec 4.1: "owns
// a private 16 MiB ring").
const ringSize = 16 << 20

// FileSink buffers writes in a private ring and flushes through the kernel
// when the incoming chunk no longer fits the remainder of the ring. When
// compression is enabled, Close encodes the accumulated file and renames it
// atomically into place, mirroring the teacher's mmapQueues pattern of
// talking to the kernel directly rather than through a generic bufio.Writer.
type FileSink struct {
	f        *os.File
	path     string
	ring     []byte
	filled   int
	failed   error
	compress bool
	level    int
	comp     Compressor
}

// FileSinkConfig configures a FileSink.
type FileSinkConfig struct {
	Path       string
	Compress   bool
	Level      int
	Compressor Compressor
}

// NewFileSink creates (or truncates) the file at cfg.Path.
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("iostream: open sink file %s: %w", cfg.Path, err)
	}
	return &FileSink{
		f:        f,
		path:     cfg.Path,
		ring:     make([]byte, 0, ringSize),
		compress: cfg.Compress,
		level:    cfg.Level,
		comp:     cfg.Compressor,
	}, nil
}

func (s *FileSink) WriteAll(p []byte) error {
	if s.failed != nil {
		return s.failed
	}
	for len(p) > 0 {
		room := ringSize - len(s.ring)
		if room == 0 || len(p) > room {
			// Remainder of the ring can't hold the incoming chunk: slide
			// the filled portion through the kernel (spec 4.1).
			if err := s.drain(); err != nil {
				return s.fail(err)
			}
			room = ringSize
		}
		n := len(p)
		if n > room {
			n = room
		}
		s.ring = append(s.ring, p[:n]...)
		p = p[n:]
	}
	return nil
}

// drain writes the buffered ring contents through to the file, retrying on
// partial writes and EINTR as required by spec 4.1's socket-sink contract
// (the same retry discipline applies to the file sink's kernel write).
func (s *FileSink) drain() error {
	buf := s.ring
	for len(buf) > 0 {
		n, err := s.f.Write(buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	s.ring = s.ring[:0]
	return nil
}

func (s *FileSink) fail(err error) error {
	wrapped := &errSinkFailed{inner: err}
	s.failed = wrapped
	return wrapped
}

func (s *FileSink) Seek(offset int64, whence int) error {
	if s.failed != nil {
		return s.failed
	}
	if err := s.drain(); err != nil {
		return s.fail(err)
	}
	if _, err := s.f.Seek(offset, whence); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *FileSink) Flush() error {
	if s.failed != nil {
		return s.failed
	}
	if err := s.drain(); err != nil {
		return s.fail(err)
	}
	return s.f.Sync()
}

func (s *FileSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if !s.compress {
		return s.f.Close()
	}
	return s.closeCompressed()
}

func (s *FileSink) closeCompressed() error {
	if s.comp == nil {
		logging.Default().Warn("compression requested but no compressor configured", "path", s.path)
		return s.f.Close()
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("iostream: seek for compression: %w", err)
	}
	tmpPath := s.path + ".zst.tmp"
	out, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("iostream: create compressed temp file: %w", err)
	}
	if err := s.comp.Encode(out, s.f, s.level); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("iostream: compress capture file: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	// Atomic rename into place so a reader never observes a half-written
	// compressed file (spec 4.1).
	return os.Rename(tmpPath, s.path)
}

// CloneInChildProcess duplicates the underlying file descriptor, opens a
// fresh ring, and seeks to end, per spec 4.1: "parent and child may not
// share buffers."
func (s *FileSink) CloneInChildProcess() (Sink, error) {
	fd, err := unix.Dup(int(s.f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("iostream: dup sink fd: %w", err)
	}
	f := os.NewFile(uintptr(fd), s.path)
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("iostream: seek cloned sink to end: %w", err)
	}
	return &FileSink{
		f:        f,
		path:     s.path,
		ring:     make([]byte, 0, ringSize),
		compress: s.compress,
		level:    s.level,
		comp:     s.comp,
	}, nil
}

var _ Sink = (*FileSink)(nil)
