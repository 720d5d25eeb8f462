package iostream

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// pipeBufSize mirrors PIPE_BUF on Linux, the buffering granularity spec 4.1
// specifies for the socket sink.
const pipeBufSize = 4096

// SocketSink streams records over a net.Conn, buffering writes in a
// PIPE_BUF-sized chunk and flushing whenever the buffer can't hold the next
// write, per spec 4.1.
type SocketSink struct {
	dial   func() (net.Conn, error)
	conn   net.Conn
	buf    []byte
	failed error
}

// NewSocketSink creates a sink that opens its connection lazily on first
// write, using dial to establish it.
func NewSocketSink(dial func() (net.Conn, error)) *SocketSink {
	return &SocketSink{dial: dial, buf: make([]byte, 0, pipeBufSize)}
}

func (s *SocketSink) ensureOpen() error {
	if s.conn != nil {
		return nil
	}
	conn, err := s.dial()
	if err != nil {
		return fmt.Errorf("iostream: open socket sink: %w", err)
	}
	s.conn = conn
	return nil
}

func (s *SocketSink) WriteAll(p []byte) error {
	if s.failed != nil {
		return s.failed
	}
	if err := s.ensureOpen(); err != nil {
		return s.fail(err)
	}
	for len(p) > 0 {
		room := pipeBufSize - len(s.buf)
		if room == 0 || len(p) > room {
			if err := s.drain(); err != nil {
				return s.fail(err)
			}
			room = pipeBufSize
		}
		n := len(p)
		if n > room {
			n = room
		}
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
	}
	return nil
}

func (s *SocketSink) drain() error {
	buf := s.buf
	for len(buf) > 0 {
		n, err := s.conn.Write(buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	s.buf = s.buf[:0]
	return nil
}

func (s *SocketSink) fail(err error) error {
	wrapped := &errSinkFailed{inner: err}
	s.failed = wrapped
	return wrapped
}

func (s *SocketSink) Seek(int64, int) error {
	return fmt.Errorf("iostream: socket sink does not support seek")
}

func (s *SocketSink) Flush() error {
	if s.failed != nil {
		return s.failed
	}
	if s.conn == nil {
		return nil
	}
	if err := s.drain(); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *SocketSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// CloneInChildProcess is not supported for socket sinks: a duplicated
// socket fd shared across fork would corrupt the single logical stream the
// peer expects, unlike a file which can be independently seeked.
func (s *SocketSink) CloneInChildProcess() (Sink, error) {
	return nil, fmt.Errorf("iostream: socket sink cannot be cloned across fork")
}

var _ Sink = (*SocketSink)(nil)
