package tracemem

import (
	"fmt"
	"sync"

	"github.com/ehrlich-b/tracemem/internal/iostream"
)

// MockSink provides a mock implementation of iostream.Sink for testing.
// It buffers every write in memory at a tracked cursor position and
// tracks method calls for verification, useful for exercising a Tracker
// without touching the filesystem.
type MockSink struct {
	mu     sync.RWMutex
	buf    []byte
	pos    int
	closed bool

	writeCalls int
	seekCalls  int
	flushCalls int
	closeCalls int
	cloneCalls int
	failWrites bool
	failClones bool
}

// NewMockSink creates a new empty mock sink.
func NewMockSink() *MockSink {
	return &MockSink{}
}

// WriteAll implements iostream.Sink. Writes land at the sink's current
// cursor, overwriting in place when the cursor sits before the end (as
// after a Seek) rather than always appending, so a header patch followed
// by a seek back to the end behaves like a real file.
func (m *MockSink) WriteAll(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.closed {
		return ErrTrackerDisabled
	}
	if m.failWrites {
		return NewError("mock_sink_write", ErrCodeIoError, "mock sink configured to fail writes")
	}
	end := m.pos + len(p)
	if end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[m.pos:end], p)
	m.pos = end
	return nil
}

// Seek implements iostream.Sink, repositioning the write cursor without
// discarding any bytes already buffered past it. Writer.WriteHeader relies
// on whence 0 (rewind to rewrite the header in place) and whence 2 (return
// to the true end once the patch is done) per its fork-rewrite sequence.
func (m *MockSink) Seek(offset int64, whence int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seekCalls++
	var base int
	switch whence {
	case 0:
		base = 0
	case 1:
		base = m.pos
	case 2:
		base = len(m.buf)
	default:
		return fmt.Errorf("mock sink: unknown whence %d", whence)
	}
	newPos := base + int(offset)
	if newPos < 0 {
		return fmt.Errorf("mock sink: negative seek position %d", newPos)
	}
	m.pos = newPos
	return nil
}

// Flush implements iostream.Sink.
func (m *MockSink) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flushCalls++
	return nil
}

// Close implements iostream.Sink.
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeCalls++
	m.closed = true
	return nil
}

// CloneInChildProcess implements iostream.Sink, returning a fresh
// independent MockSink rather than sharing the parent's buffer, mirroring
// how a real fork-cloned sink points at a new destination.
func (m *MockSink) CloneInChildProcess() (iostream.Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cloneCalls++
	if m.failClones {
		return nil, NewError("mock_sink_clone", ErrCodeIoError, "mock sink configured to fail clones")
	}
	return NewMockSink(), nil
}

// Bytes returns a copy of everything written to the sink so far.
func (m *MockSink) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]byte, len(m.buf))
	copy(out, m.buf)
	return out
}

// IsClosed reports whether Close has been called.
func (m *MockSink) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// SetFailWrites controls whether WriteAll returns an error, for exercising
// the tracer's "absorb, count, continue" drop path (spec 7).
func (m *MockSink) SetFailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

// SetFailClones controls whether CloneInChildProcess returns an error, for
// exercising Tracker.OnFork's failure path.
func (m *MockSink) SetFailClones(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failClones = fail
}

// CallCounts returns the number of times each method has been called.
func (m *MockSink) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"write": m.writeCalls,
		"seek":  m.seekCalls,
		"flush": m.flushCalls,
		"close": m.closeCalls,
		"clone": m.cloneCalls,
	}
}

// Reset clears all call counters, failure toggles, and buffered bytes.
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buf = nil
	m.pos = 0
	m.closed = false
	m.writeCalls = 0
	m.seekCalls = 0
	m.flushCalls = 0
	m.closeCalls = 0
	m.cloneCalls = 0
	m.failWrites = false
	m.failClones = false
}

// MockObserver records every event it receives, for asserting a Tracker's
// allocation/free/drop callbacks fired with the expected values.
type MockObserver struct {
	mu          sync.Mutex
	allocations []uint64
	frees       int
	dropped     int
}

// NewMockObserver creates a new empty mock observer.
func NewMockObserver() *MockObserver {
	return &MockObserver{}
}

func (m *MockObserver) ObserveAllocation(size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations = append(m.allocations, size)
}

func (m *MockObserver) ObserveFree() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frees++
}

func (m *MockObserver) ObserveDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

// Allocations returns a copy of every allocation size observed, in order.
func (m *MockObserver) Allocations() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.allocations))
	copy(out, m.allocations)
	return out
}

// Frees returns the number of frees observed.
func (m *MockObserver) Frees() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frees
}

// Dropped returns the number of dropped records observed.
func (m *MockObserver) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Reset clears all recorded events.
func (m *MockObserver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocations = nil
	m.frees = 0
	m.dropped = 0
}

// Compile-time interface checks.
var (
	_ iostream.Sink = (*MockSink)(nil)
	_ Observer      = (*MockObserver)(nil)
)
