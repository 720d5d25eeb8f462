package bgreader

// socketRing reads from a socket fd, through io_uring when built with
// -tags giouring and through a plain read syscall otherwise (spec 4.9,
// SPEC_FULL.md 11). Worker does not use it: the worker reads its stream
// through a record.Reader.
type socketRing interface {
	// Read submits an async read of len(buf) bytes from fd and blocks
	// until it completes, returning the number of bytes read.
	Read(fd int, buf []byte) (int, error)
	Close() error
}

// newSocketRing picks the best available ring for the current build: the
// real io_uring-backed ring when built with -tags giouring, a raw-syscall
// fallback otherwise.
func newSocketRing(queueDepth uint32) (socketRing, error) {
	if ring, err := newRealSocketRing(queueDepth); err == nil {
		return ring, nil
	}
	return newSyscallSocketRing(), nil
}
