package bgreader

import "golang.org/x/sys/unix"

// syscallSocketRing is the raw-syscall fallback ring: a direct
// unix.Read per call, retried across EINTR, used whenever io_uring isn't
// available (the default build).
type syscallSocketRing struct{}

func newSyscallSocketRing() *syscallSocketRing {
	return &syscallSocketRing{}
}

func (r *syscallSocketRing) Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func (r *syscallSocketRing) Close() error { return nil }

var _ socketRing = (*syscallSocketRing)(nil)
