//go:build giouring
// +build giouring

package bgreader

import (
	"fmt"

	"github.com/pawelgaczynski/giouring"
)

// giouringSocketRing implements socketRing on top of a real io_uring
// instance, submitting one read SQE per call and blocking on its
// completion queue entry. Built only with -tags giouring, mirroring the
// teacher's own opt-in pattern for an io_uring backend that isn't
// guaranteed to be present on every build machine.
type giouringSocketRing struct {
	ring *giouring.Ring
}

func newRealSocketRing(queueDepth uint32) (socketRing, error) {
	ring, err := giouring.CreateRing(queueDepth)
	if err != nil {
		return nil, fmt.Errorf("bgreader: create io_uring: %w", err)
	}
	return &giouringSocketRing{ring: ring}, nil
}

func (r *giouringSocketRing) Read(fd int, buf []byte) (int, error) {
	sqe := r.ring.GetSqe()
	if sqe == nil {
		return 0, fmt.Errorf("bgreader: submission queue full")
	}
	sqe.PrepRead(fd, buf, 0)

	if _, err := r.ring.Submit(); err != nil {
		return 0, fmt.Errorf("bgreader: submit read: %w", err)
	}

	cqe, err := r.ring.WaitCqe()
	if err != nil {
		return 0, fmt.Errorf("bgreader: wait completion: %w", err)
	}
	res := cqe.Res
	r.ring.CqeSeen(cqe)

	if res < 0 {
		return 0, fmt.Errorf("bgreader: read failed with errno %d", -res)
	}
	return int(res), nil
}

func (r *giouringSocketRing) Close() error {
	r.ring.QueueExit()
	return nil
}

var _ socketRing = (*giouringSocketRing)(nil)
