//go:build !giouring
// +build !giouring

package bgreader

import "fmt"

// newRealSocketRing is available when built with -tags giouring.
func newRealSocketRing(queueDepth uint32) (socketRing, error) {
	return nil, fmt.Errorf("giouring not enabled; build with -tags giouring")
}
