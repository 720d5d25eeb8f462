package patch

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = uintptr(unix.Getpagesize())

// pageAlign rounds addr down to the start of its containing page.
func pageAlign(addr uintptr) uintptr {
	return addr &^ (pageSize - 1)
}

// memView returns a byte slice aliasing n bytes of live process memory
// starting at addr. The caller is responsible for ensuring the mapping is
// valid and, if writing, that mprotect has made it writable.
//
//go:nosplit
func memView(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// withWritableSlot makes the page containing addr read-write, runs fn, then
// sets the page's protection to restoreProt (typically PROT_READ or
// PROT_READ|PROT_EXEC). The protection the page had before the call is not
// read back.
func withWritableSlot(addr uintptr, restoreProt int, fn func()) error {
	page := memView(pageAlign(addr), int(pageSize))
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	fn()
	return unix.Mprotect(page, restoreProt)
}

// unixProtRX is the protection mask restored after patching a PLT/GOT slot
// that lives in an executable's relocation-writable (but otherwise
// read-execute) segment.
func unixProtRX() int {
	return unix.PROT_READ | unix.PROT_EXEC
}

// readSlot reads the 8-byte pointer-sized value at addr.
func readSlot(addr uintptr) uint64 {
	b := memView(addr, 8)
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// writeSlot overwrites the 8-byte pointer-sized value at addr.
func writeSlot(addr uintptr, v uint64) {
	b := memView(addr, 8)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
