//go:build linux

package shm

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// wait returns at once if *addr != expected; otherwise it parks the caller
// until another participant calls wake on addr or timeout elapses
// (timeout <= 0 means forever).
// Spurious wakeups are permitted, matching the Go runtime's own futex
// contract: "atomically, if *addr == val { sleep }; might be woken up
// spuriously".
//
// This is the direct Linux path: a real FUTEX_WAIT, process-shared by
// construction since addr lives in a region mapped MAP_SHARED by every
// participant.
func wait(addr *uint32, expected uint32, timeout time.Duration) error {
	if atomic.LoadUint32(addr) != expected {
		return nil
	}

	var tsPtr uintptr
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsPtr = uintptr(unsafe.Pointer(&ts))
	}

	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)),
		uintptr(unix.FUTEX_WAIT), uintptr(expected), tsPtr, 0, 0)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR && errno != unix.ETIMEDOUT {
		return ioErr("futex_wait", errno)
	}
	return nil
}

// wake wakes up to count waiters parked on addr.
func wake(addr *uint32, count int) {
	unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(addr)), uintptr(unix.FUTEX_WAKE), uintptr(count), 0, 0, 0)
}
