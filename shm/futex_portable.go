//go:build !linux

package shm

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// wait emulates the Linux futex contract with a bounded exponential-backoff
// poll loop. There is no portable, cgo-free way to place a
// PTHREAD_PROCESS_SHARED condvar inside a plain mmap region, so non-Linux
// builds degrade to polling: correctness (wait returns once *addr changes or
// wake was "called", spurious wakeup permitted) is preserved, latency is
// not.
func wait(addr *uint32, expected uint32, timeout time.Duration) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Microsecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         2 * time.Millisecond,
	}
	b.Reset()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for atomic.LoadUint32(addr) == expected {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil
		}
		time.Sleep(b.NextBackOff())
	}
	return nil
}

// wake is a no-op: pollers in wait re-check the address on their own
// schedule, so there is nothing to signal explicitly on this path.
func wake(addr *uint32, count int) {}
