// Package shm implements the shared-memory IPC core: a named region
// allocator, a futex-like cross-process wait word, a versioned
// "latest value wins" broadcast slot (SharedMessage), and a bounded
// multi-producer/multi-consumer ring (SharedCircularQueue).
//
// Every type in this package maps a single OS-backed shared memory region
// (see Region) and speaks one of two wire protocols over it. Nothing here
// depends on a particular caller's threading model; all synchronization is
// via atomics and the wait word in WaitWord/WakeWord, so the same region may
// be mapped by any number of cooperating processes.
package shm
