package shm

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// QueueMode is reserved for future extension of SharedCircularQueue's
// attach-time configuration; try_read/blocking_read and try_write/
// blocking_write already expose both access patterns per handle, so the
// only mode currently defined is the default.
type QueueMode int

const QueueDefault QueueMode = 0

// SharedCircularQueue is a bounded multi-producer/multi-consumer FIFO of
// fixed-capacity byte elements over a single shared region.
type SharedCircularQueue struct {
	region        *Region
	hdr           *queueHeader
	elementStride uint64
	capacity      uint64

	closeOnce sync.Once
}

// CreateQueue creates (or reattaches to) a SharedCircularQueue named
// region. maxElementSize is the largest payload a single element may carry;
// capacity is the number of slots.
//
// If a region of this name already exists with a matching header (magic,
// element stride, capacity), it is treated as an open and its contents are
// trusted as-is. Otherwise a fresh region is created and zero-filled. A
// same-name region with an incompatible header is rejected with
// ErrIncompatibleRegion rather than silently overwritten.
func CreateQueue(name string, maxElementSize, capacity int, mode QueueMode) (*SharedCircularQueue, error) {
	if maxElementSize <= 0 || capacity <= 0 {
		return nil, ErrInvalidArgument
	}
	stride := uint64(maxElementSize) + 4
	cap64 := uint64(capacity)
	totalSize := queueHeaderSize + int(cap64*slotStride(stride))

	existing, err := OpenRegion(name)
	if err == nil {
		q, verr := attachExistingQueue(existing, stride, cap64)
		if verr != nil {
			existing.Unmap()
			return nil, verr
		}
		return q, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	region, err := CreateRegion(name, totalSize, false)
	if err != nil {
		return nil, err
	}
	data := region.Bytes()
	clear(data)

	hdr := asQueueHeader(data)
	hdr.magic = magicQueue
	hdr.elementStride = stride
	hdr.capacity = cap64

	return &SharedCircularQueue{region: region, hdr: hdr, elementStride: stride, capacity: cap64}, nil
}

// OpenQueue opens an existing SharedCircularQueue region.
func OpenQueue(name string, mode QueueMode) (*SharedCircularQueue, error) {
	region, err := OpenRegion(name)
	if err != nil {
		return nil, err
	}
	data := region.Bytes()
	if len(data) < queueHeaderSize {
		region.Unmap()
		return nil, ErrIncompatibleRegion
	}
	hdr := asQueueHeader(data)
	if hdr.magic != magicQueue {
		region.Unmap()
		return nil, ErrIncompatibleRegion
	}
	return &SharedCircularQueue{region: region, hdr: hdr, elementStride: hdr.elementStride, capacity: hdr.capacity}, nil
}

func attachExistingQueue(region *Region, wantStride, wantCapacity uint64) (*SharedCircularQueue, error) {
	data := region.Bytes()
	if len(data) < queueHeaderSize {
		return nil, ErrIncompatibleRegion
	}
	hdr := asQueueHeader(data)
	if hdr.magic != magicQueue || hdr.elementStride != wantStride || hdr.capacity != wantCapacity {
		return nil, ErrIncompatibleRegion
	}
	return &SharedCircularQueue{region: region, hdr: hdr, elementStride: hdr.elementStride, capacity: hdr.capacity}, nil
}

func (q *SharedCircularQueue) slotStatePtr(index uint64) *uint32 {
	off := slotOffset(q.region.Bytes(), index, q.elementStride)
	return (*uint32)(unsafe.Pointer(&q.region.Bytes()[off]))
}

func (q *SharedCircularQueue) slotData(index uint64) []byte {
	off := slotOffset(q.region.Bytes(), index, q.elementStride) + 4
	return q.region.Bytes()[off : off+int(q.elementStride)]
}

// TryWrite enqueues data without blocking. It returns (false, nil) if the
// ring is full and ErrPayloadTooLarge if data exceeds maxElementSize.
func (q *SharedCircularQueue) TryWrite(data []byte) (bool, error) {
	return q.enqueue(data, false)
}

// BlockingWrite enqueues data, parking while the ring is full.
func (q *SharedCircularQueue) BlockingWrite(data []byte) error {
	_, err := q.enqueue(data, true)
	return err
}

func (q *SharedCircularQueue) enqueue(data []byte, block bool) (bool, error) {
	maxLen := q.elementStride - 4
	if uint64(len(data)) > maxLen {
		return false, ErrPayloadTooLarge
	}

	ticket, err := q.claimProducerTicket(block)
	if err != nil {
		return false, err
	}
	if ticket == nil {
		return false, nil // full, non-blocking
	}

	idx := *ticket % q.capacity
	statePtr := q.slotStatePtr(idx)
	if err := q.waitSlotState(statePtr, slotEmpty, slotWriting); err != nil {
		return false, err
	}

	slot := q.slotData(idx)
	binary.LittleEndian.PutUint32(slot[0:4], uint32(len(data)))
	copy(slot[4:], data)

	atomic.StoreUint32(statePtr, slotReady)
	atomic.AddUint32(&q.hdr.notEmptyWord, 1)
	wake(&q.hdr.notEmptyWord, 1)
	return true, nil
}

func (q *SharedCircularQueue) claimProducerTicket(block bool) (*uint64, error) {
	for {
		if atomic.LoadUint32(&q.hdr.closed) == 1 {
			return nil, ErrClosed
		}
		tail := atomic.LoadUint64(&q.hdr.tail)
		head := atomic.LoadUint64(&q.hdr.head)
		if tail-head >= q.capacity {
			if !block {
				return nil, nil
			}
			snap := atomic.LoadUint32(&q.hdr.notFullWord)
			_ = wait(&q.hdr.notFullWord, snap, blockPollTimeout)
			continue
		}
		if atomic.CompareAndSwapUint64(&q.hdr.tail, tail, tail+1) {
			t := tail
			return &t, nil
		}
	}
}

// TryRead dequeues without blocking. It returns (nil, false, nil) if the
// ring is empty.
func (q *SharedCircularQueue) TryRead() ([]byte, bool, error) {
	return q.dequeue(false)
}

// BlockingRead dequeues, parking while the ring is empty.
func (q *SharedCircularQueue) BlockingRead() ([]byte, error) {
	data, _, err := q.dequeue(true)
	return data, err
}

func (q *SharedCircularQueue) dequeue(block bool) ([]byte, bool, error) {
	ticket, err := q.claimConsumerTicket(block)
	if err != nil {
		return nil, false, err
	}
	if ticket == nil {
		return nil, false, nil
	}

	idx := *ticket % q.capacity
	statePtr := q.slotStatePtr(idx)
	if err := q.waitSlotState(statePtr, slotReady, slotReading); err != nil {
		return nil, false, err
	}

	slot := q.slotData(idx)
	n := binary.LittleEndian.Uint32(slot[0:4])
	buf := make([]byte, n)
	copy(buf, slot[4:4+n])

	atomic.StoreUint32(statePtr, slotEmpty)
	atomic.AddUint32(&q.hdr.notFullWord, 1)
	wake(&q.hdr.notFullWord, 1)
	return buf, true, nil
}

func (q *SharedCircularQueue) claimConsumerTicket(block bool) (*uint64, error) {
	for {
		head := atomic.LoadUint64(&q.hdr.head)
		tail := atomic.LoadUint64(&q.hdr.tail)
		if head == tail {
			if atomic.LoadUint32(&q.hdr.closed) == 1 {
				return nil, ErrClosed
			}
			if !block {
				return nil, nil
			}
			snap := atomic.LoadUint32(&q.hdr.notEmptyWord)
			_ = wait(&q.hdr.notEmptyWord, snap, blockPollTimeout)
			continue
		}
		if atomic.CompareAndSwapUint64(&q.hdr.head, head, head+1) {
			h := head
			return &h, nil
		}
	}
}

// waitSlotState spins (sleeping 10µs between attempts) until the slot at statePtr is
// in "from" state, then CASes it to "to". A CAS miss here ordinarily means a
// producer/consumer is briefly behind its own ticket's turn, not an
// impossible state, since ticket arithmetic already guarantees this slot is
// the caller's to claim once it settles. But a state outside the
// EMPTY/WRITING/READY/READING enum can never resolve to "from" by any
// legal transition, so rather than spin on it forever it is reported as
// ErrCorrupted.
func (q *SharedCircularQueue) waitSlotState(statePtr *uint32, from, to uint32) error {
	for {
		if cur := atomic.LoadUint32(statePtr); cur > slotReading {
			return ErrCorrupted
		}
		if atomic.CompareAndSwapUint32(statePtr, from, to) {
			return nil
		}
		time.Sleep(time.Microsecond * 10)
	}
}

// ReadAll drains the ring via repeated non-blocking dequeues until empty.
func (q *SharedCircularQueue) ReadAll() ([][]byte, error) {
	var out [][]byte
	for {
		data, ok, err := q.TryRead()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, data)
	}
}

// Len returns tail-head, advisory only: under contention it may momentarily
// exceed capacity and is clamped for reporting.
func (q *SharedCircularQueue) Len() int {
	tail := atomic.LoadUint64(&q.hdr.tail)
	head := atomic.LoadUint64(&q.hdr.head)
	diff := tail - head
	if diff > q.capacity {
		diff = q.capacity
	}
	return int(diff)
}

// IsFull mirrors Len() >= capacity.
func (q *SharedCircularQueue) IsFull() bool { return uint64(q.Len()) >= q.capacity }

// IsClosed reports whether the region has been closed.
func (q *SharedCircularQueue) IsClosed() bool { return atomic.LoadUint32(&q.hdr.closed) == 1 }

// Name returns the region's name.
func (q *SharedCircularQueue) Name() string { return q.region.Name() }

// MemorySize returns the total mapped region size in bytes.
func (q *SharedCircularQueue) MemorySize() int { return q.region.Size() }

// Close publishes the closed flag, wakes every blocked producer/consumer,
// and unmaps this handle's mapping. Idempotent; never unlinks the region.
func (q *SharedCircularQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		atomic.StoreUint32(&q.hdr.closed, 1)
		wake(&q.hdr.notEmptyWord, wakeAll)
		wake(&q.hdr.notFullWord, wakeAll)
		err = q.region.Unmap()
	})
	return err
}
