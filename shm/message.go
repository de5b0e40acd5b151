package shm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// asyncQueueCapacity bounds the local handoff queue owned by a feeder or
// drainer goroutine.
const asyncQueueCapacity = 256

// wakeAll is passed to wake when every waiter on an address should be
// released (close, or any committed write).
const wakeAll = 1 << 30

// blockPollTimeout bounds each iteration of a blocking wait so that Close
// and drainer/feeder shutdown are observed promptly even on the portable
// (non-Linux) wait() fallback.
const blockPollTimeout = 20 * time.Millisecond

// MessageOptions bundles SharedMessage's read mode, write mode, and
// wait-for-readers policy configuration, passed to both CreateMessage and
// OpenMessage.
type MessageOptions struct {
	ReadMode  ReadMode
	WriteMode WriteMode
	Policy    WaitPolicy
}

// SharedMessage is a single-slot, versioned "latest value wins" broadcast
// register. One or more writers publish whole byte payloads; one or more
// readers observe each new version at most once.
type SharedMessage struct {
	region  *Region
	hdr     *messageHeader
	payload []byte
	opts    MessageOptions

	lastRead    uint64
	lastWritten uint64

	writerMu sync.Mutex

	// feederMu guards lazy feeder startup, writeAsync's send, and Close's
	// channel close.
	feederMu sync.Mutex
	feederCh chan []byte
	feederWG sync.WaitGroup
	enqueued uint64

	drainerCh   chan []byte
	drainerStop chan struct{}
	drainerWG   sync.WaitGroup

	// readerAttached gates hdr.readerCount: set the first time this handle
	// issues a Read, so a handle that only ever writes never inflates the
	// count the All() policy waits on.
	readerAttached uint32

	closeOnce sync.Once
}

// CreateMessage creates a new SharedMessage region of the given total size
// (header + payload capacity), zeroing it and publishing a fresh header.
func CreateMessage(name string, size int, opts MessageOptions) (*SharedMessage, error) {
	if size <= messageHeaderSize {
		return nil, fmt.Errorf("%w: size %d too small for header", ErrInvalidArgument, size)
	}
	region, err := CreateRegion(name, size, false)
	if err != nil {
		return nil, err
	}

	data := region.Bytes()
	clear(data)

	hdr := asMessageHeader(data)
	hdr.magic = magicMessage
	hdr.capacity = uint64(len(data) - messageHeaderSize)

	m := newMessage(region, hdr, opts)
	return m, nil
}

// OpenMessage opens an existing SharedMessage region, failing with
// ErrNotFound if absent and ErrIncompatibleRegion if the header does not
// match the SharedMessage protocol.
func OpenMessage(name string, opts MessageOptions) (*SharedMessage, error) {
	region, err := OpenRegion(name)
	if err != nil {
		return nil, err
	}

	data := region.Bytes()
	if len(data) < messageHeaderSize {
		region.Unmap()
		return nil, ErrIncompatibleRegion
	}
	hdr := asMessageHeader(data)
	if hdr.magic != magicMessage {
		region.Unmap()
		return nil, ErrIncompatibleRegion
	}

	// lastRead starts at zero, so a reader attaching mid-stream gets the
	// version current at its first Read (latest value wins).
	m := newMessage(region, hdr, opts)
	return m, nil
}

func newMessage(region *Region, hdr *messageHeader, opts MessageOptions) *SharedMessage {
	m := &SharedMessage{
		region:  region,
		hdr:     hdr,
		payload: region.Bytes()[messageHeaderSize:],
		opts:    opts,
	}
	if opts.ReadMode == ReadAsync {
		m.startDrainer()
	}
	return m
}

// ensureReaderAttached registers this handle in hdr.readerCount the first
// time it issues a Read, never on Create/Open. A handle that only ever
// writes must not count toward the readers the All() policy waits for.
func (m *SharedMessage) ensureReaderAttached() {
	if atomic.CompareAndSwapUint32(&m.readerAttached, 0, 1) {
		atomic.AddUint64(&m.hdr.readerCount, 1)
	}
}

// loadEvenSeq returns the current committed (even) writer_seq, spinning
// briefly past an in-progress write.
func loadEvenSeq(addr *uint64) uint64 {
	for {
		v := atomic.LoadUint64(addr)
		if v%2 == 0 {
			return v
		}
	}
}

func newRetryBackoff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Microsecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         1 * time.Millisecond,
	}
	b.Reset()
	return b
}

// Name returns the region's name.
func (m *SharedMessage) Name() string { return m.region.Name() }

// MemorySize returns the total mapped region size in bytes.
func (m *SharedMessage) MemorySize() int { return m.region.Size() }

// LastWrittenVersion returns the highest version this instance has
// committed (per-instance counter, not the shared header value — multiple
// writers may have advanced writer_seq further).
func (m *SharedMessage) LastWrittenVersion() uint64 { return atomic.LoadUint64(&m.lastWritten) }

// LastReadVersion returns the highest version this instance has observed
// via Read.
func (m *SharedMessage) LastReadVersion() uint64 { return atomic.LoadUint64(&m.lastRead) }

// IsClosed reports whether the region has been closed by some writer.
func (m *SharedMessage) IsClosed() bool { return atomic.LoadUint32(&m.hdr.closed) == 1 }

// IsNewVersionAvailable reports whether a version newer than the last one
// this instance read has been committed.
func (m *SharedMessage) IsNewVersionAvailable() bool {
	return loadEvenSeq(&m.hdr.writerSeq) != atomic.LoadUint64(&m.lastRead)
}

// Write publishes data as the next version. Under WriteSync it returns once
// the version is committed; under WriteAsync it enqueues onto a local
// bounded queue drained by a feeder goroutine and returns the local enqueue
// sequence number immediately (the shared version is not yet known to the
// caller at that point).
func (m *SharedMessage) Write(data []byte) (uint64, error) {
	if uint64(len(data)) > atomic.LoadUint64(&m.hdr.capacity) {
		return 0, ErrPayloadTooLarge
	}
	if m.opts.WriteMode == WriteAsync {
		return m.writeAsync(data)
	}
	return m.writeCommit(data)
}

func (m *SharedMessage) writeAsync(data []byte) (uint64, error) {
	// feederMu serialises lazy startup and this check-then-send against
	// Close's check-then-close: Close can only close m.feederCh once no
	// writeAsync call is mid-send, so a write can never land on a closed
	// channel, and m.feederCh is never read before its one writer has set it.
	m.feederMu.Lock()
	defer m.feederMu.Unlock()
	if atomic.LoadUint32(&m.hdr.closed) == 1 {
		return 0, ErrClosed
	}
	if m.feederCh == nil {
		m.startFeeder()
	}
	buf := append([]byte(nil), data...)
	m.feederCh <- buf
	return atomic.AddUint64(&m.enqueued, 1), nil
}

func (m *SharedMessage) startFeeder() {
	m.feederCh = make(chan []byte, asyncQueueCapacity)
	m.feederWG.Add(1)
	go func() {
		defer m.feederWG.Done()
		for buf := range m.feederCh {
			if _, err := m.writeCommit(buf); err != nil {
				// Region closed or corrupted: stop draining, remaining
				// queued writes are dropped once Write starts returning
				// the closed sentinel.
				return
			}
		}
	}()
}

// lockWriter serialises the claim-copy-commit sequence across every writer
// handle attached to this region, in this process and others, so concurrent
// writers never interleave a commit. The local mutex first rules out
// same-process contention without spinning; the CAS loop on hdr.writerLock
// is the process-shared mutex, since a Go sync.Mutex only ever coordinates
// goroutines within one process's address space.
func (m *SharedMessage) lockWriter() {
	m.writerMu.Lock()
	for !atomic.CompareAndSwapUint32(&m.hdr.writerLock, 0, 1) {
		time.Sleep(time.Microsecond * 10)
	}
}

func (m *SharedMessage) unlockWriter() {
	atomic.StoreUint32(&m.hdr.writerLock, 0)
	m.writerMu.Unlock()
}

// writeCommit implements the seqlock write protocol directly: claim the
// next (odd) version, copy the payload, then commit the next (even)
// version and wake waiting readers.
func (m *SharedMessage) writeCommit(data []byte) (uint64, error) {
	m.lockWriter()
	defer m.unlockWriter()

	if atomic.LoadUint32(&m.hdr.closed) == 1 {
		return 0, ErrClosed
	}
	if err := m.awaitReaders(); err != nil {
		return 0, err
	}

	v := atomic.LoadUint64(&m.hdr.writerSeq)
	atomic.StoreUint64(&m.hdr.writerSeq, v+1) // odd: write in progress

	copy(m.payload, data)
	atomic.StoreUint64(&m.hdr.payloadLen, uint64(len(data)))

	atomic.StoreUint64(&m.hdr.writerSeq, v+2) // even: commit
	atomic.StoreUint64(&m.hdr.versionAcks, 0)
	// waitWord mirrors writer_seq's low 32 bits so a reader's wait() call
	// atomically re-checks "has this changed since I snapshotted it"
	// instead of racing a bare counter.
	atomic.StoreUint32(&m.hdr.waitWord, uint32(v+2))
	wake(&m.hdr.waitWord, wakeAll)

	atomic.StoreUint64(&m.lastWritten, v+2)
	return v + 2, nil
}

// awaitReaders enforces the configured wait-for-readers policy before the
// caller (holding writerMu) may claim the next version.
func (m *SharedMessage) awaitReaders() error {
	for {
		if atomic.LoadUint32(&m.hdr.closed) == 1 {
			return ErrClosed
		}

		satisfied := false
		switch m.opts.Policy.kind {
		case PolicyAll:
			rc := atomic.LoadUint64(&m.hdr.readerCount)
			va := atomic.LoadUint64(&m.hdr.versionAcks)
			satisfied = rc == 0 || va >= rc
		case PolicyCount:
			if m.opts.Policy.k == 0 {
				satisfied = true
			} else {
				satisfied = atomic.LoadUint64(&m.hdr.versionAcks) >= uint64(m.opts.Policy.k)
			}
		}
		if satisfied {
			return nil
		}

		snap := atomic.LoadUint32(&m.hdr.ackWord)
		_ = wait(&m.hdr.ackWord, snap, blockPollTimeout)
	}
}

// Read returns the most recent version this instance has not yet observed.
// With block=false it returns (nil, nil) ("none"/WouldBlock) if no new
// version is available and the region is not closed. With block=true it
// parks until a new version is committed or the region closes.
func (m *SharedMessage) Read(block bool) ([]byte, error) {
	if m.opts.ReadMode == ReadAsync {
		return m.readAsync(block)
	}
	return m.readSync(block)
}

func (m *SharedMessage) readAsync(block bool) ([]byte, error) {
	if block {
		data, ok := <-m.drainerCh
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	}
	select {
	case data, ok := <-m.drainerCh:
		if !ok {
			return nil, ErrClosed
		}
		return data, nil
	default:
		return nil, nil
	}
}

func (m *SharedMessage) readSync(block bool) ([]byte, error) {
	m.ensureReaderAttached()
	b := newRetryBackoff()
	for {
		v1 := atomic.LoadUint64(&m.hdr.writerSeq)
		if v1%2 != 0 {
			// Write in progress: benign contention, back off and retry.
			time.Sleep(b.NextBackOff())
			continue
		}

		last := atomic.LoadUint64(&m.lastRead)
		if v1 == last {
			if atomic.LoadUint32(&m.hdr.closed) == 1 {
				return nil, ErrClosed
			}
			if !block {
				return nil, nil
			}
			_ = wait(&m.hdr.waitWord, uint32(v1), blockPollTimeout)
			continue
		}

		plen := atomic.LoadUint64(&m.hdr.payloadLen)
		buf := make([]byte, plen)
		copy(buf, m.payload[:plen])

		v2 := atomic.LoadUint64(&m.hdr.writerSeq)
		if v1 != v2 {
			// Torn read: a write committed mid-copy, retry from scratch.
			time.Sleep(b.NextBackOff())
			continue
		}

		atomic.StoreUint64(&m.lastRead, v1)
		atomicFetchMaxUint64(&m.hdr.readerAck, v1)
		// versionAcks counts acks of the current committed version regardless
		// of policy: All() waits for it to reach readerCount, Count(k) waits
		// for it to reach k. It is reset to 0 on every commit (writeCommit).
		atomic.AddUint64(&m.hdr.versionAcks, 1)
		// ackWord's value only needs to change on every ack so a writer's
		// wait(ack_word, snapshot) call re-checks meaningfully; the count
		// itself is irrelevant past that.
		atomic.AddUint32(&m.hdr.ackWord, 1)
		wake(&m.hdr.ackWord, 1)
		return buf, nil
	}
}

func (m *SharedMessage) startDrainer() {
	m.drainerCh = make(chan []byte, asyncQueueCapacity)
	m.drainerStop = make(chan struct{})
	m.drainerWG.Add(1)
	go func() {
		defer m.drainerWG.Done()
		defer close(m.drainerCh)
		for {
			select {
			case <-m.drainerStop:
				return
			default:
			}
			data, err := m.readSync(true)
			if err != nil {
				return
			}
			if data == nil {
				continue
			}
			select {
			case m.drainerCh <- data:
			case <-m.drainerStop:
				return
			}
		}
	}()
}

// Close publishes the closed flag, wakes every blocked reader/writer, joins
// any feeder/drainer goroutine, and unmaps this handle's mapping. It is
// idempotent and never unlinks the backing region.
func (m *SharedMessage) Close() error {
	var err error
	m.closeOnce.Do(func() {
		atomic.StoreUint32(&m.hdr.closed, 1)
		wake(&m.hdr.waitWord, wakeAll)
		wake(&m.hdr.ackWord, wakeAll)

		m.feederMu.Lock()
		feederCh := m.feederCh
		m.feederMu.Unlock()
		if feederCh != nil {
			close(feederCh)
			m.feederWG.Wait()
		}
		if m.drainerStop != nil {
			close(m.drainerStop)
			m.drainerWG.Wait()
		}

		if atomic.LoadUint32(&m.readerAttached) == 1 {
			atomicDecrUint64(&m.hdr.readerCount)
		}
		err = m.region.Unmap()
	})
	return err
}

func atomicFetchMaxUint64(addr *uint64, v uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if v <= old {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, v) {
			return
		}
	}
}

func atomicDecrUint64(addr *uint64) {
	for {
		old := atomic.LoadUint64(addr)
		if old == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, old-1) {
			return
		}
	}
}
