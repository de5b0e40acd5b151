package shm

// ReadMode selects how SharedMessage.Read observes new versions.
type ReadMode int

const (
	// ReadSync makes Read(block) call directly into the seqlock protocol.
	ReadSync ReadMode = iota
	// ReadAsync spawns a drainer goroutine on Open/Create that blocks on
	// the protocol and pushes each version into a bounded local handoff
	// queue; Read pops from that queue instead.
	ReadAsync
)

// WriteMode selects how SharedMessage.Write commits a version.
type WriteMode int

const (
	// WriteSync makes Write invoke the seqlock protocol directly and
	// return once the version is committed.
	WriteSync WriteMode = iota
	// WriteAsync enqueues onto a local bounded queue drained by a feeder
	// goroutine; Write returns immediately.
	WriteAsync
)

// WaitPolicyKind distinguishes the reader-wait policies a writer can
// observe before publishing a new version.
type WaitPolicyKind int

const (
	// PolicyAll waits for every currently-attached reader to ack the
	// previous version.
	PolicyAll WaitPolicyKind = iota
	// PolicyCount waits for exactly K acks of the previous version.
	PolicyCount
)

// WaitPolicy is a closed enumeration: All() or Count(k).
type WaitPolicy struct {
	kind WaitPolicyKind
	k    uint32
}

// All waits for every attached reader to ack the previous version before a
// write may publish the next one.
func All() WaitPolicy { return WaitPolicy{kind: PolicyAll} }

// Count waits for exactly k readers to ack the previous version. Count(0)
// is fire-and-forget: the writer never waits.
func Count(k uint32) WaitPolicy { return WaitPolicy{kind: PolicyCount, k: k} }
