// Package reqlist implements spec §4.E, the per-peer request list:
// four FIFO buckets (queued, unordered, stalled, choked) tracking
// blocks a peer has promised, and the state transitions driven by
// incoming PIECE/CHOKE/UNCHOKE messages.
package reqlist

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/clock"
	"github.com/prxssh/rabbit/internal/delegator"
)

// Bucket identifies one of the four FIFOs.
type Bucket int

const (
	Queued Bucket = iota
	Unordered
	Stalled
	Choked
)

// counters is the (added, moved, removed, total) instrumentation
// quadruple spec §4.E requires per bucket, kept atomic since stats
// readers run concurrently with the main-thread mutations.
type counters struct {
	added, moved, removed atomic.Uint64
}

// entry is one outstanding reservation plus which bucket it currently
// sits in — reqlist borrows BlockTransfers from the shared
// delegator.TransferList (spec §3: "RequestList borrows BlockTransfers
// from the shared TransferList"). stalled is reqlist-local: whether a
// block transfer counts as stalled is about how long reqlist has been
// waiting on it, something the shared delegator has no business
// tracking.
type entry struct {
	transfer *delegator.BlockTransfer
	bucket   Bucket
	stalled  bool
}

// List is one peer's request list.
type List struct {
	mu        sync.Mutex
	clock     clock.Clock
	delegator *delegator.Delegator
	scheduler TimerScheduler

	buckets         [4][]*entry
	counters        [4]*counters
	transfer        *delegator.BlockTransfer // current in-flight "downloading" transfer
	transferStalled bool
	lastChoke       time.Time
	lastUnchk       time.Time
	chokeTimer      TimerHandle
}

// TimerScheduler is the minimal surface List needs from
// internal/scheduler's timer wheel: schedule a callback after d, and
// cancel it in O(log n) (spec §5: "priority_queue_erase ... removes
// them in O(log n) and is idempotent").
type TimerScheduler interface {
	After(d time.Duration, fn func()) TimerHandle
}

// TimerHandle cancels a scheduled timer; Cancel is idempotent.
type TimerHandle interface {
	Cancel()
}

func New(d *delegator.Delegator, sched TimerScheduler, clk clock.Clock) *List {
	l := &List{delegator: d, scheduler: sched, clock: clk}
	for i := range l.counters {
		l.counters[i] = &counters{}
	}
	return l
}

func (l *List) push(b Bucket, e *entry) {
	e.bucket = b
	l.buckets[b] = append(l.buckets[b], e)
	l.counters[b].added.Add(1)
}

func (l *List) removeAt(b Bucket, i int) *entry {
	bucket := l.buckets[b]
	e := bucket[i]
	l.buckets[b] = append(bucket[:i], bucket[i+1:]...)
	l.counters[b].removed.Add(1)
	return e
}

func (l *List) moveAll(from, to Bucket, mutate func(*entry)) {
	for _, e := range l.buckets[from] {
		if mutate != nil {
			mutate(e)
		}
		e.bucket = to
		l.buckets[to] = append(l.buckets[to], e)
		l.counters[to].moved.Add(1)
	}
	l.counters[from].removed.Add(uint64(len(l.buckets[from])))
	l.buckets[from] = l.buckets[from][:0]
}

// Delegate calls the global delegator; on success it pushes to
// queued and remembers the piece as affinity (the delegator already
// records affinity internally on success).
func (l *List) Delegate(peer delegator.PeerView) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.delegator.Delegate(peer)
	if !ok {
		return false
	}
	l.push(Queued, &entry{transfer: t})
	return true
}

// StallInitial destroys unordered, moves everything queued->unordered
// and marks each transfer stalled.
func (l *List) StallInitial() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counters[Unordered].removed.Add(uint64(len(l.buckets[Unordered])))
	l.buckets[Unordered] = l.buckets[Unordered][:0]

	l.moveAll(Queued, Unordered, func(e *entry) { e.stalled = true })
}

// StallProlonged marks the current in-flight transfer (if any) and
// every queued transfer as stalled, without moving them.
func (l *List) StallProlonged() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.transfer != nil {
		l.transferStalled = true
	}
	for _, e := range l.buckets[Queued] {
		e.stalled = true
	}
}

// Choked records last_choke, moves queued/unordered/stalled into
// choked, and schedules a 6s delayed removal if not already
// scheduled.
func (l *List) Choked() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastChoke = l.clock.Now()

	l.moveAll(Queued, Choked, nil)
	l.moveAll(Unordered, Choked, nil)
	l.moveAll(Stalled, Choked, nil)

	if l.chokeTimer == nil {
		l.chokeTimer = l.scheduler.After(6*time.Second, l.removeChoked)
	}
}

// Unchoked records last_unchoke, cancels the 6s removal, and if
// choked is non-empty schedules a 60s removal instead (grace period
// for in-flight pieces to still arrive).
func (l *List) Unchoked() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastUnchk = l.clock.Now()

	if l.chokeTimer != nil {
		l.chokeTimer.Cancel()
		l.chokeTimer = nil
	}

	if len(l.buckets[Choked]) > 0 {
		l.chokeTimer = l.scheduler.After(60*time.Second, l.removeChoked)
	}
}

func (l *List) removeChoked() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.buckets[Choked] {
		l.delegator.ReleaseTransfer(e.transfer.PieceIndex, e.transfer.BlockIndex, e.transfer.PeerAddr)
	}
	l.counters[Choked].removed.Add(uint64(len(l.buckets[Choked])))
	l.buckets[Choked] = l.buckets[Choked][:0]
	l.chokeTimer = nil
}

// Downloading handles an incoming PIECE message. See spec §4.E for
// the exact contract, including the zero-length "peer refuses" and
// "not found anywhere" dummy-transfer cases.
func (l *List) Downloading(pieceIndex, begin, length uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range []Bucket{Queued, Unordered, Stalled, Choked} {
		for i, e := range l.buckets[b] {
			if e.transfer.PieceIndex != pieceIndex {
				continue
			}
			// Blocks are MaxBlockLength-aligned except for a torrent's
			// final, possibly short, block, so begin/MaxBlockLength always
			// recovers the block index the peer is responding to.
			if e.transfer.BlockIndex != begin/delegator.MaxBlockLength {
				continue
			}

			if b == Queued {
				l.cancelPreceding(i)
			}

			e = l.removeAt(b, indexOf(l.buckets[b], e))
			l.transfer = e.transfer

			if length == 0 {
				// Peer refuses: release and install a dummy so byte
				// accounting still balances.
				l.delegator.ReleaseTransfer(pieceIndex, e.transfer.BlockIndex, e.transfer.PeerAddr)
				l.transfer = &delegator.BlockTransfer{
					State:      delegator.TransferDummy,
					PieceIndex: pieceIndex,
					BlockIndex: e.transfer.BlockIndex,
					PeerAddr:   e.transfer.PeerAddr,
				}
				return false
			}

			e.transfer.State = delegator.TransferTransferring
			return true
		}
	}

	// Not found anywhere: install a dummy transfer that silently
	// absorbs the bytes.
	l.transfer = &delegator.BlockTransfer{State: delegator.TransferDummy, PieceIndex: pieceIndex}
	return false
}

func indexOf(s []*entry, target *entry) int {
	for i, e := range s {
		if e == target {
			return i
		}
	}
	return -1
}

// cancelPreceding drains unordered of invalid transfers, then for
// each queued entry before index i marks it stalled and moves it to
// unordered (or releases it if no longer valid).
func (l *List) cancelPreceding(i int) {
	l.counters[Unordered].removed.Add(uint64(len(l.buckets[Unordered])))
	l.buckets[Unordered] = l.buckets[Unordered][:0]

	for j := 0; j < i; j++ {
		e := l.buckets[Queued][j]
		e.stalled = true
		e.bucket = Unordered
		l.buckets[Unordered] = append(l.buckets[Unordered], e)
		l.counters[Unordered].moved.Add(1)
	}
	l.buckets[Queued] = l.buckets[Queued][i:]
}

// Finished requires a current in-flight transfer; hands it to the
// delegator's Finished and clears it.
func (l *List) Finished() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.transfer == nil {
		return
	}
	l.delegator.Finished(l.transfer)
	l.transfer = nil
	l.transferStalled = false
}

// Skipped releases the current transfer (connection dropped mid
// block).
func (l *List) Skipped() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.transfer == nil {
		return
	}
	l.delegator.ReleaseTransfer(l.transfer.PieceIndex, l.transfer.BlockIndex, l.transfer.PeerAddr)
	l.transfer = nil
	l.transferStalled = false
}

// TransferDissimilar replaces the current transfer with a dummy of
// the same length, advances its position, and asks the block to note
// the dissimilar peer.
func (l *List) TransferDissimilar(position uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.transfer == nil {
		return
	}

	l.delegator.NoteDissimilar(l.transfer.PieceIndex, l.transfer.BlockIndex, l.transfer.PeerAddr)

	dummy := *l.transfer
	dummy.State = delegator.TransferDummy
	dummy.Position = position
	l.transfer = &dummy
}

// CalculatePipeSize returns the desired outstanding-request count for
// the given observed transfer rate in KiB/s.
func (l *List) CalculatePipeSize(rateKiBs uint32, aggressive bool) uint32 {
	if aggressive {
		if rateKiBs < 10 {
			return rateKiBs/5 + 1
		}
		return rateKiBs/10 + 2
	}
	if rateKiBs < 20 {
		return rateKiBs + 2
	}
	return rateKiBs/5 + 18
}

// Counts returns the (added, moved, removed, total) instrumentation
// for a bucket.
func (l *List) Counts(b Bucket) (added, moved, removed, total uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.counters[b]
	return c.added.Load(), c.moved.Load(), c.removed.Load(), uint64(len(l.buckets[b]))
}

