// Package delegator implements spec §4.D, the piece delegator:
// deciding which block to request from which peer, with affinity,
// priority ranges, seeder fast-path and endgame overlap.
package delegator

import (
	"net/netip"
	"sync"
)

const endgameOverlapCap = 4 // spec §4.D step 7 / §8 property 5 (at most 4 owners per block, including the new one)

// PeerView is what the delegator needs to know about a peer to pick a
// block for it; internal/peer.Peer satisfies this without the
// delegator importing the peer package (avoids an import cycle and
// matches spec §9's "typed event listener" style of decoupling).
type PeerView interface {
	Addr() netip.AddrPort
	IsSeeder() bool
	Has(pieceIndex uint32) bool
}

// PieceLenFunc returns the length of a given piece (the last piece is
// commonly shorter).
type PieceLenFunc func(pieceIndex uint32) uint32

type Delegator struct {
	mu sync.Mutex

	pieceCount uint32
	pieceLen   PieceLenFunc
	state      *DownloadState
	transfers  *TransferList
	avail      *availabilityBucket
	sel        *selector
	aggressive bool

	affinity map[netip.AddrPort]int64 // -1 = none

	// OnPieceComplete fires when every block of a BlockList finishes;
	// it triggers hashing (spec §4.D finished()).
	OnPieceComplete func(pieceIndex uint32)
	// OnChunkDisable fires from redo(); the selector re-schedules the
	// piece.
	OnChunkDisable func(pieceIndex uint32)
}

func New(pieceCount uint32, pieceLen PieceLenFunc, state *DownloadState, maxPeers int, strategy Strategy) *Delegator {
	avail := newAvailabilityBucket(int(pieceCount), maxPeers)
	return &Delegator{
		pieceCount: pieceCount,
		pieceLen:   pieceLen,
		state:      state,
		transfers:  newTransferList(),
		avail:      avail,
		sel:        newSelector(strategy, avail),
		affinity:   make(map[netip.AddrPort]int64),
	}
}

// SetAggressive toggles endgame mode (spec §4.D step 7 only fires
// when aggressive).
func (d *Delegator) SetAggressive(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aggressive = v
}

// OnPeerHave/OnPeerBitfield/OnPeerGone maintain availability.
func (d *Delegator) OnPeerHave(pieceIndex uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.avail.Move(int(pieceIndex), +1)
}

func (d *Delegator) OnPeerBitfield(has func(i uint32) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := uint32(0); i < d.pieceCount; i++ {
		if has(i) {
			d.avail.Move(int(i), +1)
		}
	}
}

func (d *Delegator) OnPeerGone(peer netip.AddrPort, had func(i uint32) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.affinity, peer)
	for i := uint32(0); i < d.pieceCount; i++ {
		if had(i) {
			d.avail.Move(int(i), -1)
		}
	}
}

func (d *Delegator) affinityOf(peer netip.AddrPort) int64 {
	if a, ok := d.affinity[peer]; ok {
		return a
	}
	return -1
}

// InvalidateAffinity clears a peer's affinity, e.g. after a hash
// failure on the piece it was last active on (spec §4.D step 1: "hash
// failure must invalidate affinity to avoid re-using bad peers").
func (d *Delegator) InvalidateAffinity(peer netip.AddrPort) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.affinity[peer] = -1
}

// Delegate implements the 7-step delegate() algorithm of spec §4.D,
// returning the first non-nil result.
func (d *Delegator) Delegate(peer PeerView) (*BlockTransfer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	addr := peer.Addr()

	// 1. Affinity.
	if aff := d.affinityOf(addr); aff >= 0 {
		if bl, ok := d.transfers.Get(uint32(aff)); ok {
			if t, ok := d.delegateFromPiece(bl, addr); ok {
				d.affinity[addr] = aff
				return t, true
			}
		}
	}

	// 2. Seeder fast path.
	if peer.IsSeeder() {
		for _, bl := range d.transfers.All() {
			if !bl.BySeeder {
				continue
			}
			if t, ok := d.delegateFromPiece(bl, addr); ok {
				d.affinity[addr] = int64(bl.PieceIndex)
				return t, true
			}
		}
		if t, idx, ok := d.newChunk(peer, true, true); ok {
			d.affinity[addr] = int64(idx)
			return t, true
		}
		if t, idx, ok := d.newChunk(peer, true, false); ok {
			d.affinity[addr] = int64(idx)
			return t, true
		}
	}

	// 3. High priority scan.
	for _, bl := range d.transfers.All() {
		if d.state.InHighPriority(bl.PieceIndex) && peer.Has(bl.PieceIndex) {
			if t, ok := d.delegateFromPiece(bl, addr); ok {
				d.affinity[addr] = int64(bl.PieceIndex)
				return t, true
			}
		}
	}

	// 4. New high-priority chunk.
	if t, idx, ok := d.newChunk(peer, false, true); ok {
		d.affinity[addr] = int64(idx)
		return t, true
	}

	// 5. Normal priority scan.
	for _, bl := range d.transfers.All() {
		if d.state.InNormalPriority(bl.PieceIndex) && peer.Has(bl.PieceIndex) {
			if t, ok := d.delegateFromPiece(bl, addr); ok {
				d.affinity[addr] = int64(bl.PieceIndex)
				return t, true
			}
		}
	}

	// 6. New normal chunk.
	if t, idx, ok := d.newChunk(peer, false, false); ok {
		d.affinity[addr] = int64(idx)
		return t, true
	}

	// 7. Endgame.
	if d.aggressive {
		if t, ok := d.delegateEndgame(peer); ok {
			return t, true
		}
	}

	return nil, false
}

// delegateFromPiece implements "Delegate from a piece": the first
// block with zero transfers is "fresh"; otherwise the first unfinished
// block that already has owners and that the peer isn't already on is
// "resume". Stall state is not consulted: a block whose transfers are
// still progressing is picked for resume just like a stalled one.
func (d *Delegator) delegateFromPiece(bl *BlockList, peer netip.AddrPort) (*BlockTransfer, bool) {
	var resume *Block

	for _, b := range bl.Blocks {
		if b.Finished() {
			continue
		}
		if len(b.owners) == 0 {
			return b.reserve(peer, bl.PieceIndex), true
		}
		if resume == nil {
			if _, already := b.owners[peer]; !already {
				resume = b
			}
		}
	}

	if resume != nil {
		return resume.reserve(peer, bl.PieceIndex), true
	}
	return nil, false
}

// newChunk asks the selector for a new piece, constrained to the
// given priority set (or ignoring priority entirely for the seeder
// fast path), and opens a fresh BlockList for it.
func (d *Delegator) newChunk(peer PeerView, ignorePriority, high bool) (*BlockTransfer, uint32, bool) {
	eligible := func(i uint32) bool {
		if d.state.IsCompleted(i) || d.transfers.Has(i) || !peer.Has(i) {
			return false
		}
		if ignorePriority {
			return true
		}
		if high {
			return d.state.InHighPriority(i)
		}
		return d.state.InNormalPriority(i)
	}

	idx, ok := d.sel.pick(d.pieceCount, eligible)
	if !ok {
		return nil, 0, false
	}

	if d.transfers.Has(idx) {
		panic("delegator: selector returned a piece already in the transfer list")
	}

	priority := 0
	if d.state.InHighPriority(idx) {
		priority = 2
	} else if d.state.InNormalPriority(idx) {
		priority = 1
	}

	bl := newBlockList(idx, d.pieceLen(idx), priority, peer.IsSeeder())
	d.transfers.Add(bl)
	d.state.MarkTouched(idx)

	t, ok := d.delegateFromPiece(bl, peer.Addr())
	return t, idx, ok
}

// delegateEndgame scans existing BlockLists (skipping off-priority
// ones), picking the block with the fewest non-stalled overlapping
// transfers, capped at endgameOverlapCap simultaneous peers.
func (d *Delegator) delegateEndgame(peer PeerView) (*BlockTransfer, bool) {
	var best *Block
	var bestList *BlockList
	bestCount := endgameOverlapCap + 1

	for _, bl := range d.transfers.All() {
		if bl.Priority == 0 {
			continue
		}
		if !peer.Has(bl.PieceIndex) {
			continue
		}
		for _, b := range bl.Blocks {
			if b.Finished() {
				continue
			}
			if _, already := b.owners[peer.Addr()]; already {
				continue
			}
			n := b.NonStalledTransferCount()
			if n >= endgameOverlapCap {
				continue
			}
			if n < bestCount {
				best, bestList, bestCount = b, bl, n
			}
		}
	}

	if best == nil {
		return nil, false
	}
	return best.reserve(peer.Addr(), bestList.PieceIndex), true
}

// Finished marks transfer's block finished; if every block of its
// BlockList is finished, OnPieceComplete fires (spec §4.D finished()).
// transfer is a caller-held BlockTransfer that may have been reserved
// a while ago; its Seq is checked against the block's live owners
// entry so a slot released and re-reserved since then is recognized
// as stale and ignored rather than mutated out from under its new
// owner.
func (d *Delegator) Finished(transfer *BlockTransfer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bl, ok := d.transfers.Get(transfer.PieceIndex)
	if !ok || int(transfer.BlockIndex) >= len(bl.Blocks) {
		return
	}

	live, ok := bl.Blocks[transfer.BlockIndex].current(transfer.PeerAddr, transfer.Seq)
	if !ok {
		return
	}

	live.State = TransferFinished

	if bl.AllFinished() && d.OnPieceComplete != nil {
		d.OnPieceComplete(bl.PieceIndex)
	}
}

// Done destroys the BlockList for index (spec §4.D done()); called
// once the piece has hashed successfully.
func (d *Delegator) Done(index uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transfers.Remove(index)
}

// Redo destroys the BlockList and notifies OnChunkDisable so the
// piece is re-selected (spec §4.D redo()); called on hash failure.
func (d *Delegator) Redo(index uint32) {
	d.mu.Lock()
	d.transfers.Remove(index)
	cb := d.OnChunkDisable
	d.mu.Unlock()

	if cb != nil {
		cb(index)
	}
}

// BlockListFor exposes the in-flight BlockList for a piece, used by
// the write path to look up a block once PIECE bytes arrive.
func (d *Delegator) BlockListFor(index uint32) (*BlockList, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transfers.Get(index)
}

// ReleaseTransfer removes peer's reservation on a block without
// marking it finished (used by reqlist.Skipped when a connection
// drops mid-block).
func (d *Delegator) ReleaseTransfer(pieceIndex, blockIndex uint32, peer netip.AddrPort) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bl, ok := d.transfers.Get(pieceIndex)
	if !ok || int(blockIndex) >= len(bl.Blocks) {
		return
	}
	bl.Blocks[blockIndex].release(peer)
}

// NoteDissimilar records that peer's bytes disagreed with another
// peer's supply for this block (spec §4.E transfer_dissimilar()).
func (d *Delegator) NoteDissimilar(pieceIndex, blockIndex uint32, peer netip.AddrPort) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bl, ok := d.transfers.Get(pieceIndex)
	if !ok || int(blockIndex) >= len(bl.Blocks) {
		return
	}
	bl.Blocks[blockIndex].noteDissimilar(peer)
}
