package delegator

import (
	"net/netip"
	"time"
)

// TransferState is the state of one peer's reservation of a block
// (spec §3: "{queued, transferring, finished, dissimilar, dummy}").
type TransferState uint8

const (
	TransferQueued TransferState = iota
	TransferTransferring
	TransferFinished
	TransferDissimilar
	TransferDummy
)

// BlockTransfer is one peer's claim on a Block. Per spec §3 and the
// arena+generation guidance in spec §9 (breaking the
// BlockTransfer/Block/PeerInfo raw-pointer cycle), a BlockTransfer
// never holds a pointer back to its Block or to the owning peer
// struct: it is looked up by (PieceIndex, BlockIndex, PeerAddr) and
// carries a Seq that is bumped every time the slot is reused, so a
// caller holding a stale copy can detect it no longer refers to the
// live reservation.
type BlockTransfer struct {
	State      TransferState
	Position   uint32 // bytes received so far within the block
	PeerAddr   netip.AddrPort
	PieceIndex uint32
	BlockIndex uint32
	Seq        uint64
	startedAt  time.Time
}

// Block is one 16 KiB (or shorter, if last) slice of a piece in
// progress, with one BlockTransfer per peer currently reserving or
// filling it.
type Block struct {
	Index      uint32
	Begin      uint32
	Length     uint32
	owners     map[netip.AddrPort]*BlockTransfer
	nextSeq    uint64
	dissimilar map[netip.AddrPort]struct{}
}

func newBlock(index, begin, length uint32) *Block {
	return &Block{
		Index:  index,
		Begin:  begin,
		Length: length,
		owners: make(map[netip.AddrPort]*BlockTransfer, 2),
	}
}

// Finished reports whether any one of the block's transfers has
// finished (spec §3 invariant: "a block is finished iff any one of
// its transfers is finished").
func (b *Block) Finished() bool {
	for _, t := range b.owners {
		if t.State == TransferFinished {
			return true
		}
	}
	return false
}

// NonStalledTransferCount counts transfers not in TransferDissimilar
// state used for the endgame overlap cap (spec §8 property 5).
func (b *Block) NonStalledTransferCount() int {
	n := 0
	for _, t := range b.owners {
		if t.State != TransferDissimilar {
			n++
		}
	}
	return n
}

func (b *Block) reserve(peer netip.AddrPort, pieceIndex uint32) *BlockTransfer {
	b.nextSeq++
	t := &BlockTransfer{
		State:      TransferQueued,
		PeerAddr:   peer,
		PieceIndex: pieceIndex,
		BlockIndex: b.Index,
		Seq:        b.nextSeq,
		startedAt:  time.Now(),
	}
	b.owners[peer] = t
	return t
}

func (b *Block) release(peer netip.AddrPort) {
	delete(b.owners, peer)
}

// current returns peer's live transfer if seq still matches the one
// stored in owners — used to detect a BlockTransfer pointer held
// across a release/re-reserve cycle (spec §9's generation counter): a
// caller that captured a transfer before the slot was released and
// reused sees its Seq no longer match and knows not to act on it.
func (b *Block) current(peer netip.AddrPort, seq uint64) (*BlockTransfer, bool) {
	t, ok := b.owners[peer]
	if !ok || t.Seq != seq {
		return nil, false
	}
	return t, true
}

func (b *Block) transferring(t *BlockTransfer) {
	t.State = TransferTransferring
}

// noteDissimilar records that peer's bytes disagreed with another
// peer's for this block (spec §4.E transfer_dissimilar).
func (b *Block) noteDissimilar(peer netip.AddrPort) {
	if b.dissimilar == nil {
		b.dissimilar = make(map[netip.AddrPort]struct{})
	}
	b.dissimilar[peer] = struct{}{}
}

// BlockList is the set of Blocks for one piece currently in progress
// (spec §3: "a piece in progress is a BlockList").
type BlockList struct {
	PieceIndex uint32
	Priority   int // 0 = off, 1 = normal, 2 = high
	BySeeder   bool
	Blocks     []*Block
}

func newBlockList(pieceIndex uint32, pieceLen uint32, priority int, bySeeder bool) *BlockList {
	count, _ := BlockCountForPiece(pieceLen)
	blocks := make([]*Block, count)
	for i := uint32(0); i < count; i++ {
		begin, length, _ := BlockBounds(pieceLen, i)
		blocks[i] = newBlock(i, begin, length)
	}
	return &BlockList{PieceIndex: pieceIndex, Priority: priority, BySeeder: bySeeder, Blocks: blocks}
}

// AllFinished reports whether every block in the list has finished.
func (bl *BlockList) AllFinished() bool {
	for _, b := range bl.Blocks {
		if !b.Finished() {
			return false
		}
	}
	return true
}

// TransferList is the in-flight collection of BlockLists, keyed by
// piece index. It exclusively owns its BlockLists (spec §3 ownership
// summary).
type TransferList struct {
	lists map[uint32]*BlockList
}

func newTransferList() *TransferList {
	return &TransferList{lists: make(map[uint32]*BlockList)}
}

func (tl *TransferList) Get(pieceIndex uint32) (*BlockList, bool) {
	bl, ok := tl.lists[pieceIndex]
	return bl, ok
}

func (tl *TransferList) Has(pieceIndex uint32) bool {
	_, ok := tl.lists[pieceIndex]
	return ok
}

func (tl *TransferList) Add(bl *BlockList) {
	tl.lists[bl.PieceIndex] = bl
}

func (tl *TransferList) Remove(pieceIndex uint32) {
	delete(tl.lists, pieceIndex)
}

func (tl *TransferList) Len() int { return len(tl.lists) }

// All returns a stable-ish snapshot of the active block lists for
// iteration by delegate().
func (tl *TransferList) All() []*BlockList {
	out := make([]*BlockList, 0, len(tl.lists))
	for _, bl := range tl.lists {
		out = append(out, bl)
	}
	return out
}
