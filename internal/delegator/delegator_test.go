package delegator

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	addr   netip.AddrPort
	seeder bool
	bits   map[uint32]bool
}

func (f *fakePeer) Addr() netip.AddrPort { return f.addr }
func (f *fakePeer) IsSeeder() bool       { return f.seeder }
func (f *fakePeer) Has(i uint32) bool    { return f.bits[i] }

func addr(port int) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
}

func newTestDelegator(pieceCount uint32, pieceLen uint32) *Delegator {
	state := NewDownloadState(pieceCount)
	state.SetNormalPriority(0, pieceCount)
	return New(pieceCount, func(uint32) uint32 { return pieceLen }, state, 10, StrategyRarestFirst)
}

func TestDelegateSingleBlockTorrent(t *testing.T) {
	d := newTestDelegator(1, 16384)
	peer := &fakePeer{addr: addr(1), bits: map[uint32]bool{0: true}}

	transfer, ok := d.Delegate(peer)
	require.True(t, ok)
	require.Equal(t, uint32(0), transfer.PieceIndex)
	require.Equal(t, uint32(0), transfer.BlockIndex)

	d.Finished(transfer)

	bl, ok := d.BlockListFor(0)
	require.True(t, ok)
	require.True(t, bl.AllFinished())
}

func TestDelegateNoSecondRequestSameBlock(t *testing.T) {
	d := newTestDelegator(1, 32768) // two blocks
	peer := &fakePeer{addr: addr(1), bits: map[uint32]bool{0: true}}

	t1, ok := d.Delegate(peer)
	require.True(t, ok)
	t2, ok := d.Delegate(peer)
	require.True(t, ok)
	require.NotEqual(t, t1.BlockIndex, t2.BlockIndex)
}

func TestEndgameOverlapCapped(t *testing.T) {
	d := newTestDelegator(1, 16384)
	d.SetAggressive(true)

	peerA := &fakePeer{addr: addr(1), bits: map[uint32]bool{0: true}}
	peerB := &fakePeer{addr: addr(2), bits: map[uint32]bool{0: true}}

	tA, ok := d.Delegate(peerA)
	require.True(t, ok)
	require.Equal(t, uint32(0), tA.BlockIndex)

	tB, ok := d.Delegate(peerB)
	require.True(t, ok)
	require.Equal(t, uint32(0), tB.BlockIndex) // same block, endgame overlap

	bl, _ := d.BlockListFor(0)
	require.LessOrEqual(t, bl.Blocks[0].NonStalledTransferCount(), endgameOverlapCap)
}

func TestRedoReEnablesPiece(t *testing.T) {
	d := newTestDelegator(1, 16384)
	peer := &fakePeer{addr: addr(1), bits: map[uint32]bool{0: true}}

	transfer, ok := d.Delegate(peer)
	require.True(t, ok)
	d.Finished(transfer)

	var disabled uint32
	d.OnChunkDisable = func(i uint32) { disabled = i }
	d.Redo(0)
	require.Equal(t, uint32(0), disabled)

	_, ok = d.BlockListFor(0)
	require.False(t, ok)

	again, ok := d.Delegate(peer)
	require.True(t, ok)
	require.Equal(t, uint32(0), again.PieceIndex)
}

func TestPriorityRanges(t *testing.T) {
	var pr PriorityRanges
	pr.Insert(0, 5)
	pr.Insert(5, 10)
	require.Len(t, pr.Ranges(), 1) // merged adjacent

	pr.Erase(3, 7)
	require.True(t, pr.Contains(2))
	require.False(t, pr.Contains(4))
	require.True(t, pr.Contains(8))
}
