package reqlist

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prxssh/rabbit/internal/clock"
	"github.com/prxssh/rabbit/internal/delegator"
)

type fakePeer struct {
	addr netip.AddrPort
	bits map[uint32]bool
}

func (f *fakePeer) Addr() netip.AddrPort { return f.addr }
func (f *fakePeer) IsSeeder() bool       { return false }
func (f *fakePeer) Has(i uint32) bool    { return f.bits[i] }

type fakeHandle struct{ cancelled bool }

func (h *fakeHandle) Cancel() { h.cancelled = true }

type fakeScheduler struct {
	scheduled []func()
}

func (s *fakeScheduler) After(d time.Duration, fn func()) TimerHandle {
	s.scheduled = append(s.scheduled, fn)
	return &fakeHandle{}
}

func newTestList(t *testing.T) (*List, *delegator.Delegator, *fakePeer) {
	state := delegator.NewDownloadState(1)
	state.SetNormalPriority(0, 1)
	d := delegator.New(1, func(uint32) uint32 { return 32768 }, state, 10, delegator.StrategyRarestFirst)
	peer := &fakePeer{addr: netip.MustParseAddrPort("127.0.0.1:1"), bits: map[uint32]bool{0: true}}
	l := New(d, &fakeScheduler{}, clock.NewFake(time.Unix(0, 0)))
	return l, d, peer
}

func TestDelegatePushesQueued(t *testing.T) {
	l, _, peer := newTestList(t)

	ok := l.Delegate(peer)
	require.True(t, ok)

	_, _, _, total := l.Counts(Queued)
	require.Equal(t, uint64(1), total)
}

func TestChokedMovesQueuedAndSchedulesRemoval(t *testing.T) {
	l, _, peer := newTestList(t)
	sched := l.scheduler.(*fakeScheduler)

	require.True(t, l.Delegate(peer))
	l.Choked()

	_, _, _, queuedTotal := l.Counts(Queued)
	_, _, _, chokedTotal := l.Counts(Choked)
	require.Equal(t, uint64(0), queuedTotal)
	require.Equal(t, uint64(1), chokedTotal)
	require.Len(t, sched.scheduled, 1)
}

func TestUnchokedCancelsTimerWhenEmpty(t *testing.T) {
	l, _, _ := newTestList(t)
	l.Choked()
	l.Unchoked()
	require.Nil(t, l.chokeTimer)
}

func TestDownloadingCompletesTransfer(t *testing.T) {
	l, _, peer := newTestList(t)
	require.True(t, l.Delegate(peer))

	ok := l.Downloading(0, 0, 16384)
	require.True(t, ok)
	require.NotNil(t, l.transfer)

	l.Finished()
	require.Nil(t, l.transfer)
}

func TestDownloadingUnknownBlockInstallsDummy(t *testing.T) {
	l, _, _ := newTestList(t)

	ok := l.Downloading(0, 0, 16384)
	require.False(t, ok)
	require.Equal(t, delegator.TransferDummy, l.transfer.State)
}

func TestCalculatePipeSize(t *testing.T) {
	l, _, _ := newTestList(t)

	require.Equal(t, uint32(7), l.CalculatePipeSize(5, false))
	require.Equal(t, uint32(22), l.CalculatePipeSize(20, false))
	require.Equal(t, uint32(2), l.CalculatePipeSize(5, true))
	require.Equal(t, uint32(3), l.CalculatePipeSize(12, true))
}
