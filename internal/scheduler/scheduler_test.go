package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prxssh/rabbit/internal/clock"
)

func TestAfterFiresCallback(t *testing.T) {
	s := New(clock.NewReal())
	defer s.Close()

	fired := make(chan struct{})
	s.After(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestCancelPreventsCallback(t *testing.T) {
	s := New(clock.NewReal())
	defer s.Close()

	var fired atomic.Bool
	h := s.After(20*time.Millisecond, func() { fired.Store(true) })
	h.Cancel()

	time.Sleep(60 * time.Millisecond)
	require.False(t, fired.Load())
}

func TestCancelIsIdempotent(t *testing.T) {
	s := New(clock.NewReal())
	defer s.Close()

	h := s.After(time.Hour, func() {})
	h.Cancel()
	require.NotPanics(t, func() { h.Cancel() })
}

func TestFiresInDeadlineOrder(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	s := New(fc)
	defer s.Close()

	results := make(chan int, 3)
	s.After(30*time.Millisecond, func() { results <- 3 })
	s.After(10*time.Millisecond, func() { results <- 1 })
	s.After(20*time.Millisecond, func() { results <- 2 })

	// Give the run loop a moment to arm its timer against the first
	// deadline before advancing the fake clock.
	time.Sleep(20 * time.Millisecond)
	fc.Advance(10 * time.Millisecond)
	require.Equal(t, 1, <-results)

	fc.Advance(10 * time.Millisecond)
	require.Equal(t, 2, <-results)

	fc.Advance(10 * time.Millisecond)
	require.Equal(t, 3, <-results)
}
