// Package scheduler implements spec.md §5's cancellable timer wheel:
// a pkg/heap.PriorityQueue ordered by deadline substitutes for
// priority_queue_erase, giving O(log n) cancellation that's
// idempotent by construction (see pkg/heap.PriorityQueue.Remove). It
// replaces the teacher's two incompatible scheduler drafts
// (PieceScheduler in scheduler.go, Scheduler in peer_event.go) —
// neither piece-picking nor socket-event plumbing belongs in a timer
// wheel; that logic now lives in internal/delegator and
// internal/reqlist.
package scheduler

import (
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/clock"
	"github.com/prxssh/rabbit/pkg/heap"
)

// TimerHandle cancels a scheduled callback; Cancel is idempotent and
// safe to call after the callback has already fired.
type TimerHandle interface {
	Cancel()
}

type timerEntry struct {
	deadline time.Time
	fn       func()
}

// Scheduler runs every scheduled callback, one at a time, in deadline
// order, on its own goroutine.
type Scheduler struct {
	clk clock.Clock

	mu   sync.Mutex
	pq   *heap.PriorityQueue[*timerEntry]
	wake chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New starts the scheduler's run loop. A nil clock uses real time.
func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.NewReal()
	}
	s := &Scheduler{
		clk:    clk,
		pq:     heap.NewPriorityQueue[*timerEntry](func(a, b *timerEntry) bool { return a.deadline.Before(b.deadline) }),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

type handle struct {
	s    *Scheduler
	item *heap.Item[*timerEntry]
}

func (h *handle) Cancel() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.pq.Remove(h.item)
}

// After schedules fn to run once, after d has elapsed, on the
// scheduler's own goroutine. The returned handle cancels it.
func (s *Scheduler) After(d time.Duration, fn func()) TimerHandle {
	s.mu.Lock()
	item := s.pq.EnqueueItem(&timerEntry{deadline: s.clk.Now().Add(d), fn: fn})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	return &handle{s: s, item: item}
}

func (s *Scheduler) run() {
	defer close(s.done)

	timer := s.clk.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		next, ok := s.pq.Peek()
		s.mu.Unlock()

		wait := time.Hour
		if ok {
			if d := next.deadline.Sub(s.clk.Now()); d > 0 {
				wait = d
			} else {
				wait = 0
			}
		}
		timer.Reset(wait)

		select {
		case <-s.closed:
			return
		case <-s.wake:
			continue
		case <-timer.C():
			s.fireDue()
		}
	}
}

// fireDue pops and runs every entry whose deadline has passed.
func (s *Scheduler) fireDue() {
	now := s.clk.Now()
	for {
		s.mu.Lock()
		next, ok := s.pq.Peek()
		if !ok || next.deadline.After(now) {
			s.mu.Unlock()
			return
		}
		entry, _ := s.pq.Dequeue()
		s.mu.Unlock()

		entry.fn()
	}
}

// Close stops the run loop; pending callbacks are discarded.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	<-s.done
}
