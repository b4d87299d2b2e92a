package scheduler

import (
	"time"

	"github.com/prxssh/rabbit/internal/reqlist"
)

// ReqlistAdapter satisfies reqlist.TimerScheduler over a Scheduler.
// It exists because reqlist.TimerScheduler.After must return
// reqlist.TimerHandle specifically — a distinct named interface from
// scheduler.TimerHandle even though both have the same single method,
// so Scheduler itself can't satisfy reqlist.TimerScheduler directly.
type ReqlistAdapter struct {
	Scheduler *Scheduler
}

func (a ReqlistAdapter) After(d time.Duration, fn func()) reqlist.TimerHandle {
	return a.Scheduler.After(d, fn)
}
