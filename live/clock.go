package live

import (
	"time"
)

// Schedules deferred callbacks. Production code uses `RealScheduler`;
// tests inject a scheduler whose time only moves when told to.
type Scheduler interface {
	// calls `f` after `d` on another goroutine.
	// The returned cancel reports whether the call was prevented.
	AfterFunc(d time.Duration, f func()) (cancel func() bool)
}

type realScheduler struct{}

func RealScheduler() Scheduler {
	return realScheduler{}
}

func (self realScheduler) AfterFunc(d time.Duration, f func()) func() bool {
	timer := time.AfterFunc(d, f)
	return timer.Stop
}
