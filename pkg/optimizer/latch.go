package optimizer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Latch is a boolean that disarms itself a fixed cooldown after being
// scheduled.
type Latch struct {
	clock    clockwork.Clock
	cooldown time.Duration

	mu      sync.Mutex
	armed   bool
	stopped bool
	timer   clockwork.Timer
}

// NewLatch creates a disarmed latch.
func NewLatch(clock clockwork.Clock, cooldown time.Duration) *Latch {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Latch{clock: clock, cooldown: cooldown}
}

// Arm sets the latch. It reports false when the latch was already armed or
// has been stopped.
func (l *Latch) Arm() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.armed || l.stopped {
		return false
	}
	l.armed = true
	return true
}

// ScheduleReset disarms the latch once the cooldown elapses.
func (l *Latch) ScheduleReset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = l.clock.AfterFunc(l.cooldown, func() {
		l.mu.Lock()
		l.armed = false
		l.timer = nil
		l.mu.Unlock()
	})
}

// Trip arms the latch and schedules its reset in one step.
func (l *Latch) Trip() bool {
	if !l.Arm() {
		return false
	}
	l.ScheduleReset()
	return true
}

// Armed reports the current state.
func (l *Latch) Armed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.armed
}

// Stop cancels a pending reset. A stopped latch never arms again.
func (l *Latch) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
