package lifecycle

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Lifecycle tracks process start and readiness draining during graceful
// shutdown. The zero value is usable and reports no uptime.
type Lifecycle struct {
	clock   clockwork.Clock
	started time.Time

	draining  atomic.Bool
	drainedAt atomic.Int64
}

func New(clock clockwork.Clock) *Lifecycle {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Lifecycle{clock: clock, started: clock.Now()}
}

// SetDraining flips readiness. The first transition to draining is timestamped.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining && !l.draining.Swap(true) && l.clock != nil {
		l.drainedAt.Store(l.clock.Now().UnixNano())
		return
	}
	if !draining {
		l.draining.Store(false)
		l.drainedAt.Store(0)
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Uptime is the time since New.
func (l *Lifecycle) Uptime() time.Duration {
	if l == nil || l.clock == nil {
		return 0
	}
	return l.clock.Since(l.started)
}

// DrainingFor is how long the process has been draining, or zero.
func (l *Lifecycle) DrainingFor() time.Duration {
	if l == nil || l.clock == nil || !l.draining.Load() {
		return 0
	}
	at := l.drainedAt.Load()
	if at == 0 {
		return 0
	}
	return l.clock.Since(time.Unix(0, at))
}
