package tui

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultBannerTTL is how long an error banner stays up.
const DefaultBannerTTL = 5 * time.Second

// Banner shows one transient message at a time and clears it after its TTL.
// A newer message replaces the current one and restarts the countdown.
type Banner struct {
	clock    clockwork.Clock
	ttl      time.Duration
	onChange func()

	mu    sync.Mutex
	text  string
	gen   uint64
	timer clockwork.Timer
}

// NewBanner creates an empty banner. onChange, if set, runs after every
// show and clear, outside the banner's lock.
func NewBanner(clock clockwork.Clock, ttl time.Duration, onChange func()) *Banner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultBannerTTL
	}
	return &Banner{clock: clock, ttl: ttl, onChange: onChange}
}

func (b *Banner) Show(text string) {
	b.mu.Lock()
	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.text = text
	b.timer = b.clock.AfterFunc(b.ttl, func() { b.expire(gen) })
	b.mu.Unlock()
	b.changed()
}

func (b *Banner) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// Clear removes the message now.
func (b *Banner) Clear() {
	b.mu.Lock()
	had := b.text != ""
	b.clearLocked()
	b.mu.Unlock()
	if had {
		b.changed()
	}
}

// Stop cancels a pending auto-clear without notifying.
func (b *Banner) Stop() {
	b.mu.Lock()
	b.clearLocked()
	b.mu.Unlock()
}

func (b *Banner) expire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.text = ""
	b.timer = nil
	b.mu.Unlock()
	b.changed()
}

func (b *Banner) clearLocked() {
	b.gen++
	b.text = ""
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Banner) changed() {
	if b.onChange != nil {
		b.onChange()
	}
}
