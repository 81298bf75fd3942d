// Package reveal implements the typewriter effect used to render assistant
// replies: a source string is disclosed one rune per tick until complete.
package reveal

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultSpeed is the per-rune delay used when no speed is configured.
const DefaultSpeed = 30 * time.Millisecond

// State is a point-in-time view of a reveal.
type State struct {
	SourceText     string
	Revealed       string
	RevealedLength int
	IsComplete     bool
	IsStreaming    bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithSpeed sets the per-rune delay. Non-positive values are ignored.
func WithSpeed(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.speed = d
		}
	}
}

// WithClock sets the clock used for ticking.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithOnUpdate registers a callback for intermediate reveal steps. It is not
// called for the empty state or for the final, complete state.
func WithOnUpdate(fn func(State)) Option {
	return func(e *Engine) {
		e.onUpdate = fn
	}
}

// WithOnComplete registers a callback invoked once per completed reveal, on
// its own goroutine.
func WithOnComplete(fn func()) Option {
	return func(e *Engine) {
		e.onComplete = fn
	}
}

// Engine reveals one source text at a time. A new source text supersedes the
// previous one and restarts from empty.
type Engine struct {
	clock      clockwork.Clock
	onUpdate   func(State)
	onComplete func()

	mu       sync.Mutex
	speed    time.Duration
	text     string
	runes    []rune
	revealed int
	complete bool
	fired    bool
	started  bool
	closed   bool

	// gen identifies the current source text; callbacks carrying an older
	// generation are dropped.
	gen    uint64
	ticker clockwork.Ticker
	stop   chan struct{}
}

// New creates an idle Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock: clockwork.NewRealClock(),
		speed: DefaultSpeed,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetText starts revealing text. Supplying the value already being revealed
// is a no-op; any other value abandons the in-flight reveal.
func (e *Engine) SetText(text string) {
	e.mu.Lock()
	if e.closed || (e.started && text == e.text) {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.stopLocked()
	e.gen++
	e.text = text
	e.runes = []rune(text)
	e.revealed = 0
	e.complete = false
	e.fired = false
	gen := e.gen

	if len(e.runes) == 0 {
		e.complete = true
		e.mu.Unlock()
		e.dispatchComplete(gen)
		return
	}

	ticker := e.clock.NewTicker(e.speed)
	stop := make(chan struct{})
	e.ticker = ticker
	e.stop = stop
	e.mu.Unlock()

	go e.run(gen, ticker, stop)
}

// SetSpeed changes the per-rune delay for the remaining runes. Progress
// already revealed is kept.
func (e *Engine) SetSpeed(d time.Duration) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if d == e.speed {
		return
	}
	e.speed = d
	if e.ticker != nil {
		e.ticker.Reset(d)
	}
}

// Speed returns the current per-rune delay.
func (e *Engine) Speed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// Finish reveals the whole source text immediately.
func (e *Engine) Finish() {
	e.mu.Lock()
	if e.closed || !e.started || e.complete {
		e.mu.Unlock()
		return
	}
	e.stopLocked()
	e.revealed = len(e.runes)
	e.complete = true
	gen := e.gen
	e.mu.Unlock()

	e.dispatchComplete(gen)
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Close stops ticking. A completion that has not fired yet never fires.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stopLocked()
}

func (e *Engine) run(gen uint64, ticker clockwork.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}

		state, done, ok := e.advance(gen)
		if !ok {
			return
		}
		if done {
			e.dispatchComplete(gen)
			return
		}
		e.notify(gen, state)
	}
}

// notify delivers an intermediate state unless its reveal was superseded or
// the engine closed after the state was taken.
func (e *Engine) notify(gen uint64, state State) {
	if e.onUpdate == nil || !e.current(gen) {
		return
	}
	e.onUpdate(state)
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed && gen == e.gen
}

func (e *Engine) advance(gen uint64) (State, bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || gen != e.gen || e.complete {
		return State{}, false, false
	}
	e.revealed++
	if e.revealed >= len(e.runes) {
		e.revealed = len(e.runes)
		e.complete = true
		e.ticker = nil
		e.stop = nil
		return e.snapshotLocked(), true, true
	}
	return e.snapshotLocked(), false, true
}

// dispatchComplete defers onComplete to a new goroutine so the handler may
// call back into the engine.
func (e *Engine) dispatchComplete(gen uint64) {
	e.mu.Lock()
	if e.onComplete == nil || e.closed || gen != e.gen || e.fired {
		e.mu.Unlock()
		return
	}
	e.fired = true
	fn := e.onComplete
	e.mu.Unlock()

	go func() {
		if e.current(gen) {
			fn()
		}
	}()
}

func (e *Engine) stopLocked() {
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
}

func (e *Engine) snapshotLocked() State {
	return State{
		SourceText:     e.text,
		Revealed:       string(e.runes[:e.revealed]),
		RevealedLength: e.revealed,
		IsComplete:     e.complete,
		IsStreaming:    !e.complete && e.revealed < len(e.runes),
	}
}
