// Package telemetry records client-side latency of the connection flow:
// named spans, point marks, a per-operation summary and a subscriber stream.
package telemetry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Span names used across the connection flow.
const (
	SpanFetchConfig         = "fetch_config"
	SpanSessionCreation     = "elevenlabs_session_creation"
	SpanWebsocketConnection = "websocket_connection"
	SpanFirstMessage        = "time_to_first_message"
	SpanTotalConnection     = "total_connection_time"
)

// DefaultSlowThreshold is the span duration above which a warning is logged.
const DefaultSlowThreshold = time.Second

// EventKind identifies a recorder event.
type EventKind string

const (
	EventStart EventKind = "start"
	EventEnd   EventKind = "end"
	EventMark  EventKind = "mark"
	EventSlow  EventKind = "slow"
	EventReset EventKind = "reset"
)

// Event is delivered to subscribers.
type Event struct {
	Kind     EventKind
	Name     string
	At       time.Time
	Duration time.Duration
	Attrs    map[string]any
}

// Timing is one span. Duration is zero until the span ends.
type Timing struct {
	Name     string
	Start    time.Time
	End      time.Time
	Duration time.Duration
	Attrs    map[string]any
	done     bool
}

// Operation is a row of a Summary.
type Operation struct {
	Name       string
	Duration   time.Duration
	Percentage float64
}

// Summary aggregates completed spans.
type Summary struct {
	Total      time.Duration
	Operations []Operation
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithSlowThreshold overrides DefaultSlowThreshold.
func WithSlowThreshold(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.slow = d
		}
	}
}

// Recorder is safe for concurrent use. A nil *Recorder discards everything,
// so components can take one optionally.
type Recorder struct {
	logger *slog.Logger
	clock  clockwork.Clock
	slow   time.Duration
	origin time.Time

	mu       sync.Mutex
	open     map[string]*Timing
	sequence []*Timing
	subs     map[int]func(Event)
	nextSub  int
	closed   bool
}

// New creates a Recorder.
func New(logger *slog.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		logger: logger,
		clock:  clockwork.NewRealClock(),
		slow:   DefaultSlowThreshold,
		open:   make(map[string]*Timing),
		subs:   make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.origin = r.clock.Now()
	return r
}

// StartSpan begins timing name. Starting a name that is already open
// replaces the open entry.
func (r *Recorder) StartSpan(name string, attrs map[string]any) {
	if r == nil {
		return
	}
	now := r.clock.Now()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	t := &Timing{Name: name, Start: now, Attrs: copyAttrs(attrs)}
	r.open[name] = t
	r.sequence = append(r.sequence, t)
	r.mu.Unlock()

	r.logger.Debug("span start", append([]any{"span", name}, attrArgs(attrs)...)...)
	r.emit(Event{Kind: EventStart, Name: name, At: now, Attrs: copyAttrs(attrs)})
}

// EndSpan finishes the open span called name, merging attrs into the span's
// attributes. It reports false when no such span is open.
func (r *Recorder) EndSpan(name string, attrs map[string]any) (time.Duration, bool) {
	if r == nil {
		return 0, false
	}
	now := r.clock.Now()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, false
	}
	t, ok := r.open[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("no timing entry for span", "span", name)
		return 0, false
	}
	delete(r.open, name)
	t.End = now
	t.Duration = now.Sub(t.Start)
	t.done = true
	for k, v := range attrs {
		if t.Attrs == nil {
			t.Attrs = make(map[string]any, len(attrs))
		}
		t.Attrs[k] = v
	}
	merged := copyAttrs(t.Attrs)
	d := t.Duration
	r.mu.Unlock()

	r.logger.Info("span end", append([]any{"span", name, "duration", d}, attrArgs(merged)...)...)
	r.emit(Event{Kind: EventEnd, Name: name, At: now, Duration: d, Attrs: merged})

	if d > r.slow {
		r.logger.Warn("slow operation", "span", name, "duration", d)
		r.emit(Event{Kind: EventSlow, Name: name, At: now, Duration: d, Attrs: copyAttrs(merged)})
	}
	return d, true
}

// Mark records a point in time relative to the recorder's creation.
func (r *Recorder) Mark(name string, attrs map[string]any) {
	if r == nil {
		return
	}
	now := r.clock.Now()
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	rel := now.Sub(r.origin)
	r.logger.Info("mark", append([]any{"mark", name, "relative", rel}, attrArgs(attrs)...)...)
	r.emit(Event{Kind: EventMark, Name: name, At: now, Duration: rel, Attrs: copyAttrs(attrs)})
}

// Timings returns completed spans in start order.
func (r *Recorder) Timings() []Timing {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Timing, 0, len(r.sequence))
	for _, t := range r.sequence {
		if !t.done {
			continue
		}
		cp := *t
		cp.Attrs = copyAttrs(t.Attrs)
		out = append(out, cp)
	}
	return out
}

// Durations returns the latest completed duration per span name.
func (r *Recorder) Durations() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, t := range r.Timings() {
		out[t.Name] = t.Duration
	}
	return out
}

// Summary totals completed spans and gives each one's share of the total.
func (r *Recorder) Summary() Summary {
	timings := r.Timings()
	var s Summary
	for _, t := range timings {
		s.Total += t.Duration
	}
	s.Operations = make([]Operation, 0, len(timings))
	for _, t := range timings {
		op := Operation{Name: t.Name, Duration: t.Duration}
		if s.Total > 0 {
			op.Percentage = float64(t.Duration) / float64(s.Total) * 100
		}
		s.Operations = append(s.Operations, op)
	}
	return s
}

// LogSummary writes Summary to the recorder's logger.
func (r *Recorder) LogSummary() Summary {
	s := r.Summary()
	if r == nil {
		return s
	}
	for _, op := range s.Operations {
		r.logger.Info("operation", "span", op.Name, "duration", op.Duration, "percentage", op.Percentage)
	}
	r.logger.Info("total time", "duration", s.Total)
	return s
}

// Reset clears every span, open or completed.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.open = make(map[string]*Timing)
	r.sequence = nil
	r.mu.Unlock()

	r.logger.Debug("telemetry reset")
	r.emit(Event{Kind: EventReset, At: r.clock.Now()})
}

// Subscribe registers fn for every subsequent event. fn runs on the
// recording goroutine and must not block.
func (r *Recorder) Subscribe(fn func(Event)) (unsubscribe func()) {
	if r == nil || fn == nil {
		return func() {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Close stops recording and drops every subscriber.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.subs = make(map[int]func(Event))
}

func (r *Recorder) emit(ev Event) {
	r.mu.Lock()
	if r.closed || len(r.subs) == 0 {
		r.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func copyAttrs(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func attrArgs(attrs map[string]any) []any {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, attrs[k])
	}
	return args
}
