package optimizer

import (
	"sync"
)

// VisibilityThreshold is the visible fraction at which a surface counts as
// seen.
const VisibilityThreshold = 0.5

// Surface emits the signals that suggest a user is about to start a
// conversation. Each On method returns a function that detaches the handler.
type Surface interface {
	OnPointerEnter(fn func()) (detach func())
	OnTouchStart(fn func()) (detach func())
	// ObserveVisibility calls fn each time the visible fraction rises to at
	// least threshold.
	ObserveVisibility(threshold float64, fn func()) (detach func())
}

// RegisterIntentTriggers calls onIntent when any signal fires on surface, at
// most once per intent cooldown. release detaches every handler and cancels
// the cooldown timer.
func (o *Optimizer) RegisterIntentTriggers(surface Surface, onIntent func()) (release func()) {
	if surface == nil || onIntent == nil {
		return func() {}
	}
	latch := NewLatch(o.clock, o.intentCooldown)
	trigger := func() {
		if latch.Trip() {
			onIntent()
		}
	}

	detachers := []func(){
		surface.OnPointerEnter(trigger),
		surface.OnTouchStart(trigger),
		surface.ObserveVisibility(VisibilityThreshold, trigger),
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, d := range detachers {
				d()
			}
			latch.Stop()
		})
	}
}

// Element is an in-process Surface driven by the caller, for example from
// terminal focus and resize events.
type Element struct {
	mu       sync.Mutex
	nextID   int
	pointer  map[int]func()
	touch    map[int]func()
	visible  map[int]*visibilityObserver
	lastSeen float64
}

type visibilityObserver struct {
	threshold float64
	fn        func()
}

// NewElement creates an Element that is not visible.
func NewElement() *Element {
	return &Element{
		pointer: make(map[int]func()),
		touch:   make(map[int]func()),
		visible: make(map[int]*visibilityObserver),
	}
}

func (e *Element) OnPointerEnter(fn func()) func() {
	return e.add(e.pointer, fn)
}

func (e *Element) OnTouchStart(fn func()) func() {
	return e.add(e.touch, fn)
}

func (e *Element) ObserveVisibility(threshold float64, fn func()) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.visible[id] = &visibilityObserver{threshold: threshold, fn: fn}
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.visible, id)
		e.mu.Unlock()
	}
}

// PointerEnter fires pointer-enter handlers.
func (e *Element) PointerEnter() { e.fire(e.pointer) }

// TouchStart fires touch-start handlers.
func (e *Element) TouchStart() { e.fire(e.touch) }

// SetVisibility records the visible fraction and notifies observers whose
// threshold was crossed upward.
func (e *Element) SetVisibility(ratio float64) {
	e.mu.Lock()
	prev := e.lastSeen
	e.lastSeen = ratio
	var fns []func()
	for _, obs := range e.visible {
		if prev < obs.threshold && ratio >= obs.threshold {
			fns = append(fns, obs.fn)
		}
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (e *Element) add(set map[int]func(), fn func()) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	set[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(set, id)
		e.mu.Unlock()
	}
}

func (e *Element) fire(set map[int]func()) {
	e.mu.Lock()
	fns := make([]func(), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
