package audio

import (
	"math"
	"sort"
	"sync"
)

type automationKind int

const (
	setValue automationKind = iota
	linearRamp
	exponentialRamp
)

type automationEvent struct {
	kind  automationKind
	time  float64
	value float64
}

// Param is an automatable value evaluated against context time. Events are
// kept sorted by time; ramps interpolate from the preceding event's value.
// Param is safe for concurrent use: automation is scheduled from control
// goroutines while the render goroutine reads ValueAt.
type Param struct {
	mu     sync.Mutex
	value  float64
	events []automationEvent
}

func NewParam(value float64) *Param {
	return &Param{value: value}
}

// SetValue sets the value immediately and drops all automation.
func (p *Param) SetValue(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = v
	p.events = p.events[:0]
}

func (p *Param) SetValueAtTime(v, t float64) {
	p.insert(automationEvent{kind: setValue, time: t, value: v})
}

func (p *Param) LinearRampToValueAtTime(v, t float64) {
	p.insert(automationEvent{kind: linearRamp, time: t, value: v})
}

// ExponentialRampToValueAtTime ramps exponentially. When either end of the
// ramp is not strictly positive the ramp degrades to linear.
func (p *Param) ExponentialRampToValueAtTime(v, t float64) {
	p.insert(automationEvent{kind: exponentialRamp, time: t, value: v})
}

// CancelScheduledValues removes every event at or after t.
func (p *Param) CancelScheduledValues(t float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].time >= t })
	p.events = p.events[:i]
}

func (p *Param) insert(e automationEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Events at equal times keep insertion order.
	i := sort.Search(len(p.events), func(i int) bool { return p.events[i].time > e.time })
	p.events = append(p.events, automationEvent{})
	copy(p.events[i+1:], p.events[i:])
	p.events[i] = e
}

// ValueAt evaluates the automation curve at time t.
func (p *Param) ValueAt(t float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := sort.Search(len(p.events), func(i int) bool { return p.events[i].time > t })

	t0, v0 := 0.0, p.value
	if next > 0 {
		prev := p.events[next-1]
		t0, v0 = prev.time, prev.value
	}
	if next == len(p.events) {
		return v0
	}
	e := p.events[next]
	switch e.kind {
	case linearRamp:
		return interpolateLinear(t0, v0, e.time, e.value, t)
	case exponentialRamp:
		if v0 <= 0 || e.value <= 0 {
			return interpolateLinear(t0, v0, e.time, e.value, t)
		}
		if e.time <= t0 {
			return e.value
		}
		return v0 * math.Pow(e.value/v0, (t-t0)/(e.time-t0))
	default:
		return v0
	}
}

func interpolateLinear(t0, v0, t1, v1, t float64) float64 {
	if t1 <= t0 {
		return v1
	}
	return v0 + (v1-v0)*(t-t0)/(t1-t0)
}
