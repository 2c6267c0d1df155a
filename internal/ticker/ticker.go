// Package ticker produces the periodic wake-ups that drive the transport.
//
// A Ticker owns exactly one ClockSource at a time. The worker source runs on a
// dedicated goroutine locked to its own OS thread and posts tick messages, so
// the period holds up even when the caller's goroutines are busy. The timer
// source reschedules itself with time.AfterFunc. The offline source never
// fires; the owner ticks by hand.
package ticker

import (
	"fmt"
	"math"
	"sync"
	"time"
)

type SourceType int

const (
	Worker SourceType = iota
	Timer
	Offline
)

func (t SourceType) String() string {
	switch t {
	case Worker:
		return "worker"
	case Timer:
		return "timer"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("SourceType(%d)", int(t))
	}
}

// ParseSourceType accepts "worker", "timer" (or "timeout") and "offline".
func ParseSourceType(s string) (SourceType, error) {
	switch s {
	case "worker":
		return Worker, nil
	case "timer", "timeout":
		return Timer, nil
	case "offline":
		return Offline, nil
	}
	return 0, fmt.Errorf("unknown ticker type %q", s)
}

// ClockSource is one strategy for calling back periodically.
type ClockSource interface {
	SetInterval(d time.Duration)
	Stop()
}

const (
	// DefaultSampleRate is assumed when none is given.
	DefaultSampleRate = 44100
	renderQuantum     = 128
	floorInterval     = 0.001
)

// MinInterval is the shortest allowed period: one render quantum at
// sampleRate, and never below one millisecond.
func MinInterval(sampleRate int) float64 {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return math.Max(renderQuantum/float64(sampleRate), floorInterval)
}

type Option func(*Ticker)

// WithWorkers declares whether dedicated worker threads are available on the
// host. Without them, a Worker request is served by the timer source.
func WithWorkers(available bool) Option {
	return func(t *Ticker) {
		t.workers = available
	}
}

type Ticker struct {
	mu          sync.Mutex
	callback    func()
	typ         SourceType
	interval    float64
	minInterval float64
	workers     bool
	source      ClockSource
	disposed    bool
}

// New creates a ticker calling callback every updateInterval seconds
// (clamped to MinInterval(sampleRate)) using the requested source.
func New(callback func(), typ SourceType, updateInterval float64, sampleRate int, opts ...Option) *Ticker {
	t := &Ticker{
		callback:    callback,
		typ:         typ,
		minInterval: MinInterval(sampleRate),
		workers:     true,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.interval = math.Max(updateInterval, t.minInterval)
	t.source = t.createSource()
	return t
}

func (t *Ticker) createSource() ClockSource {
	d := toDuration(t.interval)
	switch t.effectiveType() {
	case Worker:
		return newWorkerSource(d, t.callback)
	case Timer:
		return newTimerSource(d, t.callback)
	default:
		return nil
	}
}

func (t *Ticker) effectiveType() SourceType {
	if t.typ == Worker && !t.workers {
		return Timer
	}
	return t.typ
}

// Type returns the requested source type.
func (t *Ticker) Type() SourceType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typ
}

// ActiveType returns the source actually running, after capability fallback.
func (t *Ticker) ActiveType() SourceType {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effectiveType()
}

// SetType tears down the current source and starts one of the new type.
func (t *Ticker) SetType(typ SourceType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		t.typ = typ
		return
	}
	if t.source != nil {
		t.source.Stop()
	}
	t.typ = typ
	t.source = t.createSource()
}

func (t *Ticker) UpdateInterval() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// SetUpdateInterval changes the period, clamped to the minimum interval.
func (t *Ticker) SetUpdateInterval(seconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = math.Max(seconds, t.minInterval)
	if t.source != nil {
		t.source.SetInterval(toDuration(t.interval))
	}
}

// Dispose stops the source. It is idempotent.
func (t *Ticker) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	t.disposed = true
	if t.source != nil {
		t.source.Stop()
		t.source = nil
	}
}

func toDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
