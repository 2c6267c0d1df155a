// Package transport schedules callbacks against the audio clock using a
// lookahead window.
//
// A single goroutine owns the event table and processes commands (schedule,
// clear, cancel, tick) in arrival order. Each tick collects every firing whose
// time falls inside [.., now+lookAhead) and hands the batch to a dispatcher
// goroutine, which runs the callbacks with their exact scheduled times.
// Callbacks may freely call back into the Transport.
package transport

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cbegin/moatone-go/internal/logger"
	"github.com/cbegin/moatone-go/internal/ticker"
)

const (
	DefaultLookAhead         = 0.05
	DefaultScheduleAheadTime = 0.025
	DefaultBPM               = 120.0
	minWindow                = 0.001
)

var ErrInterval = errors.New("repeat interval must be at least 1ms")

// EventID identifies a scheduled event. IDs are unique and increasing.
type EventID uint64

func (id EventID) String() string {
	return "event_" + strconv.FormatUint(uint64(id), 10)
}

// Callback receives the exact time the event was scheduled for, which may be
// slightly in the future relative to the clock.
type Callback func(at float64)

// Clock is the time source; the audio context in production.
type Clock interface {
	Now() float64
}

// Ticker is what the transport needs from a ticker.
type Ticker interface {
	SetUpdateInterval(seconds float64)
	Dispose()
}

// TickerFactory starts a ticker calling fire every interval seconds.
type TickerFactory func(fire func(), interval float64) Ticker

type Option func(*Transport)

func WithLookAhead(seconds float64) Option {
	return func(t *Transport) { t.lookAhead.Store(math.Max(seconds, minWindow)) }
}

func WithScheduleAheadTime(seconds float64) Option {
	return func(t *Transport) { t.scheduleAhead.Store(math.Max(seconds, minWindow)) }
}

func WithBPM(bpm float64) Option {
	return func(t *Transport) {
		if bpm > 0 {
			t.bpm.Store(bpm)
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithTickerType selects the ticker strategy, its sample rate and whether
// worker threads are available.
func WithTickerType(typ ticker.SourceType, sampleRate int, workers bool) Option {
	return func(t *Transport) {
		t.newTicker = func(fire func(), interval float64) Ticker {
			return ticker.New(fire, typ, interval, sampleRate, ticker.WithWorkers(workers))
		}
	}
}

// WithTicker replaces ticker construction entirely.
func WithTicker(factory TickerFactory) Option {
	return func(t *Transport) { t.newTicker = factory }
}

type event struct {
	id        EventID
	callback  Callback
	nextTime  float64
	interval  float64
	once      bool
	cancelled atomic.Bool
}

type (
	scheduleCmd struct {
		ev     *event
		period float64 // ticker interval if this event starts the ticker
	}
	clearCmd    struct {
		id   EventID
		done chan struct{}
	}
	cancelCmd   struct{ done chan struct{} }
	tickCmd     struct{ done chan struct{} }
	inspectCmd  struct{ fn func() }
	intervalCmd struct{ seconds float64 }
)

type Transport struct {
	clock     Clock
	log       logger.Logger
	newTicker TickerFactory

	commands chan any
	queue    *dispatchQueue
	nextID   atomic.Uint64

	bpm           atomicFloat
	lookAhead     atomicFloat
	scheduleAhead atomicFloat

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Owned by the command loop.
	events  map[EventID]*event
	order   []*event
	running bool
	tk      Ticker
}

// New creates a transport reading time from clock and starts its goroutines.
// Call Close to stop them.
func New(clock Clock, opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		clock:    clock,
		log:      logger.NewNopLogger(),
		commands: make(chan any, 256),
		queue:    newDispatchQueue(),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(map[EventID]*event),
	}
	t.bpm.Store(DefaultBPM)
	t.lookAhead.Store(DefaultLookAhead)
	t.scheduleAhead.Store(DefaultScheduleAheadTime)
	WithTickerType(ticker.Worker, ticker.DefaultSampleRate, true)(t)
	for _, opt := range opts {
		opt(t)
	}
	t.wg.Add(2)
	go t.loop()
	go t.dispatch()
	return t
}

// Schedule runs cb once at the absolute time at. A zero time means now.
func (t *Transport) Schedule(cb Callback, at float64) EventID {
	if at == 0 || math.IsNaN(at) {
		at = t.clock.Now()
	}
	ev := &event{id: EventID(t.nextID.Add(1)), callback: cb, nextTime: at, once: true}
	t.send(scheduleCmd{ev: ev, period: t.scheduleAhead.Load()})
	return ev.id
}

// ScheduleRepeat runs cb every interval seconds, starting scheduleAheadTime
// from now. Intervals under 1ms are rejected.
func (t *Transport) ScheduleRepeat(cb Callback, interval float64) (EventID, error) {
	if !(interval >= minWindow) {
		return 0, ErrInterval
	}
	ahead := t.scheduleAhead.Load()
	ev := &event{
		id:       EventID(t.nextID.Add(1)),
		callback: cb,
		nextTime: t.clock.Now() + ahead,
		interval: interval,
	}
	t.send(scheduleCmd{ev: ev, period: ahead})
	return ev.id, nil
}

// Clear removes an event. Firings of it that are already queued are skipped.
// Unknown ids are ignored.
func (t *Transport) Clear(id EventID) {
	done := make(chan struct{})
	if t.send(clearCmd{id: id, done: done}) {
		t.wait(done)
	}
}

// Cancel removes every event and stops the ticker.
func (t *Transport) Cancel() {
	done := make(chan struct{})
	if t.send(cancelCmd{done: done}) {
		t.wait(done)
	}
}

// Tick runs one scheduling pass and returns once its callbacks have run.
// It must not be called from inside a callback.
func (t *Transport) Tick() {
	done := make(chan struct{})
	if t.send(tickCmd{done: done}) {
		t.wait(done)
	}
}

// Running reports whether the ticker is active.
func (t *Transport) Running() bool {
	var running bool
	t.inspect(func() { running = t.running })
	return running
}

// Pending returns the number of events in the table.
func (t *Transport) Pending() int {
	var n int
	t.inspect(func() { n = len(t.order) })
	return n
}

// NextTime returns the next firing time of an event.
func (t *Transport) NextTime(id EventID) (float64, bool) {
	var (
		at float64
		ok bool
	)
	t.inspect(func() {
		if ev, found := t.events[id]; found {
			at, ok = ev.nextTime, true
		}
	})
	return at, ok
}

func (t *Transport) Now() float64 { return t.clock.Now() }

func (t *Transport) LookAhead() float64 { return t.lookAhead.Load() }

func (t *Transport) SetLookAhead(seconds float64) {
	t.lookAhead.Store(math.Max(seconds, minWindow))
}

func (t *Transport) ScheduleAheadTime() float64 { return t.scheduleAhead.Load() }

// SetScheduleAheadTime also becomes the ticker period.
func (t *Transport) SetScheduleAheadTime(seconds float64) {
	v := math.Max(seconds, minWindow)
	t.scheduleAhead.Store(v)
	t.send(intervalCmd{seconds: v})
}

func (t *Transport) BPM() float64 { return t.bpm.Load() }

// SetBPM ignores non-positive tempos.
func (t *Transport) SetBPM(bpm float64) {
	if bpm > 0 {
		t.bpm.Store(bpm)
	}
}

// Close stops the ticker and both goroutines. It must not be called from
// inside a callback.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
	})
}

func (t *Transport) send(cmd any) bool {
	select {
	case t.commands <- cmd:
		return true
	case <-t.ctx.Done():
		return false
	}
}

func (t *Transport) wait(done chan struct{}) {
	select {
	case <-done:
	case <-t.ctx.Done():
	}
}

func (t *Transport) inspect(fn func()) {
	done := make(chan struct{})
	if t.send(inspectCmd{fn: func() { fn(); close(done) }}) {
		t.wait(done)
	}
}

// fire is the ticker callback. Ticks are dropped when the loop is backed up.
func (t *Transport) fire() {
	select {
	case t.commands <- tickCmd{}:
	default:
	}
}

func (t *Transport) loop() {
	defer t.wg.Done()
	defer t.stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case cmd := <-t.commands:
			t.handle(cmd)
		}
	}
}

func (t *Transport) handle(cmd any) {
	switch c := cmd.(type) {
	case scheduleCmd:
		t.events[c.ev.id] = c.ev
		t.order = append(t.order, c.ev)
		if !t.running {
			t.start(c.period)
		}
	case clearCmd:
		if ev, ok := t.events[c.id]; ok {
			ev.cancelled.Store(true)
			t.remove(ev)
			if len(t.order) == 0 {
				t.stop()
			}
		}
		close(c.done)
	case cancelCmd:
		for _, ev := range t.order {
			ev.cancelled.Store(true)
		}
		clear(t.events)
		clear(t.order)
		t.order = t.order[:0]
		t.stop()
		close(c.done)
	case tickCmd:
		t.tick(c.done)
	case inspectCmd:
		c.fn()
	case intervalCmd:
		if t.tk != nil {
			t.tk.SetUpdateInterval(c.seconds)
		}
	}
}

func (t *Transport) start(period float64) {
	t.running = true
	t.tk = t.newTicker(t.fire, period)
}

func (t *Transport) stop() {
	t.running = false
	if t.tk != nil {
		t.tk.Dispose()
		t.tk = nil
	}
}

func (t *Transport) remove(target *event) {
	delete(t.events, target.id)
	for i, ev := range t.order {
		if ev == target {
			copy(t.order[i:], t.order[i+1:])
			t.order[len(t.order)-1] = nil
			t.order = t.order[:len(t.order)-1]
			return
		}
	}
}

// tick collects due firings in table order. A one-shot leaves the table as
// soon as it is collected, so it can never be collected twice.
func (t *Transport) tick(done chan struct{}) {
	if !t.running {
		if done != nil {
			t.queue.push(batch{done: done})
		}
		return
	}
	horizon := t.clock.Now() + t.lookAhead.Load()

	var firings []firing
	kept := t.order[:0]
	for _, ev := range t.order {
		if ev.once {
			if ev.nextTime < horizon {
				firings = append(firings, firing{ev: ev, at: ev.nextTime})
				delete(t.events, ev.id)
				continue
			}
		} else {
			for ev.nextTime < horizon {
				firings = append(firings, firing{ev: ev, at: ev.nextTime})
				next := ev.nextTime + ev.interval
				if next <= ev.nextTime {
					// interval lost in float precision; fire once per tick
					break
				}
				ev.nextTime = next
			}
		}
		kept = append(kept, ev)
	}
	clear(t.order[len(kept):])
	t.order = kept

	if len(t.order) == 0 {
		t.stop()
	}
	if len(firings) > 0 || done != nil {
		t.queue.push(batch{firings: firings, done: done})
	}
}

func (t *Transport) dispatch() {
	defer t.wg.Done()
	for {
		b, ok := t.queue.pop(t.ctx)
		if !ok {
			return
		}
		for _, f := range b.firings {
			if f.ev.cancelled.Load() {
				continue
			}
			t.invoke(f)
		}
		if b.done != nil {
			close(b.done)
		}
	}
}

func (t *Transport) invoke(f firing) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("callback %s at %.3f panicked: %v", f.ev.id, f.at, r)
		}
	}()
	f.ev.callback(f.at)
}

type atomicFloat struct {
	bits atomic.Uint64
}

func (a *atomicFloat) Load() float64   { return math.Float64frombits(a.bits.Load()) }
func (a *atomicFloat) Store(v float64) { a.bits.Store(math.Float64bits(v)) }
