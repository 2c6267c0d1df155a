package transport

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cbegin/moatone-go/internal/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now float64
}

func (c *fakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = v
}

type fakeTicker struct {
	mu        sync.Mutex
	fire      func()
	intervals []float64
	disposed  bool
}

func (f *fakeTicker) SetUpdateInterval(s float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intervals = append(f.intervals, s)
}

func (f *fakeTicker) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
}

func (f *fakeTicker) Disposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

type tickerRecorder struct {
	mu      sync.Mutex
	created []*fakeTicker
}

func (r *tickerRecorder) factory(fire func(), interval float64) Ticker {
	r.mu.Lock()
	defer r.mu.Unlock()
	ft := &fakeTicker{fire: fire, intervals: []float64{interval}}
	r.created = append(r.created, ft)
	return ft
}

func (r *tickerRecorder) last() *fakeTicker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.created) == 0 {
		return nil
	}
	return r.created[len(r.created)-1]
}

func (r *tickerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

type callLog struct {
	mu    sync.Mutex
	times []float64
}

func (c *callLog) record(at float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.times = append(c.times, at)
}

func (c *callLog) get() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.times...)
}

func newTestTransport(t *testing.T, opts ...Option) (*Transport, *fakeClock, *tickerRecorder) {
	t.Helper()
	clock := &fakeClock{}
	rec := &tickerRecorder{}
	tr := New(clock, append([]Option{WithTicker(rec.factory)}, opts...)...)
	t.Cleanup(tr.Close)
	return tr, clock, rec
}

func approxEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-9 {
			return false
		}
	}
	return true
}

func TestScheduleRepeatFiresAtExactTimes(t *testing.T) {
	tr, clock, _ := newTestTransport(t)
	var calls callLog
	id, err := tr.ScheduleRepeat(calls.record, 0.1)
	if err != nil {
		t.Fatalf("ScheduleRepeat() error: %v", err)
	}
	next, ok := tr.NextTime(id)
	if !ok || math.Abs(next-0.025) > 1e-9 {
		t.Fatalf("NextTime() = %v, %v; want 0.025", next, ok)
	}
	if !tr.Running() {
		t.Fatal("transport not running after ScheduleRepeat")
	}

	for _, now := range []float64{0.03, 0.13, 0.23} {
		clock.Set(now)
		tr.Tick()
	}
	if got, want := calls.get(), []float64{0.025, 0.125, 0.225}; !approxEqual(got, want) {
		t.Fatalf("callback times = %v, want %v", got, want)
	}
}

func TestTickCatchesUpInOrder(t *testing.T) {
	tr, clock, _ := newTestTransport(t)
	var calls callLog
	tr.ScheduleRepeat(calls.record, 0.1)
	clock.Set(0.5)
	tr.Tick()
	want := []float64{0.025, 0.125, 0.225, 0.325, 0.425, 0.525}
	if got := calls.get(); !approxEqual(got, want) {
		t.Fatalf("callback times = %v, want %v", got, want)
	}
}

func TestScheduleOnceFiresOnceAndStops(t *testing.T) {
	tr, clock, rec := newTestTransport(t)
	var calls callLog
	tr.Schedule(calls.record, 0.04)
	if !tr.Running() || rec.count() != 1 {
		t.Fatal("ticker not started by Schedule")
	}

	tr.Tick()
	if got := calls.get(); !approxEqual(got, []float64{0.04}) {
		t.Fatalf("callback times = %v, want [0.04]", got)
	}
	if tr.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", tr.Pending())
	}
	if tr.Running() {
		t.Fatal("transport still running with an empty table")
	}
	if !rec.last().Disposed() {
		t.Fatal("ticker not disposed when table emptied")
	}

	clock.Set(10)
	tr.Tick()
	if n := len(calls.get()); n != 1 {
		t.Fatalf("callback ran %d times, want 1", n)
	}
}

func TestScheduleOnceWaitsForWindow(t *testing.T) {
	tr, clock, _ := newTestTransport(t)
	var calls callLog
	tr.Schedule(calls.record, 1.0)
	tr.Tick()
	if len(calls.get()) != 0 {
		t.Fatal("event fired outside the lookahead window")
	}
	clock.Set(0.95)
	tr.Tick()
	clock.Set(0.951)
	tr.Tick()
	if got := calls.get(); !approxEqual(got, []float64{1.0}) {
		t.Fatalf("callback times = %v, want [1.0]", got)
	}
}

func TestScheduleZeroMeansNow(t *testing.T) {
	tr, clock, _ := newTestTransport(t)
	clock.Set(2.5)
	var calls callLog
	id := tr.Schedule(calls.record, 0)
	if at, _ := tr.NextTime(id); at != 2.5 {
		t.Fatalf("NextTime() = %v, want 2.5", at)
	}
	tr.Tick()
	if got := calls.get(); !approxEqual(got, []float64{2.5}) {
		t.Fatalf("callback times = %v", got)
	}
}

func TestScheduleRepeatRejectsBadInterval(t *testing.T) {
	tr, _, rec := newTestTransport(t)
	for _, iv := range []float64{0, -1, math.NaN(), 1e-17, 0.0005} {
		if _, err := tr.ScheduleRepeat(func(float64) {}, iv); !errors.Is(err, ErrInterval) {
			t.Fatalf("ScheduleRepeat(%v) error = %v, want ErrInterval", iv, err)
		}
	}
	if rec.count() != 0 || tr.Pending() != 0 {
		t.Fatal("invalid interval touched the table")
	}
}

func TestRepeatSurvivesLostPrecision(t *testing.T) {
	tr, clock, _ := newTestTransport(t)
	clock.Set(1e17)
	var calls callLog
	if _, err := tr.ScheduleRepeat(calls.record, 0.001); err != nil {
		t.Fatal(err)
	}
	clock.Set(1e17 + 32)
	done := make(chan struct{})
	go func() {
		tr.Tick()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Tick() did not return when the interval no longer advances time")
	}
	if got := calls.get(); len(got) != 1 {
		t.Fatalf("fired %d times in one tick, want 1", len(got))
	}
}

func TestScheduleAheadTimeChangeAfterScheduleRepeat(t *testing.T) {
	tr, _, rec := newTestTransport(t)
	tr.ScheduleRepeat(func(float64) {}, 1)
	tr.SetScheduleAheadTime(0.0001)
	tr.Pending()
	if got := rec.count(); got != 1 {
		t.Fatalf("tickers created = %d, want 1", got)
	}
	ft := rec.last()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.intervals[0] != DefaultScheduleAheadTime {
		t.Fatalf("ticker started at %v, want the period in effect when scheduling (%v)", ft.intervals[0], DefaultScheduleAheadTime)
	}
}

func TestEventIDsAreUnique(t *testing.T) {
	tr, _, _ := newTestTransport(t)
	seen := map[EventID]bool{}
	var prev EventID
	for i := 0; i < 100; i++ {
		id := tr.Schedule(func(float64) {}, 100)
		if seen[id] || id <= prev {
			t.Fatalf("id %v not unique/increasing", id)
		}
		seen[id] = true
		prev = id
	}
	if got := EventID(7).String(); got != "event_7" {
		t.Fatalf("String() = %q, want event_7", got)
	}
}

func TestClearStopsFutureFirings(t *testing.T) {
	tr, clock, rec := newTestTransport(t)
	var calls callLog
	id, _ := tr.ScheduleRepeat(calls.record, 0.1)
	clock.Set(0.03)
	tr.Tick()
	tr.Clear(id)
	if tr.Running() || !rec.last().Disposed() {
		t.Fatal("ticker should stop once the last event is cleared")
	}
	clock.Set(1)
	tr.Tick()
	if n := len(calls.get()); n != 1 {
		t.Fatalf("callback ran %d times, want 1", n)
	}
	tr.Clear(id)
	tr.Clear(EventID(12345))
}

func TestClearKeepsOtherEvents(t *testing.T) {
	tr, clock, _ := newTestTransport(t)
	var a, b callLog
	ida, _ := tr.ScheduleRepeat(a.record, 0.1)
	tr.ScheduleRepeat(b.record, 0.1)
	tr.Clear(ida)
	if !tr.Running() || tr.Pending() != 1 {
		t.Fatalf("Running() = %v, Pending() = %d", tr.Running(), tr.Pending())
	}
	clock.Set(0.03)
	tr.Tick()
	if len(a.get()) != 0 || len(b.get()) != 1 {
		t.Fatalf("a = %v, b = %v", a.get(), b.get())
	}
}

func TestClearFromInsideCallback(t *testing.T) {
	tr, clock, _ := newTestTransport(t)
	var calls callLog
	var id EventID
	var idMu sync.Mutex
	idMu.Lock()
	id, _ = tr.ScheduleRepeat(func(at float64) {
		calls.record(at)
		idMu.Lock()
		defer idMu.Unlock()
		tr.Clear(id)
	}, 0.01)
	idMu.Unlock()

	clock.Set(0.1)
	tr.Tick()
	if n := len(calls.get()); n != 1 {
		t.Fatalf("callback ran %d times after clearing itself, want 1", n)
	}
	if tr.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", tr.Pending())
	}
}

func TestCancelRemovesEverything(t *testing.T) {
	tr, clock, rec := newTestTransport(t)
	var calls callLog
	tr.ScheduleRepeat(calls.record, 0.1)
	tr.Schedule(calls.record, 0.5)
	tr.Cancel()
	if tr.Pending() != 0 || tr.Running() || !rec.last().Disposed() {
		t.Fatal("Cancel did not clear and stop")
	}
	clock.Set(1)
	tr.Tick()
	if len(calls.get()) != 0 {
		t.Fatalf("callbacks ran after Cancel: %v", calls.get())
	}
	tr.Schedule(calls.record, 1.01)
	if !tr.Running() || rec.count() != 2 {
		t.Fatal("scheduling after Cancel should start a fresh ticker")
	}
}

func TestPanickingCallbackIsIsolated(t *testing.T) {
	log := logger.NewMockLogger()
	tr, _, _ := newTestTransport(t, WithLogger(log))
	var calls callLog
	tr.Schedule(func(float64) { panic("boom") }, 0.01)
	tr.Schedule(calls.record, 0.02)
	tr.Tick()
	if got := calls.get(); !approxEqual(got, []float64{0.02}) {
		t.Fatalf("callback times = %v, want [0.02]", got)
	}
	if len(log.ErrorCalls()) != 1 {
		t.Fatalf("errors logged = %v", log.ErrorCalls())
	}
}

func TestTickerDrivesTicks(t *testing.T) {
	tr, clock, rec := newTestTransport(t)
	fired := make(chan float64, 1)
	tr.Schedule(func(at float64) { fired <- at }, 0.5)
	tr.Pending()
	clock.Set(0.49)
	rec.last().fire()
	select {
	case at := <-fired:
		if at != 0.5 {
			t.Fatalf("callback at %v, want 0.5", at)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ticker fire did not run the callback")
	}
}

func TestScheduleAheadTimeUpdatesTicker(t *testing.T) {
	tr, _, rec := newTestTransport(t)
	tr.ScheduleRepeat(func(float64) {}, 1)
	tr.SetScheduleAheadTime(0.0001)
	tr.Pending()
	ft := rec.last()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if got := ft.intervals; len(got) != 2 || got[0] != DefaultScheduleAheadTime || got[1] != 0.001 {
		t.Fatalf("ticker intervals = %v, want [0.025 0.001]", got)
	}
	if tr.ScheduleAheadTime() != 0.001 {
		t.Fatalf("ScheduleAheadTime() = %v", tr.ScheduleAheadTime())
	}
}

func TestLookAheadClamped(t *testing.T) {
	tr, _, _ := newTestTransport(t, WithLookAhead(0.2))
	if tr.LookAhead() != 0.2 {
		t.Fatalf("LookAhead() = %v, want 0.2", tr.LookAhead())
	}
	tr.SetLookAhead(-5)
	if tr.LookAhead() != 0.001 {
		t.Fatalf("LookAhead() = %v, want 0.001", tr.LookAhead())
	}
}

func TestConcurrentScheduleAndClear(t *testing.T) {
	tr, clock, _ := newTestTransport(t)
	var fired atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id, _ := tr.ScheduleRepeat(func(float64) { fired.Add(1) }, 0.01)
				tr.Schedule(func(float64) { fired.Add(1) }, 0.01)
				tr.Clear(id)
			}
		}()
	}
	stop := make(chan struct{})
	go func() {
		for v := 0.0; ; v += 0.01 {
			select {
			case <-stop:
				return
			default:
			}
			clock.Set(v)
			tr.Tick()
		}
	}()
	wg.Wait()
	close(stop)
	tr.Tick()
	if tr.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", tr.Pending())
	}
	if fired.Load() < 400 {
		t.Fatalf("fired = %d, want at least the 400 one-shots", fired.Load())
	}
}

func TestClosedTransportDoesNotBlock(t *testing.T) {
	clock := &fakeClock{}
	rec := &tickerRecorder{}
	tr := New(clock, WithTicker(rec.factory))
	tr.Schedule(func(float64) {}, 1)
	tr.Pending()
	tr.Close()
	tr.Close()
	done := make(chan struct{})
	go func() {
		tr.Tick()
		tr.Clear(1)
		tr.Cancel()
		tr.Pending()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("calls after Close blocked")
	}
	if !rec.last().Disposed() {
		t.Fatal("Close did not dispose the ticker")
	}
}

func TestToSeconds(t *testing.T) {
	tr, _, _ := newTestTransport(t)
	tests := []struct {
		bpm      float64
		notation string
		want     float64
	}{
		{120, "4n", 0.5},
		{120, "1n", 2},
		{120, "2n", 1},
		{120, "8n", 0.25},
		{120, "16n", 0.125},
		{120, "32n", 0.0625},
		{60, "4n", 1},
		{60, "bogus", 1},
		{60, "0.3", 0.3},
	}
	for _, tt := range tests {
		tr.SetBPM(tt.bpm)
		if got := tr.ToSeconds(tt.notation); math.Abs(got-tt.want) > 1e-12 {
			t.Fatalf("ToSeconds(%q) at %v bpm = %v, want %v", tt.notation, tt.bpm, got, tt.want)
		}
	}
	tr.SetBPM(-1)
	if tr.BPM() != 60 {
		t.Fatalf("BPM() = %v, want unchanged 60", tr.BPM())
	}
}

func BenchmarkTick(b *testing.B) {
	clock := &fakeClock{}
	rec := &tickerRecorder{}
	tr := New(clock, WithTicker(rec.factory))
	defer tr.Close()
	for i := 0; i < 64; i++ {
		tr.ScheduleRepeat(func(float64) {}, 0.1)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		clock.Set(float64(i) * 0.025)
		tr.Tick()
	}
}
