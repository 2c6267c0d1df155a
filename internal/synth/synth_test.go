package synth

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"testing"

	"github.com/cbegin/moatone-go/internal/audio"
	"github.com/cbegin/moatone-go/internal/note"
	"github.com/cbegin/moatone-go/internal/resource"
	"github.com/cbegin/moatone-go/internal/transport"
)

const testRate = 8000

func newContext(t *testing.T) *audio.Context {
	t.Helper()
	ctx, err := audio.New(testRate)
	if err != nil {
		t.Fatalf("audio.New() error: %v", err)
	}
	if err := ctx.Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

// render advances ctx by seconds and returns the peak absolute sample.
func render(ctx *audio.Context, seconds float64) float32 {
	buf := make([]float32, audio.RenderQuantum*2)
	frames := int(seconds * float64(ctx.SampleRate()))
	var peak float32
	for done := 0; done < frames; done += audio.RenderQuantum {
		ctx.Process(buf)
		for _, v := range buf {
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}
	return peak
}

type scheduledCall struct {
	id transport.EventID
	cb transport.Callback
	at float64
}

// fakeScheduler records callbacks and runs them in time order on demand.
type fakeScheduler struct {
	mu    sync.Mutex
	clock func() float64
	next  transport.EventID
	calls []scheduledCall
}

func newFakeScheduler(ctx *audio.Context) *fakeScheduler {
	return &fakeScheduler{clock: ctx.Now}
}

func (f *fakeScheduler) Now() float64 { return f.clock() }

func (f *fakeScheduler) Schedule(cb transport.Callback, at float64) transport.EventID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.calls = append(f.calls, scheduledCall{id: f.next, cb: cb, at: at})
	return f.next
}

func (f *fakeScheduler) Clear(id transport.EventID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.calls {
		if c.id == id {
			f.calls = append(f.calls[:i], f.calls[i+1:]...)
			return
		}
	}
}

func (f *fakeScheduler) times() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.at
	}
	return out
}

func (f *fakeScheduler) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// runAll fires every callback, including ones scheduled while running,
// earliest first.
func (f *fakeScheduler) runAll() {
	for {
		f.mu.Lock()
		if len(f.calls) == 0 {
			f.mu.Unlock()
			return
		}
		best := 0
		for i, c := range f.calls {
			if c.at < f.calls[best].at {
				best = i
			}
		}
		c := f.calls[best]
		f.calls = append(f.calls[:best], f.calls[best+1:]...)
		f.mu.Unlock()
		c.cb(c.at)
	}
}

type fakeLookup struct {
	mu      sync.Mutex
	sample  resource.Sample
	targets []string
}

func (l *fakeLookup) ClosestSample(id, target string) (resource.Sample, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.targets = append(l.targets, id+":"+target)
	if l.sample.Buffer == nil {
		return resource.Sample{}, false
	}
	return l.sample, true
}

func toneBuffer() *audio.Buffer {
	data := make([]float32, testRate)
	for i := range data {
		data[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / testRate))
	}
	return audio.NewBuffer(testRate, data)
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestParsePreset(t *testing.T) {
	for _, name := range []string{"sine", "8bit", "piano", "guitar", "marimba"} {
		p, err := ParsePreset(name)
		if err != nil {
			t.Fatalf("ParsePreset(%q) error: %v", name, err)
		}
		if p.Name() != name {
			t.Fatalf("Name() = %q, want %q", p.Name(), name)
		}
	}
	if _, err := ParsePreset("organ"); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("ParsePreset(organ) = %v, want ErrUnknownPreset", err)
	}
	if got := PresetNames(); !reflect.DeepEqual(got, []string{"8bit", "guitar", "marimba", "piano", "sine"}) {
		t.Fatalf("PresetNames() = %v", got)
	}
}

func TestRequiredResources(t *testing.T) {
	tests := []struct {
		preset Preset
		want   []string
	}{
		{DefaultSine(), nil},
		{DefaultEightBit(), nil},
		{DefaultPianoSample(), []string{"piano"}},
		{DefaultGuitarSample(), []string{"guitar"}},
		{DefaultMarimba(), []string{"marimba"}},
	}
	for _, tt := range tests {
		if got := RequiredResources(tt.preset); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("RequiredResources(%s) = %v, want %v", tt.preset.Name(), got, tt.want)
		}
	}
}

func TestBuildNilPreset(t *testing.T) {
	if _, err := Build(newContext(t), nil, nil); !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("Build(nil) = %v, want ErrUnknownPreset", err)
	}
}

func TestSineEnvelope(t *testing.T) {
	ctx := newContext(t)
	chain, err := Build(ctx, nil, DefaultSine())
	if err != nil {
		t.Fatal(err)
	}
	c := chain.(*sineChain)
	chain.SetFrequency(440, 0)
	if err := chain.Start(0); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	g := c.out.Gain
	if v := g.ValueAt(0); v != 0 {
		t.Fatalf("gain at start = %v, want 0", v)
	}
	if v := g.ValueAt(0.01); !near(v, 0.5) {
		t.Fatalf("gain at attack peak = %v, want 0.5", v)
	}
	if v := g.ValueAt(0.11); !near(v, 0.15) {
		t.Fatalf("gain after decay = %v, want 0.15", v)
	}
	if v := c.filter.Frequency.ValueAt(0); v != 1320 {
		t.Fatalf("filter cutoff = %v, want 1320", v)
	}
}

func TestStopReanchorsAtCurrentValue(t *testing.T) {
	ctx := newContext(t)
	chain, _ := Build(ctx, nil, DefaultSine())
	c := chain.(*sineChain)
	chain.SetFrequency(440, 0)
	chain.Start(0)
	before := c.out.Gain.ValueAt(0.05)

	if err := chain.Stop(0.05); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	g := c.out.Gain
	if v := g.ValueAt(0.05); !near(v, before) {
		t.Fatalf("gain at stop = %v, want %v", v, before)
	}
	if v := g.ValueAt(0.2); v >= before || v <= silence {
		t.Fatalf("gain mid release = %v, want between %v and %v", v, silence, before)
	}
	if v := g.ValueAt(0.35); !near(v, silence) {
		t.Fatalf("gain after release = %v, want %v", v, silence)
	}
	if !c.osc.Finished(0.35) {
		t.Fatal("oscillator still running after release")
	}
}

func TestChainIsSingleUse(t *testing.T) {
	ctx := newContext(t)
	for _, p := range []Preset{DefaultSine(), DefaultEightBit(), DefaultMarimba()} {
		t.Run(p.Name(), func(t *testing.T) {
			chain, err := Build(ctx, &fakeLookup{sample: resource.Sample{Note: "C4", Buffer: toneBuffer()}}, p)
			if err != nil {
				t.Fatal(err)
			}
			chain.SetFrequency(261.63, 0)
			if err := chain.Stop(0); !errors.Is(err, audio.ErrNodeNotStarted) {
				t.Fatalf("Stop() before Start = %v, want ErrNodeNotStarted", err)
			}
			if err := chain.Start(0); err != nil {
				t.Fatalf("Start() error: %v", err)
			}
			if err := chain.Start(0); !errors.Is(err, audio.ErrNodeStarted) {
				t.Fatalf("second Start() = %v, want ErrNodeStarted", err)
			}
			if err := chain.Stop(0.1); err != nil {
				t.Fatalf("Stop() error: %v", err)
			}
			if err := chain.Stop(0.2); !errors.Is(err, ErrChainSpent) {
				t.Fatalf("second Stop() = %v, want ErrChainSpent", err)
			}
			if err := chain.Start(0.3); !errors.Is(err, ErrChainSpent) {
				t.Fatalf("Start() after Stop = %v, want ErrChainSpent", err)
			}
		})
	}
}

func TestSampleChainPlaybackRate(t *testing.T) {
	ctx := newContext(t)
	lookup := &fakeLookup{sample: resource.Sample{Note: "A4", Buffer: toneBuffer()}}
	chain, _ := Build(ctx, lookup, DefaultPianoSample())
	c := chain.(*sampleChain)

	chain.SetFrequency(880, 0)
	if got := c.player.PlaybackRate.ValueAt(0); !near(got, 2) {
		t.Fatalf("playback rate = %v, want 2", got)
	}
	if want := []string{"piano:A5"}; !reflect.DeepEqual(lookup.targets, want) {
		t.Fatalf("lookups = %v, want %v", lookup.targets, want)
	}

	chain.SetFrequency(note.MustParse("A#4").Frequency(), 0.5)
	if got, want := c.player.PlaybackRate.ValueAt(0.5), math.Pow(2, 1.0/12); !near(got, want) {
		t.Fatalf("playback rate = %v, want %v", got, want)
	}
	chain.Start(0)
	if v := c.voice.Gain.ValueAt(0); !near(v, 0.8) {
		t.Fatalf("voice gain = %v, want 0.8", v)
	}
	if v := c.out.Gain.ValueAt(0); v != 0.7 {
		t.Fatalf("output gain = %v, want 0.7", v)
	}
}

func TestSampleChainWithoutSampleIsSilent(t *testing.T) {
	ctx := newContext(t)
	for name, lookup := range map[string]SampleLookup{"nil lookup": nil, "no sample": &fakeLookup{}} {
		t.Run(name, func(t *testing.T) {
			chain, _ := Build(ctx, lookup, DefaultGuitarSample())
			chain.SetFrequency(440, 0)
			if err := chain.Start(0); err != nil {
				t.Fatalf("Start() error: %v", err)
			}
			if !chain.(*sampleChain).Silent() {
				t.Fatal("chain should be silent")
			}
			if !chain.Output().Finished(0) {
				t.Fatal("silent chain should be finished")
			}
			if err := chain.Stop(0.1); err != nil {
				t.Fatalf("Stop() error: %v", err)
			}
		})
	}
}

func TestBitCrushCurve(t *testing.T) {
	curve := bitCrushCurve()
	if len(curve) != 65536 {
		t.Fatalf("len = %d, want 65536", len(curve))
	}
	if curve[0] != -1 || curve[32768] != 0 || curve[65535] != 1 {
		t.Fatalf("curve ends = %v %v %v", curve[0], curve[32768], curve[65535])
	}
	for i := 1; i < len(curve); i++ {
		if curve[i] < curve[i-1] {
			t.Fatalf("curve decreases at %d", i)
		}
	}
}

func TestSynthAttackIsIdempotent(t *testing.T) {
	ctx := newContext(t)
	s := New(ctx, newFakeScheduler(ctx), nil, DefaultSine())
	if err := s.TriggerAttack("A4", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.TriggerAttack("A4", 0); err != nil {
		t.Fatal(err)
	}
	s.TriggerAttack("C4", 0)
	if got := s.ActiveNotes(); !reflect.DeepEqual(got, []string{"A4", "C4"}) {
		t.Fatalf("ActiveNotes() = %v", got)
	}
	if got := s.bus.Inputs(); got != 2 {
		t.Fatalf("bus inputs = %d, want 2", got)
	}
	if peak := render(ctx, 0.05); peak == 0 {
		t.Fatal("held notes rendered silence")
	}

	s.TriggerRelease("E4", 0)
	s.TriggerRelease("A4", 0)
	if got := s.ActiveNotes(); !reflect.DeepEqual(got, []string{"C4"}) {
		t.Fatalf("ActiveNotes() after release = %v", got)
	}
	s.ReleaseAll()
	if got := s.ActiveNotes(); len(got) != 0 {
		t.Fatalf("ActiveNotes() after ReleaseAll = %v", got)
	}
	render(ctx, 0.5)
	if got := s.bus.Inputs(); got != 0 {
		t.Fatalf("bus inputs after release = %d, want 0", got)
	}
}

func TestSynthInvalidNote(t *testing.T) {
	ctx := newContext(t)
	s := New(ctx, newFakeScheduler(ctx), nil, DefaultSine())
	if err := s.TriggerAttack("H9", 0); !errors.Is(err, note.ErrInvalidNote) {
		t.Fatalf("TriggerAttack(H9) = %v, want ErrInvalidNote", err)
	}
	if len(s.ActiveNotes()) != 0 {
		t.Fatal("invalid note became active")
	}
}

func TestTriggerAttackReleaseSchedulesStop(t *testing.T) {
	ctx := newContext(t)
	sched := newFakeScheduler(ctx)
	s := New(ctx, sched, nil, DefaultSine())
	if err := s.TriggerAttackRelease([]string{"A4"}, 0.1, 0, DefaultSwing); err != nil {
		t.Fatal(err)
	}
	if got := sched.times(); !reflect.DeepEqual(got, []float64{0.1}) {
		t.Fatalf("stop times = %v, want [0.1]", got)
	}
	if len(s.ActiveNotes()) != 0 {
		t.Fatal("attack-release notes must not enter the held table")
	}
	if peak := render(ctx, 0.05); peak == 0 {
		t.Fatal("note rendered silence")
	}
	sched.runAll()
	render(ctx, 0.5)
	if got := s.bus.Inputs(); got != 0 {
		t.Fatalf("bus inputs after stop = %d, want 0", got)
	}
}

func TestChordSwing(t *testing.T) {
	ctx := newContext(t)
	sched := newFakeScheduler(ctx)
	s := New(ctx, sched, nil, DefaultSine(), WithRand(rand.New(rand.NewSource(1))))
	const when, duration, swing = 1.0, 0.5, 0.02
	if err := s.TriggerAttackRelease([]string{"C4", "E4", "G4"}, duration, when, swing); err != nil {
		t.Fatal(err)
	}
	times := sched.times()
	if len(times) != 3 {
		t.Fatalf("scheduled %d stops, want 3", len(times))
	}
	for _, at := range times {
		if at < when+duration || at >= when+duration+swing {
			t.Fatalf("stop at %v outside [%v, %v)", at, when+duration, when+duration+swing)
		}
	}
}

func TestArpeggio(t *testing.T) {
	ctx := newContext(t)
	sched := newFakeScheduler(ctx)
	s := New(ctx, sched, nil, DefaultEightBit())
	if err := s.TriggerAttackReleaseArpeggio([]string{"C4", "E4", "G4"}, 0.25, 0.1, DefaultSwing); err != nil {
		t.Fatal(err)
	}
	want := []float64{0.1, 0.35, 0.6}
	got := sched.times()
	for i := range want {
		if !near(got[i], want[i]) {
			t.Fatalf("stop times = %v, want %v", got, want)
		}
	}
}

func TestSynthVolume(t *testing.T) {
	ctx := newContext(t)
	s := New(ctx, newFakeScheduler(ctx), nil, DefaultSine(), WithVolume(0.5))
	if s.Volume() != 0.5 || s.bus.Gain.ValueAt(0) != 0.5 {
		t.Fatalf("initial volume = %v", s.Volume())
	}
	s.SetVolume(-1)
	if s.Volume() != 0 || s.bus.Gain.ValueAt(0) != 0 {
		t.Fatalf("volume should clamp to 0, got %v", s.Volume())
	}
	s.SetPreset(DefaultEightBit())
	if s.Preset().Name() != "8bit" {
		t.Fatalf("Preset() = %s", s.Preset().Name())
	}
}

func TestMembraneHit(t *testing.T) {
	ctx := newContext(t)
	m := NewMembrane(ctx, DefaultMembraneParams())
	if err := m.TriggerAttack("C1", 0); err != nil {
		t.Fatal(err)
	}
	if m.bus.Inputs() != 1 {
		t.Fatalf("bus inputs = %d, want 1", m.bus.Inputs())
	}
	if peak := render(ctx, 0.1); peak == 0 {
		t.Fatal("kick rendered silence")
	}
	render(ctx, 1.8)
	if m.bus.Inputs() != 0 {
		t.Fatal("kick voice not released after its envelope")
	}
}

func TestMembraneInvalidNotePlaysC1(t *testing.T) {
	ctx := newContext(t)
	m := NewMembrane(ctx, DefaultMembraneParams())
	if err := m.TriggerAttack("H9", 0); err != nil {
		t.Fatalf("TriggerAttack(H9) error = %v, want fallback", err)
	}
	if got := defaultKick.Frequency(); math.Abs(got-32.703) > 0.001 {
		t.Fatalf("fallback kick frequency = %v, want C1 (32.703)", got)
	}
	if peak := render(ctx, 0.1); peak == 0 {
		t.Fatal("fallback kick rendered silence")
	}
}

func TestNoiseHit(t *testing.T) {
	ctx := newContext(t)
	n := NewNoise(ctx, DefaultNoiseParams())
	if err := n.TriggerAttack(0, 1); err != nil {
		t.Fatal(err)
	}
	if peak := render(ctx, 0.05); peak == 0 {
		t.Fatal("snare rendered silence")
	}
	render(ctx, 0.3)
	if n.bus.Inputs() != 0 {
		t.Fatal("snare voice not released after its envelope")
	}
}
