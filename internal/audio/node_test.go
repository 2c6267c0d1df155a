package audio

import (
	"errors"
	"math"
	"testing"
)

func offlineContext(t *testing.T, sampleRate int) *Context {
	t.Helper()
	c, err := New(sampleRate)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := c.Init(); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	return c
}

func TestOscillatorSingleUse(t *testing.T) {
	c := offlineContext(t, 48000)
	o := c.NewOscillator(WaveSine)
	if err := o.Stop(1); !errors.Is(err, ErrNodeNotStarted) {
		t.Fatalf("Stop() before Start = %v, want ErrNodeNotStarted", err)
	}
	if err := o.Start(0); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := o.Start(0); !errors.Is(err, ErrNodeStarted) {
		t.Fatalf("second Start() = %v, want ErrNodeStarted", err)
	}
}

func TestOscillatorWindow(t *testing.T) {
	c := offlineContext(t, 1000)
	o := c.NewOscillator(WaveSquare)
	o.Frequency.SetValue(10)
	o.Start(0.1)
	o.Stop(0.2)
	if l, _ := o.Render(0.05); l != 0 {
		t.Fatalf("Render before start = %v, want 0", l)
	}
	if l, _ := o.Render(0.1); l != 1 {
		t.Fatalf("Render at start = %v, want 1", l)
	}
	if o.Finished(0.15) {
		t.Fatal("Finished before stop time")
	}
	if l, _ := o.Render(0.25); l != 0 {
		t.Fatalf("Render after stop = %v, want 0", l)
	}
	if !o.Finished(0.2) {
		t.Fatal("not Finished at stop time")
	}
}

func TestOscillatorFrequency(t *testing.T) {
	const sr = 8000
	c := offlineContext(t, sr)
	o := c.NewOscillator(WaveSine)
	o.Frequency.SetValue(100)
	o.Start(0)
	crossings := 0
	prev, _ := o.Render(0)
	for i := 1; i < sr; i++ {
		v, _ := o.Render(float64(i) / sr)
		if prev < 0 && v >= 0 {
			crossings++
		}
		prev = v
	}
	if crossings < 99 || crossings > 100 {
		t.Fatalf("rising zero crossings = %d, want ~100", crossings)
	}
}

func TestBufferPlayerPlaybackRate(t *testing.T) {
	c := offlineContext(t, 100)
	buf := NewBuffer(100, []float32{0, 1, 2, 3, 4, 5, 6, 7})
	p := c.NewBufferPlayer(buf)
	p.PlaybackRate.SetValue(0.5)
	p.Start(0)
	var got []float32
	for i := 0; i < 4; i++ {
		l, _ := p.Render(float64(i) / 100)
		got = append(got, l)
	}
	want := []float32{0, 0.5, 1, 1.5}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Fatalf("samples = %v, want %v", got, want)
		}
	}
}

func TestBufferPlayerEndsAtBufferEnd(t *testing.T) {
	c := offlineContext(t, 100)
	p := c.NewBufferPlayer(NewBuffer(100, []float32{1, 1}))
	p.Start(0)
	for i := 0; i < 3; i++ {
		p.Render(float64(i) / 100)
	}
	if !p.Finished(0.03) {
		t.Fatal("player not finished after buffer end")
	}
}

func TestBufferPlayerMonoIsCentered(t *testing.T) {
	c := offlineContext(t, 100)
	p := c.NewBufferPlayer(NewBuffer(100, []float32{0.5}))
	p.Start(0)
	l, r := p.Render(0)
	if l != 0.5 || r != 0.5 {
		t.Fatalf("Render() = %v,%v; want 0.5,0.5", l, r)
	}
}

type constNode struct {
	v    float32
	done bool
}

func (n *constNode) Render(float64) (float32, float32) { return n.v, n.v }
func (n *constNode) Finished(float64) bool             { return n.done }

func TestGainSumsAndScales(t *testing.T) {
	c := offlineContext(t, 100)
	g := c.NewGain(0.5)
	g.Connect(&constNode{v: 0.2}, &constNode{v: 0.4})
	l, _ := g.Render(0)
	if math.Abs(float64(l)-0.3) > 1e-6 {
		t.Fatalf("Render() = %v, want 0.3", l)
	}
}

func TestGainFinishedWhenInputsFinish(t *testing.T) {
	c := offlineContext(t, 100)
	g := c.NewGain(1)
	if !g.Finished(0) {
		t.Fatal("Gain without inputs should be finished")
	}
	in := &constNode{v: 1}
	g.Connect(in)
	if g.Finished(0) {
		t.Fatal("Gain finished with a live input")
	}
	in.done = true
	if !g.Finished(0) {
		t.Fatal("Gain not finished after its input finished")
	}
}

func TestBusPrunesButNeverFinishes(t *testing.T) {
	c := offlineContext(t, 100)
	b := c.NewBus(1)
	b.Connect(&constNode{v: 1, done: true}, &constNode{v: 1})
	if b.Finished(0) {
		t.Fatal("bus reported finished")
	}
	if n := b.Inputs(); n != 1 {
		t.Fatalf("Inputs() = %d, want 1 after pruning", n)
	}
}

func TestFilterLowpassAttenuatesHighs(t *testing.T) {
	const sr = 48000
	c := offlineContext(t, sr)
	measure := func(freq float64) float64 {
		o := c.NewOscillator(WaveSine)
		o.Frequency.SetValue(freq)
		o.Start(0)
		f := c.NewFilter(Lowpass, 500, 1)
		f.Connect(o)
		var peak float64
		for i := 0; i < sr/4; i++ {
			l, _ := f.Render(float64(i) / sr)
			if i > sr/8 && math.Abs(float64(l)) > peak {
				peak = math.Abs(float64(l))
			}
		}
		return peak
	}
	low, high := measure(100), measure(8000)
	if low < 0.9 {
		t.Fatalf("passband peak = %v, want ~1", low)
	}
	if high > 0.05 {
		t.Fatalf("stopband peak = %v, want < 0.05", high)
	}
}

func TestWaveShaperCurve(t *testing.T) {
	c := offlineContext(t, 100)
	ws := c.NewWaveShaper([]float32{-1, 0, 0.5})
	tests := []struct{ in, want float32 }{
		{-1, -1},
		{0, 0},
		{0.5, 0.25},
		{1, 0.5},
		{3, 0.5},
	}
	for _, tt := range tests {
		ws.Connect(&constNode{v: tt.in})
		if got, _ := ws.Render(0); math.Abs(float64(got-tt.want)) > 1e-6 {
			t.Fatalf("shape(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
