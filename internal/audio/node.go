package audio

import (
	"errors"
	"math"
	"sync"
)

var (
	ErrNodeStarted    = errors.New("node already started")
	ErrNodeNotStarted = errors.New("node not started")
)

// Node is one vertex of the render graph. Render is called exactly once per
// frame with the context time of that frame. Every node has a single
// downstream consumer.
type Node interface {
	Render(t float64) (l, r float32)
	// Finished reports whether the node will produce only silence from t on.
	Finished(t float64) bool
}

// scheduled tracks the single-use start/stop window of a source node.
type scheduled struct {
	start, stop      float64
	started, stopped bool
}

func (s *scheduled) doStart(when float64) error {
	if s.started {
		return ErrNodeStarted
	}
	s.started = true
	s.start = when
	return nil
}

func (s *scheduled) doStop(when float64) error {
	if !s.started {
		return ErrNodeNotStarted
	}
	s.stopped = true
	s.stop = when
	return nil
}

func (s *scheduled) active(t float64) bool {
	return s.started && t >= s.start && !(s.stopped && t >= s.stop)
}

func (s *scheduled) done(t float64) bool {
	return s.stopped && t >= s.stop
}

type Waveform int

const (
	WaveSine Waveform = iota
	WaveSquare
	WaveSawtooth
	WaveTriangle
)

// Oscillator is a single-use periodic source.
type Oscillator struct {
	mu         sync.Mutex
	sampleRate float64
	wave       Waveform
	phase      float64
	sched      scheduled
	Frequency  *Param
}

func (c *Context) NewOscillator(wave Waveform) *Oscillator {
	return &Oscillator{
		sampleRate: float64(c.sampleRate),
		wave:       wave,
		Frequency:  NewParam(440),
	}
}

func (o *Oscillator) Start(when float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sched.doStart(when)
}

func (o *Oscillator) Stop(when float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sched.doStop(when)
}

func (o *Oscillator) Render(t float64) (float32, float32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.sched.active(t) {
		return 0, 0
	}
	var v float64
	switch o.wave {
	case WaveSquare:
		if o.phase < 0.5 {
			v = 1
		} else {
			v = -1
		}
	case WaveSawtooth:
		v = 2*o.phase - 1
	case WaveTriangle:
		v = 1 - 4*math.Abs(o.phase-0.5)
	default:
		v = math.Sin(2 * math.Pi * o.phase)
	}
	o.phase += o.Frequency.ValueAt(t) / o.sampleRate
	o.phase -= math.Floor(o.phase)
	s := float32(v)
	return s, s
}

func (o *Oscillator) Finished(t float64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sched.done(t)
}

// BufferPlayer plays a Buffer once, resampled by PlaybackRate with linear
// interpolation.
type BufferPlayer struct {
	mu           sync.Mutex
	sampleRate   float64
	buf          *Buffer
	pos          float64
	ended        bool
	sched        scheduled
	PlaybackRate *Param
}

func (c *Context) NewBufferPlayer(buf *Buffer) *BufferPlayer {
	return &BufferPlayer{
		sampleRate:   float64(c.sampleRate),
		buf:          buf,
		PlaybackRate: NewParam(1),
	}
}

func (p *BufferPlayer) Start(when float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sched.doStart(when)
}

func (p *BufferPlayer) Stop(when float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sched.doStop(when)
}

func (p *BufferPlayer) Render(t float64) (float32, float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended || !p.sched.active(t) {
		return 0, 0
	}
	if p.buf == nil || p.pos >= float64(p.buf.Frames()) {
		p.ended = true
		return 0, 0
	}
	l := p.buf.At(0, p.pos)
	r := p.buf.At(1, p.pos)
	p.pos += p.PlaybackRate.ValueAt(t) * float64(p.buf.SampleRate) / p.sampleRate
	return l, r
}

func (p *BufferPlayer) Finished(t float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended || p.sched.done(t)
}

// Gain scales the sum of its inputs. A plain Gain is finished once every
// input is finished; a bus (NewBus) never finishes and drops finished inputs.
type Gain struct {
	mu     sync.Mutex
	inputs []Node
	bus    bool
	Gain   *Param
}

func (c *Context) NewGain(gain float64) *Gain {
	return &Gain{Gain: NewParam(gain)}
}

// NewBus returns a long-lived Gain that instruments connect voices into.
func (c *Context) NewBus(gain float64) *Gain {
	return &Gain{Gain: NewParam(gain), bus: true}
}

func (g *Gain) Connect(inputs ...Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, inputs...)
}

// Inputs returns the number of connected inputs.
func (g *Gain) Inputs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inputs)
}

func (g *Gain) Render(t float64) (float32, float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var l, r float32
	for _, in := range g.inputs {
		il, ir := in.Render(t)
		l += il
		r += ir
	}
	gain := float32(g.Gain.ValueAt(t))
	return l * gain, r * gain
}

func (g *Gain) Finished(t float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bus {
		kept := g.inputs[:0]
		for _, in := range g.inputs {
			if !in.Finished(t) {
				kept = append(kept, in)
			}
		}
		for i := len(kept); i < len(g.inputs); i++ {
			g.inputs[i] = nil
		}
		g.inputs = kept
		return false
	}
	for _, in := range g.inputs {
		if !in.Finished(t) {
			return false
		}
	}
	return true
}

type FilterType int

const (
	Lowpass FilterType = iota
	Highpass
	Bandpass
)

// Filter is a biquad filter (RBJ cookbook coefficients).
type Filter struct {
	mu         sync.Mutex
	sampleRate float64
	typ        FilterType
	input      Node

	lastFreq, lastQ    float64
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     [2]float64

	Frequency *Param
	Q         *Param
}

func (c *Context) NewFilter(typ FilterType, freq, q float64) *Filter {
	return &Filter{
		sampleRate: float64(c.sampleRate),
		typ:        typ,
		lastFreq:   -1,
		Frequency:  NewParam(freq),
		Q:          NewParam(q),
	}
}

func (f *Filter) Connect(input Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = input
}

func (f *Filter) Render(t float64) (float32, float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.input == nil {
		return 0, 0
	}
	l, r := f.input.Render(t)
	freq, q := f.Frequency.ValueAt(t), f.Q.ValueAt(t)
	if freq != f.lastFreq || q != f.lastQ {
		f.updateCoefficients(freq, q)
	}
	return float32(f.step(0, float64(l))), float32(f.step(1, float64(r)))
}

func (f *Filter) step(ch int, x float64) float64 {
	y := f.b0*x + f.b1*f.x1[ch] + f.b2*f.x2[ch] - f.a1*f.y1[ch] - f.a2*f.y2[ch]
	f.x2[ch], f.x1[ch] = f.x1[ch], x
	f.y2[ch], f.y1[ch] = f.y1[ch], y
	return y
}

func (f *Filter) updateCoefficients(freq, q float64) {
	f.lastFreq, f.lastQ = freq, q
	nyquist := f.sampleRate / 2
	if freq < 10 {
		freq = 10
	} else if freq > nyquist*0.99 {
		freq = nyquist * 0.99
	}
	if q < 0.0001 {
		q = 0.0001
	}
	w0 := 2 * math.Pi * freq / f.sampleRate
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	alpha := sinw / (2 * q)
	var b0, b1, b2 float64
	switch f.typ {
	case Highpass:
		b0 = (1 + cosw) / 2
		b1 = -(1 + cosw)
		b2 = (1 + cosw) / 2
	case Bandpass:
		b0 = alpha
		b1 = 0
		b2 = -alpha
	default:
		b0 = (1 - cosw) / 2
		b1 = 1 - cosw
		b2 = (1 - cosw) / 2
	}
	a0 := 1 + alpha
	f.b0, f.b1, f.b2 = b0/a0, b1/a0, b2/a0
	f.a1, f.a2 = -2*cosw/a0, (1-alpha)/a0
}

func (f *Filter) Finished(t float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.input == nil || f.input.Finished(t)
}

// WaveShaper maps its input through a transfer curve spanning [-1, 1].
type WaveShaper struct {
	mu    sync.Mutex
	curve []float32
	input Node
}

func (c *Context) NewWaveShaper(curve []float32) *WaveShaper {
	return &WaveShaper{curve: curve}
}

func (w *WaveShaper) Connect(input Node) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.input = input
}

func (w *WaveShaper) Render(t float64) (float32, float32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.input == nil {
		return 0, 0
	}
	l, r := w.input.Render(t)
	return w.shape(l), w.shape(r)
}

func (w *WaveShaper) shape(x float32) float32 {
	n := len(w.curve)
	if n == 0 {
		return x
	}
	if n == 1 {
		return w.curve[0]
	}
	if x < -1 {
		x = -1
	} else if x > 1 {
		x = 1
	}
	pos := float64(x+1) / 2 * float64(n-1)
	i := int(pos)
	if i >= n-1 {
		return w.curve[n-1]
	}
	frac := float32(pos - float64(i))
	return w.curve[i] + (w.curve[i+1]-w.curve[i])*frac
}

func (w *WaveShaper) Finished(t float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.input == nil || w.input.Finished(t)
}

var (
	_ Node = (*Oscillator)(nil)
	_ Node = (*BufferPlayer)(nil)
	_ Node = (*Gain)(nil)
	_ Node = (*Filter)(nil)
	_ Node = (*WaveShaper)(nil)
)
