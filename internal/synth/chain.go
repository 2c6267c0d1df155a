package synth

import (
	"errors"
	"math"
	"sync"

	"github.com/cbegin/moatone-go/internal/audio"
	"github.com/cbegin/moatone-go/internal/note"
	"github.com/cbegin/moatone-go/internal/resource"
)

// ErrChainSpent is returned by Start or Stop on a chain that was stopped.
var ErrChainSpent = errors.New("node chain already stopped")

const silence = 0.001

// NodeChain is one voice. It is single-use: once stopped it cannot be
// started again, and a new chain must be built for the next note.
type NodeChain interface {
	Output() audio.Node
	SetFrequency(freq, when float64)
	Start(when float64) error
	Stop(when float64) error
}

// SampleLookup finds the loaded sample nearest to a note.
type SampleLookup interface {
	ClosestSample(id, target string) (resource.Sample, bool)
}

func (e Envelope) start(p *audio.Param, when float64) {
	p.SetValueAtTime(0, when)
	p.LinearRampToValueAtTime(e.Peak, when+e.Attack)
	if e.Decay > 0 {
		p.ExponentialRampToValueAtTime(e.Sustain, when+e.Attack+e.Decay)
	}
}

// release drops pending automation from when on, holds the value the curve
// has at when, and fades out over Release.
func (e Envelope) release(p *audio.Param, when float64) {
	v := p.ValueAt(when)
	p.CancelScheduledValues(when)
	p.SetValueAtTime(v, when)
	p.ExponentialRampToValueAtTime(silence, when+e.Release)
}

// lifecycle enforces start-once, stop-once.
type lifecycle struct {
	started, stopped bool
}

func (l *lifecycle) start() error {
	if l.stopped {
		return ErrChainSpent
	}
	if l.started {
		return audio.ErrNodeStarted
	}
	l.started = true
	return nil
}

func (l *lifecycle) stop() error {
	if l.stopped {
		return ErrChainSpent
	}
	if !l.started {
		return audio.ErrNodeNotStarted
	}
	l.stopped = true
	return nil
}

type sineChain struct {
	mu     sync.Mutex
	life   lifecycle
	ctx    *audio.Context
	params Sine
	osc    *audio.Oscillator
	filter *audio.Filter
	out    *audio.Gain
}

func newSineChain(ctx *audio.Context, p Sine) *sineChain {
	osc := ctx.NewOscillator(p.Wave)
	filter := ctx.NewFilter(audio.Lowpass, osc.Frequency.ValueAt(0)*p.FilterRatio, p.Q)
	filter.Connect(osc)
	out := ctx.NewGain(0)
	out.Connect(filter)
	return &sineChain{ctx: ctx, params: p, osc: osc, filter: filter, out: out}
}

func (c *sineChain) Output() audio.Node { return c.out }

func (c *sineChain) SetFrequency(freq, when float64) {
	c.osc.Frequency.SetValueAtTime(freq, when)
	c.filter.Frequency.SetValueAtTime(freq*c.params.FilterRatio, when)
	c.filter.Q.SetValueAtTime(c.params.Q, when)
}

func (c *sineChain) Start(when float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.life.start(); err != nil {
		return err
	}
	c.params.Envelope.start(c.out.Gain, when)
	return c.osc.Start(when)
}

func (c *sineChain) Stop(when float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.life.stop(); err != nil {
		return err
	}
	when = math.Max(when, c.ctx.Now())
	c.params.Envelope.release(c.out.Gain, when)
	return c.osc.Stop(when + c.params.Envelope.Release)
}

type eightBitChain struct {
	mu     sync.Mutex
	life   lifecycle
	ctx    *audio.Context
	params EightBit
	main   *audio.Oscillator
	layer  *audio.Oscillator
	out    *audio.Gain
}

func newEightBitChain(ctx *audio.Context, p EightBit) *eightBitChain {
	main := ctx.NewOscillator(audio.WaveSquare)
	layer := ctx.NewOscillator(audio.WaveSquare)
	mainGain := ctx.NewGain(p.MainGain)
	mainGain.Connect(main)
	layerGain := ctx.NewGain(p.LayerGain)
	layerGain.Connect(layer)
	mix := ctx.NewGain(1)
	mix.Connect(mainGain, layerGain)
	shaper := ctx.NewWaveShaper(bitCrushCurve())
	shaper.Connect(mix)
	out := ctx.NewGain(0)
	out.Connect(shaper)
	return &eightBitChain{ctx: ctx, params: p, main: main, layer: layer, out: out}
}

// bitCrushCurve quantizes to 8-bit levels with slight compression.
var bitCrushCurve = sync.OnceValue(func() []float32 {
	const n = 65536
	curve := make([]float32, n)
	for i := range curve {
		x := float64(i-n/2) / (n / 2)
		q := math.Round(x*127) / 127
		curve[i] = float32(math.Copysign(math.Pow(math.Abs(q), 0.8), q))
	}
	return curve
})

func (c *eightBitChain) Output() audio.Node { return c.out }

func (c *eightBitChain) SetFrequency(freq, when float64) {
	c.main.Frequency.SetValueAtTime(freq, when)
	c.layer.Frequency.SetValueAtTime(freq*c.params.Detune, when)
}

func (c *eightBitChain) Start(when float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.life.start(); err != nil {
		return err
	}
	c.params.Envelope.start(c.out.Gain, when)
	return errors.Join(c.main.Start(when), c.layer.Start(when))
}

func (c *eightBitChain) Stop(when float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.life.stop(); err != nil {
		return err
	}
	when = math.Max(when, c.ctx.Now())
	c.params.Envelope.release(c.out.Gain, when)
	end := when + c.params.StopDelay
	return errors.Join(c.main.Stop(end), c.layer.Stop(end))
}

// sampleChain plays the closest sample of a resource, repitched by playback
// rate. Without a matching sample it stays silent.
type sampleChain struct {
	mu         sync.Mutex
	life       lifecycle
	ctx        *audio.Context
	samples    SampleLookup
	params     SampleParams
	out        *audio.Gain
	voice      *audio.Gain
	player     *audio.BufferPlayer
	sampleFreq float64
}

func newSampleChain(ctx *audio.Context, samples SampleLookup, p SampleParams) *sampleChain {
	return &sampleChain{ctx: ctx, samples: samples, params: p, out: ctx.NewGain(p.Output)}
}

func (c *sampleChain) Output() audio.Node { return c.out }

func (c *sampleChain) SetFrequency(freq, when float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.player == nil {
		if !c.load(freq) {
			return
		}
	}
	c.player.PlaybackRate.SetValueAtTime(freq/c.sampleFreq, when)
}

func (c *sampleChain) load(freq float64) bool {
	if c.samples == nil {
		return false
	}
	target, err := note.FromFrequency(freq)
	if err != nil {
		return false
	}
	s, ok := c.samples.ClosestSample(c.params.Resource, target.String())
	if !ok || s.Buffer == nil {
		return false
	}
	sf, err := note.Frequency(s.Note)
	if err != nil {
		return false
	}
	c.sampleFreq = sf
	c.player = c.ctx.NewBufferPlayer(s.Buffer)
	c.voice = c.ctx.NewGain(0)
	c.voice.Connect(c.player)
	c.out.Connect(c.voice)
	return true
}

// Silent reports whether no sample was found for this voice.
func (c *sampleChain) Silent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.player == nil
}

func (c *sampleChain) Start(when float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.life.start(); err != nil {
		return err
	}
	if c.player == nil {
		return nil
	}
	c.params.Envelope.start(c.voice.Gain, when)
	return c.player.Start(when)
}

func (c *sampleChain) Stop(when float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.life.stop(); err != nil {
		return err
	}
	if c.player == nil {
		return nil
	}
	when = math.Max(when, c.ctx.Now())
	c.params.Envelope.release(c.voice.Gain, when)
	return c.player.Stop(when + c.params.Envelope.Release)
}
