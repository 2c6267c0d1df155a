package synth

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cbegin/moatone-go/internal/audio"
	"github.com/cbegin/moatone-go/internal/note"
)

// MembraneParams shape a pitch-swept sine kick.
type MembraneParams struct {
	Octaves    float64 // start frequency as a multiple of the note frequency
	PitchDecay float64
	Envelope   Envelope
	Volume     float64
}

func DefaultMembraneParams() MembraneParams {
	return MembraneParams{
		Octaves:    10,
		PitchDecay: 0.05,
		Envelope:   Envelope{Attack: 0.001, Peak: 0.8, Decay: 0.4, Sustain: 0.01, Release: 1.4},
		Volume:     0.8,
	}
}

// Membrane is a kick drum. Each hit is a one-shot voice that ends on its own.
type Membrane struct {
	ctx    *audio.Context
	params MembraneParams
	bus    *audio.Gain
}

var defaultKick = note.MustParse("C1")

func NewMembrane(ctx *audio.Context, params MembraneParams) *Membrane {
	bus := ctx.NewBus(params.Volume)
	ctx.Connect(bus)
	return &Membrane{ctx: ctx, params: params, bus: bus}
}

// TriggerAttack hits the drum at when (<= 0 means now). An unparsable note
// plays at C1.
func (m *Membrane) TriggerAttack(n string, when float64) error {
	if when <= 0 {
		when = m.ctx.Now()
	}
	base, err := note.Frequency(n)
	if err != nil {
		base = defaultKick.Frequency()
	}
	p := m.params
	env := p.Envelope
	end := when + env.Attack + env.Decay + env.Release

	osc := m.ctx.NewOscillator(audio.WaveSine)
	osc.Frequency.SetValueAtTime(base*p.Octaves, when)
	osc.Frequency.ExponentialRampToValueAtTime(base, when+p.PitchDecay)

	amp := m.ctx.NewGain(0)
	amp.Connect(osc)
	env.start(amp.Gain, when)
	amp.Gain.ExponentialRampToValueAtTime(silence, end)

	if err := osc.Start(when); err != nil {
		return err
	}
	if err := osc.Stop(end); err != nil {
		return err
	}
	m.bus.Connect(amp)
	return nil
}

// NoiseParams shape a filtered-noise snare.
type NoiseParams struct {
	Length   float64 // seconds of noise per hit
	Highpass float64
	HighQ    float64
	Bandpass float64
	BandQ    float64
	Envelope Envelope
	VolumeDB float64
}

func DefaultNoiseParams() NoiseParams {
	return NoiseParams{
		Length:   0.2,
		Highpass: 80,
		HighQ:    0.5,
		Bandpass: 1200,
		BandQ:    1.5,
		Envelope: Envelope{Attack: 0.002, Peak: 2, Decay: 0.15, Sustain: 0.05, Release: 0.12},
	}
}

// Noise is a snare drum built from a fresh noise burst per hit.
type Noise struct {
	ctx    *audio.Context
	params NoiseParams
	bus    *audio.Gain

	mu  sync.Mutex
	rng *rand.Rand
}

func NewNoise(ctx *audio.Context, params NoiseParams) *Noise {
	bus := ctx.NewBus(math.Pow(10, params.VolumeDB/20))
	ctx.Connect(bus)
	return &Noise{
		ctx:    ctx,
		params: params,
		bus:    bus,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *Noise) burst() *audio.Buffer {
	sr := d.ctx.SampleRate()
	frames := int(float64(sr) * d.params.Length)
	data := make([]float32, frames)
	d.mu.Lock()
	for i := range data {
		white := d.rng.Float64()*2 - 1
		pink := (d.rng.Float64()*2 - 1) * 0.7
		data[i] = float32(white*0.6 + pink*0.4)
	}
	d.mu.Unlock()
	return audio.NewBuffer(sr, data)
}

// TriggerAttack hits the drum at when (<= 0 means now) with the given
// velocity scaling the envelope peak.
func (d *Noise) TriggerAttack(when, velocity float64) error {
	if when <= 0 {
		when = d.ctx.Now()
	}
	p := d.params
	env := p.Envelope
	env.Peak *= velocity
	env.Sustain = math.Max(env.Sustain, silence)
	end := when + env.Attack + env.Decay + env.Release

	src := d.ctx.NewBufferPlayer(d.burst())
	hp := d.ctx.NewFilter(audio.Highpass, p.Highpass, p.HighQ)
	hp.Connect(src)
	bp := d.ctx.NewFilter(audio.Bandpass, p.Bandpass, p.BandQ)
	bp.Connect(hp)
	amp := d.ctx.NewGain(0)
	amp.Connect(bp)
	env.start(amp.Gain, when)
	amp.Gain.ExponentialRampToValueAtTime(silence, end)

	if err := src.Start(when); err != nil {
		return err
	}
	if err := src.Stop(end); err != nil {
		return err
	}
	d.bus.Connect(amp)
	return nil
}
