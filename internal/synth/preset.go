// Package synth builds voices from presets and manages the notes an
// instrument is sounding.
//
// A Preset is a closed set of recipes. Build turns a preset into a NodeChain,
// a single-use voice graph with start, stop and frequency controls. Synth owns
// one output bus per instrument and tracks which notes are held.
package synth

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cbegin/moatone-go/internal/audio"
)

var ErrUnknownPreset = errors.New("unknown preset")

// Preset is one of Sine, EightBit, PianoSample, GuitarSample or Marimba.
type Preset interface {
	Name() string
	preset()
}

// Envelope is an amplitude contour. Start sets 0, ramps linearly to Peak
// over Attack, then exponentially to Sustain over Decay (skipped when Decay
// is zero). Stop ramps exponentially to silence over Release.
type Envelope struct {
	Attack  float64
	Peak    float64
	Decay   float64
	Sustain float64
	Release float64
}

// Sine is a filtered triangle oscillator.
type Sine struct {
	Wave        audio.Waveform
	FilterRatio float64 // lowpass cutoff as a multiple of the note frequency
	Q           float64
	Envelope    Envelope
}

func DefaultSine() Sine {
	return Sine{
		Wave:        audio.WaveTriangle,
		FilterRatio: 3,
		Q:           1,
		Envelope:    Envelope{Attack: 0.01, Peak: 0.5, Decay: 0.1, Sustain: 0.15, Release: 0.3},
	}
}

// EightBit layers two detuned square waves through a quantizing shaper.
type EightBit struct {
	Detune    float64
	MainGain  float64
	LayerGain float64
	StopDelay float64 // oscillators stop this long after Stop
	Envelope  Envelope
}

func DefaultEightBit() EightBit {
	return EightBit{
		Detune:    1.02,
		MainGain:  0.8,
		LayerGain: 0.2,
		StopDelay: 0.5,
		Envelope:  Envelope{Attack: 0.01, Peak: 0.5, Decay: 0.99, Sustain: 0.001, Release: 1},
	}
}

// SampleParams describes a sample-backed preset.
type SampleParams struct {
	Resource string
	Output   float64
	Envelope Envelope
}

type PianoSample struct{ SampleParams }

type GuitarSample struct{ SampleParams }

type Marimba struct{ SampleParams }

func DefaultPianoSample() PianoSample {
	return PianoSample{SampleParams{Resource: "piano", Output: 0.7, Envelope: Envelope{Peak: 0.8, Release: 2}}}
}

func DefaultGuitarSample() GuitarSample {
	return GuitarSample{SampleParams{Resource: "guitar", Output: 0.7, Envelope: Envelope{Peak: 0.9, Release: 2}}}
}

func DefaultMarimba() Marimba {
	return Marimba{SampleParams{Resource: "marimba", Output: 0.7, Envelope: Envelope{Peak: 0.9, Release: 1.5}}}
}

func (Sine) Name() string         { return "sine" }
func (EightBit) Name() string     { return "8bit" }
func (PianoSample) Name() string  { return "piano" }
func (GuitarSample) Name() string { return "guitar" }
func (Marimba) Name() string      { return "marimba" }

func (Sine) preset()         {}
func (EightBit) preset()     {}
func (PianoSample) preset()  {}
func (GuitarSample) preset() {}
func (Marimba) preset()      {}

var defaults = map[string]func() Preset{
	"sine":    func() Preset { return DefaultSine() },
	"8bit":    func() Preset { return DefaultEightBit() },
	"piano":   func() Preset { return DefaultPianoSample() },
	"guitar":  func() Preset { return DefaultGuitarSample() },
	"marimba": func() Preset { return DefaultMarimba() },
}

// ParsePreset returns the default parameters of a named preset.
func ParsePreset(name string) (Preset, error) {
	mk, ok := defaults[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return mk(), nil
}

// PresetNames lists the built-in preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(defaults))
	for n := range defaults {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RequiredResources returns the sample resources a preset plays from.
func RequiredResources(p Preset) []string {
	switch p := p.(type) {
	case PianoSample:
		return []string{p.Resource}
	case GuitarSample:
		return []string{p.Resource}
	case Marimba:
		return []string{p.Resource}
	default:
		return nil
	}
}

// Build creates a fresh voice for p. Sample presets look their sample up in
// samples when the frequency is set.
func Build(ctx *audio.Context, samples SampleLookup, p Preset) (NodeChain, error) {
	switch p := p.(type) {
	case Sine:
		return newSineChain(ctx, p), nil
	case EightBit:
		return newEightBitChain(ctx, p), nil
	case PianoSample:
		return newSampleChain(ctx, samples, p.SampleParams), nil
	case GuitarSample:
		return newSampleChain(ctx, samples, p.SampleParams), nil
	case Marimba:
		return newSampleChain(ctx, samples, p.SampleParams), nil
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnknownPreset)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPreset, p)
	}
}
