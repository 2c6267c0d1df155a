package synth

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/cbegin/moatone-go/internal/audio"
	"github.com/cbegin/moatone-go/internal/logger"
	"github.com/cbegin/moatone-go/internal/note"
	"github.com/cbegin/moatone-go/internal/transport"
)

// DefaultSwing is the maximum random start offset of chord notes.
const DefaultSwing = 0.02

// Scheduler is the part of the transport a Synth needs.
type Scheduler interface {
	Now() float64
	Schedule(cb transport.Callback, at float64) transport.EventID
	Clear(id transport.EventID)
}

type Option func(*Synth)

func WithLogger(l logger.Logger) Option {
	return func(s *Synth) { s.log = l }
}

// WithVolume sets the initial bus gain.
func WithVolume(v float64) Option {
	return func(s *Synth) { s.volume = v }
}

// WithRand sets the source of chord swing offsets.
func WithRand(r *rand.Rand) Option {
	return func(s *Synth) { s.rng = r }
}

// Synth is an instrument: a preset, an output bus and the table of notes
// currently held by TriggerAttack.
type Synth struct {
	ctx     *audio.Context
	sched   Scheduler
	samples SampleLookup
	log     logger.Logger
	bus     *audio.Gain

	mu     sync.Mutex
	preset Preset
	volume float64
	rng    *rand.Rand
	active map[string]NodeChain
}

// New creates a synth and connects its bus to the context destination.
func New(ctx *audio.Context, sched Scheduler, samples SampleLookup, preset Preset, opts ...Option) *Synth {
	s := &Synth{
		ctx:     ctx,
		sched:   sched,
		samples: samples,
		log:     logger.NewNopLogger(),
		preset:  preset,
		volume:  1,
		active:  make(map[string]NodeChain),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s.bus = ctx.NewBus(s.volume)
	ctx.Connect(s.bus)
	return s
}

func (s *Synth) Preset() Preset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preset
}

// SetPreset changes the preset used by later notes. Sounding notes keep
// their voices.
func (s *Synth) SetPreset(p Preset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preset = p
}

func (s *Synth) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
	s.bus.Gain.SetValue(v)
}

func (s *Synth) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *Synth) at(when float64) float64 {
	if when <= 0 {
		return s.ctx.Now()
	}
	return when
}

// voice builds, tunes and starts a chain, then attaches it to the bus.
func (s *Synth) voice(n string, when float64) (NodeChain, error) {
	freq, err := note.Frequency(n)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	p := s.preset
	s.mu.Unlock()
	chain, err := Build(s.ctx, s.samples, p)
	if err != nil {
		return nil, err
	}
	chain.SetFrequency(freq, when)
	if err := chain.Start(when); err != nil {
		return nil, err
	}
	s.bus.Connect(chain.Output())
	return chain, nil
}

// TriggerAttack starts n and holds it until released. A note that is
// already held is left alone. when <= 0 means now.
func (s *Synth) TriggerAttack(n string, when float64) error {
	when = s.at(when)
	s.mu.Lock()
	_, held := s.active[n]
	s.mu.Unlock()
	if held {
		return nil
	}
	chain, err := s.voice(n, when)
	if err != nil {
		return fmt.Errorf("attack %s: %w", n, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.active[n]; held {
		// Lost a race with a concurrent attack of the same note.
		return chain.Stop(when)
	}
	s.active[n] = chain
	return nil
}

// TriggerRelease releases n, or every held note when n is empty. Notes that
// are not held are ignored.
func (s *Synth) TriggerRelease(n string, when float64) {
	when = s.at(when)
	s.mu.Lock()
	var chains []NodeChain
	if n == "" {
		for k, c := range s.active {
			chains = append(chains, c)
			delete(s.active, k)
		}
	} else if c, ok := s.active[n]; ok {
		chains = append(chains, c)
		delete(s.active, n)
	}
	s.mu.Unlock()
	for _, c := range chains {
		if err := c.Stop(when); err != nil {
			s.log.Warning("release %s: %v", n, err)
		}
	}
}

// ReleaseAll stops every held note now.
func (s *Synth) ReleaseAll() {
	s.TriggerRelease("", 0)
}

// ActiveNotes returns the held notes in sorted order.
func (s *Synth) ActiveNotes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := make([]string, 0, len(s.active))
	for n := range s.active {
		notes = append(notes, n)
	}
	sort.Strings(notes)
	return notes
}

// TriggerAttackRelease plays each note for duration seconds starting at
// when (<= 0 means now). With more than one note every start is offset by a
// random amount in [0, swing). The release is scheduled on the transport.
// Notes that fail to start are logged and skipped.
func (s *Synth) TriggerAttackRelease(notes []string, duration, when, swing float64) error {
	when = s.at(when)
	var firstErr error
	for _, n := range notes {
		start := when
		if len(notes) > 1 {
			start += s.swing(swing)
		}
		if err := s.play(n, duration, start); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TriggerAttackReleaseArpeggio plays notes one after another, interval
// seconds apart, starting now. Swing applies only when interval is zero.
func (s *Synth) TriggerAttackReleaseArpeggio(notes []string, interval, duration, swing float64) error {
	now := s.ctx.Now()
	var firstErr error
	for i, n := range notes {
		start := now + float64(i)*interval
		if len(notes) > 1 && interval == 0 {
			start += s.swing(swing)
		}
		if err := s.play(n, duration, start); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Synth) swing(limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() * limit
}

func (s *Synth) play(n string, duration, start float64) error {
	chain, err := s.voice(n, start)
	if err != nil {
		s.log.Warning("play %s: %v", n, err)
		return fmt.Errorf("play %s: %w", n, err)
	}
	s.sched.Schedule(func(at float64) {
		if err := chain.Stop(at); err != nil {
			s.log.Warning("stop %s: %v", n, err)
		}
	}, start+duration)
	return nil
}
