package synth

import (
	"errors"
	"sync"

	"github.com/cbegin/moatone-go/internal/transport"
)

var ErrPlaying = errors.New("phrase already playing")

// PhraseNote times are in half beats.
type PhraseNote struct {
	Time     float64 `json:"time"`
	Value    string  `json:"value"`
	Duration float64 `json:"duration"`
}

// Phrase is a short melody. Length is the phrase length in half beats.
type Phrase struct {
	BPM    float64      `json:"bpm"`
	Length float64      `json:"timeLength"`
	Notes  []PhraseNote `json:"notes"`
}

// HalfBeat returns the duration of one phrase time unit in seconds.
func (ph Phrase) HalfBeat() float64 {
	return 60 / ph.BPM / 2
}

// Duration returns the phrase length in seconds.
func (ph Phrase) Duration() float64 {
	return ph.Length * ph.HalfBeat()
}

// Player plays phrases on a synth through the transport.
type Player struct {
	synth *Synth
	sched Scheduler

	mu      sync.Mutex
	playing bool
	events  []transport.EventID
	done    chan struct{}
}

func NewPlayer(s *Synth, sched Scheduler) *Player {
	return &Player{synth: s, sched: sched}
}

// Play schedules every note of ph starting now. An empty phrase is a no-op.
func (p *Player) Play(ph Phrase) error {
	if len(ph.Notes) == 0 || ph.BPM <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing {
		return ErrPlaying
	}
	p.playing = true
	p.done = make(chan struct{})
	p.events = p.events[:0]

	unit := ph.HalfBeat()
	start := p.sched.Now()
	for _, n := range ph.Notes {
		duration := n.Duration * unit
		id := p.sched.Schedule(func(at float64) {
			if !p.Playing() {
				return
			}
			p.synth.TriggerAttackRelease([]string{n.Value}, duration, at, 0)
		}, start+n.Time*unit)
		p.events = append(p.events, id)
	}
	id := p.sched.Schedule(func(float64) { p.finish() }, start+ph.Duration())
	p.events = append(p.events, id)
	return nil
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Stop clears every pending note of the current phrase. Notes already
// sounding finish normally.
func (p *Player) Stop() {
	p.mu.Lock()
	events := p.events
	p.events = nil
	p.mu.Unlock()
	for _, id := range events {
		p.sched.Clear(id)
	}
	p.finish()
}

func (p *Player) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing {
		return
	}
	p.playing = false
	close(p.done)
	p.done = nil
}

// Wait blocks until the current phrase ends or is stopped. It returns
// immediately when nothing is playing.
func (p *Player) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}
