// Package effects implements the master bus processing applied after voices
// are mixed: a 5-band EQ, a Schroeder reverb and a peak limiter.
package effects

import (
	"math"
	"sync/atomic"
)

// Effector processes one stereo frame.
type Effector interface {
	Process(l, r float32) (float32, float32)
	Reset()
}

// Chain applies a sequence of effects in order.
type Chain struct {
	effects []Effector
}

func NewChain(effects ...Effector) *Chain {
	return &Chain{effects: effects}
}

func (c *Chain) Process(l, r float32) (float32, float32) {
	for _, e := range c.effects {
		l, r = e.Process(l, r)
	}
	return l, r
}

func (c *Chain) Reset() {
	for _, e := range c.effects {
		e.Reset()
	}
}

// Master is the engine's output chain. Its controls are safe to change from
// any goroutine while the render goroutine calls Process.
type Master struct {
	EQ      *EQ
	Reverb  *Reverb
	Limiter *Limiter
	chain   *Chain
}

func NewMaster(sampleRate int) *Master {
	m := &Master{
		EQ:      NewEQ(sampleRate),
		Reverb:  NewReverb(sampleRate, 0.6, 0.75, 0),
		Limiter: NewLimiter(sampleRate, -1, 5, 120),
	}
	m.chain = NewChain(m.EQ, m.Reverb, m.Limiter)
	return m
}

func (m *Master) Process(l, r float32) (float32, float32) { return m.chain.Process(l, r) }
func (m *Master) Reset()                                  { m.chain.Reset() }

// atomicFloat stores a float32 for lock-free reads from the render goroutine.
type atomicFloat struct {
	bits atomic.Uint32
}

func (a *atomicFloat) Load() float32   { return math.Float32frombits(a.bits.Load()) }
func (a *atomicFloat) Store(v float32) { a.bits.Store(math.Float32bits(v)) }

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
