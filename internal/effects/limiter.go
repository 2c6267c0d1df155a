package effects

import "math"

// Limiter is a stereo-linked peak limiter that keeps the summed voices under
// a ceiling. The gain reduction follows the louder channel.
type Limiter struct {
	ceiling float32
	attack  float32
	release float32
	env     float32
}

// NewLimiter creates a limiter with the ceiling in dBFS and attack/release in ms.
func NewLimiter(sampleRate int, ceilingDB, attackMs, releaseMs float32) *Limiter {
	return &Limiter{
		ceiling: float32(math.Pow(10, float64(ceilingDB)/20)),
		attack:  coefficient(sampleRate, attackMs),
		release: coefficient(sampleRate, releaseMs),
	}
}

func coefficient(sampleRate int, ms float32) float32 {
	if ms <= 0 {
		return 1
	}
	return float32(1.0 - math.Exp(-1.0/(float64(ms)*float64(sampleRate)/1000.0)))
}

func (c *Limiter) Process(l, r float32) (float32, float32) {
	peak := float32(math.Max(math.Abs(float64(l)), math.Abs(float64(r))))
	if peak > c.env {
		c.env += c.attack * (peak - c.env)
	} else {
		c.env += c.release * (peak - c.env)
	}
	gain := float32(1)
	if c.env > c.ceiling {
		gain = c.ceiling / c.env
	}
	return l * gain, r * gain
}

// Reduction returns the current gain reduction factor (1 = none).
func (c *Limiter) Reduction() float32 {
	if c.env > c.ceiling {
		return c.ceiling / c.env
	}
	return 1
}

func (c *Limiter) Reset() {
	c.env = 0
}
