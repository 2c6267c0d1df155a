package effects

import "math"

// Bands of the master EQ, split at 200 Hz, 800 Hz, 2.5 kHz and 8 kHz.
const (
	BandLow = iota
	BandLowMid
	BandMid
	BandHighMid
	BandHigh
	NumBands
)

var crossovers = [NumBands - 1]float64{200, 800, 2500, 8000}

// EQ splits the signal with cascaded one-pole crossovers and re-sums the
// bands with per-band gains. Gains are atomics so the UI can move them while
// the render goroutine runs.
type EQ struct {
	gains  [NumBands]atomicFloat
	alphas [NumBands - 1]float32
	lp     [2][NumBands - 1]float32
}

func NewEQ(sampleRate int) *EQ {
	eq := &EQ{}
	dt := 1.0 / float64(sampleRate)
	for i, freq := range crossovers {
		rc := 1.0 / (2.0 * math.Pi * freq)
		eq.alphas[i] = float32(dt / (rc + dt))
	}
	for i := range eq.gains {
		eq.gains[i].Store(1)
	}
	return eq
}

// SetGain sets a band's linear gain (1 = unity). Out-of-range bands are ignored.
func (eq *EQ) SetGain(band int, gain float32) {
	if band >= 0 && band < NumBands {
		eq.gains[band].Store(max(gain, 0))
	}
}

func (eq *EQ) Gain(band int) float32 {
	if band >= 0 && band < NumBands {
		return eq.gains[band].Load()
	}
	return 1
}

func (eq *EQ) Process(l, r float32) (float32, float32) {
	return eq.channel(0, l), eq.channel(1, r)
}

func (eq *EQ) channel(ch int, x float32) float32 {
	var out float32
	rem := x
	for i := range eq.alphas {
		eq.lp[ch][i] += eq.alphas[i] * (rem - eq.lp[ch][i])
		out += eq.lp[ch][i] * eq.gains[i].Load()
		rem -= eq.lp[ch][i]
	}
	return out + rem*eq.gains[NumBands-1].Load()
}

func (eq *EQ) Reset() {
	eq.lp = [2][NumBands - 1]float32{}
}
