package effects

// Reverb is a Schroeder reverb: four parallel feedback combs per channel
// feeding two series allpasses. The right channel's delays are offset
// slightly to decorrelate the stereo tail.
type Reverb struct {
	left, right reverbLine
	wet         atomicFloat
}

type reverbLine struct {
	combs   [4]delayLine
	allpass [2]delayLine
}

type delayLine struct {
	buf []float32
	pos int
	fb  float32
}

var (
	combRatios    = [4]int{1000, 1117, 1271, 1437}
	allpassRatios = [2]int{347, 213}
)

const stereoSpread = 23

// NewReverb creates a reverb. roomSize (0..1) scales the delay lengths,
// feedback (0..0.95) sets the decay and wet (0..1) the mix.
func NewReverb(sampleRate int, roomSize, feedback, wet float32) *Reverb {
	base := int(float32(sampleRate) * roomSize * 0.05)
	if base < 10 {
		base = 10
	}
	fb := clamp(feedback, 0, 0.95)
	r := &Reverb{}
	r.left = newReverbLine(base, 0, fb)
	r.right = newReverbLine(base, stereoSpread, fb)
	r.SetWet(wet)
	return r
}

func newReverbLine(base, spread int, fb float32) reverbLine {
	var line reverbLine
	for i, ratio := range combRatios {
		line.combs[i] = delayLine{buf: make([]float32, base*ratio/1000+spread), fb: fb}
	}
	for i, ratio := range allpassRatios {
		line.allpass[i] = delayLine{buf: make([]float32, max(base*ratio/1000, 1)), fb: 0.5}
	}
	return line
}

// SetWet sets the wet/dry mix. 0 bypasses the tail entirely.
func (r *Reverb) SetWet(wet float32) { r.wet.Store(clamp(wet, 0, 1)) }

func (r *Reverb) Wet() float32 { return r.wet.Load() }

func (r *Reverb) Process(l, rr float32) (float32, float32) {
	wet := r.wet.Load()
	tailL := r.left.process(l)
	tailR := r.right.process(rr)
	if wet == 0 {
		return l, rr
	}
	return l*(1-wet) + tailL*wet, rr*(1-wet) + tailR*wet
}

func (r *Reverb) Reset() {
	r.left.reset()
	r.right.reset()
}

func (line *reverbLine) process(in float32) float32 {
	var out float32
	for i := range line.combs {
		out += line.combs[i].comb(in)
	}
	out *= 0.25
	for i := range line.allpass {
		out = line.allpass[i].allpass(out)
	}
	return out
}

func (line *reverbLine) reset() {
	for i := range line.combs {
		line.combs[i].reset()
	}
	for i := range line.allpass {
		line.allpass[i].reset()
	}
}

func (d *delayLine) comb(in float32) float32 {
	out := d.buf[d.pos]
	d.buf[d.pos] = in + out*d.fb
	d.advance()
	return out
}

func (d *delayLine) allpass(in float32) float32 {
	delayed := d.buf[d.pos]
	d.buf[d.pos] = in + delayed*d.fb
	d.advance()
	return delayed - in
}

func (d *delayLine) advance() {
	d.pos++
	if d.pos >= len(d.buf) {
		d.pos = 0
	}
}

func (d *delayLine) reset() {
	clear(d.buf)
	d.pos = 0
}
