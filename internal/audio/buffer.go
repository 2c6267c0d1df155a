package audio

import "math"

// Buffer holds decoded PCM audio, one float32 slice per channel, in [-1, 1].
type Buffer struct {
	SampleRate int
	channels   [][]float32
}

// NewBuffer wraps per-channel sample slices. All channels must have equal length.
func NewBuffer(sampleRate int, channels ...[]float32) *Buffer {
	return &Buffer{SampleRate: sampleRate, channels: channels}
}

// NewBufferInterleaved splits interleaved samples into channels.
func NewBufferInterleaved(sampleRate, numChannels int, samples []float32) *Buffer {
	if numChannels < 1 {
		numChannels = 1
	}
	frames := len(samples) / numChannels
	chans := make([][]float32, numChannels)
	for c := range chans {
		chans[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < numChannels; c++ {
			chans[c][i] = samples[i*numChannels+c]
		}
	}
	return &Buffer{SampleRate: sampleRate, channels: chans}
}

func (b *Buffer) Channels() int { return len(b.channels) }

func (b *Buffer) Frames() int {
	if len(b.channels) == 0 {
		return 0
	}
	return len(b.channels[0])
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Channel returns the samples of channel ch. Mono buffers return channel 0 for any ch.
func (b *Buffer) Channel(ch int) []float32 {
	if len(b.channels) == 0 {
		return nil
	}
	if ch >= len(b.channels) {
		ch = len(b.channels) - 1
	}
	return b.channels[ch]
}

// At returns the linearly interpolated sample at a fractional frame position.
// Positions outside the buffer read as silence.
func (b *Buffer) At(ch int, frame float64) float32 {
	data := b.Channel(ch)
	if frame < 0 || len(data) == 0 {
		return 0
	}
	lo := math.Floor(frame)
	i := int(lo)
	if i >= len(data) {
		return 0
	}
	if i == len(data)-1 {
		return data[i]
	}
	frac := float32(frame - lo)
	return data[i] + (data[i+1]-data[i])*frac
}
