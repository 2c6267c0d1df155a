package audio

import (
	"errors"
	"math"
	"testing"
)

func TestEncodeDecodePCM16(t *testing.T) {
	const sr = 22050
	frames := 441
	samples := make([]float32, frames*2)
	for i := 0; i < frames; i++ {
		v := float32(math.Sin(2 * math.Pi * 440 * float64(i) / sr))
		samples[2*i] = v * 0.5
		samples[2*i+1] = -v * 0.5
	}
	data, err := EncodePCM16(samples, sr, 2)
	if err != nil {
		t.Fatalf("EncodePCM16() error: %v", err)
	}
	buf, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if buf.SampleRate != sr || buf.Channels() != 2 || buf.Frames() != frames {
		t.Fatalf("decoded %d Hz, %d ch, %d frames", buf.SampleRate, buf.Channels(), buf.Frames())
	}
	for i := 0; i < frames; i++ {
		if math.Abs(float64(buf.Channel(0)[i]-samples[2*i])) > 1e-3 {
			t.Fatalf("left[%d] = %v, want %v", i, buf.Channel(0)[i], samples[2*i])
		}
		if math.Abs(float64(buf.Channel(1)[i]-samples[2*i+1])) > 1e-3 {
			t.Fatalf("right[%d] = %v, want %v", i, buf.Channel(1)[i], samples[2*i+1])
		}
	}
	if math.Abs(buf.Duration()-0.02) > 1e-9 {
		t.Fatalf("Duration() = %v, want 0.02", buf.Duration())
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":     nil,
		"text":      []byte("not audio at all"),
		"truncated": []byte("RIFF\x00\x00\x00\x00WAVE"),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(data); !errors.Is(err, ErrDecode) {
				t.Fatalf("Decode() = %v, want ErrDecode", err)
			}
		})
	}
}

func TestBufferAtInterpolates(t *testing.T) {
	b := NewBufferInterleaved(100, 2, []float32{0, 10, 1, 20, 2, 30})
	if got := b.At(0, 0.5); math.Abs(float64(got)-0.5) > 1e-6 {
		t.Fatalf("At(0, 0.5) = %v, want 0.5", got)
	}
	if got := b.At(1, 1.25); math.Abs(float64(got)-22.5) > 1e-6 {
		t.Fatalf("At(1, 1.25) = %v, want 22.5", got)
	}
	if got := b.At(0, 2); got != 2 {
		t.Fatalf("At(0, 2) = %v, want 2", got)
	}
	if got := b.At(0, 3); got != 0 {
		t.Fatalf("At past end = %v, want 0", got)
	}
}
