package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

var ErrDecode = errors.New("decode audio")

const wavFormatIEEEFloat = 3

// Decode turns WAV or MP3 file bytes into a Buffer.
func Decode(data []byte) (*Buffer, error) {
	switch {
	case len(data) == 0:
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	case isWAV(data):
		return decodeWAV(data)
	case isMP3(data):
		return decodeMP3(data)
	default:
		return nil, fmt.Errorf("%w: unrecognized format", ErrDecode)
	}
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

func decodeWAV(data []byte) (*Buffer, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid WAV file", ErrDecode)
	}
	if err := decoder.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	format := decoder.Format()
	bitDepth := int(decoder.SampleBitDepth())
	if bitDepth == 0 || format == nil || format.NumChannels < 1 {
		return nil, fmt.Errorf("%w: unknown WAV layout", ErrDecode)
	}
	bytesPerSample := (bitDepth-1)/8 + 1
	nsamples := int(decoder.PCMLen()) / bytesPerSample
	buf := &goaudio.IntBuffer{
		Format:         format,
		Data:           make([]int, nsamples),
		SourceBitDepth: bitDepth,
	}
	n, err := decoder.PCMBuffer(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	samples := make([]float32, n)
	if decoder.WavAudioFormat == wavFormatIEEEFloat && bitDepth == 32 {
		for i := 0; i < n; i++ {
			samples[i] = math.Float32frombits(uint32(int32(buf.Data[i])))
		}
	} else {
		factor := math.Pow(2, float64(bitDepth-1))
		for i := 0; i < n; i++ {
			samples[i] = float32(float64(buf.Data[i]) / factor)
		}
	}
	if len(samples) < format.NumChannels {
		return nil, fmt.Errorf("%w: WAV has no frames", ErrDecode)
	}
	return NewBufferInterleaved(format.SampleRate, format.NumChannels, samples), nil
}

func decodeMP3(data []byte) (*Buffer, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	// go-mp3 always yields 16-bit little-endian stereo.
	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	nsamples := len(pcm) / 2
	if nsamples < 2 {
		return nil, fmt.Errorf("%w: MP3 has no frames", ErrDecode)
	}
	samples := make([]float32, nsamples)
	for i := range samples {
		v := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		samples[i] = float32(v) / 32768
	}
	return NewBufferInterleaved(decoder.SampleRate(), 2, samples), nil
}
