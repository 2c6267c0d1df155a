package moatone

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/cbegin/moatone-go/internal/audio"
)

var ErrNotOffline = errors.New("engine is not in offline mode")

// RenderOffline advances an offline engine by seconds and returns the
// interleaved stereo output. The transport ticks before every render
// quantum, so events land exactly as they would on a device.
func (e *Engine) RenderOffline(seconds float64) ([]float32, error) {
	if !e.offline {
		return nil, ErrNotOffline
	}
	if e.isClosed() {
		return nil, ErrClosed
	}
	if err := e.audio.Init(); err != nil {
		return nil, err
	}
	frames := int(float64(e.cfg.SampleRate) * seconds)
	out := make([]float32, frames*2)
	for off := 0; off < frames; off += audio.RenderQuantum {
		n := min(audio.RenderQuantum, frames-off)
		e.transport.Tick()
		e.audio.Process(out[off*2 : (off+n)*2])
	}
	return out, nil
}

// wavHeader is the 44-byte RIFF header of an IEEE float WAV file.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	Format        uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

const wavFormatFloat = 3

// EncodeWAVFloat32LE wraps interleaved float32 samples in a WAV container
// without converting them.
func EncodeWAVFloat32LE(samples []float32, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, errors.New("sampleRate and channels must be positive")
	}
	dataSize := uint32(len(samples) * 4)
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		Format:        wavFormatFloat,
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 4),
		BlockAlign:    uint16(channels * 4),
		BitsPerSample: 32,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
	var buf bytes.Buffer
	buf.Grow(44 + int(dataSize))
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, samples); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeWAV encodes output rendered by this engine: stereo at its sample rate.
func (e *Engine) EncodeWAV(samples []float32) ([]byte, error) {
	return EncodeWAVFloat32LE(samples, e.cfg.SampleRate, 2)
}
