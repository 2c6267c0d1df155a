package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

// SampleSource fills interleaved stereo float32 frames.
type SampleSource interface {
	Process(dst []float32)
}

// StreamReader adapts a SampleSource to the float32 little-endian byte
// stream that device players pull from.
type StreamReader struct {
	mu     sync.Mutex
	source SampleSource
	buf    []float32
}

func NewStreamReader(source SampleSource) *StreamReader {
	return &StreamReader{source: source}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.buf) < need {
		r.buf = make([]float32, need)
	}
	r.buf = r.buf[:need]
	r.source.Process(r.buf)
	for i := 0; i < need; i++ {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(r.buf[i]))
	}
	return frames * 8, nil
}

func (r *StreamReader) Close() error { return nil }

// Backend is an open audio device pulling from a StreamReader.
type Backend interface {
	Play()
	Pause()
	Close() error
}

// BackendFactory opens a device at sampleRate that reads stereo float32 from src.
type BackendFactory func(sampleRate int, src io.Reader) (Backend, error)

// Device buffer length. Shorter than the scheduler lookahead so the clock
// advances in steps smaller than the scheduling window.
const deviceBuffer = 20 * time.Millisecond

var (
	ebitenOnce       sync.Once
	ebitenContext    *ebitaudio.Context
	ebitenSampleRate int

	otoOnce       sync.Once
	otoContext    *oto.Context
	otoErr        error
	otoSampleRate int
)

func sharedEbitenContext(sampleRate int) (*ebitaudio.Context, error) {
	ebitenOnce.Do(func() {
		ebitenSampleRate = sampleRate
		ebitenContext = ebitaudio.NewContext(sampleRate)
	})
	if ebitenSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", ebitenSampleRate, sampleRate)
	}
	return ebitenContext, nil
}

type ebitenBackend struct {
	player *ebitaudio.Player
}

// EbitenBackend plays through ebiten's shared audio context.
func EbitenBackend(sampleRate int, src io.Reader) (Backend, error) {
	ctx, err := sharedEbitenContext(sampleRate)
	if err != nil {
		return nil, err
	}
	pl, err := ctx.NewPlayerF32(src)
	if err != nil {
		return nil, err
	}
	pl.SetBufferSize(deviceBuffer)
	return &ebitenBackend{player: pl}, nil
}

func (b *ebitenBackend) Play()  { b.player.Play() }
func (b *ebitenBackend) Pause() { b.player.Pause() }
func (b *ebitenBackend) Close() error {
	b.player.Pause()
	return b.player.Close()
}

func sharedOtoContext(sampleRate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		otoSampleRate = sampleRate
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 2,
			Format:       oto.FormatFloat32LE,
			BufferSize:   deviceBuffer,
		})
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoContext = ctx
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoSampleRate != sampleRate {
		return nil, fmt.Errorf("oto context already initialized at %d Hz (requested %d Hz)", otoSampleRate, sampleRate)
	}
	return otoContext, nil
}

type otoBackend struct {
	player *oto.Player
}

// OtoBackend plays directly through oto without ebiten.
func OtoBackend(sampleRate int, src io.Reader) (Backend, error) {
	ctx, err := sharedOtoContext(sampleRate)
	if err != nil {
		return nil, err
	}
	pl := ctx.NewPlayer(src)
	pl.SetBufferSize(int(deviceBuffer.Seconds()*float64(sampleRate)) * 8)
	return &otoBackend{player: pl}, nil
}

func (b *otoBackend) Play()  { b.player.Play() }
func (b *otoBackend) Pause() { b.player.Pause() }
func (b *otoBackend) Close() error {
	b.player.Pause()
	return b.player.Close()
}
