package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbegin/moatone-go/internal/logger"
)

var (
	// ErrUnavailable reports that no audio device could be opened. The
	// context keeps working in a degraded mode: Connect is a no-op and the
	// clock falls back to wall time.
	ErrUnavailable = errors.New("audio device unavailable")
	ErrClosed      = errors.New("audio context closed")
)

// RenderQuantum is the block size used when the caller drives rendering.
const RenderQuantum = 128

type State int32

const (
	StateSuspended State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "suspended"
	}
}

// Effect processes the mixed stereo signal before it reaches the device.
type Effect interface {
	Process(l, r float32) (float32, float32)
}

type Option func(*Context)

// WithBackend selects the device backend. A nil factory means no device:
// the caller renders by calling Process, as in offline rendering.
func WithBackend(factory BackendFactory) Option {
	return func(c *Context) {
		c.factory = factory
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Context) {
		c.log = l
	}
}

// WithEffect installs the master effect applied after mixing.
func WithEffect(e Effect) Option {
	return func(c *Context) {
		c.effect = e
	}
}

// Context is the process-wide audio context: it owns the device, the
// destination mixer and the monotonic clock derived from frames rendered.
type Context struct {
	sampleRate int
	factory    BackendFactory
	log        logger.Logger

	lifecycle   sync.Mutex
	initialized bool
	initErr     error
	backend     Backend
	wallStart   time.Time
	unavailable atomic.Bool
	state       atomic.Int32
	frames      atomic.Int64
	volume      atomic.Uint64

	mu     sync.Mutex
	nodes  []Node
	effect Effect
}

// New creates a suspended context. No device is opened until Init or Resume.
func New(sampleRate int, opts ...Option) (*Context, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	c := &Context{
		sampleRate: sampleRate,
		log:        logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.volume.Store(math.Float64bits(1))
	return c, nil
}

func (c *Context) SampleRate() int { return c.sampleRate }

func (c *Context) State() State { return State(c.state.Load()) }

// Available reports whether audio output works. It is true before Init.
func (c *Context) Available() bool { return !c.unavailable.Load() }

// Init opens the device backend once. Later calls return the first result.
// Without a backend the context starts running immediately.
func (c *Context) Init() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.initialized {
		return c.initErr
	}
	c.initialized = true
	if c.factory == nil {
		c.state.Store(int32(StateRunning))
		return nil
	}
	backend, err := openBackend(c.factory, c.sampleRate, NewStreamReader(c))
	if err != nil {
		c.unavailable.Store(true)
		c.wallStart = time.Now()
		c.initErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
		c.log.Warning("audio output disabled: %v", err)
		return c.initErr
	}
	c.backend = backend
	c.log.Info("audio context opened at %d Hz", c.sampleRate)
	return nil
}

func openBackend(factory BackendFactory, sampleRate int, src *StreamReader) (b Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("backend panic: %v", r)
		}
	}()
	return factory(sampleRate, src)
}

// Resume starts (or restarts) output. It must be called from a user gesture
// on platforms that gate audio on one; it opens the device if needed.
func (c *Context) Resume() error {
	if err := c.Init(); err != nil {
		return err
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.State() == StateClosed {
		return ErrClosed
	}
	if c.backend != nil {
		c.backend.Play()
	}
	c.state.Store(int32(StateRunning))
	return nil
}

// Suspend pauses output. The clock stops advancing while suspended.
func (c *Context) Suspend() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.State() == StateClosed {
		return ErrClosed
	}
	if c.backend != nil {
		c.backend.Pause()
	}
	c.state.Store(int32(StateSuspended))
	return nil
}

// Close releases the device and disconnects every node. Safe to call twice.
func (c *Context) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.State() == StateClosed {
		return nil
	}
	c.state.Store(int32(StateClosed))
	var err error
	if c.backend != nil {
		err = c.backend.Close()
		c.backend = nil
	}
	c.mu.Lock()
	c.nodes = nil
	c.mu.Unlock()
	return err
}

// Now returns the context time in seconds. It is monotonic and advances with
// the frames the device has consumed.
func (c *Context) Now() float64 {
	if c.unavailable.Load() {
		return time.Since(c.wallStart).Seconds()
	}
	return float64(c.frames.Load()) / float64(c.sampleRate)
}

// Connect attaches a node to the destination.
func (c *Context) Connect(n Node) {
	if c.unavailable.Load() || c.State() == StateClosed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = append(c.nodes, n)
}

// Connected returns the number of nodes attached to the destination.
func (c *Context) Connected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

func (c *Context) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	c.volume.Store(math.Float64bits(v))
}

func (c *Context) Volume() float64 {
	return math.Float64frombits(c.volume.Load())
}

// Process renders interleaved stereo frames into dst and advances the clock.
// While suspended or closed it writes silence and the clock holds.
func (c *Context) Process(dst []float32) {
	if c.State() != StateRunning {
		clear(dst)
		return
	}
	frames := len(dst) / 2
	start := c.frames.Load()
	sr := float64(c.sampleRate)
	vol := float32(c.Volume())

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < frames; i++ {
		t := float64(start+int64(i)) / sr
		var l, r float32
		for _, n := range c.nodes {
			nl, nr := n.Render(t)
			l += nl
			r += nr
		}
		if c.effect != nil {
			l, r = c.effect.Process(l, r)
		}
		dst[2*i] = clamp(l * vol)
		dst[2*i+1] = clamp(r * vol)
	}
	end := start + int64(frames)
	c.frames.Store(end)

	tEnd := float64(end) / sr
	kept := c.nodes[:0]
	for _, n := range c.nodes {
		if !n.Finished(tEnd) {
			kept = append(kept, n)
		}
	}
	for i := len(kept); i < len(c.nodes); i++ {
		c.nodes[i] = nil
	}
	c.nodes = kept
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
