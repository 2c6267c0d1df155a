// Package moatone is a small audio engine for music practice tools: a
// lookahead transport driven by the audio clock, preset-based synths, sample
// instruments loaded through a cached resource pool, and offline rendering.
package moatone

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/cbegin/moatone-go/internal/audio"
	"github.com/cbegin/moatone-go/internal/cache"
	"github.com/cbegin/moatone-go/internal/config"
	"github.com/cbegin/moatone-go/internal/effects"
	"github.com/cbegin/moatone-go/internal/logger"
	"github.com/cbegin/moatone-go/internal/resource"
	"github.com/cbegin/moatone-go/internal/synth"
	"github.com/cbegin/moatone-go/internal/ticker"
	"github.com/cbegin/moatone-go/internal/transport"
)

var ErrClosed = errors.New("engine closed")

type Option func(*options)

type options struct {
	cfg        *config.Config
	log        logger.Logger
	backend    audio.BackendFactory
	backendSet bool
	offline    bool
	store      cache.Store
	fetcher    resource.Fetcher
	assets     afero.Fs
	ticker     transport.TickerFactory
	progress   func(resource.Progress)
}

func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithBackend overrides the device backend named in the config.
func WithBackend(factory audio.BackendFactory) Option {
	return func(o *options) {
		o.backend = factory
		o.backendSet = true
	}
}

// WithOffline runs the engine without a device. The clock only advances in
// RenderOffline, and the transport ticks between render quanta.
func WithOffline() Option {
	return func(o *options) { o.offline = true }
}

// WithCache uses store instead of opening the SQLite cache at the configured
// path. The engine does not close a store passed this way.
func WithCache(store cache.Store) Option {
	return func(o *options) { o.store = store }
}

func WithFetcher(f resource.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithAssets sets the filesystem local sample paths are read from.
func WithAssets(fs afero.Fs) Option {
	return func(o *options) { o.assets = fs }
}

// WithTicker replaces the transport ticker.
func WithTicker(factory transport.TickerFactory) Option {
	return func(o *options) { o.ticker = factory }
}

// WithLoadProgress installs a hook reporting every sample the pool loads.
func WithLoadProgress(fn func(resource.Progress)) Option {
	return func(o *options) { o.progress = fn }
}

// Engine owns the audio context and everything bound to it. Create one per
// process.
type Engine struct {
	cfg       *config.Config
	log       logger.Logger
	offline   bool
	audio     *audio.Context
	master    *effects.Master
	transport *transport.Transport
	pool      *resource.Pool
	store     cache.Store
	ownsStore bool

	mu       sync.Mutex
	synths   map[string]*synth.Synth
	membrane *synth.Membrane
	noise    *synth.Noise
	closed   bool
}

func New(opts ...Option) (*Engine, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := o.log
	if log == nil {
		log = logger.NewNopLogger()
	}

	backend, err := backendFactory(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if o.backendSet {
		backend = o.backend
	}
	tickerType, err := ticker.ParseSourceType(cfg.Ticker)
	if err != nil {
		return nil, err
	}
	if o.offline {
		backend = nil
		tickerType = ticker.Offline
	}

	master := effects.NewMaster(cfg.SampleRate)
	master.Reverb.SetWet(float32(cfg.Reverb))
	ctx, err := audio.New(cfg.SampleRate,
		audio.WithBackend(backend),
		audio.WithLogger(log),
		audio.WithEffect(master),
	)
	if err != nil {
		return nil, err
	}
	ctx.SetVolume(cfg.Volume)

	trOpts := []transport.Option{
		transport.WithLookAhead(cfg.LookAhead),
		transport.WithScheduleAheadTime(cfg.ScheduleAheadTime),
		transport.WithBPM(cfg.BPM),
		transport.WithLogger(log),
		transport.WithTickerType(tickerType, cfg.SampleRate, cfg.Workers),
	}
	if o.ticker != nil {
		trOpts = append(trOpts, transport.WithTicker(o.ticker))
	}

	e := &Engine{
		cfg:       cfg,
		log:       log,
		offline:   o.offline,
		audio:     ctx,
		master:    master,
		transport: transport.New(ctx, trOpts...),
		synths:    make(map[string]*synth.Synth),
	}

	e.store, e.ownsStore = o.store, false
	if e.store == nil && cfg.CachePath != "" {
		store, err := cache.OpenSQLite(cfg.CachePath)
		if err != nil {
			log.Warning("sample cache unavailable, loading from source: %v", err)
		} else {
			e.store, e.ownsStore = store, true
		}
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fs := o.assets
		if fs == nil && cfg.AssetDir != "" {
			fs = afero.NewBasePathFs(afero.NewOsFs(), cfg.AssetDir)
		}
		fetcher = resource.NewFetcher(fs, cfg.BaseURL)
	}
	poolOpts := []resource.Option{
		resource.WithFetcher(fetcher),
		resource.WithLogger(log),
		resource.WithConcurrency(cfg.LoadConcurrency),
	}
	if e.store != nil {
		poolOpts = append(poolOpts, resource.WithCache(e.store))
	}
	if o.progress != nil {
		poolOpts = append(poolOpts, resource.WithProgress(o.progress))
	}
	e.pool = resource.NewPool(poolOpts...)
	for _, def := range definitions(cfg) {
		e.pool.Define(def)
	}
	return e, nil
}

func backendFactory(name string) (audio.BackendFactory, error) {
	switch name {
	case config.BackendEbiten:
		return audio.EbitenBackend, nil
	case config.BackendOto:
		return audio.OtoBackend, nil
	case config.BackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", config.ErrInvalid, name)
	}
}

func definitions(cfg *config.Config) []resource.Definition {
	if len(cfg.Resources) == 0 {
		return resource.DefaultDefinitions()
	}
	defs := make([]resource.Definition, 0, len(cfg.Resources))
	for _, r := range cfg.Resources {
		defs = append(defs, resource.Definition{ID: r.ID, Samples: r.Samples})
	}
	return defs
}

// Init opens the audio device and warms the pool from the sample cache.
// An unavailable device is not an error: the engine keeps scheduling on a
// wall clock and plays nothing.
func (e *Engine) Init(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.audio.Init(); err != nil && !errors.Is(err, audio.ErrUnavailable) {
		return err
	}
	if e.store != nil {
		if err := e.pool.LoadCachedResources(ctx, e.pool.AllResourceIDs()); err != nil {
			e.log.Warning("warm cached resources: %v", err)
		}
	}
	return nil
}

// ResumeOnUserGesture starts output. Call it from the first user
// interaction on platforms that gate audio on one.
func (e *Engine) ResumeOnUserGesture() error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.audio.Resume(); err != nil && !errors.Is(err, audio.ErrUnavailable) {
		return err
	}
	return nil
}

// Suspend pauses output and the audio clock.
func (e *Engine) Suspend() error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.audio.Suspend()
}

// Teardown stops scheduling, releases every voice and closes the device and
// the cache it opened. Safe to call twice.
func (e *Engine) Teardown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	synths := make([]*synth.Synth, 0, len(e.synths))
	for _, s := range e.synths {
		synths = append(synths, s)
	}
	e.mu.Unlock()

	e.transport.Cancel()
	e.transport.Close()
	for _, s := range synths {
		s.ReleaseAll()
	}
	errs := []error{e.audio.Close()}
	if e.ownsStore {
		errs = append(errs, e.store.Close())
	}
	e.log.Info("engine torn down")
	return errors.Join(errs...)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Available reports whether audio output works.
func (e *Engine) Available() bool { return e.audio.Available() }

func (e *Engine) State() audio.State { return e.audio.State() }

func (e *Engine) SampleRate() int { return e.cfg.SampleRate }

func (e *Engine) Config() *config.Config { return e.cfg }

// Now is the audio clock in seconds.
func (e *Engine) Now() float64 { return e.audio.Now() }

func (e *Engine) Transport() *transport.Transport { return e.transport }

func (e *Engine) Resources() *resource.Pool { return e.pool }

func (e *Engine) Schedule(cb transport.Callback, at float64) transport.EventID {
	return e.transport.Schedule(cb, at)
}

func (e *Engine) ScheduleRepeat(cb transport.Callback, interval float64) (transport.EventID, error) {
	return e.transport.ScheduleRepeat(cb, interval)
}

func (e *Engine) Clear(id transport.EventID) { e.transport.Clear(id) }

func (e *Engine) Cancel() { e.transport.Cancel() }

func (e *Engine) SetBPM(bpm float64) { e.transport.SetBPM(bpm) }

func (e *Engine) BPM() float64 { return e.transport.BPM() }

// ToSeconds converts note-length notation ("4n", "8n", ...) at the current
// tempo.
func (e *Engine) ToSeconds(notation string) float64 { return e.transport.ToSeconds(notation) }

// Synth returns the instrument for a preset name, creating it on first use.
// Each preset has its own bus and held-note table.
func (e *Engine) Synth(name string) (*synth.Synth, error) {
	p, err := synth.ParsePreset(name)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if s, ok := e.synths[name]; ok {
		return s, nil
	}
	s := synth.New(e.audio, e.transport, e.pool, p, synth.WithLogger(e.log))
	e.synths[name] = s
	return s, nil
}

// PrepareInstrument loads the samples a preset plays from.
func (e *Engine) PrepareInstrument(ctx context.Context, name string) error {
	p, err := synth.ParsePreset(name)
	if err != nil {
		return err
	}
	ids := synth.RequiredResources(p)
	if len(ids) == 0 {
		return nil
	}
	return e.pool.LoadResources(ctx, ids)
}

// Membrane returns the shared kick drum.
func (e *Engine) Membrane() *synth.Membrane {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.membrane == nil {
		e.membrane = synth.NewMembrane(e.audio, synth.DefaultMembraneParams())
	}
	return e.membrane
}

// Noise returns the shared snare drum.
func (e *Engine) Noise() *synth.Noise {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.noise == nil {
		e.noise = synth.NewNoise(e.audio, synth.DefaultNoiseParams())
	}
	return e.noise
}

// NewPhrasePlayer returns a player for phrases on the named preset.
func (e *Engine) NewPhrasePlayer(name string) (*synth.Player, error) {
	s, err := e.Synth(name)
	if err != nil {
		return nil, err
	}
	return synth.NewPlayer(s, e.transport), nil
}

// SetMasterVolume sets the output gain. 1.0 is unity; negatives clamp to 0.
func (e *Engine) SetMasterVolume(v float64) { e.audio.SetVolume(v) }

func (e *Engine) MasterVolume() float64 { return e.audio.Volume() }

// SetReverb sets the master reverb mix in [0, 1].
func (e *Engine) SetReverb(wet float64) { e.master.Reverb.SetWet(float32(wet)) }

func (e *Engine) Reverb() float64 { return float64(e.master.Reverb.Wet()) }

// SetEQBand sets the gain for a master EQ band (0-4). 1.0 = unity.
// Band frequencies: 0=<200Hz, 1=200-800Hz, 2=800-2.5kHz, 3=2.5-8kHz, 4=>8kHz.
func (e *Engine) SetEQBand(band int, gain float32) { e.master.EQ.SetGain(band, gain) }

func (e *Engine) EQBand(band int) float32 { return e.master.EQ.Gain(band) }
