// Package resource loads and serves the sample buffers used by the
// sample-based instruments.
//
// A resource is a named set of samples keyed by note name. Loading a resource
// fetches every sample in parallel; each sample fails independently, and the
// resource is usable as soon as one sample decoded. Concurrent loads of the
// same resource share one fetch per sample.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cbegin/moatone-go/internal/audio"
	"github.com/cbegin/moatone-go/internal/cache"
	"github.com/cbegin/moatone-go/internal/logger"
	"github.com/cbegin/moatone-go/internal/note"
)

var (
	ErrUnknownResource = errors.New("resource not found")
	ErrNoSamples       = errors.New("no samples loaded for resource")
)

// Definition maps note names to sample locations.
type Definition struct {
	ID      string
	Samples map[string]string
}

// Status is a resource's load state. Ready means at least one sample is
// decoded and no load is in progress.
type Status struct {
	Ready   bool
	Loading bool
	Err     string
}

type Sample struct {
	Note   string
	Buffer *audio.Buffer
}

// Progress reports one finished sample of a resource load.
type Progress struct {
	Resource string
	Note     string
	Err      error
	Done     int
	Total    int
}

type entry struct {
	def     Definition
	samples map[string]*audio.Buffer
	loading bool
	err     string
}

type Option func(*Pool)

// WithCache enables the persistent sample cache.
func WithCache(store cache.Store) Option {
	return func(p *Pool) { p.cache = store }
}

func WithFetcher(f Fetcher) Option {
	return func(p *Pool) { p.fetcher = f }
}

func WithLogger(l logger.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithConcurrency bounds the number of samples fetched at once per resource.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithProgress installs a hook called after every sample attempt. It runs on
// loader goroutines.
func WithProgress(fn func(Progress)) Option {
	return func(p *Pool) { p.progress = fn }
}

// Pool is the shared table of sample resources.
type Pool struct {
	mu        sync.RWMutex
	resources map[string]*entry
	order     []string

	cache       cache.Store
	fetcher     Fetcher
	log         logger.Logger
	concurrency int
	progress    func(Progress)
	flight      singleflight.Group
}

func NewPool(opts ...Option) *Pool {
	p := &Pool{
		resources:   make(map[string]*entry),
		fetcher:     NewFetcher(nil, ""),
		log:         logger.NewNopLogger(),
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Define registers (or replaces) a resource. Replacing drops loaded buffers.
func (p *Pool) Define(def Definition) {
	samples := make(map[string]string, len(def.Samples))
	for n, loc := range def.Samples {
		samples[n] = loc
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.resources[def.ID]; !ok {
		p.order = append(p.order, def.ID)
	}
	p.resources[def.ID] = &entry{
		def:     Definition{ID: def.ID, Samples: samples},
		samples: make(map[string]*audio.Buffer),
	}
}

// LoadResources loads every listed resource that is not ready yet, in
// parallel, and returns once all of them settled. Unknown ids and resources
// with no usable sample are reported in the joined error; other resources
// load regardless.
func (p *Pool) LoadResources(ctx context.Context, ids []string) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, id := range ids {
		if p.Status(id).Ready {
			continue
		}
		g.Go(func() error {
			if err := p.load(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// LoadCachedResources loads only the listed resources whose samples are all
// present in the cache.
func (p *Pool) LoadCachedResources(ctx context.Context, ids []string) error {
	var cached []string
	for _, id := range ids {
		if p.IsResourceCached(ctx, id) {
			cached = append(cached, id)
		}
	}
	return p.LoadResources(ctx, cached)
}

func (p *Pool) load(ctx context.Context, id string) error {
	_, err, _ := p.flight.Do(id, func() (any, error) {
		return nil, p.loadSamples(ctx, id)
	})
	return err
}

func (p *Pool) loadSamples(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.resources[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	if len(e.samples) > 0 || e.loading {
		p.mu.Unlock()
		return nil
	}
	e.loading = true
	e.err = ""
	def := e.def
	p.mu.Unlock()

	notes := make([]string, 0, len(def.Samples))
	for n := range def.Samples {
		notes = append(notes, n)
	}
	sort.Strings(notes)

	var (
		mu       sync.Mutex
		loaded   = make(map[string]*audio.Buffer, len(notes))
		failures int
		done     int
		g        errgroup.Group
	)
	g.SetLimit(p.concurrency)
	for _, n := range notes {
		location := def.Samples[n]
		g.Go(func() error {
			buf, err := p.fetchSample(ctx, id, n, location)
			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				failures++
				p.log.Error("load sample %s for %s: %v", n, id, err)
			} else {
				loaded[n] = buf
			}
			if p.progress != nil {
				p.progress(Progress{Resource: id, Note: n, Err: err, Done: done, Total: len(notes)})
			}
			return nil
		})
	}
	g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	e.loading = false
	if p.resources[id] != e {
		// Redefined while loading; the new definition starts clean.
		return nil
	}
	for n, buf := range loaded {
		e.samples[n] = buf
	}
	if len(e.samples) == 0 {
		e.err = ErrNoSamples.Error()
		p.log.Error("%s: %s", ErrNoSamples, id)
		return fmt.Errorf("%w: %s", ErrNoSamples, id)
	}
	if failures > 0 {
		e.err = fmt.Sprintf("%d of %d samples failed", failures, len(notes))
	}
	p.log.Info("loaded %d/%d samples for %s", len(loaded), len(notes), id)
	return nil
}

// fetchSample prefers the cache. A miss or unreadable cache falls back to the
// network; fresh bytes are written back only after they decode.
func (p *Pool) fetchSample(ctx context.Context, id, n, location string) (*audio.Buffer, error) {
	if p.cache == nil {
		return p.fetchAndDecode(ctx, location)
	}
	key := cache.Key(id, n)
	hit, err := p.cache.Match(ctx, key)
	if err != nil {
		p.log.Warning("cache lookup %s: %v; fetching from source", key, err)
		return p.fetchAndDecode(ctx, location)
	}
	if hit != nil {
		buf, err := audio.Decode(hit.Data)
		if err == nil {
			return buf, nil
		}
		p.log.Warning("cached %s does not decode: %v; refetching", key, err)
		if _, err := p.cache.Delete(ctx, key); err != nil {
			p.log.Warning("cache delete %s: %v", key, err)
		}
	}

	data, err := p.fetcher.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	buf, err := audio.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Put(ctx, key, data, cache.SampleHeaders()); err != nil {
		p.log.Warning("cache store %s: %v", key, err)
	}
	return buf, nil
}

func (p *Pool) fetchAndDecode(ctx context.Context, location string) (*audio.Buffer, error) {
	data, err := p.fetcher.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	return audio.Decode(data)
}

// IsResourceCached reports whether every sample of id is in the cache.
func (p *Pool) IsResourceCached(ctx context.Context, id string) bool {
	if p.cache == nil {
		return false
	}
	p.mu.RLock()
	e, ok := p.resources[id]
	var notes []string
	if ok {
		for n := range e.def.Samples {
			notes = append(notes, n)
		}
	}
	p.mu.RUnlock()
	if !ok || len(notes) == 0 {
		return false
	}
	for _, n := range notes {
		hit, err := p.cache.Match(ctx, cache.Key(id, n))
		if err != nil || hit == nil {
			return false
		}
	}
	return true
}

func (p *Pool) Status(id string) Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.resources[id]
	if !ok {
		return Status{Err: "Resource not found"}
	}
	return Status{
		Ready:   len(e.samples) > 0 && !e.loading,
		Loading: e.loading,
		Err:     e.err,
	}
}

// Buffer returns the sample for note, or the lowest-pitched sample when note
// is empty. It returns nil when nothing matches.
func (p *Pool) Buffer(id, n string) *audio.Buffer {
	if n != "" {
		return p.SampleBuffer(id, n)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.resources[id]
	if !ok {
		return nil
	}
	sorted := sortedByPitch(e.samples)
	if len(sorted) == 0 {
		return nil
	}
	return e.samples[sorted[0].name]
}

func (p *Pool) SampleBuffer(id, n string) *audio.Buffer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.resources[id]
	if !ok {
		return nil
	}
	return e.samples[n]
}

// ClosestSample finds the loaded sample nearest in pitch to target. An exact
// name match wins; otherwise samples are scanned in ascending pitch and the
// first with the smallest distance is kept, so ties go to the lower sample.
func (p *Pool) ClosestSample(id, target string) (Sample, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.resources[id]
	if !ok || len(e.samples) == 0 {
		return Sample{}, false
	}
	if buf, ok := e.samples[target]; ok {
		return Sample{Note: target, Buffer: buf}, true
	}
	want, err := note.Parse(target)
	if err != nil {
		return Sample{}, false
	}
	best := -1
	var found pitched
	for _, s := range sortedByPitch(e.samples) {
		d := abs(s.pitch - want.Pitch())
		if best < 0 || d < best {
			best, found = d, s
		}
	}
	if best < 0 {
		return Sample{}, false
	}
	return Sample{Note: found.name, Buffer: e.samples[found.name]}, true
}

type pitched struct {
	name  string
	pitch int
}

// sortedByPitch orders sample names by absolute pitch, then by name.
// Names that do not parse as notes are skipped.
func sortedByPitch(samples map[string]*audio.Buffer) []pitched {
	out := make([]pitched, 0, len(samples))
	for name := range samples {
		n, err := note.Parse(name)
		if err != nil {
			continue
		}
		out = append(out, pitched{name: name, pitch: n.Pitch()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].pitch != out[j].pitch {
			return out[i].pitch < out[j].pitch
		}
		return out[i].name < out[j].name
	})
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ClearUnusedResources drops the buffers of every resource not in keep.
// Definitions stay, so the resources can be loaded again.
func (p *Pool) ClearUnusedResources(keep []string) {
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.resources {
		if keepSet[id] || e.loading || len(e.samples) == 0 {
			continue
		}
		e.samples = make(map[string]*audio.Buffer)
		e.err = ""
		p.log.Info("released samples for %s", id)
	}
}

// LoadedResourceIDs lists resources holding at least one buffer, in
// definition order.
func (p *Pool) LoadedResourceIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for _, id := range p.order {
		if len(p.resources[id].samples) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Pool) AllResourceIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

// ClearCache empties the persistent cache. Loaded buffers are unaffected.
func (p *Pool) ClearCache(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Clear(ctx)
}

// CacheInfo summarizes the persistent cache; zero without one.
func (p *Pool) CacheInfo(ctx context.Context) (cache.Info, error) {
	if p.cache == nil {
		return cache.Info{}, nil
	}
	return p.cache.Info(ctx)
}
