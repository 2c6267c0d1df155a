package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/cbegin/moatone-go"
	"github.com/cbegin/moatone-go/internal/audio"
	"github.com/cbegin/moatone-go/internal/config"
	"github.com/cbegin/moatone-go/internal/resource"
	"github.com/cbegin/moatone-go/internal/synth"
)

var defaultChord = []string{"C4", "E4", "G4"}

var (
	preset   string
	duration float64
	swing    float64
	arpeggio float64
	outPath  string
	format   string
	tail     float64
	bpm      float64
	beats    int
	perBar   int
)

var playFlags = []cli.Flag{
	cli.StringFlag{
		Name:        "preset, p",
		Usage:       "instrument preset (default: preset from the config)",
		Destination: &preset,
	},
	cli.Float64Flag{
		Name:        "duration, d",
		Usage:       "note length in seconds",
		Value:       1,
		Destination: &duration,
	},
	cli.Float64Flag{
		Name:        "swing",
		Usage:       "max random chord spread in seconds",
		Value:       synth.DefaultSwing,
		Destination: &swing,
	},
	cli.Float64Flag{
		Name:        "arpeggio",
		Usage:       "seconds between notes (0 plays a chord)",
		Destination: &arpeggio,
	},
}

var renderFlags = append(playFlags[:len(playFlags):len(playFlags)],
	cli.StringFlag{
		Name:        "out, o",
		Usage:       "output WAV path",
		Value:       "out.wav",
		Destination: &outPath,
	},
	cli.StringFlag{
		Name:        "format",
		Usage:       "sample format: f32|pcm16",
		Value:       "f32",
		Destination: &format,
	},
	cli.Float64Flag{
		Name:        "tail",
		Usage:       "seconds rendered after the last note ends",
		Value:       2,
		Destination: &tail,
	},
)

var metronomeFlags = []cli.Flag{
	cli.Float64Flag{
		Name:        "bpm, b",
		Usage:       "tempo in beats per minute",
		Value:       120,
		Destination: &bpm,
	},
	cli.IntFlag{
		Name:        "beats, n",
		Usage:       "stop after N beats (0 runs until interrupted)",
		Value:       16,
		Destination: &beats,
	},
	cli.IntFlag{
		Name:        "per-bar",
		Usage:       "beats per bar; the first beat of each bar gets the kick",
		Value:       4,
		Destination: &perBar,
	},
}

// presetName returns --preset, or the config's preset when the flag is unset.
func presetName(cfg *config.Config) string {
	if preset != "" {
		return preset
	}
	return cfg.Preset
}

func notesArg(ctx *cli.Context) []string {
	if ctx.NArg() == 0 {
		return defaultChord
	}
	return ctx.Args()
}

// trigger plays notes at the given start time as a chord or an arpeggio.
func trigger(s *synth.Synth, notes []string, when float64) error {
	if arpeggio > 0 {
		return s.TriggerAttackReleaseArpeggio(notes, arpeggio, duration, swing)
	}
	return s.TriggerAttackRelease(notes, duration, when, swing)
}

func playLength(notes []string, p synth.Preset) time.Duration {
	seconds := duration + releaseOf(p)
	if arpeggio > 0 {
		seconds += arpeggio * float64(len(notes)-1)
	}
	return time.Duration(seconds * float64(time.Second))
}

func releaseOf(p synth.Preset) float64 {
	switch p := p.(type) {
	case synth.Sine:
		return p.Envelope.Release
	case synth.EightBit:
		return p.StopDelay
	case synth.PianoSample:
		return p.Envelope.Release
	case synth.GuitarSample:
		return p.Envelope.Release
	case synth.Marimba:
		return p.Envelope.Release
	}
	return 0
}

func play(ctx *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name := presetName(cfg)
	p, err := synth.ParsePreset(name)
	if err != nil {
		return err
	}
	e, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Teardown()

	bg := context.Background()
	if err := e.Init(bg); err != nil {
		return err
	}
	if err := e.ResumeOnUserGesture(); err != nil {
		return err
	}
	if !e.Available() {
		fmt.Fprintln(os.Stderr, "audio output unavailable; nothing will be heard")
	}
	if err := e.PrepareInstrument(bg, name); err != nil {
		return err
	}
	s, err := e.Synth(name)
	if err != nil {
		return err
	}
	notes := notesArg(ctx)
	if err := trigger(s, notes, 0); err != nil {
		return err
	}
	time.Sleep(playLength(notes, p))
	return nil
}

func render(ctx *cli.Context) error {
	if format != "f32" && format != "pcm16" {
		return fmt.Errorf("invalid --format %q (expected f32|pcm16)", format)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name := presetName(cfg)
	p, err := synth.ParsePreset(name)
	if err != nil {
		return err
	}
	e, err := openEngine(cfg, moatone.WithOffline())
	if err != nil {
		return err
	}
	defer e.Teardown()

	bg := context.Background()
	if err := e.Init(bg); err != nil {
		return err
	}
	if err := e.PrepareInstrument(bg, name); err != nil {
		return err
	}
	s, err := e.Synth(name)
	if err != nil {
		return err
	}
	notes := notesArg(ctx)
	if err := trigger(s, notes, 0); err != nil {
		return err
	}
	seconds := playLength(notes, p).Seconds() + tail
	samples, err := e.RenderOffline(seconds)
	if err != nil {
		return err
	}

	var wav []byte
	if format == "pcm16" {
		wav, err = audio.EncodePCM16(samples, e.SampleRate(), 2)
	} else {
		wav, err = e.EncodeWAV(samples)
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, wav, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%.2fs, %s)\n", outPath, seconds, humanize.Bytes(uint64(len(wav))))
	return nil
}

func metronome(ctx *cli.Context) error {
	if perBar < 1 {
		return errors.New("--per-bar must be at least 1")
	}
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Teardown()
	if err := e.Init(context.Background()); err != nil {
		return err
	}
	if err := e.ResumeOnUserGesture(); err != nil {
		return err
	}
	e.SetBPM(bpm)
	kick, snare := e.Membrane(), e.Noise()

	var count atomic.Int64
	done := make(chan struct{})
	var once sync.Once
	id, err := e.ScheduleRepeat(func(at float64) {
		n := count.Add(1)
		if beats > 0 && n > int64(beats) {
			once.Do(func() { close(done) })
			return
		}
		var err error
		if (n-1)%int64(perBar) == 0 {
			err = kick.TriggerAttack("C1", at)
		} else {
			err = snare.TriggerAttack(at, 0.5)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}, e.ToSeconds("4n"))
	if err != nil {
		return err
	}
	defer e.Clear(id)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	select {
	case <-done:
	case <-interrupt:
	}
	return nil
}

func load(ctx *cli.Context) error {
	p := mpb.New(mpb.WithWidth(64))
	var (
		mu   sync.Mutex
		bars = make(map[string]*mpb.Bar)
	)
	progress := func(ev resource.Progress) {
		mu.Lock()
		bar, ok := bars[ev.Resource]
		if !ok {
			bar = newLoadBar(p, ev.Resource, ev.Total)
			bars[ev.Resource] = bar
		}
		mu.Unlock()
		bar.Increment()
	}

	e, err := newEngine(moatone.WithOffline(), moatone.WithLoadProgress(progress))
	if err != nil {
		return err
	}
	defer e.Teardown()

	ids := []string(ctx.Args())
	if len(ids) == 0 {
		ids = e.Resources().AllResourceIDs()
	}
	bg := context.Background()
	loadErr := e.Resources().LoadResources(bg, ids)
	mu.Lock()
	for _, bar := range bars {
		bar.Abort(false)
	}
	mu.Unlock()
	p.Wait()

	for _, id := range ids {
		st := e.Resources().Status(id)
		switch {
		case st.Ready:
			fmt.Printf("%-12s ready\n", id)
		case st.Err != "":
			fmt.Printf("%-12s %s\n", id, st.Err)
		default:
			fmt.Printf("%-12s not loaded\n", id)
		}
	}
	return loadErr
}

func newLoadBar(p *mpb.Progress, name string, total int) *mpb.Bar {
	bar := p.New(int64(total),
		mpb.BarStyle().Lbound("╢").Filler("█").Tip("█").Padding("░").Rbound("╟"),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
			decor.OnComplete(decor.CountersNoUnit("%d / %d", decor.WC{W: 8}), "done"),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)
	return bar
}

func cacheInfo(ctx *cli.Context) error {
	e, err := newEngine(moatone.WithOffline())
	if err != nil {
		return err
	}
	defer e.Teardown()
	info, err := e.Resources().CacheInfo(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Path\t\t: %s\n", e.Config().CachePath)
	fmt.Printf("Entries\t\t: %d\n", info.TotalEntries)
	fmt.Printf("Size\t\t: %s\n", humanize.Bytes(uint64(info.TotalSize)))
	if info.TotalEntries > 0 {
		fmt.Printf("Oldest\t\t: %s\n", humanize.Time(info.OldestEntry))
		fmt.Printf("Newest\t\t: %s\n", humanize.Time(info.NewestEntry))
	}
	return nil
}

func cacheClear(ctx *cli.Context) error {
	e, err := newEngine(moatone.WithOffline())
	if err != nil {
		return err
	}
	defer e.Teardown()
	if err := e.Resources().ClearCache(context.Background()); err != nil {
		return err
	}
	fmt.Println("Cleared the sample cache")
	return nil
}
