package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

var ErrInvalid = errors.New("invalid config")

// Backend names accepted in Config.Backend.
const (
	BackendEbiten = "ebiten"
	BackendOto    = "oto"
	BackendNone   = "none"
)

// Resource mirrors a sample resource definition: note name to sample URL or path.
type Resource struct {
	ID      string            `json:"id"`
	Samples map[string]string `json:"samples"`
}

// Config is the on-disk engine configuration.
type Config struct {
	SampleRate        int        `json:"sampleRate"`
	Backend           string     `json:"backend"`
	Ticker            string     `json:"ticker"`
	Workers           bool       `json:"workers"`
	LookAhead         float64    `json:"lookAhead"`
	ScheduleAheadTime float64    `json:"scheduleAheadTime"`
	BPM               float64    `json:"bpm"`
	Preset            string     `json:"preset"`
	Volume            float64    `json:"volume"`
	Reverb            float64    `json:"reverb"`
	CachePath         string     `json:"cachePath,omitempty"`
	AssetDir          string     `json:"assetDir,omitempty"`
	BaseURL           string     `json:"baseURL,omitempty"`
	LoadConcurrency   int        `json:"loadConcurrency"`
	Resources         []Resource `json:"resources,omitempty"`
}

// DefaultConfig returns a config with sensible defaults. An empty Resources
// list means the built-in instruments.
func DefaultConfig() *Config {
	cfg := &Config{
		SampleRate:        48000,
		Backend:           BackendEbiten,
		Ticker:            "worker",
		Workers:           true,
		LookAhead:         0.05,
		ScheduleAheadTime: 0.025,
		BPM:               120,
		Preset:            "sine",
		Volume:            1,
		LoadConcurrency:   4,
	}
	if dir, err := os.UserCacheDir(); err == nil {
		cfg.CachePath = filepath.Join(dir, "moatone", "audio_cache.db")
	}
	return cfg
}

// Dir returns the config directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "moatone"), nil
}

// Path returns the full path to config.json.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from the default path, or returns defaults if not found.
func Load(fs afero.Fs) (*Config, error) {
	path, err := Path()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadFile(fs, path)
}

// LoadFile reads the config at path. Fields missing from the file keep their
// default values; a missing file yields the defaults.
func LoadFile(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories.
func (c *Config) Save(fs afero.Fs, path string) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o644)
}

func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sampleRate must be positive, got %d", ErrInvalid, c.SampleRate)
	}
	switch c.Backend {
	case BackendEbiten, BackendOto, BackendNone:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalid, c.Backend)
	}
	switch c.Ticker {
	case "worker", "timer", "offline":
	default:
		return fmt.Errorf("%w: unknown ticker %q", ErrInvalid, c.Ticker)
	}
	if c.LookAhead <= 0 || c.ScheduleAheadTime <= 0 {
		return fmt.Errorf("%w: lookAhead and scheduleAheadTime must be positive", ErrInvalid)
	}
	if c.BPM <= 0 {
		return fmt.Errorf("%w: bpm must be positive, got %v", ErrInvalid, c.BPM)
	}
	if c.LoadConcurrency < 1 {
		return fmt.Errorf("%w: loadConcurrency must be at least 1", ErrInvalid)
	}
	for _, r := range c.Resources {
		if r.ID == "" {
			return fmt.Errorf("%w: resource without id", ErrInvalid)
		}
	}
	return nil
}
