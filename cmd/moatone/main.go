package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/afero"
	"github.com/urfave/cli"

	"github.com/cbegin/moatone-go"
	"github.com/cbegin/moatone-go/internal/config"
	"github.com/cbegin/moatone-go/internal/logger"
)

var version = "dev"

var (
	configPath string
	logPath    string
	verbose    bool

	appLog logger.Logger = logger.NewNopLogger()
)

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:        "config, c",
		Usage:       "path to config.json (default ~/.config/moatone/config.json)",
		Destination: &configPath,
	},
	cli.BoolFlag{
		Name:        "verbose, v",
		Usage:       "log engine events to stderr",
		Destination: &verbose,
	},
	cli.StringFlag{
		Name:        "log-file",
		Usage:       "also append engine events to this file",
		Destination: &logPath,
	},
}

func main() {
	app := cli.App{
		Name:      "moatone",
		HelpName:  "moatone",
		Usage:     "play, render and prepare practice-tool sounds",
		UsageText: "moatone [global options] <command> [arguments...]",
		Version:   version,
		Flags:     globalFlags,
		Before: func(*cli.Context) error {
			l, err := newLogger()
			if err != nil {
				return err
			}
			appLog = l
			return nil
		},
		After: func(*cli.Context) error {
			return appLog.Close()
		},
		Commands: []cli.Command{
			{
				Name:      "play",
				Aliases:   []string{"p"},
				Usage:     "play notes on a preset through the audio device",
				ArgsUsage: "[note...]",
				Action:    play,
				Flags:     playFlags,
			},
			{
				Name:      "render",
				Usage:     "render notes offline to a WAV file",
				ArgsUsage: "[note...]",
				Action:    render,
				Flags:     renderFlags,
			},
			{
				Name:   "metronome",
				Usage:  "click a kick and snare pattern at a tempo",
				Action: metronome,
				Flags:  metronomeFlags,
			},
			{
				Name:      "load",
				Usage:     "download and cache sample resources",
				ArgsUsage: "[resource...]",
				Action:    load,
			},
			{
				Name:  "cache",
				Usage: "inspect the sample cache",
				Subcommands: []cli.Command{
					{
						Name:   "info",
						Usage:  "show cache size and age",
						Action: cacheInfo,
					},
					{
						Name:   "clear",
						Usage:  "delete every cached sample",
						Action: cacheClear,
					},
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "moatone: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	fs := afero.NewOsFs()
	if configPath != "" {
		return config.LoadFile(fs, configPath)
	}
	return config.Load(fs)
}

// fileLogger owns the log file it writes to.
type fileLogger struct {
	*logger.StandardLogger
	f *os.File
}

func (l *fileLogger) Close() error { return l.f.Close() }

func newLogger() (logger.Logger, error) {
	var loggers []logger.Logger
	if verbose {
		loggers = append(loggers, logger.NewStandardLogger(log.New(os.Stderr, "moatone: ", log.LstdFlags)))
	}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		loggers = append(loggers, &fileLogger{
			StandardLogger: logger.NewStandardLogger(log.New(f, "", log.LstdFlags)),
			f:              f,
		})
	}
	switch len(loggers) {
	case 0:
		return logger.NewNopLogger(), nil
	case 1:
		return loggers[0], nil
	default:
		return logger.NewMultiLogger(loggers...), nil
	}
}

func newEngine(opts ...moatone.Option) (*moatone.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openEngine(cfg, opts...)
}

func openEngine(cfg *config.Config, opts ...moatone.Option) (*moatone.Engine, error) {
	opts = append([]moatone.Option{moatone.WithConfig(cfg), moatone.WithLogger(appLog)}, opts...)
	return moatone.New(opts...)
}
