package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/capture"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/coordinator"
	"github.com/loqalabs/loqa-caption/internal/files"
	"github.com/loqalabs/loqa-caption/internal/model"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'transcribe' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		var configPath string
		validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
		validateCmd.StringVar(&configPath, "config", "caption.yaml", "Path to configuration file")
		_ = validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "transcribe":
		if err := runTranscribe(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runTranscribe loads a model and runs one single-shot pass over a WAV file,
// writing the transcript to out.
func runTranscribe(args []string, out io.Writer) error {
	var (
		configPath string
		modelPath  string
		language   string
		format     string
		timeout    time.Duration
		verbose    bool
	)
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file (optional)")
	fs.StringVar(&modelPath, "model", "", "Model file (overrides model.path)")
	fs.StringVar(&language, "language", "", "Language tag or auto (overrides model.language)")
	fs.StringVar(&format, "format", "txt", "Output format: txt, srt or json")
	fs.DurationVar(&timeout, "timeout", 5*time.Minute, "Give up after this long")
	fs.BoolVar(&verbose, "v", false, "Log pipeline progress to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: captionctl transcribe [flags] <file.wav>")
	}
	input := fs.Arg(0)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if modelPath != "" {
		cfg.Model.Path = modelPath
	}
	if language != "" {
		if !config.ValidLanguage(language) {
			return fmt.Errorf("invalid language %q", language)
		}
		cfg.Model.Language = language
	}
	outFormat, err := coordinator.ParseFormat(format)
	if err != nil {
		return err
	}
	if cfg.Model.Path == "" {
		return errors.New("no model configured; pass -model")
	}

	// Single-shot stops at a full window; widen it to fit the whole file.
	if clip, err := audio.ReadWAVFile(input, cfg.Capture.SampleRate); err == nil {
		rate := cfg.Capture.SampleRate
		if ms := (len(clip)*1000 + rate - 1) / rate; ms > cfg.Capture.BufferWindowMS {
			cfg.Capture.BufferWindowMS = ms
		}
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	backend, err := model.NewBackend(cfg.Model)
	if err != nil {
		return err
	}
	scratch, err := os.MkdirTemp("", "captionctl-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)
	fileService, err := files.New(scratch, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	coord := coordinator.New(ctx, coordinator.Options{
		Session:  model.NewSession(backend, logger),
		Devices:  capture.NewRegistry(),
		Defaults: capture.DefaultsFromConfig(cfg.Capture, cfg.Model),
		Files:    fileService,
		Logger:   logger,
	})
	defer coord.Close()

	select {
	case err := <-coord.Load(cfg.Model.Path):
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan coordinator.Snapshot, 1)
	unsubscribe := coord.Subscribe(func(s coordinator.Snapshot) {
		if s.SessionID != "" && !s.Recording {
			select {
			case finished <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := coord.SelectFile(input); err != nil {
		return err
	}

	var snap coordinator.Snapshot
	select {
	case snap = <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	if snap.LastError != "" {
		return errors.New(snap.LastError)
	}
	data, err := coordinator.Render(snap.Results, outFormat)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
