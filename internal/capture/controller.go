// Package capture runs recordings: it reads a device into an audio.Buffer and
// hands drained chunks to the model session in sequence order.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/model"
)

// SessionConfig is fixed for the lifetime of one recording.
type SessionConfig struct {
	SessionID string
	DeviceID  string
	// FilePath, when set, replaces the device with a bounded WAV input.
	FilePath   string
	Language   string
	Loop       bool
	Window     time.Duration
	Cadence    time.Duration
	SampleRate int
}

// Defaults fill zero fields of a SessionConfig.
type Defaults struct {
	Device     string
	Language   string
	Window     time.Duration
	Cadence    time.Duration
	SampleRate int
}

// DefaultsFromConfig derives session defaults from the capture and model config.
func DefaultsFromConfig(capture config.CaptureConfig, mdl config.ModelConfig) Defaults {
	return Defaults{
		Device:     capture.DefaultDevice,
		Language:   mdl.Language,
		Window:     time.Duration(capture.BufferWindowMS) * time.Millisecond,
		Cadence:    time.Duration(capture.CadenceMS) * time.Millisecond,
		SampleRate: capture.SampleRate,
	}
}

// Sink receives the output of recordings. Calls for one session arrive from a
// single goroutine, in order, ending with OnStopped.
type Sink interface {
	OnResult(sessionID string, result model.TranscriptResult)
	OnError(sessionID string, err error)
	OnStopped(sessionID string)
}

type recording struct {
	cfg    SessionConfig
	buffer *audio.Buffer
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller owns the selected device and at most one active recording.
type Controller struct {
	session  *model.Session
	devices  *Registry
	defaults Defaults
	sink     Sink
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	newTicker    func(time.Duration) (<-chan time.Time, func())
	inferTimeout time.Duration

	mu     sync.Mutex
	device string
	rec    *recording
}

func NewController(parent context.Context, session *model.Session, devices *Registry, defaults Defaults, sink Sink, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Controller{
		session:      session,
		devices:      devices,
		defaults:     defaults,
		sink:         sink,
		log:          logger.With(slog.String("component", "capture")),
		ctx:          ctx,
		cancel:       cancel,
		newTicker:    realTicker,
		inferTimeout: 45 * time.Second,
		device:       defaults.Device,
	}
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (c *Controller) Devices() []Device {
	return c.devices.List()
}

// Device returns the selected device id.
func (c *Controller) Device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// SelectDevice changes the device used by the next recording.
func (c *Controller) SelectDevice(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec != nil {
		return ErrDeviceBusy
	}
	if _, _, ok := c.devices.Lookup(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	c.device = id
	c.log.Info("device selected", slog.String("device", id))
	return nil
}

func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec != nil
}

// Active returns the config of the running recording.
func (c *Controller) Active() (SessionConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil {
		return SessionConfig{}, false
	}
	return c.rec.cfg, true
}

// BufferedSeconds reports audio captured but not yet dispatched.
func (c *Controller) BufferedSeconds() float64 {
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()
	if rec == nil {
		return 0
	}
	return rec.buffer.ElapsedSeconds()
}

// ToggleRecording starts a recording on the selected device when idle and
// stops the active one otherwise. It reports whether a recording was started.
func (c *Controller) ToggleRecording(loop bool) (bool, error) {
	if c.Recording() {
		c.Stop()
		return false, nil
	}
	cfg := SessionConfig{SessionID: uuid.NewString(), Loop: loop}
	if err := c.Start(cfg); err != nil {
		return false, err
	}
	return true, nil
}

// Start begins a recording. With cfg.Loop unset it reads one bounded input,
// runs a single encode/decode pass and stops on its own.
func (c *Controller) Start(cfg SessionConfig) error {
	if c.session.State() != model.StateLoaded {
		return ErrNotReady
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec != nil {
		return ErrAlreadyRecording
	}
	cfg = c.applyDefaults(cfg)

	ctx, cancel := context.WithCancel(c.ctx)
	stream, err := c.open(ctx, cfg)
	if err != nil {
		cancel()
		return err
	}

	rec := &recording{
		cfg:    cfg,
		buffer: audio.NewBufferForWindow(cfg.Window, cfg.SampleRate),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.rec = rec
	c.log.Info("recording started",
		slog.String("session_id", cfg.SessionID),
		slog.String("device", cfg.DeviceID),
		slog.String("file", cfg.FilePath),
		slog.Bool("loop", cfg.Loop))

	go c.run(ctx, rec, stream)
	return nil
}

func (c *Controller) applyDefaults(cfg SessionConfig) SessionConfig {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.DeviceID == "" && cfg.FilePath == "" {
		cfg.DeviceID = c.device
	}
	if cfg.Language == "" {
		cfg.Language = c.defaults.Language
	}
	if cfg.Window <= 0 {
		cfg.Window = c.defaults.Window
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = c.defaults.Cadence
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = c.defaults.SampleRate
	}
	return cfg
}

func (c *Controller) open(ctx context.Context, cfg SessionConfig) (Stream, error) {
	if cfg.FilePath != "" {
		return OpenFile(cfg.FilePath, cfg.SampleRate)
	}
	_, opener, ok := c.devices.Lookup(cfg.DeviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, cfg.DeviceID)
	}
	stream, err := opener(ctx, cfg.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", cfg.DeviceID, err)
	}
	return stream, nil
}

// Stop cancels capture, waits for the in-flight pair and the final flush,
// and returns once the recording has ended. It is a no-op when idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	rec := c.rec
	c.mu.Unlock()
	if rec == nil {
		return
	}
	rec.cancel()
	<-rec.done
}

// Close stops any recording and releases the controller.
func (c *Controller) Close() {
	c.Stop()
	c.cancel()
}

func (c *Controller) run(ctx context.Context, rec *recording, stream Stream) {
	captureDone := make(chan error, 1)
	go func() {
		captureDone <- c.capture(ctx, rec, stream)
	}()

	var captureErr error
	captureExited := false
	if rec.cfg.Loop {
		ticks, stopTicks := c.newTicker(rec.cfg.Cadence)
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case captureErr = <-captureDone:
				captureExited = true
				break loop
			case <-ticks:
				c.dispatch(rec, false)
			}
		}
		stopTicks()
	} else {
		select {
		case <-ctx.Done():
		case captureErr = <-captureDone:
			captureExited = true
		}
	}

	rec.cancel()
	if !captureExited {
		captureErr = <-captureDone
	}
	if err := stream.Close(); err != nil {
		c.log.Warn("failed to close stream", slogError(err))
	}
	if captureErr != nil && !errors.Is(captureErr, io.EOF) && !errors.Is(captureErr, context.Canceled) {
		c.log.Warn("capture ended with error", slog.String("session_id", rec.cfg.SessionID), slogError(captureErr))
		c.sink.OnError(rec.cfg.SessionID, captureErr)
	}

	c.dispatch(rec, true)

	c.mu.Lock()
	if c.rec == rec {
		c.rec = nil
	}
	c.mu.Unlock()

	c.log.Info("recording stopped", slog.String("session_id", rec.cfg.SessionID))
	c.sink.OnStopped(rec.cfg.SessionID)
	close(rec.done)
}

func (c *Controller) capture(ctx context.Context, rec *recording, stream Stream) error {
	for {
		samples, err := stream.Read(ctx)
		if len(samples) > 0 {
			rec.buffer.Push(samples)
		}
		if err != nil {
			return err
		}
		if !rec.cfg.Loop && rec.buffer.Full() {
			if rec.cfg.FilePath != "" && hasMore(ctx, stream) {
				return fmt.Errorf("%w: %s kept the first %s", ErrInputTruncated, rec.cfg.FilePath, rec.cfg.Window)
			}
			return nil
		}
	}
}

// hasMore reports whether an unpaced file stream still holds samples.
func hasMore(ctx context.Context, stream Stream) bool {
	samples, _ := stream.Read(ctx)
	return len(samples) > 0
}

// dispatch drains the buffer and runs one encode/decode pair. Inference runs
// under the controller context so a stopped recording still completes it.
func (c *Controller) dispatch(rec *recording, final bool) {
	chunk, ok := rec.buffer.Drain()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.inferTimeout)
	defer cancel()

	opts := model.Options{Language: rec.cfg.Language, Final: final}
	frame, err := c.session.Encode(ctx, chunk, opts)
	if err != nil {
		c.log.Warn("encode failed", slog.Uint64("sequence", chunk.Sequence), slogError(err))
		c.sink.OnError(rec.cfg.SessionID, err)
		return
	}
	result, err := c.session.Decode(ctx, frame, opts)
	if err != nil {
		c.log.Warn("decode failed", slog.Uint64("sequence", chunk.Sequence), slogError(err))
		c.sink.OnError(rec.cfg.SessionID, err)
		return
	}
	c.sink.OnResult(rec.cfg.SessionID, result)
}
