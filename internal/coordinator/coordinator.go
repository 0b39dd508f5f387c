// Package coordinator owns the published caption state and mediates between
// the capture controller, the model session and the persistence collaborators.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/capture"
	"github.com/loqalabs/loqa-caption/internal/eventstore"
	"github.com/loqalabs/loqa-caption/internal/files"
	"github.com/loqalabs/loqa-caption/internal/model"
	"github.com/loqalabs/loqa-caption/internal/protocol"
)

var (
	ErrLoadInProgress = errors.New("coordinator: model load in progress")
	ErrInvalidFile    = errors.New("coordinator: file is not a readable wav")
)

// Publisher broadcasts state and transcripts. bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Recorder persists sessions and their transcript timeline. eventstore.Store
// satisfies it.
type Recorder interface {
	AppendSession(ctx context.Context, sessionID, deviceID, mode string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	Session  *model.Session
	Devices  *capture.Registry
	Defaults capture.Defaults
	Files    *files.Service
	// ModelPath is reloaded by Reset. Empty leaves the model unloaded.
	ModelPath string
	Recorder  Recorder
	Publisher Publisher
	Logger    *slog.Logger
}

type Coordinator struct {
	session   *model.Session
	capture   *capture.Controller
	files     *files.Service
	recorder  Recorder
	publisher Publisher
	log       *slog.Logger
	ctx       context.Context

	// opMu serializes operations; mu guards published state. Sink callbacks
	// only take mu, so an operation may block on capture.Stop while holding opMu.
	opMu sync.Mutex

	mu        sync.Mutex
	version   uint64
	modelPath string
	recording bool
	mode      Mode
	sessionID string
	results   []model.TranscriptResult
	lastErr   string
	loadDone  chan struct{}
	loadStop  context.CancelFunc
	observers map[int]func(Snapshot)
	nextObs   int
}

func New(ctx context.Context, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		session:   opts.Session,
		files:     opts.Files,
		recorder:  opts.Recorder,
		publisher: opts.Publisher,
		log:       logger.With(slog.String("component", "coordinator")),
		ctx:       ctx,
		modelPath: opts.ModelPath,
		observers: make(map[int]func(Snapshot)),
	}
	c.capture = capture.NewController(ctx, opts.Session, opts.Devices, opts.Defaults, sink{c}, logger)
	c.session.OnStateChange(func(st model.Status) {
		if st.State == model.StateFailed {
			c.setError(st.Reason)
		}
		c.changed()
	})
	return c
}

// Capture exposes the controller for device listing.
func (c *Coordinator) Capture() *capture.Controller {
	return c.capture
}

// Files exposes the scratch file service.
func (c *Coordinator) Files() *files.Service {
	return c.files
}

// Snapshot returns a copy of the published state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	counters := c.session.Counters()
	return Snapshot{
		Version:         c.version,
		Model:           c.session.Status(),
		ModelPath:       c.modelPath,
		Recording:       c.recording,
		Mode:            c.mode,
		DeviceID:        c.capture.Device(),
		SessionID:       c.sessionID,
		EncoderRuns:     counters.EncoderRuns,
		DecoderRuns:     counters.DecoderRuns,
		BufferedSeconds: c.capture.BufferedSeconds(),
		Results:         append([]model.TranscriptResult(nil), c.results...),
		LastError:       c.lastErr,
	}
}

// Subscribe registers fn for every state change and returns a cancel func.
// fn runs on the goroutine that caused the change and must not block.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) changed() {
	c.mu.Lock()
	c.version++
	snap := c.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	for _, fn := range observers {
		fn(snap)
	}
	c.publish(protocol.SubjectState, snap.State())
}

func (c *Coordinator) publish(subject string, v any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishJSON(subject, v); err != nil {
		c.log.Warn("publish failed", slog.String("subject", subject), slogError(err))
	}
}

func (c *Coordinator) setError(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	c.mu.Unlock()
}

// Load starts an asynchronous model load. The channel yields the result once.
func (c *Coordinator) Load(path string) <-chan error {
	out := make(chan error, 1)

	c.opMu.Lock()
	c.mu.Lock()
	if c.loadDone != nil {
		c.mu.Unlock()
		c.opMu.Unlock()
		out <- ErrLoadInProgress
		close(out)
		return out
	}
	done := make(chan struct{})
	ctx, stop := context.WithCancel(c.ctx)
	c.loadDone = done
	c.loadStop = stop
	c.lastErr = ""
	c.mu.Unlock()
	c.opMu.Unlock()

	go func() {
		defer stop()
		err := c.session.Load(ctx, path)
		c.mu.Lock()
		if err == nil {
			c.modelPath = path
		} else {
			c.lastErr = err.Error()
		}
		c.loadDone = nil
		c.loadStop = nil
		c.mu.Unlock()
		close(done)
		c.changed()
		out <- err
		close(out)
	}()
	return out
}

// abortLoad cancels an in-flight load and waits for it to settle, so the
// session is never left loading.
func (c *Coordinator) abortLoad() {
	c.mu.Lock()
	done, stop := c.loadDone, c.loadStop
	c.mu.Unlock()
	if done == nil {
		return
	}
	stop()
	<-done
}

// Reset stops capture, aborts any in-flight load, unloads the model and
// reloads the configured one, clearing counters and results. ctx only bounds
// the reload; Reset never leaves the model loading or failed.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.capture.Stop()
	c.abortLoad()
	if err := c.session.Unload(); err != nil {
		c.log.Warn("unload during reset failed", slogError(err))
	}

	c.mu.Lock()
	c.results = nil
	c.lastErr = ""
	c.sessionID = ""
	path := c.modelPath
	c.mu.Unlock()

	if path != "" {
		if err := c.session.Load(ctx, path); err != nil {
			_ = c.session.Unload()
			c.setError(err.Error())
			c.changed()
			c.log.Warn("model reload failed", slog.String("path", path), slogError(err))
			return fmt.Errorf("reset: %w", err)
		}
	}
	c.changed()
	c.log.Info("state reset", slog.String("model_state", c.session.State().String()))
	return nil
}

// ToggleRecording starts a recording in mode on the selected device, or stops
// the active recording.
func (c *Coordinator) ToggleRecording(mode Mode) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.capture.Recording() {
		c.capture.Stop()
		return nil
	}
	return c.startLocked(capture.SessionConfig{Loop: mode.Loop()}, mode)
}

func (c *Coordinator) startLocked(cfg capture.SessionConfig, mode Mode) error {
	if c.session.State() != model.StateLoaded {
		return capture.ErrNotReady
	}
	cfg.SessionID = uuid.NewString()
	device := "file"
	if cfg.FilePath == "" {
		device = c.capture.Device()
		cfg.DeviceID = device
	}

	if c.recorder != nil {
		if err := c.recorder.AppendSession(c.ctx, cfg.SessionID, device, mode.String()); err != nil {
			c.log.Warn("failed to record session", slogError(err))
		}
	}

	c.mu.Lock()
	prevSession := c.sessionID
	prevResults := c.results
	c.recording = true
	c.mode = mode
	c.sessionID = cfg.SessionID
	c.results = nil
	c.lastErr = ""
	c.mu.Unlock()

	if err := c.capture.Start(cfg); err != nil {
		c.mu.Lock()
		c.recording = false
		c.sessionID = prevSession
		c.results = prevResults
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.changed()
		return err
	}
	c.changed()
	return nil
}

// SelectDevice switches the capture device. It fails with
// capture.ErrDeviceBusy while recording.
func (c *Coordinator) SelectDevice(id string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.capture.SelectDevice(id); err != nil {
		return err
	}
	c.changed()
	return nil
}

// SelectFile validates a WAV file and transcribes it in a single pass.
func (c *Coordinator) SelectFile(path string) error {
	if !audio.IsWAVFile(path) {
		return fmt.Errorf("%w: %s", ErrInvalidFile, path)
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.startLocked(capture.SessionConfig{FilePath: path}, ModeTranscribe)
}

// ImportFile stores uploaded audio in the scratch dir and transcribes it.
func (c *Coordinator) ImportFile(data []byte, ext string) (string, error) {
	path, err := c.files.Save(data, ext)
	if err != nil {
		return "", err
	}
	if err := c.SelectFile(path); err != nil {
		return path, err
	}
	return path, nil
}

// ExportTranscript renders the current results and saves them as a file.
func (c *Coordinator) ExportTranscript(format Format) (string, error) {
	snap := c.Snapshot()
	data, err := Render(snap.Results, format)
	if err != nil {
		return "", err
	}
	return c.files.Save(data, string(format))
}

// Close stops capture and releases the model.
func (c *Coordinator) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.capture.Close()
	c.abortLoad()
	if err := c.session.Unload(); err != nil {
		c.log.Warn("unload on close failed", slogError(err))
	}
}

// sink adapts capture callbacks onto the coordinator state.
type sink struct{ c *Coordinator }

func (s sink) OnResult(sessionID string, result model.TranscriptResult) {
	c := s.c
	c.mu.Lock()
	current := sessionID == c.sessionID
	if current {
		c.results = append(c.results, result)
	}
	c.mu.Unlock()
	if !current {
		return
	}

	msg := protocol.Transcript{
		SessionID:  sessionID,
		Sequence:   result.Sequence,
		Text:       result.Text,
		StartMS:    result.Start.Milliseconds(),
		EndMS:      result.End.Milliseconds(),
		Partial:    !result.Final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	if c.recorder != nil {
		payload, err := json.Marshal(msg)
		if err == nil {
			err = c.recorder.AppendEvent(context.WithoutCancel(c.ctx), eventstore.Event{
				SessionID: sessionID,
				Type:      eventstore.EventTranscript,
				Payload:   payload,
			})
		}
		if err != nil {
			c.log.Warn("failed to persist transcript", slogError(err))
		}
	}
	c.publish(protocol.SubjectTranscript, msg)
	c.changed()
}

func (s sink) OnError(sessionID string, err error) {
	s.c.log.Warn("pipeline error", slog.String("session_id", sessionID), slogError(err))
	s.c.setError(err.Error())
	s.c.changed()
}

func (s sink) OnStopped(sessionID string) {
	c := s.c
	c.mu.Lock()
	if sessionID == c.sessionID {
		c.recording = false
	}
	c.mu.Unlock()
	c.changed()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
