package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-caption/model"

// Session owns one backend model and its lifecycle. Encode and Decode are
// serialized; Unload waits for an in-flight step before releasing the model.
type Session struct {
	backend Backend
	log     *slog.Logger
	tracer  trace.Tracer

	mu     sync.RWMutex
	status Status
	model  Model
	path   string
	hooks  []func(Status)

	inferMu     sync.Mutex
	encoderRuns atomic.Uint64
	decoderRuns atomic.Uint64

	encodeCounter metric.Int64Counter
	decodeCounter metric.Int64Counter
	latency       metric.Float64Histogram
}

func NewSession(backend Backend, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		backend: backend,
		log:     logger.With(slog.String("component", "model-session"), slog.String("backend", backend.Name())),
		tracer:  otel.Tracer(instrumentationName),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Session) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if s.encodeCounter, err = meter.Int64Counter("caption.model.encoder_runs", metric.WithDescription("Completed encoder runs")); err != nil {
		return err
	}
	if s.decodeCounter, err = meter.Int64Counter("caption.model.decoder_runs", metric.WithDescription("Completed decoder runs")); err != nil {
		return err
	}
	s.latency, err = meter.Float64Histogram("caption.model.inference_ms",
		metric.WithDescription("Inference step latency"),
		metric.WithUnit("ms"))
	return err
}

// OnStateChange registers fn to be called after every lifecycle transition.
func (s *Session) OnStateChange(fn func(Status)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) State() State {
	return s.Status().State
}

// ModelPath returns the path of the most recent load attempt.
func (s *Session) ModelPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func (s *Session) Counters() Counters {
	return Counters{
		EncoderRuns: s.encoderRuns.Load(),
		DecoderRuns: s.decoderRuns.Load(),
	}
}

// Load moves unloaded → loading → loaded|failed. It blocks for the duration of
// the backend load; callers that must not block run it on a goroutine.
func (s *Session) Load(ctx context.Context, path string) error {
	s.mu.Lock()
	if s.status.State != StateUnloaded {
		state := s.status.State
		s.mu.Unlock()
		return fmt.Errorf("%w: load while %s", ErrInvalidTransition, state)
	}
	s.status = Status{State: StateLoading}
	s.path = path
	s.mu.Unlock()
	s.notify(Status{State: StateLoading})

	start := time.Now()
	m, err := s.backend.Load(ctx, path)

	s.mu.Lock()
	if err != nil {
		s.status = Status{State: StateFailed, Reason: err.Error()}
	} else {
		s.model = m
		s.status = Status{State: StateLoaded}
	}
	status := s.status
	s.mu.Unlock()
	s.notify(status)

	if err != nil {
		s.log.Warn("model load failed", slog.String("path", path), slogError(err))
		return &LoadError{Path: path, Err: err}
	}
	s.log.Info("model loaded", slog.String("path", path), slog.Duration("latency", time.Since(start)))
	return nil
}

// Unload releases the model and returns to unloaded, also clearing a failed
// state. Counters are reset. Unloading while a load is in flight is rejected.
func (s *Session) Unload() error {
	s.inferMu.Lock()
	defer s.inferMu.Unlock()

	s.mu.Lock()
	prev := s.status.State
	if prev == StateLoading {
		s.mu.Unlock()
		return fmt.Errorf("%w: unload while loading", ErrInvalidTransition)
	}
	m := s.model
	s.model = nil
	s.status = Status{State: StateUnloaded}
	s.encoderRuns.Store(0)
	s.decoderRuns.Store(0)
	s.mu.Unlock()

	var closeErr error
	if m != nil {
		closeErr = m.Close()
	}
	if prev != StateUnloaded {
		s.notify(Status{State: StateUnloaded})
		s.log.Info("model unloaded", slog.String("from", prev.String()))
	}
	if closeErr != nil {
		return fmt.Errorf("close model: %w", closeErr)
	}
	return nil
}

// Encode runs the encoder on chunk. The encoder counter only advances on success.
func (s *Session) Encode(ctx context.Context, chunk audio.Chunk, opts Options) (EncodedFrame, error) {
	s.inferMu.Lock()
	defer s.inferMu.Unlock()

	m, err := s.loadedModel("encode")
	if err != nil {
		return EncodedFrame{}, err
	}

	ctx, span := s.tracer.Start(ctx, "model.encode", trace.WithAttributes(
		attribute.Int64("caption.sequence", int64(chunk.Sequence)),
		attribute.Int("caption.samples", len(chunk.Samples)),
	))
	defer span.End()

	start := time.Now()
	data, err := m.Encode(ctx, chunk, opts)
	s.recordLatency(ctx, "encode", start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return EncodedFrame{}, fmt.Errorf("encode chunk %d: %w", chunk.Sequence, err)
	}

	s.encoderRuns.Add(1)
	if s.encodeCounter != nil {
		s.encodeCounter.Add(ctx, 1)
	}
	return EncodedFrame{
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Start:      chunk.Start,
		End:        chunk.End(),
		Data:       data,
	}, nil
}

// Decode turns an encoded frame into text. The decoder counter only advances on success.
func (s *Session) Decode(ctx context.Context, frame EncodedFrame, opts Options) (TranscriptResult, error) {
	s.inferMu.Lock()
	defer s.inferMu.Unlock()

	m, err := s.loadedModel("decode")
	if err != nil {
		return TranscriptResult{}, err
	}

	ctx, span := s.tracer.Start(ctx, "model.decode", trace.WithAttributes(
		attribute.Int64("caption.sequence", int64(frame.Sequence)),
		attribute.Bool("caption.final", opts.Final),
	))
	defer span.End()

	start := time.Now()
	out, err := m.Decode(ctx, frame, opts)
	s.recordLatency(ctx, "decode", start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TranscriptResult{}, fmt.Errorf("decode chunk %d: %w", frame.Sequence, err)
	}

	s.decoderRuns.Add(1)
	if s.decodeCounter != nil {
		s.decodeCounter.Add(ctx, 1)
	}
	return TranscriptResult{
		Sequence:   frame.Sequence,
		Text:       out.Text,
		Start:      frame.Start,
		End:        frame.End,
		Confidence: out.Confidence,
		Final:      opts.Final,
	}, nil
}

func (s *Session) loadedModel(op string) (Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status.State != StateLoaded || s.model == nil {
		return nil, fmt.Errorf("%s: %w (state=%s)", op, ErrInference, s.status.State)
	}
	return s.model, nil
}

func (s *Session) recordLatency(ctx context.Context, step string, start time.Time) {
	if s.latency == nil {
		return
	}
	s.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("step", step)))
}

func (s *Session) notify(status Status) {
	s.mu.RLock()
	hooks := append([]func(Status){}, s.hooks...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(status)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
