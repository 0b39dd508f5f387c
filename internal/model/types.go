// Package model wraps a speech model behind a load/encode/decode session.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
)

// State is the lifecycle of a loaded model.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateUnloaded, StateLoading, StateLoaded, StateFailed} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown model state %q", b)
}

// Status pairs a state with the failure reason when State is StateFailed.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

var (
	// ErrInference is returned by Encode/Decode when the model is not loaded.
	ErrInference = errors.New("model: inference requires a loaded model")
	// ErrInvalidTransition is returned for lifecycle calls the current state forbids.
	ErrInvalidTransition = errors.New("model: invalid state transition")
)

// LoadError reports a model that could not be loaded.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Options carries per-step decoding hints.
type Options struct {
	Language string
	// Final marks the last pass of a recording.
	Final bool
}

// EncodedFrame is the encoder output for one chunk.
type EncodedFrame struct {
	Sequence   uint64
	SampleRate int
	Start      time.Duration
	End        time.Duration
	Data       []byte
}

// TranscriptResult is the decoded text for one chunk.
type TranscriptResult struct {
	Sequence   uint64        `json:"sequence"`
	Text       string        `json:"text"`
	Start      time.Duration `json:"start"`
	End        time.Duration `json:"end"`
	Confidence float64       `json:"confidence"`
	Final      bool          `json:"final"`
}

// Transcription is what a backend model returns from Decode.
type Transcription struct {
	Text       string
	Confidence float64
}

// Counters holds encoder/decoder run totals.
type Counters struct {
	EncoderRuns uint64 `json:"encoder_runs"`
	DecoderRuns uint64 `json:"decoder_runs"`
}

// Backend loads models from disk.
type Backend interface {
	Name() string
	Load(ctx context.Context, path string) (Model, error)
}

// Model is a loaded backend model. Calls are serialized by Session.
type Model interface {
	Encode(ctx context.Context, chunk audio.Chunk, opts Options) ([]byte, error)
	Decode(ctx context.Context, frame EncodedFrame, opts Options) (Transcription, error)
	Close() error
}
