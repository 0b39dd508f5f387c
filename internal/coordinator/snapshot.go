package coordinator

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-caption/internal/model"
	"github.com/loqalabs/loqa-caption/internal/protocol"
)

// Mode selects how a recording runs.
type Mode int

const (
	// ModeTranscribe captures one bounded input and transcribes it once.
	ModeTranscribe Mode = iota
	// ModeStream transcribes continuously on a fixed cadence until stopped.
	ModeStream
)

func (m Mode) Loop() bool {
	return m == ModeStream
}

func (m Mode) String() string {
	switch m {
	case ModeStream:
		return "stream"
	default:
		return "transcribe"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode maps an external mode name onto Mode. Empty means transcribe.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "transcribe", "file":
		return ModeTranscribe, nil
	case "stream":
		return ModeStream, nil
	default:
		return ModeTranscribe, fmt.Errorf("unknown mode %q", s)
	}
}

// Snapshot is a consistent copy of the coordinator state.
type Snapshot struct {
	Version         uint64                   `json:"version"`
	Model           model.Status             `json:"model"`
	ModelPath       string                   `json:"model_path,omitempty"`
	Recording       bool                     `json:"recording"`
	Mode            Mode                     `json:"mode"`
	DeviceID        string                   `json:"device_id"`
	SessionID       string                   `json:"session_id,omitempty"`
	EncoderRuns     uint64                   `json:"encoder_runs"`
	DecoderRuns     uint64                   `json:"decoder_runs"`
	BufferedSeconds float64                  `json:"buffered_seconds"`
	Results         []model.TranscriptResult `json:"results"`
	LastError       string                   `json:"last_error,omitempty"`
}

// State converts the snapshot into its bus message.
func (s Snapshot) State() protocol.State {
	return protocol.State{
		Version:      s.Version,
		ModelState:   s.Model.State.String(),
		ModelReason:  s.Model.Reason,
		Recording:    s.Recording,
		Mode:         s.Mode.String(),
		DeviceID:     s.DeviceID,
		SessionID:    s.SessionID,
		EncoderRuns:  s.EncoderRuns,
		DecoderRuns:  s.DecoderRuns,
		BufferedSecs: s.BufferedSeconds,
		Results:      len(s.Results),
		LastError:    s.LastError,
	}
}
