package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents one decoded chunk broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
	Text       string    `json:"text"`
	StartMS    int64     `json:"start_ms"`
	EndMS      int64     `json:"end_ms"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// State is the coordinator state broadcast on every change.
type State struct {
	Version      uint64  `json:"version"`
	ModelState   string  `json:"model_state"`
	ModelReason  string  `json:"model_reason,omitempty"`
	Recording    bool    `json:"recording"`
	Mode         string  `json:"mode"`
	DeviceID     string  `json:"device_id"`
	SessionID    string  `json:"session_id,omitempty"`
	EncoderRuns  uint64  `json:"encoder_runs"`
	DecoderRuns  uint64  `json:"decoder_runs"`
	BufferedSecs float64 `json:"buffered_seconds"`
	Results      int     `json:"results"`
	LastError    string  `json:"last_error,omitempty"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTranscript       = "caption.transcript"
	SubjectState            = "caption.state"
	SubjectControl          = "caption.control"
)

// AudioFrameSubject returns the subject a device publishes its frames on.
func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}
