package model

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/loqalabs/loqa-caption/internal/audio"
)

// voicedRMS is the frame energy above which a frame counts as speech.
const voicedRMS = 0.01

type mockBackend struct{}

// NewMockBackend returns a backend that validates the model file exists and
// produces deterministic captions without running a real model.
func NewMockBackend() Backend {
	return &mockBackend{}
}

func (b *mockBackend) Name() string { return "mock" }

func (b *mockBackend) Load(ctx context.Context, path string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkModelFile(path); err != nil {
		return nil, err
	}
	return &mockModel{path: path}, nil
}

type mockModel struct {
	path string
}

// Encode reduces the chunk to one RMS value per 10ms frame.
func (m *mockModel) Encode(ctx context.Context, chunk audio.Chunk, _ Options) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frameLen := chunk.SampleRate / 100
	if frameLen <= 0 {
		frameLen = 160
	}
	var out []byte
	for start := 0; start < len(chunk.Samples); start += frameLen {
		end := min(start+frameLen, len(chunk.Samples))
		var sum float64
		for _, s := range chunk.Samples[start:end] {
			sum += float64(s) * float64(s)
		}
		rms := float32(math.Sqrt(sum / float64(end-start)))
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(rms))
	}
	return out, nil
}

func (m *mockModel) Decode(ctx context.Context, frame EncodedFrame, opts Options) (Transcription, error) {
	if err := ctx.Err(); err != nil {
		return Transcription{}, err
	}
	if len(frame.Data)%4 != 0 {
		return Transcription{}, errors.New("mock: malformed encoder output")
	}
	frames := len(frame.Data) / 4
	voiced := 0
	for i := 0; i < frames; i++ {
		rms := math.Float32frombits(binary.LittleEndian.Uint32(frame.Data[i*4:]))
		if rms >= voicedRMS {
			voiced++
		}
	}
	confidence := 0.0
	if frames > 0 {
		confidence = float64(voiced) / float64(frames)
	}
	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	text := fmt.Sprintf("[%s chunk %d: %.2fs, %d/%d voiced]",
		lang, frame.Sequence, (frame.End - frame.Start).Seconds(), voiced, frames)
	return Transcription{Text: text, Confidence: confidence}, nil
}

func (m *mockModel) Close() error { return nil }

func checkModelFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("model path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat model: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("model path %s is a directory", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("model file %s is empty", path)
	}
	return nil
}
