package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/mattn/go-shellwords"
)

type execBackend struct {
	cmd []string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecBackend runs an external recognizer per decode step. The command is
// invoked as `<command> --audio <wav> --model <path> [--language <tag>] [--partial]`
// and must print {"text": ..., "confidence": ...} on stdout.
func NewExecBackend(command string) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse model command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("model command is empty")
	}
	return &execBackend{cmd: args}, nil
}

func (b *execBackend) Name() string { return "exec" }

func (b *execBackend) Load(ctx context.Context, path string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bin, err := exec.LookPath(b.cmd[0])
	if err != nil {
		return nil, fmt.Errorf("recognizer binary: %w", err)
	}
	if err := checkModelFile(path); err != nil {
		return nil, err
	}
	return &execModel{bin: bin, args: b.cmd[1:], modelPath: path}, nil
}

type execModel struct {
	bin       string
	args      []string
	modelPath string
}

// Encode renders the chunk as a 16-bit mono WAV image.
func (m *execModel) Encode(_ context.Context, chunk audio.Chunk, _ Options) ([]byte, error) {
	file, err := os.CreateTemp("", "caption_enc_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, chunk.Samples, chunk.SampleRate); err != nil {
		return nil, err
	}
	return os.ReadFile(file.Name())
}

func (m *execModel) Decode(ctx context.Context, frame EncodedFrame, opts Options) (Transcription, error) {
	file, err := os.CreateTemp("", "caption_dec_*.wav")
	if err != nil {
		return Transcription{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(frame.Data); err != nil {
		file.Close()
		return Transcription{}, fmt.Errorf("write temp wav: %w", err)
	}
	if err := file.Close(); err != nil {
		return Transcription{}, fmt.Errorf("close temp wav: %w", err)
	}

	cmdArgs := append([]string{}, m.args...)
	cmdArgs = append(cmdArgs, "--audio", file.Name(), "--model", m.modelPath)
	if opts.Language != "" && opts.Language != "auto" {
		cmdArgs = append(cmdArgs, "--language", opts.Language)
	}
	if !opts.Final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, m.bin, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Transcription{}, fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Transcription{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	return Transcription{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func (m *execModel) Close() error { return nil }
