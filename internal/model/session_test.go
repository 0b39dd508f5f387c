package model

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ggml-tiny.bin")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func testChunk(seq uint64) audio.Chunk {
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = 0.2
	}
	return audio.Chunk{Sequence: seq, SampleRate: 16000, Samples: samples, Start: time.Duration(seq) * 100 * time.Millisecond}
}

func TestLoadTransitions(t *testing.T) {
	s := NewSession(NewMockBackend(), newLogger())

	var mu sync.Mutex
	var seen []State
	s.OnStateChange(func(st Status) {
		mu.Lock()
		seen = append(seen, st.State)
		mu.Unlock()
	})

	if err := s.Load(context.Background(), writeModel(t)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.State() != StateLoaded {
		t.Fatalf("expected loaded, got %s", s.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != StateLoading || seen[1] != StateLoaded {
		t.Fatalf("unexpected transitions %v", seen)
	}
}

func TestLoadFailure(t *testing.T) {
	s := NewSession(NewMockBackend(), newLogger())
	missing := filepath.Join(t.TempDir(), "missing.bin")

	err := s.Load(context.Background(), missing)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
	if loadErr.Path != missing {
		t.Fatalf("unexpected path %q", loadErr.Path)
	}
	st := s.Status()
	if st.State != StateFailed || st.Reason == "" {
		t.Fatalf("expected failed with reason, got %+v", st)
	}

	// failed only leaves via an explicit reset.
	if err := s.Load(context.Background(), writeModel(t)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition from failed, got %v", err)
	}
	if err := s.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if s.State() != StateUnloaded {
		t.Fatalf("expected unloaded after reset, got %s", s.State())
	}
}

func TestLoadRejectsEmptyModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := NewSession(NewMockBackend(), newLogger())
	if err := s.Load(context.Background(), path); err == nil {
		t.Fatal("expected corrupt model to fail")
	}
}

func TestInferenceRequiresLoaded(t *testing.T) {
	s := NewSession(NewMockBackend(), newLogger())
	ctx := context.Background()

	if _, err := s.Encode(ctx, testChunk(0), Options{}); !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference from encode, got %v", err)
	}
	if _, err := s.Decode(ctx, EncodedFrame{}, Options{}); !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference from decode, got %v", err)
	}
	if c := s.Counters(); c.EncoderRuns != 0 || c.DecoderRuns != 0 {
		t.Fatalf("expected zero counters, got %+v", c)
	}

	_ = s.Load(ctx, filepath.Join(t.TempDir(), "missing.bin"))
	if _, err := s.Encode(ctx, testChunk(0), Options{}); !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference while failed, got %v", err)
	}
	if c := s.Counters(); c.EncoderRuns != 0 {
		t.Fatalf("expected zero counters while failed, got %+v", c)
	}
}

func TestEncodeDecodeCounts(t *testing.T) {
	s := NewSession(NewMockBackend(), newLogger())
	ctx := context.Background()
	if err := s.Load(ctx, writeModel(t)); err != nil {
		t.Fatalf("load: %v", err)
	}

	for i := uint64(0); i < 3; i++ {
		frame, err := s.Encode(ctx, testChunk(i), Options{Language: "en"})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		res, err := s.Decode(ctx, frame, Options{Language: "en"})
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if res.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, res.Sequence)
		}
		if res.End-res.Start != 100*time.Millisecond {
			t.Fatalf("unexpected span %v-%v", res.Start, res.End)
		}
		if res.Confidence != 1 {
			t.Fatalf("expected all frames voiced, got %v", res.Confidence)
		}
	}
	if c := s.Counters(); c.EncoderRuns != 3 || c.DecoderRuns != 3 {
		t.Fatalf("unexpected counters %+v", c)
	}

	if err := s.Unload(); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if c := s.Counters(); c.EncoderRuns != 0 || c.DecoderRuns != 0 {
		t.Fatalf("expected counters reset by unload, got %+v", c)
	}
	if _, err := s.Encode(ctx, testChunk(4), Options{}); !errors.Is(err, ErrInference) {
		t.Fatalf("expected ErrInference after unload, got %v", err)
	}
}

func TestNewBackend(t *testing.T) {
	if b, err := NewBackend(config.ModelConfig{Backend: "mock"}); err != nil || b.Name() != "mock" {
		t.Fatalf("expected mock backend, got %v %v", b, err)
	}
	if _, err := NewBackend(config.ModelConfig{Backend: "exec"}); err == nil {
		t.Fatal("expected error for exec without command")
	}
	if _, err := NewBackend(config.ModelConfig{Backend: "coreml"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestExecBackend(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	script := filepath.Join(t.TempDir(), "recognizer.sh")
	body := "#!/bin/sh\necho '{\"text\":\"hello world\",\"confidence\":0.9}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	backend, err := NewExecBackend("sh " + script)
	if err != nil {
		t.Fatalf("new exec backend: %v", err)
	}
	s := NewSession(backend, newLogger())
	ctx := context.Background()
	if err := s.Load(ctx, writeModel(t)); err != nil {
		t.Fatalf("load: %v", err)
	}
	frame, err := s.Encode(ctx, testChunk(0), Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(frame.Data) < 44 {
		t.Fatalf("expected wav image, got %d bytes", len(frame.Data))
	}
	res, err := s.Decode(ctx, frame, Options{Language: "en", Final: true})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Text != "hello world" || res.Confidence != 0.9 || !res.Final {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecBackendMissingBinary(t *testing.T) {
	backend, err := NewExecBackend("definitely-not-a-recognizer-binary --fast")
	if err != nil {
		t.Fatalf("new exec backend: %v", err)
	}
	s := NewSession(backend, newLogger())
	var loadErr *LoadError
	if err := s.Load(context.Background(), writeModel(t)); !errors.As(err, &loadErr) {
		t.Fatalf("expected LoadError, got %v", err)
	}
}
