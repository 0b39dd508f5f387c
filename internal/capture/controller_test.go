package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/model"
)

type fakeStream struct {
	ch     chan []float32
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan []float32, 16), closed: make(chan struct{})}
}

func (s *fakeStream) Read(ctx context.Context) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case samples, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return samples, nil
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type recordingSink struct {
	mu      sync.Mutex
	results []model.TranscriptResult
	errs    []error
	stopped chan string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{stopped: make(chan string, 4)}
}

func (s *recordingSink) OnResult(_ string, result model.TranscriptResult) {
	s.mu.Lock()
	s.results = append(s.results, result)
	s.mu.Unlock()
}

func (s *recordingSink) OnError(_ string, err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *recordingSink) OnStopped(sessionID string) {
	s.stopped <- sessionID
}

func (s *recordingSink) reported() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func (s *recordingSink) snapshot() []model.TranscriptResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TranscriptResult(nil), s.results...)
}

type harness struct {
	ctrl    *Controller
	session *model.Session
	sink    *recordingSink
	stream  *fakeStream
	ticks   chan time.Time
}

func newHarness(t *testing.T, load bool) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	session := model.NewSession(model.NewMockBackend(), logger)
	if load {
		path := filepath.Join(t.TempDir(), "model.bin")
		if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
			t.Fatalf("write model: %v", err)
		}
		if err := session.Load(context.Background(), path); err != nil {
			t.Fatalf("load model: %v", err)
		}
	}

	stream := newFakeStream()
	reg := NewRegistry()
	open := func(context.Context, int) (Stream, error) { return stream, nil }
	if err := reg.Register(Device{ID: "mic", Name: "Mic", Kind: "test"}, open); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(Device{ID: "line", Name: "Line in", Kind: "test"}, open); err != nil {
		t.Fatalf("register: %v", err)
	}

	sink := newRecordingSink()
	defaults := Defaults{
		Device:     "mic",
		Language:   "en",
		Window:     2 * time.Second,
		Cadence:    time.Second,
		SampleRate: 16000,
	}
	ctrl := NewController(context.Background(), session, reg, defaults, sink, logger)
	ticks := make(chan time.Time)
	ctrl.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return ticks, func() {}
	}
	t.Cleanup(ctrl.Close)
	return &harness{ctrl: ctrl, session: session, sink: sink, stream: stream, ticks: ticks}
}

func samples(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) buffered() int {
	h.ctrl.mu.Lock()
	rec := h.ctrl.rec
	h.ctrl.mu.Unlock()
	if rec == nil {
		return 0
	}
	return rec.buffer.Len()
}

func TestStartRequiresLoadedModel(t *testing.T) {
	h := newHarness(t, false)
	for _, loop := range []bool{false, true} {
		if err := h.ctrl.Start(SessionConfig{Loop: loop}); !errors.Is(err, ErrNotReady) {
			t.Fatalf("loop=%v: expected ErrNotReady, got %v", loop, err)
		}
		if h.ctrl.Recording() {
			t.Fatalf("loop=%v: recording should remain false", loop)
		}
	}
	if started, err := h.ctrl.ToggleRecording(true); started || !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected toggle to be rejected, got %v %v", started, err)
	}
}

func TestStreamingDispatchesPerTick(t *testing.T) {
	h := newHarness(t, true)
	if err := h.ctrl.Start(SessionConfig{Loop: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.ctrl.Start(SessionConfig{Loop: true}); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}

	for i := 0; i < 3; i++ {
		h.stream.ch <- samples(1600, 0.3)
		waitFor(t, "samples buffered", func() bool { return h.buffered() == 1600 })
		h.ticks <- time.Now()
		want := uint64(i + 1)
		waitFor(t, "decode", func() bool { return h.session.Counters().DecoderRuns == want })
	}

	h.ctrl.Stop()
	if h.ctrl.Recording() {
		t.Fatal("expected recording to stop")
	}

	c := h.session.Counters()
	if c.EncoderRuns != 3 || c.DecoderRuns != 3 {
		t.Fatalf("unexpected counters %+v", c)
	}
	results := h.sink.snapshot()
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Sequence != uint64(i) {
			t.Fatalf("result %d has sequence %d", i, res.Sequence)
		}
		wantStart := time.Duration(i) * 100 * time.Millisecond
		if res.Start != wantStart {
			t.Fatalf("result %d starts at %v, want %v", i, res.Start, wantStart)
		}
	}
	select {
	case <-h.stream.closed:
	default:
		t.Fatal("expected stream to be closed")
	}
}

func TestStopFlushesBufferedSamples(t *testing.T) {
	h := newHarness(t, true)
	if err := h.ctrl.Start(SessionConfig{Loop: true}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.stream.ch <- samples(800, 0.3)
	waitFor(t, "samples buffered", func() bool { return h.buffered() == 800 })

	h.ctrl.Stop()

	c := h.session.Counters()
	if c.EncoderRuns != 1 || c.DecoderRuns != 1 {
		t.Fatalf("expected one final pass, got %+v", c)
	}
	results := h.sink.snapshot()
	if len(results) != 1 || !results[0].Final {
		t.Fatalf("expected one final result, got %+v", results)
	}
	if got := results[0].End - results[0].Start; got != 50*time.Millisecond {
		t.Fatalf("expected 50ms flushed, got %v", got)
	}

	// a second stop is a no-op and nothing dispatches afterwards.
	h.ctrl.Stop()
	if c := h.session.Counters(); c.EncoderRuns != 1 || c.DecoderRuns != 1 {
		t.Fatalf("counters moved after stop: %+v", c)
	}
}

func TestSelectDeviceWhileRecording(t *testing.T) {
	h := newHarness(t, true)
	if err := h.ctrl.SelectDevice("nope"); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}

	started, err := h.ctrl.ToggleRecording(true)
	if err != nil || !started {
		t.Fatalf("toggle start: %v %v", started, err)
	}
	if err := h.ctrl.SelectDevice("line"); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected ErrDeviceBusy, got %v", err)
	}
	if got := h.ctrl.Device(); got != "mic" {
		t.Fatalf("device changed to %s", got)
	}

	started, err = h.ctrl.ToggleRecording(true)
	if err != nil || started {
		t.Fatalf("toggle stop: %v %v", started, err)
	}
	if err := h.ctrl.SelectDevice("line"); err != nil {
		t.Fatalf("select after stop: %v", err)
	}
	if got := h.ctrl.Device(); got != "line" {
		t.Fatalf("expected line, got %s", got)
	}
}

func TestSingleShotFromFile(t *testing.T) {
	h := newHarness(t, true)
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := audio.WriteWAVFile(path, samples(8000, 0.25), 16000); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	if err := h.ctrl.Start(SessionConfig{SessionID: "file-1", FilePath: path}); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case id := <-h.sink.stopped:
		if id != "file-1" {
			t.Fatalf("unexpected session %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("single-shot did not stop")
	}

	c := h.session.Counters()
	if c.EncoderRuns != 1 || c.DecoderRuns != 1 {
		t.Fatalf("expected one pass, got %+v", c)
	}
	results := h.sink.snapshot()
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if got := results[0].End - results[0].Start; got != 500*time.Millisecond {
		t.Fatalf("expected 500ms of audio, got %v", got)
	}
	if h.ctrl.Recording() {
		t.Fatal("single-shot should not remain recording")
	}
}

func TestSingleShotStopsAtWindow(t *testing.T) {
	h := newHarness(t, true)
	if err := h.ctrl.Start(SessionConfig{Window: 100 * time.Millisecond}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.stream.ch <- samples(1000, 0.3)
	h.stream.ch <- samples(1000, 0.3)

	select {
	case <-h.sink.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("single-shot did not stop at a full window")
	}
	results := h.sink.snapshot()
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if got := results[0].End - results[0].Start; got != 100*time.Millisecond {
		t.Fatalf("expected window-sized chunk, got %v", got)
	}
}

func TestSingleShotReportsTruncatedFile(t *testing.T) {
	cases := []struct {
		name      string
		samples   int
		truncated bool
	}{
		{"longer than window", 8000, true},
		{"exactly one window", 1600, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, true)
			path := filepath.Join(t.TempDir(), "clip.wav")
			if err := audio.WriteWAVFile(path, samples(tc.samples, 0.25), 16000); err != nil {
				t.Fatalf("write wav: %v", err)
			}
			if err := h.ctrl.Start(SessionConfig{FilePath: path, Window: 100 * time.Millisecond}); err != nil {
				t.Fatalf("start: %v", err)
			}
			select {
			case <-h.sink.stopped:
			case <-time.After(2 * time.Second):
				t.Fatal("single-shot did not stop")
			}

			results := h.sink.snapshot()
			if len(results) != 1 || results[0].End != 100*time.Millisecond {
				t.Fatalf("expected one window-sized result, got %+v", results)
			}
			errs := h.sink.reported()
			if tc.truncated {
				if len(errs) != 1 || !errors.Is(errs[0], ErrInputTruncated) {
					t.Fatalf("expected truncation to be reported, got %v", errs)
				}
			} else if len(errs) != 0 {
				t.Fatalf("unexpected errors %v", errs)
			}
		})
	}
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	open := func(context.Context, int) (Stream, error) { return newFakeStream(), nil }
	for _, id := range []string{"b", "a"} {
		if err := reg.Register(Device{ID: id}, open); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := reg.Register(Device{ID: "a"}, open); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	list := reg.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("unexpected list %+v", list)
	}
}
