package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-caption/internal/audio"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Stream is an open device handle. Read blocks until samples arrive, the
// context is cancelled, or the source is exhausted (io.EOF).
type Stream interface {
	Read(ctx context.Context) ([]float32, error)
	Close() error
}

// Opener opens a stream delivering mono samples at sampleRate.
type Opener func(ctx context.Context, sampleRate int) (Stream, error)

// Device describes a selectable capture source.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type deviceEntry struct {
	info Device
	open Opener
}

// Registry maps device ids to openers.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]deviceEntry
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]deviceEntry)}
}

func (r *Registry) Register(info Device, open Opener) error {
	if info.ID == "" {
		return fmt.Errorf("device id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[info.ID]; exists {
		return fmt.Errorf("device %s already registered", info.ID)
	}
	r.devices[info.ID] = deviceEntry{info: info, open: open}
	return nil
}

func (r *Registry) Lookup(id string) (Device, Opener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.devices[id]
	return entry.info, entry.open, ok
}

// List returns registered devices ordered by id.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.devices))
	for _, entry := range r.devices {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RegistryFromConfig registers the configured devices. conn may be nil when no
// bus devices are configured.
func RegistryFromConfig(cfg config.CaptureConfig, conn *nats.Conn, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	frame := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	for _, dc := range cfg.Devices {
		info := Device{ID: dc.ID, Name: dc.Name, Kind: dc.Kind}
		if info.Name == "" {
			info.Name = dc.ID
		}
		var open Opener
		switch dc.Kind {
		case "bus":
			if conn == nil {
				return nil, fmt.Errorf("device %s: bus device requires a NATS connection", dc.ID)
			}
			open = BusOpener(conn, dc.ID, logger)
		case "wav":
			open = WAVOpener(dc.Path, frame)
		default:
			return nil, fmt.Errorf("device %s: unknown kind %q", dc.ID, dc.Kind)
		}
		if err := reg.Register(info, open); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// BusOpener subscribes to PCM16 frames published by an edge device on
// audio.frame.<deviceID>.
func BusOpener(conn *nats.Conn, deviceID string, logger *slog.Logger) Opener {
	if logger == nil {
		logger = slog.Default()
	}
	return func(_ context.Context, sampleRate int) (Stream, error) {
		msgs := make(chan *nats.Msg, 256)
		sub, err := conn.ChanSubscribe(protocol.AudioFrameSubject(deviceID), msgs)
		if err != nil {
			return nil, fmt.Errorf("subscribe device %s: %w", deviceID, err)
		}
		return &busStream{
			sub:        sub,
			msgs:       msgs,
			sampleRate: sampleRate,
			log:        logger.With(slog.String("device", deviceID)),
		}, nil
	}
}

type busStream struct {
	sub        *nats.Subscription
	msgs       chan *nats.Msg
	sampleRate int
	log        *slog.Logger
}

func (s *busStream) Read(ctx context.Context) ([]float32, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-s.msgs:
			var frame protocol.AudioFrame
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				s.log.Warn("failed to decode audio frame", slogError(err))
				continue
			}
			samples := audio.Downmix(audio.PCM16ToFloat32(frame.PCM), frame.Channels)
			if frame.SampleRate > 0 {
				samples = audio.Resample(samples, frame.SampleRate, s.sampleRate)
			}
			if len(samples) == 0 {
				continue
			}
			return samples, nil
		}
	}
}

func (s *busStream) Close() error {
	return s.sub.Unsubscribe()
}

// WAVOpener replays a WAV file in frame-sized reads at real-time pace.
func WAVOpener(path string, frame time.Duration) Opener {
	return func(_ context.Context, sampleRate int) (Stream, error) {
		samples, err := audio.ReadWAVFile(path, sampleRate)
		if err != nil {
			return nil, err
		}
		return newSampleStream(samples, sampleRate, frame, true), nil
	}
}

// OpenFile reads a WAV file as one unpaced bounded input.
func OpenFile(path string, sampleRate int) (Stream, error) {
	samples, err := audio.ReadWAVFile(path, sampleRate)
	if err != nil {
		return nil, err
	}
	return newSampleStream(samples, sampleRate, 100*time.Millisecond, false), nil
}

type sampleStream struct {
	samples []float32
	pos     int
	frame   int
	pace    time.Duration
	next    time.Time
}

func newSampleStream(samples []float32, sampleRate int, frame time.Duration, paced bool) *sampleStream {
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	n := int(frame.Seconds() * float64(sampleRate))
	if n < 1 {
		n = 1
	}
	s := &sampleStream{samples: samples, frame: n}
	if paced {
		s.pace = frame
	}
	return s
}

func (s *sampleStream) Read(ctx context.Context) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.samples) {
		return nil, io.EOF
	}
	if s.pace > 0 {
		if s.next.IsZero() {
			s.next = time.Now()
		}
		if wait := time.Until(s.next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		s.next = s.next.Add(s.pace)
	}
	end := min(s.pos+s.frame, len(s.samples))
	out := s.samples[s.pos:end]
	s.pos = end
	return out, nil
}

func (s *sampleStream) Close() error { return nil }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
