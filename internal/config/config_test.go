package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected 16kHz default, got %d", cfg.Capture.SampleRate)
	}
	if cfg.Model.Backend != "mock" {
		t.Fatalf("expected mock backend, got %q", cfg.Model.Backend)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CAPTION_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("CAPTION_BUS_USERNAME", "alice")
	t.Setenv("CAPTION_BUS_PASSWORD", "secret")
	t.Setenv("CAPTION_BUS_TLS_INSECURE", "true")
	t.Setenv("CAPTION_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("CAPTION_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("CAPTION_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("CAPTION_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("CAPTION_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("CAPTION_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("CAPTION_MODEL_PATH", "/models/ggml-base.bin")
	t.Setenv("CAPTION_MODEL_LANGUAGE", "ko")
	t.Setenv("CAPTION_CAPTURE_CADENCE_MS", "500")
	t.Setenv("CAPTION_FILES_ALLOWED_ROOTS", "/srv/media, /srv/archive")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Model.Path != "/models/ggml-base.bin" {
		t.Fatalf("expected model path override, got %q", cfg.Model.Path)
	}
	if cfg.Model.Language != "ko" {
		t.Fatalf("expected language override, got %q", cfg.Model.Language)
	}
	if cfg.Capture.CadenceMS != 500 {
		t.Fatalf("expected cadence override, got %d", cfg.Capture.CadenceMS)
	}
	if len(cfg.Files.AllowedRoots) != 2 || cfg.Files.AllowedRoots[1] != "/srv/archive" {
		t.Fatalf("expected allowed roots override, got %v", cfg.Files.AllowedRoots)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caption.yaml")
	doc := `
bus:
  enabled: false
model:
  backend: exec
  command: "whisper-cli --threads 4"
  path: /models/base.bin
capture:
  default_device: demo
  devices:
    - id: demo
      kind: wav
      path: /tmp/demo.wav
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus.Enabled {
		t.Fatal("expected bus disabled")
	}
	if cfg.Model.Command != "whisper-cli --threads 4" {
		t.Fatalf("unexpected command %q", cfg.Model.Command)
	}
	if len(cfg.Capture.Devices) != 1 || cfg.Capture.Devices[0].Kind != "wav" {
		t.Fatalf("unexpected devices %+v", cfg.Capture.Devices)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"exec without command", func(c *Config) { c.Model.Backend = "exec" }},
		{"unknown backend", func(c *Config) { c.Model.Backend = "coreml" }},
		{"bad language", func(c *Config) { c.Model.Language = "not a tag!" }},
		{"zero cadence", func(c *Config) { c.Capture.CadenceMS = 0 }},
		{"bus device without bus", func(c *Config) { c.Bus.Enabled = false }},
		{"wav device without path", func(c *Config) {
			c.Capture.Devices = []DeviceConfig{{ID: "mic", Kind: "wav"}}
		}},
		{"unknown default device", func(c *Config) { c.Capture.DefaultDevice = "line-in" }},
		{"duplicate device", func(c *Config) {
			c.Capture.Devices = append(c.Capture.Devices, DeviceConfig{ID: "mic", Kind: "bus"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidLanguage(t *testing.T) {
	for _, tag := range []string{"", "auto", "AUTO", "en", "ko-KR", "pt-BR"} {
		if !ValidLanguage(tag) {
			t.Fatalf("expected %q to be valid", tag)
		}
	}
	if ValidLanguage("english please") {
		t.Fatal("expected free text to be rejected")
	}
}
