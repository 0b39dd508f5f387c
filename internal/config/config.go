package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Model       ModelConfig      `yaml:"model"`
	Capture     CaptureConfig    `yaml:"capture"`
	Files       FilesConfig      `yaml:"files"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ModelConfig selects the inference backend. An empty Path means no model is
// configured and the runtime stays unloaded until one is loaded explicitly.
type ModelConfig struct {
	Backend  string `yaml:"backend"` // mock, exec
	Command  string `yaml:"command"`
	Path     string `yaml:"path"`
	Language string `yaml:"language"`
	Autoload bool   `yaml:"autoload"`
}

type CaptureConfig struct {
	DefaultDevice   string         `yaml:"default_device"`
	SampleRate      int            `yaml:"sample_rate"`
	BufferWindowMS  int            `yaml:"buffer_window_ms"`
	CadenceMS       int            `yaml:"cadence_ms"`
	FrameDurationMS int            `yaml:"frame_duration_ms"`
	Devices         []DeviceConfig `yaml:"devices"`
}

type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Kind string `yaml:"kind"` // bus, wav
	Path string `yaml:"path"`
}

// FilesConfig locates the scratch dir. Remote select_file commands may only
// name files under the scratch dir or AllowedRoots.
type FilesConfig struct {
	ScratchDir   string   `yaml:"scratch_dir"`
	AllowedRoots []string `yaml:"allowed_roots"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-caption",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/caption-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Model: ModelConfig{
			Backend:  "mock",
			Language: "auto",
			Autoload: true,
		},
		Capture: CaptureConfig{
			DefaultDevice:   "mic",
			SampleRate:      16000,
			BufferWindowMS:  30000,
			CadenceMS:       1000,
			FrameDurationMS: 20,
			Devices: []DeviceConfig{
				{ID: "mic", Name: "Edge microphone", Kind: "bus"},
			},
		},
		Files: FilesConfig{
			ScratchDir: "",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "CAPTION_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CAPTION_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CAPTION_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CAPTION_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CAPTION_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CAPTION_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CAPTION_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "CAPTION_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "CAPTION_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "CAPTION_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "CAPTION_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "CAPTION_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "CAPTION_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "CAPTION_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "CAPTION_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "CAPTION_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "CAPTION_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "CAPTION_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "CAPTION_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "CAPTION_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "CAPTION_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "CAPTION_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Model.Backend, "CAPTION_MODEL_BACKEND")
	overrideString(&cfg.Model.Command, "CAPTION_MODEL_COMMAND")
	overrideString(&cfg.Model.Path, "CAPTION_MODEL_PATH")
	overrideString(&cfg.Model.Language, "CAPTION_MODEL_LANGUAGE")
	overrideBool(&cfg.Model.Autoload, "CAPTION_MODEL_AUTOLOAD")
	overrideString(&cfg.Capture.DefaultDevice, "CAPTION_CAPTURE_DEFAULT_DEVICE")
	overrideInt(&cfg.Capture.SampleRate, "CAPTION_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.BufferWindowMS, "CAPTION_CAPTURE_BUFFER_WINDOW_MS")
	overrideInt(&cfg.Capture.CadenceMS, "CAPTION_CAPTURE_CADENCE_MS")
	overrideInt(&cfg.Capture.FrameDurationMS, "CAPTION_CAPTURE_FRAME_DURATION_MS")
	overrideString(&cfg.Files.ScratchDir, "CAPTION_FILES_SCRATCH_DIR")
	overrideStringSlice(&cfg.Files.AllowedRoots, "CAPTION_FILES_ALLOWED_ROOTS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// ValidLanguage reports whether tag is "auto" or a well-formed BCP 47 tag.
func ValidLanguage(tag string) bool {
	tag = strings.TrimSpace(tag)
	if tag == "" || strings.EqualFold(tag, "auto") {
		return true
	}
	_, err := language.Parse(tag)
	return err == nil
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Model.Backend {
	case "mock", "exec":
	default:
		return errors.New("model.backend must be one of mock|exec")
	}
	if cfg.Model.Backend == "exec" && cfg.Model.Command == "" {
		return errors.New("model.command must be set when backend=exec")
	}
	if !ValidLanguage(cfg.Model.Language) {
		return fmt.Errorf("model.language %q is not a valid language tag", cfg.Model.Language)
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.BufferWindowMS <= 0 {
		return errors.New("capture.buffer_window_ms must be positive")
	}
	if cfg.Capture.CadenceMS <= 0 {
		return errors.New("capture.cadence_ms must be positive")
	}
	if cfg.Capture.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	seen := make(map[string]struct{}, len(cfg.Capture.Devices))
	for _, dev := range cfg.Capture.Devices {
		if dev.ID == "" {
			return errors.New("capture.devices[].id must not be empty")
		}
		if _, dup := seen[dev.ID]; dup {
			return fmt.Errorf("capture.devices: duplicate id %q", dev.ID)
		}
		seen[dev.ID] = struct{}{}
		switch dev.Kind {
		case "bus":
			if !cfg.Bus.Enabled {
				return fmt.Errorf("capture.devices[%s]: bus devices require bus.enabled", dev.ID)
			}
		case "wav":
			if dev.Path == "" {
				return fmt.Errorf("capture.devices[%s]: path must be set for wav devices", dev.ID)
			}
		default:
			return fmt.Errorf("capture.devices[%s]: kind must be one of bus|wav", dev.ID)
		}
	}
	if cfg.Capture.DefaultDevice != "" && len(cfg.Capture.Devices) > 0 {
		if _, ok := seen[cfg.Capture.DefaultDevice]; !ok {
			return fmt.Errorf("capture.default_device %q is not a configured device", cfg.Capture.DefaultDevice)
		}
	}
	return nil
}
