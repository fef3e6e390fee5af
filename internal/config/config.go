package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

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
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Node        NodeConfig        `yaml:"node"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Bridge      BridgeConfig      `yaml:"bridge"`
}

type BusConfig struct {
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

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// RecognitionConfig describes the remote (or local) recognition service.
type RecognitionConfig struct {
	Mode           string `yaml:"mode"` // mock, websocket, exec
	URL            string `yaml:"url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Model          string `yaml:"model"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	InterimResults bool   `yaml:"interim_results"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	StopTimeoutMS  int    `yaml:"stop_timeout_ms"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	MockWindowMS   int    `yaml:"mock_window_ms"`
}

type BridgeConfig struct {
	Enabled          bool `yaml:"enabled"`
	AutoStart        bool `yaml:"auto_start"`
	RequestTimeoutMS int  `yaml:"request_timeout_ms"`
	PublishSegments  bool `yaml:"publish_segments"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "scribe-1",
			HeartbeatInterval: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Recognition: RecognitionConfig{
			Mode:           "mock",
			URL:            "wss://stream.watsonplatform.net/speech-to-text/api/v1/recognize",
			Model:          "en-US_BroadbandModel",
			Language:       "en-US",
			SampleRate:     16000,
			Channels:       1,
			InterimResults: true,
			DialTimeoutMS:  5000,
			StopTimeoutMS:  3000,
			MockWindowMS:   1000,
		},
		Bridge: BridgeConfig{
			Enabled:          true,
			RequestTimeoutMS: 10000,
			PublishSegments:  true,
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Recognition.Mode, "SCRIBE_RECOGNITION_MODE")
	overrideString(&cfg.Recognition.URL, "SCRIBE_RECOGNITION_URL")
	overrideString(&cfg.Recognition.Username, "SCRIBE_RECOGNITION_USERNAME")
	overrideString(&cfg.Recognition.Password, "SCRIBE_RECOGNITION_PASSWORD")
	overrideString(&cfg.Recognition.Model, "SCRIBE_RECOGNITION_MODEL")
	overrideString(&cfg.Recognition.Language, "SCRIBE_RECOGNITION_LANGUAGE")
	overrideInt(&cfg.Recognition.SampleRate, "SCRIBE_RECOGNITION_SAMPLE_RATE")
	overrideInt(&cfg.Recognition.Channels, "SCRIBE_RECOGNITION_CHANNELS")
	overrideBool(&cfg.Recognition.InterimResults, "SCRIBE_RECOGNITION_INTERIM_RESULTS")
	overrideInt(&cfg.Recognition.DialTimeoutMS, "SCRIBE_RECOGNITION_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Recognition.StopTimeoutMS, "SCRIBE_RECOGNITION_STOP_TIMEOUT_MS")
	overrideString(&cfg.Recognition.Command, "SCRIBE_RECOGNITION_COMMAND")
	overrideString(&cfg.Recognition.ModelPath, "SCRIBE_RECOGNITION_MODEL_PATH")
	overrideInt(&cfg.Recognition.MockWindowMS, "SCRIBE_RECOGNITION_MOCK_WINDOW_MS")
	overrideBool(&cfg.Bridge.Enabled, "SCRIBE_BRIDGE_ENABLED")
	overrideBool(&cfg.Bridge.AutoStart, "SCRIBE_BRIDGE_AUTO_START")
	overrideInt(&cfg.Bridge.RequestTimeoutMS, "SCRIBE_BRIDGE_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.Bridge.PublishSegments, "SCRIBE_BRIDGE_PUBLISH_SEGMENTS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty unless retention_mode=ephemeral")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Recognition.Mode {
	case "mock", "websocket", "exec":
	default:
		return errors.New("recognition.mode must be one of mock|websocket|exec")
	}
	if cfg.Recognition.SampleRate <= 0 {
		return errors.New("recognition.sample_rate must be positive")
	}
	if cfg.Recognition.Channels <= 0 {
		return errors.New("recognition.channels must be positive")
	}
	if cfg.Recognition.Mode == "websocket" && cfg.Recognition.URL == "" {
		return errors.New("recognition.url must be set when mode=websocket")
	}
	if cfg.Recognition.Mode == "exec" && cfg.Recognition.Command == "" {
		return errors.New("recognition.command must be set when mode=exec")
	}
	if cfg.Bridge.Enabled && cfg.Bridge.RequestTimeoutMS <= 0 {
		return errors.New("bridge.request_timeout_ms must be positive")
	}
	return nil
}
