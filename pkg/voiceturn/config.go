package voiceturn

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport selects the Conversation Service binding.
type Transport string

const (
	TransportHTTP      Transport = "http"
	TransportWebSocket Transport = "ws"
)

// Config holds client, capture and turn-policy settings.
type Config struct {
	APIKey               string        `yaml:"api_key"`
	BaseURL              string        `yaml:"base_url"`
	WsEndpoint           string        `yaml:"ws_endpoint"`
	Transport            Transport     `yaml:"transport"`
	AgentID              string        `yaml:"agent_id"`
	UserID               string        `yaml:"user_id"`
	SampleRate           int           `yaml:"sample_rate"`
	Channels             int           `yaml:"channels"`
	TimeSlice            time.Duration `yaml:"time_slice"`
	DurationInterval     time.Duration `yaml:"duration_interval"`
	EncodingPriority     []string      `yaml:"encoding_priority"`
	TurnTimeout          time.Duration `yaml:"turn_timeout"`
	TurnRetries          int           `yaml:"turn_retries"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	TokenTTL             time.Duration `yaml:"token_ttl"`
	TokenRefreshBuffer   time.Duration `yaml:"token_refresh_buffer"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	InputDeviceID        *int          `yaml:"input_device_id,omitempty"`
	OutputDeviceID       *int          `yaml:"output_device_id,omitempty"`
	LogLevel             string        `yaml:"log_level"`
	LogPretty            bool          `yaml:"log_pretty"`
}

// DefaultConfig returns the built-in defaults without consulting the
// environment.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:              "http://127.0.0.1:8787",
		WsEndpoint:           "ws://127.0.0.1:8787/v1/ws",
		Transport:            TransportHTTP,
		AgentID:              "default",
		SampleRate:           16000,
		Channels:             1,
		TimeSlice:            100 * time.Millisecond,
		DurationInterval:     200 * time.Millisecond,
		EncodingPriority:     DefaultEncodingPriority(),
		TurnTimeout:          30 * time.Second,
		TurnRetries:          1,
		RetryDelay:           500 * time.Millisecond,
		TokenTTL:             10 * time.Minute,
		TokenRefreshBuffer:   60 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       time.Second,
		LogLevel:             "info",
		LogPretty:            true,
	}
}

// NewConfig returns defaults overlaid with the environment (and a .env file
// in the working directory, if present).
func NewConfig() *Config {
	c := DefaultConfig()
	c.loadFromEnv()
	return c
}

func (c *Config) loadFromEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("VOICETURN_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("VOICETURN_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("VOICETURN_WS_ENDPOINT"); v != "" {
		c.WsEndpoint = v
	}
	if v := os.Getenv("VOICETURN_TRANSPORT"); v != "" {
		c.Transport = Transport(strings.ToLower(v))
	}
	if v := os.Getenv("VOICETURN_AGENT_ID"); v != "" {
		c.AgentID = v
	}
	if v := os.Getenv("VOICETURN_USER_ID"); v != "" {
		c.UserID = v
	}
	if v := os.Getenv("VOICETURN_ENCODING_PRIORITY"); v != "" {
		var formats []string
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				formats = append(formats, f)
			}
		}
		c.EncodingPriority = formats
	}
	if v := os.Getenv("VOICETURN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("VOICETURN_LOG_PRETTY"); v != "" {
		c.LogPretty = v != "false"
	}

	envInt("VOICETURN_SAMPLE_RATE", &c.SampleRate)
	envInt("VOICETURN_CHANNELS", &c.Channels)
	envInt("VOICETURN_TURN_RETRIES", &c.TurnRetries)
	envInt("VOICETURN_MAX_RECONNECT_ATTEMPTS", &c.MaxReconnectAttempts)
	envDuration("VOICETURN_TIME_SLICE", &c.TimeSlice)
	envDuration("VOICETURN_DURATION_INTERVAL", &c.DurationInterval)
	envDuration("VOICETURN_TURN_TIMEOUT", &c.TurnTimeout)
	envDuration("VOICETURN_RETRY_DELAY", &c.RetryDelay)
	envDuration("VOICETURN_TOKEN_TTL", &c.TokenTTL)
	envDuration("VOICETURN_TOKEN_REFRESH_BUFFER", &c.TokenRefreshBuffer)
	envDuration("VOICETURN_RECONNECT_DELAY", &c.ReconnectDelay)

	if v := os.Getenv("VOICETURN_INPUT_DEVICE_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.InputDeviceID = &id
		}
	}
	if v := os.Getenv("VOICETURN_OUTPUT_DEVICE_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.OutputDeviceID = &id
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// LoadConfigFile overlays a YAML file onto c. Keys absent from the file keep
// their current values.
func (c *Config) LoadConfigFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate returns the list of configuration issues, empty when valid.
func (c *Config) Validate() []string {
	var issues []string

	switch c.Transport {
	case TransportHTTP:
		if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
			issues = append(issues, fmt.Sprintf("invalid base URL: %q", c.BaseURL))
		}
	case TransportWebSocket:
		if !strings.HasPrefix(c.WsEndpoint, "ws://") && !strings.HasPrefix(c.WsEndpoint, "wss://") {
			issues = append(issues, fmt.Sprintf("invalid WebSocket endpoint: %q", c.WsEndpoint))
		}
	default:
		issues = append(issues, fmt.Sprintf("unknown transport: %q", c.Transport))
	}

	if c.SampleRate <= 0 {
		issues = append(issues, "sample rate must be positive")
	}
	if c.Channels <= 0 || c.Channels > 2 {
		issues = append(issues, "channels must be 1 or 2")
	}
	if c.TimeSlice <= 0 {
		issues = append(issues, "time slice must be positive")
	}
	if c.DurationInterval <= 0 {
		issues = append(issues, "duration interval must be positive")
	}
	if len(c.EncodingPriority) == 0 {
		issues = append(issues, "encoding priority list is empty")
	}
	if c.TurnTimeout <= 0 {
		issues = append(issues, "turn timeout must be positive")
	}
	if c.TurnRetries < 0 {
		issues = append(issues, "turn retries cannot be negative")
	}
	if c.TokenRefreshBuffer < 0 {
		issues = append(issues, "token refresh buffer cannot be negative")
	}

	return issues
}

// RecorderConfig derives the capture settings.
func (c *Config) RecorderConfig() RecorderConfig {
	return RecorderConfig{
		SampleRate:       c.SampleRate,
		Channels:         c.Channels,
		TimeSlice:        c.TimeSlice,
		DurationInterval: c.DurationInterval,
		EncodingPriority: c.EncodingPriority,
		DeviceID:         c.InputDeviceID,
	}
}

// TurnPolicy derives the per-turn timeout and retry policy.
func (c *Config) TurnPolicy() TurnPolicy {
	return TurnPolicy{
		Timeout:    c.TurnTimeout,
		Retries:    c.TurnRetries,
		RetryDelay: c.RetryDelay,
	}
}

// LogConfig derives the logger settings.
func (c *Config) LogConfig() *LogConfig {
	lc := DefaultLogConfig()
	lc.Level = c.LogLevel
	lc.Pretty = c.LogPretty
	return lc
}
