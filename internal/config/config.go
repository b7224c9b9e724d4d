// Package config loads and validates the meshclaw configuration.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"

	. "github.com/roelfdiedericks/meshclaw/internal/logging"
	"github.com/roelfdiedericks/meshclaw/internal/paths"
)

// Config represents the merged meshclaw configuration
type Config struct {
	LogLevel   string           `json:"logLevel"`           // trace|debug|info|warn|error
	Device     DeviceConfig     `json:"device"`             // Device CLI invocation
	Collector  CollectorConfig  `json:"collector"`          // Background collector
	MQTT       MQTTConfig       `json:"mqtt"`               // Broker used by mqtt automations
	Store      StoreConfig      `json:"store"`              // SQLite persistence
	Automation AutomationConfig `json:"automation"`         // Rule engine
	Contacts   ContactsConfig   `json:"contacts,omitempty"` // Contact list normalization
	NodeName   string           `json:"nodeName,omitempty"` // Name used for the local node cache
	Source     string           `json:"-"`                  // Path the config was loaded from
}

// DeviceConfig describes how to reach the device CLI.
type DeviceConfig struct {
	Binary         string `json:"binary"`         // CLI executable (default: meshcore-cli)
	Target         string `json:"target"`         // Device target passed with -t (required)
	Columns        int    `json:"columns"`        // PTY width (default: 120)
	Rows           int    `json:"rows"`           // PTY height (default: 40)
	Term           string `json:"term"`           // TERM for the interactive session
	CommandTimeout string `json:"commandTimeout"` // One-shot process timeout (default: 30s)
	JSONTimeout    string `json:"jsonTimeout"`    // Interactive JSON reply timeout (default: 5s)
	Dwell          string `json:"dwell"`          // Quiescence dwell for text commands (default: 500ms)
	MaxWait        string `json:"maxWait"`        // Text command cap (default: 3s)
}

// CollectorConfig configures the periodic contact/telemetry collector.
// Interval and the request toggles can be overridden by the latest
// collector_config row in the database.
type CollectorConfig struct {
	Enabled            bool   `json:"enabled"`
	Interval           string `json:"interval"`           // Full cycle interval (default: 5m)
	MinInterval        string `json:"minInterval"`        // Safety floor for interval (default: 30s, never below 5s)
	MessagePoll        string `json:"messagePoll"`        // Unread poll sub-interval (default: 5s, never below 2s)
	EnableReqStatus    bool   `json:"enableReqStatus"`    // Request battery/RSSI/SNR per contact
	EnableReqTelemetry bool   `json:"enableReqTelemetry"` // Request telemetry per contact
	NodeRefresh        string `json:"nodeRefresh"`        // Cron spec for local node refresh (default: @every 15m)
}

// MQTTConfig configures the broker connection
type MQTTConfig struct {
	Server         string `json:"server"`
	Port           int    `json:"port"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	UseTLS         bool   `json:"useTLS"`
	ClientID       string `json:"clientId,omitempty"`
	PublishTimeout string `json:"publishTimeout"` // Wait for publish ack (default: 5s)
}

// StoreConfig configures SQLite persistence
type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout int    `json:"busyTimeout"` // milliseconds
}

// AutomationConfig configures the rule engine
type AutomationConfig struct {
	Enabled bool `json:"enabled"`
}

// ContactsConfig configures contact list handling
type ContactsConfig struct {
	// Query is a jq program that turns the raw `contacts` reply into an
	// array of contact objects. Empty uses the built-in program.
	Query string `json:"query,omitempty"`
}

// Default returns a Config populated with default values
func Default() *Config {
	dbPath, err := paths.DefaultDatabasePath()
	if err != nil {
		dbPath = "meshclaw.db"
	}
	return &Config{
		LogLevel: "info",
		Device: DeviceConfig{
			Binary:         "meshcore-cli",
			Columns:        120,
			Rows:           40,
			Term:           "xterm-256color",
			CommandTimeout: "30s",
			JSONTimeout:    "5s",
			Dwell:          "500ms",
			MaxWait:        "3s",
		},
		Collector: CollectorConfig{
			Enabled:            true,
			Interval:           "5m",
			MinInterval:        "30s",
			MessagePoll:        "5s",
			EnableReqStatus:    true,
			EnableReqTelemetry: false,
			NodeRefresh:        "@every 15m",
		},
		MQTT: MQTTConfig{
			Port:           1883,
			PublishTimeout: "5s",
		},
		Store: StoreConfig{
			Path:        dbPath,
			BusyTimeout: 5000,
		},
		Automation: AutomationConfig{
			Enabled: true,
		},
		NodeName: "self",
	}
}

// Load reads configuration from meshclaw.json (if any), then applies
// environment overrides (including a .env file in the working directory).
// An explicit path takes precedence over the usual search locations.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		L_warn("config: failed to load .env", "error", err)
	}

	cfg := Default()

	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = found
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		// Unmarshal over defaults so missing keys keep their default value
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		cfg.Source = path
		L_debug("config: loaded file", "path", path)
	}

	if err := mergo.Merge(cfg, envOverrides(), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	expanded, err := paths.ExpandTilde(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	cfg.Store.Path = expanded

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides builds a sparse Config from environment variables. Only
// non-zero fields are merged over the file config.
func envOverrides() *Config {
	env := &Config{}
	env.Device.Target = strings.TrimSpace(os.Getenv("MESHCORE_TARGET"))
	env.Device.Binary = strings.TrimSpace(os.Getenv("MESHCORE_CLI"))
	env.Store.Path = strings.TrimSpace(os.Getenv("MESHCLAW_DB"))
	env.LogLevel = strings.TrimSpace(os.Getenv("MESHCLAW_LOG_LEVEL"))
	if raw := strings.TrimSpace(os.Getenv("MESSAGES_POLL_SECONDS")); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			env.Collector.MessagePoll = fmt.Sprintf("%ds", secs)
		} else {
			L_warn("config: ignoring invalid MESSAGES_POLL_SECONDS", "value", raw)
		}
	}
	return env
}

// Validate checks durations and ranges
func (c *Config) Validate() error {
	durations := map[string]string{
		"device.commandTimeout": c.Device.CommandTimeout,
		"device.jsonTimeout":    c.Device.JSONTimeout,
		"device.dwell":          c.Device.Dwell,
		"device.maxWait":        c.Device.MaxWait,
		"collector.interval":    c.Collector.Interval,
		"collector.minInterval": c.Collector.MinInterval,
		"collector.messagePoll": c.Collector.MessagePoll,
		"mqtt.publishTimeout":   c.MQTT.PublishTimeout,
	}
	for field, value := range durations {
		if value == "" {
			continue
		}
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if c.MQTT.Port != 0 && (c.MQTT.Port < 1 || c.MQTT.Port > 65535) {
		return fmt.Errorf("mqtt.port must be between 1 and 65535, got %d", c.MQTT.Port)
	}
	if c.Device.Columns < 0 || c.Device.Rows < 0 {
		return fmt.Errorf("device terminal size must not be negative")
	}
	if c.Device.Columns > math.MaxUint16 || c.Device.Rows > math.MaxUint16 {
		return fmt.Errorf("device terminal size must not exceed %d, got %dx%d", math.MaxUint16, c.Device.Columns, c.Device.Rows)
	}
	return nil
}

// DurationOr parses a duration string, returning fallback when empty or invalid.
func DurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
