// Package config handles presenced configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultServiceID is the service UUID the deployed beacons advertise.
// It is also used for software matching when no service ids
// are configured.
const DefaultServiceID = "27ADC9CA-35EB-465A-9154-B8FF9076F3E8"

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./presenced.yaml, ~/.config/presenced/config.yaml,
// /etc/presenced/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"presenced.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "presenced", "config.yaml"))
	}
	return append(paths, "/etc/presenced/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all presenced configuration. Durations are in
// milliseconds to match the deployed config files; use the accessor
// methods to get time.Duration values.
type Config struct {
	TargetDeviceName string   `yaml:"target_device_name"`
	TargetServiceIDs []string `yaml:"target_service_ids"`

	APIBaseURL string `yaml:"api_base_url"`
	// Endpoint paths under APIBaseURL. Empty keeps /enter, /exit, /health.
	APIEnterPath  string `yaml:"api_enter_path"`
	APIExitPath   string `yaml:"api_exit_path"`
	APIHealthPath string `yaml:"api_health_path"`
	// UserID is operator-provided. When set it is persisted on startup.
	UserID string `yaml:"user_id"`

	ScanTimeoutMS         int `yaml:"scan_timeout_ms"`
	ReconnectDelayMS      int `yaml:"reconnect_delay_ms"`
	ConnectRetryPenaltyMS int `yaml:"connect_retry_penalty_ms"`
	MaxRetryAttempts      int `yaml:"max_retry_attempts"`
	RetryDelayMS          int `yaml:"retry_delay_ms"`
	RSSIThreshold         int `yaml:"rssi_threshold"` // dBm
	RSSIPollIntervalMS    int `yaml:"rssi_poll_interval_ms"`
	ConnectionTimeoutMS   int `yaml:"connection_timeout_ms"`
	BackgroundIntervalMS  int `yaml:"background_interval_ms"`

	Adapter  string     `yaml:"adapter"`  // BlueZ adapter, e.g. hci0
	StateDB  string     `yaml:"state_db"` // SQLite file for persisted identity
	LogLevel string     `yaml:"log_level"`
	MQTT     MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the optional status mirror. Empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // tcp://host:1883, ssl://host:8883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Enabled reports whether an MQTT broker is configured.
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// Default returns the shipped configuration.
func Default() *Config {
	return &Config{
		ScanTimeoutMS:         10000,
		ReconnectDelayMS:      2000,
		ConnectRetryPenaltyMS: 3000,
		MaxRetryAttempts:      3,
		RetryDelayMS:          2000,
		RSSIThreshold:         -80,
		RSSIPollIntervalMS:    3000,
		ConnectionTimeoutMS:   15000,
		BackgroundIntervalMS:  15 * 60 * 1000,
		Adapter:               "hci0",
		StateDB:               "presenced.db",
		LogLevel:              "info",
		MQTT: MQTTConfig{
			ClientID:    "presenced",
			TopicPrefix: "presenced",
		},
	}
}

// Load reads configuration from a YAML file on top of Default. A .env
// file in the same directory, if present, is loaded into the process
// environment first so ${VAR} references in the YAML can use it.
func Load(path string) (*Config, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML (after environment expansion) on top of Default.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("api_base_url is required"))
	} else if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_base_url %q must be an http(s) URL", c.APIBaseURL))
	}
	for name, v := range map[string]string{
		"api_enter_path":  c.APIEnterPath,
		"api_exit_path":   c.APIExitPath,
		"api_health_path": c.APIHealthPath,
	} {
		if v != "" && !strings.HasPrefix(v, "/") {
			errs = append(errs, fmt.Errorf("%s %q must start with /", name, v))
		}
	}
	if c.MaxRetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_retry_attempts must be at least 1, got %d", c.MaxRetryAttempts))
	}
	if c.RSSIThreshold >= 0 {
		errs = append(errs, fmt.Errorf("rssi_threshold must be negative dBm, got %d", c.RSSIThreshold))
	}
	for name, v := range map[string]int{
		"scan_timeout_ms":        c.ScanTimeoutMS,
		"reconnect_delay_ms":     c.ReconnectDelayMS,
		"retry_delay_ms":         c.RetryDelayMS,
		"rssi_poll_interval_ms":  c.RSSIPollIntervalMS,
		"connection_timeout_ms":  c.ConnectionTimeoutMS,
		"background_interval_ms": c.BackgroundIntervalMS,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if c.ConnectRetryPenaltyMS < 0 {
		errs = append(errs, fmt.Errorf("connect_retry_penalty_ms must not be negative, got %d", c.ConnectRetryPenaltyMS))
	}
	return errors.Join(errs...)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// ScanTimeout is how long one scan runs without a match before pausing.
func (c *Config) ScanTimeout() time.Duration { return ms(c.ScanTimeoutMS) }

// ReconnectDelay is the pause before rescanning after a disconnect.
func (c *Config) ReconnectDelay() time.Duration { return ms(c.ReconnectDelayMS) }

// ConnectRetryPenalty is added to ReconnectDelay after a failed connect.
func (c *Config) ConnectRetryPenalty() time.Duration { return ms(c.ConnectRetryPenaltyMS) }

// RetryDelay is the fixed pause between attendance API attempts.
func (c *Config) RetryDelay() time.Duration { return ms(c.RetryDelayMS) }

// RSSIPollInterval is how often a live connection's signal is sampled.
func (c *Config) RSSIPollInterval() time.Duration { return ms(c.RSSIPollIntervalMS) }

// ConnectionTimeout bounds a single connect attempt.
func (c *Config) ConnectionTimeout() time.Duration { return ms(c.ConnectionTimeoutMS) }

// BackgroundInterval is the reconciliation schedule.
func (c *Config) BackgroundInterval() time.Duration { return ms(c.BackgroundIntervalMS) }
