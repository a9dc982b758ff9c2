package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string        `yaml:"log_level" default:"info"`
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
	Engine   EngineConfig  `yaml:"engine"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// ScanConfig controls scan requests that do not set their own options
type ScanConfig struct {
	Timeout         time.Duration `yaml:"timeout" default:"2s"`
	AllowDuplicates bool          `yaml:"allow_duplicates" default:"false"`
}

// ConnectConfig controls link establishment in the radio adapter
type ConnectConfig struct {
	Timeout time.Duration `yaml:"timeout" default:"30s"`
}

// EngineConfig sizes the buffers between the radio, the engine and listeners
type EngineConfig struct {
	EventBuffer    int `yaml:"event_buffer" default:"256"`
	ListenerBuffer int `yaml:"listener_buffer" default:"64"`
}

// MQTTConfig configures the notification bridge
type MQTTConfig struct {
	Broker      string        `yaml:"broker" default:"tcp://localhost:1883"`
	ClientID    string        `yaml:"client_id" default:"blelink"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topic_prefix" default:"blelink"`
	QoS         int           `yaml:"qos" default:"0"`
	Retain      bool          `yaml:"retain" default:"false"`
	Timeout     time.Duration `yaml:"timeout" default:"5s"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults, applies BLELINK_* environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BLELINK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BLELINK_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("BLELINK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BLELINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("BLELINK_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []string

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("log_level %q is not a valid level", c.LogLevel))
	}
	if c.Scan.Timeout <= 0 {
		errs = append(errs, "scan.timeout must be positive")
	}
	if c.Connect.Timeout <= 0 {
		errs = append(errs, "connect.timeout must be positive")
	}
	if c.Engine.EventBuffer <= 0 {
		errs = append(errs, "engine.event_buffer must be positive")
	}
	if c.Engine.ListenerBuffer <= 0 {
		errs = append(errs, "engine.listener_buffer must be positive")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if strings.TrimSpace(c.MQTT.TopicPrefix) == "" {
		errs = append(errs, "mqtt.topic_prefix is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
