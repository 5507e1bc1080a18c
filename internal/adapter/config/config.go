// Package config provides configuration management for the poller.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/spf13/viper"
)

// Config holds all configuration for the poller.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// DevicesConfigPath is the path to the device registry file
	DevicesConfigPath string `mapstructure:"devices_config_path"`

	Registry  RegistryConfig  `mapstructure:"registry"`
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Modbus    ModbusConfig    `mapstructure:"modbus"`
	Polling   PollingConfig   `mapstructure:"polling"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Writeback WritebackConfig `mapstructure:"writeback"`
	Reset     ResetConfig     `mapstructure:"reset"`
	Durations DurationsConfig `mapstructure:"durations"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RegistryConfig controls device registry caching.
type RegistryConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// DatabaseConfig holds the SQLite store location.
type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// HTTPConfig holds ops HTTP server configuration.
type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	BufferSize     int           `mapstructure:"buffer_size"`
}

// ModbusConfig holds register transport configuration.
type ModbusConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	DefaultPort     int           `mapstructure:"default_port"`
	DefaultUnitID   uint8         `mapstructure:"default_unit_id"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// PollingConfig holds poll cycle configuration.
type PollingConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	WorkerCount     int           `mapstructure:"worker_count"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BatchConfig holds thickness batch aggregation configuration.
type BatchConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	MinimumMeasurements int           `mapstructure:"minimum_measurements"`
	// AutoThreshold is the correction uptime percentage above which a batch counts as automatic.
	AutoThreshold int `mapstructure:"auto_threshold"`
}

// WritebackConfig holds adjusted count writeback configuration.
type WritebackConfig struct {
	CutoffHour   int   `mapstructure:"cutoff_hour"`
	OffsetBefore int64 `mapstructure:"offset_before"`
	OffsetAfter  int64 `mapstructure:"offset_after"`
}

// ResetConfig holds daily reset and retry configuration.
type ResetConfig struct {
	Hour               int           `mapstructure:"hour"`
	Attempts           int           `mapstructure:"attempts"`
	Delay              time.Duration `mapstructure:"delay"`
	BruteForceAttempts int           `mapstructure:"brute_force_attempts"`
	BruteForceDelay    time.Duration `mapstructure:"brute_force_delay"`
	PulseWidth         time.Duration `mapstructure:"pulse_width"`
}

// DurationsConfig holds the alarm duration classification thresholds.
type DurationsConfig struct {
	EarlyBelow time.Duration `mapstructure:"early_below"`
	Target     time.Duration `mapstructure:"target"`
	LateAbove  time.Duration `mapstructure:"late_above"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from files and environment variables.
// extraPaths are searched for config.yaml before the default locations.
func Load(extraPaths ...string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range extraPaths {
		if p != "" {
			v.AddConfigPath(p)
		}
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/plant-poller")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("POLLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("devices_config_path", "./config/devices.yaml")
	v.SetDefault("registry.cache_ttl", 30*time.Second)

	// Database
	v.SetDefault("database.path", "./data/poller.db")
	v.SetDefault("database.busy_timeout", 5*time.Second)

	// HTTP
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.port", 9100)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "plant-poller")
	v.SetDefault("mqtt.topic_prefix", "plant")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.buffer_size", 1000)

	// Modbus
	v.SetDefault("modbus.timeout", 2*time.Second)
	v.SetDefault("modbus.default_port", 502)
	v.SetDefault("modbus.default_unit_id", 1)
	v.SetDefault("modbus.breaker_failures", 5)
	v.SetDefault("modbus.breaker_timeout", 30*time.Second)

	// Polling
	v.SetDefault("polling.interval", 1*time.Second)
	v.SetDefault("polling.worker_count", 1)
	v.SetDefault("polling.shutdown_timeout", 30*time.Second)

	// Batches
	v.SetDefault("batch.timeout", 60*time.Second)
	v.SetDefault("batch.minimum_measurements", 10)
	v.SetDefault("batch.auto_threshold", 30)

	// Writeback
	v.SetDefault("writeback.cutoff_hour", 11)
	v.SetDefault("writeback.offset_before", 2)
	v.SetDefault("writeback.offset_after", 3)

	// Reset
	v.SetDefault("reset.hour", 6)
	v.SetDefault("reset.attempts", 3)
	v.SetDefault("reset.delay", 500*time.Millisecond)
	v.SetDefault("reset.brute_force_attempts", 10)
	v.SetDefault("reset.brute_force_delay", 200*time.Millisecond)
	v.SetDefault("reset.pulse_width", 200*time.Millisecond)

	// Durations
	v.SetDefault("durations.early_below", 10*time.Second)
	v.SetDefault("durations.target", 13*time.Second)
	v.SetDefault("durations.late_above", 16*time.Second)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339Nano)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("devices_config_path", "DEVICES_CONFIG_PATH")
	_ = v.BindEnv("database.path", "DATABASE_PATH")
	_ = v.BindEnv("http.port", "HTTP_PORT")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.DevicesConfigPath != "", "devices_config_path is required")
	check(c.Database.Path != "", "database.path is required")
	check(!c.HTTP.Enabled || (c.HTTP.Port > 0 && c.HTTP.Port <= 65535), "invalid HTTP port: %d", c.HTTP.Port)
	check(!c.MQTT.Enabled || c.MQTT.BrokerURL != "", "MQTT broker URL is required when mqtt is enabled")
	check(c.Modbus.Timeout > 0, "modbus.timeout must be positive")
	check(c.Modbus.DefaultPort > 0 && c.Modbus.DefaultPort <= 65535, "invalid modbus.default_port: %d", c.Modbus.DefaultPort)
	check(c.Polling.Interval > 0, "polling.interval must be positive")
	check(c.Polling.WorkerCount > 0, "polling.worker_count must be positive")
	check(c.Batch.Timeout > 0, "batch.timeout must be positive")
	check(c.Batch.MinimumMeasurements > 0, "batch.minimum_measurements must be positive")
	check(c.Batch.AutoThreshold >= 0 && c.Batch.AutoThreshold <= 100, "batch.auto_threshold must be 0-100")
	check(c.Writeback.CutoffHour >= 0 && c.Writeback.CutoffHour <= 23, "writeback.cutoff_hour must be 0-23")
	check(c.Reset.Hour >= 0 && c.Reset.Hour <= 23, "reset.hour must be 0-23")
	check(c.Reset.Attempts > 0 && c.Reset.BruteForceAttempts > 0, "reset attempts must be positive")
	check(c.Durations.EarlyBelow <= c.Durations.LateAbove, "durations.early_below must not exceed durations.late_above")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
