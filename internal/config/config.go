package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath        = "configs/task-runner.yaml"
	DefaultServerAddr        = ":8080"
	DefaultDBType            = "sqlite"
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultLivenessWindow    = 30 * time.Second
	DefaultSweepInterval     = 15 * time.Second
	DefaultShutdownTimeout   = 20 * time.Second
	DefaultEventTopic        = "task_events"
	DefaultSignalTopic       = "task_signals"
	DefaultMetricsAddr       = ":9090"
	DefaultEventLimit        = 200
	DefaultMaxFieldBytes     = 4096
	DefaultLogLevel          = "info"
)

// Config is the runner configuration. Values are resolved as defaults, then the YAML file,
// then environment variables (a .env file in the working directory is loaded first).
type Config struct {
	LogLevel string `yaml:"log_level"`

	Server struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		Type string `yaml:"type"`
		DSN  string `yaml:"dsn"`
	} `yaml:"database"`

	Runner struct {
		ID                string        `yaml:"id"`
		MaxConcurrent     int           `yaml:"max_concurrent"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		LivenessWindow    time.Duration `yaml:"liveness_window"`
		SweepInterval     time.Duration `yaml:"sweep_interval"`
	} `yaml:"runner"`

	Kafka struct {
		Brokers     []string `yaml:"brokers"`
		EventTopic  string   `yaml:"event_topic"`
		SignalTopic string   `yaml:"signal_topic"`
		// GroupID is this runner's consumer group. Every runner needs its own group so it
		// sees all relayed events; the default derives it from runner.id.
		GroupID string `yaml:"group_id"`
	} `yaml:"kafka"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	API struct {
		EventLimit    int `yaml:"event_limit"`
		MaxFieldBytes int `yaml:"max_field_bytes"`
	} `yaml:"api"`
}

// KafkaEnabled reports whether cross-runner delivery over Kafka is configured.
func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

// KafkaGroupID returns the configured consumer group or one derived from the runner id.
func (c *Config) KafkaGroupID() string {
	if c.Kafka.GroupID != "" {
		return c.Kafka.GroupID
	}
	return "task-runner-" + c.Runner.ID
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	cfg := &Config{LogLevel: DefaultLogLevel}
	cfg.Server.Addr = DefaultServerAddr
	cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	cfg.Database.Type = DefaultDBType
	cfg.Runner.HeartbeatInterval = DefaultHeartbeatInterval
	cfg.Runner.LivenessWindow = DefaultLivenessWindow
	cfg.Runner.SweepInterval = DefaultSweepInterval
	cfg.Kafka.EventTopic = DefaultEventTopic
	cfg.Kafka.SignalTopic = DefaultSignalTopic
	cfg.Metrics.Addr = DefaultMetricsAddr
	cfg.API.EventLimit = DefaultEventLimit
	cfg.API.MaxFieldBytes = DefaultMaxFieldBytes
	return cfg
}

// Load resolves the configuration. A missing file at path is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.Runner.ID == "" {
		// A generated id changes on every start, so a consumer group named after it would be
		// abandoned on the brokers each restart.
		if cfg.KafkaEnabled() && cfg.Kafka.GroupID == "" {
			return nil, fmt.Errorf("kafka.brokers is set but neither runner.id (RUNNER_ID) nor kafka.group_id (KAFKA_GROUP_ID) is")
		}
		cfg.Runner.ID = defaultRunnerID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the liveness protocol cannot work with.
func (c *Config) Validate() error {
	if c.Runner.HeartbeatInterval <= 0 {
		return fmt.Errorf("runner.heartbeat_interval must be positive")
	}
	if c.Runner.LivenessWindow <= c.Runner.HeartbeatInterval {
		return fmt.Errorf("runner.liveness_window (%s) must exceed runner.heartbeat_interval (%s)",
			c.Runner.LivenessWindow, c.Runner.HeartbeatInterval)
	}
	if c.Runner.SweepInterval <= 0 {
		return fmt.Errorf("runner.sweep_interval must be positive")
	}
	if c.Runner.MaxConcurrent < 0 {
		return fmt.Errorf("runner.max_concurrent must not be negative")
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Database.Type, "DB_TYPE")
	setString(&c.Database.DSN, "DB_DSN")
	setString(&c.Runner.ID, "RUNNER_ID")
	setString(&c.Kafka.EventTopic, "KAFKA_EVENT_TOPIC")
	setString(&c.Kafka.SignalTopic, "KAFKA_SIGNAL_TOPIC")
	setString(&c.Kafka.GroupID, "KAFKA_GROUP_ID")
	setString(&c.Metrics.Addr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}

	if err := setInt(&c.Runner.MaxConcurrent, "RUNNER_MAX_CONCURRENT"); err != nil {
		return err
	}
	if err := setDuration(&c.Runner.HeartbeatInterval, "RUNNER_HEARTBEAT_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Runner.LivenessWindow, "RUNNER_LIVENESS_WINDOW"); err != nil {
		return err
	}
	if err := setDuration(&c.Runner.SweepInterval, "RUNNER_SWEEP_INTERVAL"); err != nil {
		return err
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid METRICS_ENABLED %q: %w", v, err)
		}
		c.Metrics.Enabled = enabled
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func defaultRunnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "runner"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
