package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/aridsondez/leaseq/internal/queue"
	sqsstore "github.com/aridsondez/leaseq/internal/queue/store/sqs"
	"github.com/aridsondez/leaseq/internal/storage/pebbledb"
)

// Backends a queue can be served from.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
	BackendSQS      = "sqs"
)

// Config holds process configuration. Values come from defaults, then an
// optional YAML file, then the environment.
type Config struct {
	Port                int           `yaml:"port"`
	Backend             string        `yaml:"backend"`
	QueueName           string        `yaml:"queue_name"`
	DeadLetterQueueName string        `yaml:"dlq_name"`
	VisibilityTimeout   time.Duration `yaml:"visibility_timeout"`
	RedriveThreshold    int           `yaml:"max_receive_count"`
	BatchSize           int           `yaml:"receive_max"`
	MaxBodyBytes        int           `yaml:"max_body_bytes"`
	Encrypted           bool          `yaml:"encryption_at_rest"`
	LongPollWait        time.Duration `yaml:"receive_wait"`
	MonitorInterval     time.Duration `yaml:"monitor_interval"`

	DataDir     string `yaml:"data_dir"`
	PebbleFsync string `yaml:"pebble_fsync"`

	DatabaseURL         string        `yaml:"database_url"`
	DBConnectionTimeout time.Duration `yaml:"db_connection_timeout"`

	SQSRegion    string `yaml:"aws_region"`
	SQSEndpoint  string `yaml:"sqs_endpoint"`
	SQSProvision bool   `yaml:"sqs_provision"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                8080,
		Backend:             BackendMemory,
		QueueName:           "SimpleQueue",
		DeadLetterQueueName: "DLQQueue",
		VisibilityTimeout:   queue.DefaultVisibilityTimeout,
		RedriveThreshold:    queue.DefaultMaxReceiveCount,
		BatchSize:           queue.DefaultBatchSize,
		MaxBodyBytes:        queue.DefaultMaxBodyBytes,
		Encrypted:           true,
		MonitorInterval:     15 * time.Second,
		DataDir:             "./data",
		PebbleFsync:         "always",
		DBConnectionTimeout: 5 * time.Second,
		SQSRegion:           "us-east-1",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// helper: read env var as int seconds → convert to duration
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	if value, exists := os.LookupEnv(name); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

// LoadConfig builds the configuration. path may be empty.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decodeYAML(f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(c)
}

func (c *Config) applyEnv() {
	c.Port = getEnvAsInt("PORT", c.Port)
	c.Backend = getEnv("QUEUE_BACKEND", c.Backend)
	c.QueueName = getEnv("QUEUE_NAME", c.QueueName)
	c.DeadLetterQueueName = getEnv("DLQ_NAME", c.DeadLetterQueueName)
	c.VisibilityTimeout = getEnvAsDuration("VISIBILITY_TIMEOUT", c.VisibilityTimeout)
	c.RedriveThreshold = getEnvAsInt("MAX_RECEIVE_COUNT", c.RedriveThreshold)
	c.BatchSize = getEnvAsInt("RECEIVE_MAX", c.BatchSize)
	c.MaxBodyBytes = getEnvAsInt("MAX_BODY_BYTES", c.MaxBodyBytes)
	c.Encrypted = getEnvAsBool("ENCRYPTION_AT_REST", c.Encrypted)
	c.LongPollWait = getEnvAsDuration("RECEIVE_WAIT", c.LongPollWait)
	c.MonitorInterval = getEnvAsDuration("MONITOR_INTERVAL", c.MonitorInterval)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.PebbleFsync = getEnv("PEBBLE_FSYNC", c.PebbleFsync)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.DBConnectionTimeout = getEnvAsDuration("DB_CONNECTION_TIMEOUT", c.DBConnectionTimeout)
	c.SQSRegion = getEnv("AWS_REGION", c.SQSRegion)
	c.SQSEndpoint = getEnv("SQS_ENDPOINT", c.SQSEndpoint)
	c.SQSProvision = getEnvAsBool("SQS_PROVISION", c.SQSProvision)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	switch c.Backend {
	case BackendMemory:
	case BackendSQS:
		if c.MaxBodyBytes > sqsstore.MaxMessageSize {
			return fmt.Errorf("invalid MAX_BODY_BYTES: %d exceeds the SQS limit of %d", c.MaxBodyBytes, sqsstore.MaxMessageSize)
		}
	case BackendPebble:
		if c.DataDir == "" {
			return errors.New("DATA_DIR is required for the pebble backend")
		}
		if _, err := pebbledb.ParseFsyncMode(c.PebbleFsync); err != nil {
			return fmt.Errorf("invalid PEBBLE_FSYNC: %q", c.PebbleFsync)
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND: %q", c.Backend)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid RECEIVE_MAX: %d", c.BatchSize)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("invalid VISIBILITY_TIMEOUT: %s", c.VisibilityTimeout)
	}
	if c.RedriveThreshold < 0 {
		return fmt.Errorf("invalid MAX_RECEIVE_COUNT: %d", c.RedriveThreshold)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid MAX_BODY_BYTES: %d", c.MaxBodyBytes)
	}
	if c.LongPollWait < 0 {
		return fmt.Errorf("invalid RECEIVE_WAIT: %s", c.LongPollWait)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("invalid MONITOR_INTERVAL: %s", c.MonitorInterval)
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		return fmt.Errorf("invalid LOG_LEVEL: %q", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid LOG_FORMAT: %q", c.LogFormat)
	}
	if c.DeadLetterQueueName == c.QueueName {
		return fmt.Errorf("DLQ_NAME must differ from QUEUE_NAME (%q)", c.QueueName)
	}
	settings := c.Settings()
	if err := settings.Validate(); err != nil {
		return err
	}
	if !settings.HasDeadLetter() {
		return nil
	}
	return settings.DeadLetterSettings().Validate()
}

// Settings is the source queue's configuration.
func (c *Config) Settings() queue.Settings {
	return queue.Settings{
		Name:              c.QueueName,
		VisibilityTimeout: c.VisibilityTimeout,
		MaxBatch:          c.BatchSize,
		MaxBodyBytes:      c.MaxBodyBytes,
		Encrypted:         c.Encrypted,
		Redrive: queue.RedrivePolicy{
			MaxReceiveCount: c.RedriveThreshold,
			DeadLetterQueue: c.DeadLetterQueueName,
		},
	}
}

// NewLogger builds the root logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger(w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "leaseq",
		Level:      hclog.LevelFromString(c.LogLevel),
		JSONFormat: c.LogFormat == "json",
		Output:     w,
	})
}
