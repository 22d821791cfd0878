package models

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultUploadTimeout  = 2 * time.Minute
	DefaultProcessTimeout = 10 * time.Minute
)

type Config struct {
	Env        string `yaml:"env"`
	LogLevel   string `yaml:"log_level"`
	ServerAddr string `yaml:"server_addr"`

	// BackendURL is the processing backend and catalogue service base URL.
	BackendURL     string        `yaml:"backend_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UploadTimeout  time.Duration `yaml:"upload_timeout"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	// Optional. Empty disables the upload ledger.
	DatabaseURL string `yaml:"database_url"`
	// Optional. Empty broker disables event publishing.
	KafkaBroker string `yaml:"kafka_broker"`
	KafkaTopic  string `yaml:"kafka_topic"`
}

func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// LoadDotEnv reads a .env file into the process environment if one exists.
// Variables already set win over the file.
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("models.LoadDotEnv: %w", err)
	}
	return nil
}

// applyEnv lets deployment secrets stay out of the yaml file.
func (c *Config) applyEnv() {
	for env, dst := range map[string]*string{
		"VTONFLOW_ENV":          &c.Env,
		"VTONFLOW_LOG_LEVEL":    &c.LogLevel,
		"VTONFLOW_SERVER_ADDR":  &c.ServerAddr,
		"VTONFLOW_BACKEND_URL":  &c.BackendURL,
		"VTONFLOW_DATABASE_URL": &c.DatabaseURL,
		"VTONFLOW_KAFKA_BROKER": &c.KafkaBroker,
		"VTONFLOW_KAFKA_TOPIC":  &c.KafkaTopic,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.BackendURL == "" {
		c.BackendURL = "http://localhost:8001"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = DefaultUploadTimeout
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = DefaultProcessTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.KafkaBroker != "" && c.KafkaTopic == "" {
		c.KafkaTopic = "vton.workflow"
	}
}

func (c *Config) Validate() error {
	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("poll_interval %s is too short", c.PollInterval)
	}
	switch c.Env {
	case "development", "production":
	default:
		return fmt.Errorf("unknown env %q", c.Env)
	}
	return nil
}
