// Package config provides YAML-based configuration loading for the
// codebook service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gradeline/codebook/internal/models"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration, loaded from config.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Worker   WorkerConfig   `yaml:"worker"`
	LLM      LLMConfig      `yaml:"llm"`
	Vector   VectorConfig   `yaml:"vector"`
	Alert    AlertConfig    `yaml:"alert"`
}

// DatabaseConfig holds connection settings for the MySQL server.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// ServerConfig holds settings for the boundary API server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// WorkerConfig tunes the worker pool and the retry machinery.
type WorkerConfig struct {
	Count               int            `yaml:"count"`
	PollIntervalSeconds int            `yaml:"poll_interval_seconds"`
	ClaimBatch          int            `yaml:"claim_batch"`
	MaxRetries          int            `yaml:"max_retries"`
	BackoffBaseSeconds  int            `yaml:"backoff_base_seconds"`
	JobTimeoutSeconds   map[string]int `yaml:"job_timeout_seconds"`
	LeaseMultiplier     int            `yaml:"lease_multiplier"`
	ReapIntervalSeconds int            `yaml:"reap_interval_seconds"`
}

// LLMConfig selects the models used for analysis and embeddings. The
// API key is read from the environment, never from the config file.
type LLMConfig struct {
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	BatchSize      int    `yaml:"batch_size"`
}

// VectorConfig holds connection settings for the Weaviate index.
type VectorConfig struct {
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme"`
	Class  string `yaml:"class"`
}

// AlertConfig controls operator alerting. With an empty channel, alerts
// fall back to the process log.
type AlertConfig struct {
	SlackChannel  string `yaml:"slack_channel"`
	SlackTokenEnv string `yaml:"slack_token_env"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default populates a Config with defaults only, for tests and tools
// that run without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Name == "" {
		c.Database.Name = "codebook"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Worker.Count == 0 {
		c.Worker.Count = 4
	}
	if c.Worker.PollIntervalSeconds == 0 {
		c.Worker.PollIntervalSeconds = 5
	}
	if c.Worker.ClaimBatch == 0 {
		c.Worker.ClaimBatch = 10
	}
	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 3
	}
	if c.Worker.BackoffBaseSeconds == 0 {
		c.Worker.BackoffBaseSeconds = 2
	}
	if c.Worker.LeaseMultiplier == 0 {
		c.Worker.LeaseMultiplier = 2
	}
	if c.Worker.ReapIntervalSeconds == 0 {
		c.Worker.ReapIntervalSeconds = 30
	}
	if c.Worker.JobTimeoutSeconds == nil {
		c.Worker.JobTimeoutSeconds = map[string]int{}
	}
	defaultTimeouts := map[string]int{
		models.JobInitialAnalysis: 600,
		models.JobRefactor:        600,
		models.JobBulkUpload:      300,
		models.JobSemanticSearch:  60,
		models.JobExport:          120,
	}
	for jobType, secs := range defaultTimeouts {
		if c.Worker.JobTimeoutSeconds[jobType] == 0 {
			c.Worker.JobTimeoutSeconds[jobType] = secs
		}
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = "text-embedding-3-small"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.BatchSize == 0 {
		c.LLM.BatchSize = 100
	}
	if c.Vector.Host == "" {
		c.Vector.Host = "localhost:8090"
	}
	if c.Vector.Scheme == "" {
		c.Vector.Scheme = "http"
	}
	if c.Vector.Class == "" {
		c.Vector.Class = "CodebookItem"
	}
	if c.Alert.SlackTokenEnv == "" {
		c.Alert.SlackTokenEnv = "SLACK_BOT_TOKEN"
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port %d out of range", c.Database.Port))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Worker.Count < 1 {
		errs = append(errs, "worker.count must be at least 1")
	}
	for jobType := range c.Worker.JobTimeoutSeconds {
		if !models.ValidJobType(jobType) {
			errs = append(errs, fmt.Sprintf("worker.job_timeout_seconds: unknown job type %q", jobType))
		}
	}
	if c.Worker.LeaseMultiplier < 1 {
		errs = append(errs, "worker.lease_multiplier must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PollInterval returns the worker poll interval.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// BackoffBase returns the base delay for retry backoff.
func (w WorkerConfig) BackoffBase() time.Duration {
	return time.Duration(w.BackoffBaseSeconds) * time.Second
}

// ReapInterval returns how often the lease reaper runs.
func (w WorkerConfig) ReapInterval() time.Duration {
	return time.Duration(w.ReapIntervalSeconds) * time.Second
}

// JobTimeout returns the maximum execution duration for a job type.
func (w WorkerConfig) JobTimeout(jobType string) time.Duration {
	if secs, ok := w.JobTimeoutSeconds[jobType]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Minute
}

// LeaseTTL returns the lock lease duration for a job type. The lease
// must outlive the job's timeout so a healthy worker never loses its
// lock mid-run.
func (w WorkerConfig) LeaseTTL(jobType string) time.Duration {
	return w.JobTimeout(jobType) * time.Duration(w.LeaseMultiplier)
}

// APIKey resolves the LLM API key from the configured environment variable.
func (l LLMConfig) APIKey() string {
	return os.Getenv(l.APIKeyEnv)
}

// SlackToken resolves the Slack bot token from the environment.
func (a AlertConfig) SlackToken() string {
	return os.Getenv(a.SlackTokenEnv)
}
