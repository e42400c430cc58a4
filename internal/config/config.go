// Package config provides configuration loading from an optional YAML file,
// an optional .env file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"sentimental/internal/apperrors"
)

// Backend names accepted by the store, sink and document settings.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// DefaultJobTTL is how long a job record lives after its last accepted write.
const DefaultJobTTL = 30 * 24 * time.Hour

// ServiceConfig holds configuration for the jobs service and the one-shot poller.
type ServiceConfig struct {
	Port              string        `yaml:"port"`
	MetricsPort       string        `yaml:"metricsPort"`
	APIKey            string        `yaml:"-"`
	LogLevel          string        `yaml:"logLevel"`
	ShutdownDrainWait time.Duration `yaml:"shutdownDrainWait"` // Time to wait for load balancer to drain (0 to skip)

	Poll      PollConfig      `yaml:"poll"`
	Store     StoreConfig     `yaml:"store"`
	Sink      SinkConfig      `yaml:"sink"`
	Documents DocumentsConfig `yaml:"documents"`
	Provider  ProviderConfig  `yaml:"provider"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// PollConfig controls the periodic polling pass.
type PollConfig struct {
	Schedule     string        `yaml:"schedule"`     // cron expression, empty disables the in-process schedule
	Concurrency  int           `yaml:"concurrency"`  // jobs processed in parallel within a pass
	ReclaimAfter time.Duration `yaml:"reclaimAfter"` // STORING jobs older than this are re-extracted; defaults to Deadline
	Deadline     time.Duration `yaml:"deadline"`     // invocation deadline for a single pass
}

// StoreConfig selects the job store.
type StoreConfig struct {
	Backend     string        `yaml:"backend"`
	RedisURL    string        `yaml:"redisUrl"`
	PostgresURL string        `yaml:"postgresUrl"`
	JobTTL      time.Duration `yaml:"jobTtl"`
}

// SinkConfig selects the result sink.
type SinkConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

// DocumentsConfig selects where submitted documents are kept until extraction.
type DocumentsConfig struct {
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redisUrl"`
}

// ProviderConfig selects the scoring backend and carries its settings.
type ProviderConfig struct {
	Kind   string       `yaml:"kind"`
	AWS    AWSConfig    `yaml:"aws"`
	OpenAI OpenAIConfig `yaml:"openai"`
}

// AWSConfig configures the bulk-file backend.
type AWSConfig struct {
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	RoleARN      string `yaml:"roleArn"`
	InputPrefix  string `yaml:"inputPrefix"`
	OutputPrefix string `yaml:"outputPrefix"`
	LanguageCode string `yaml:"languageCode"`
}

// OpenAIConfig configures the tagged-batch backend.
type OpenAIConfig struct {
	APIKey            string  `yaml:"-"`
	BaseURL           string  `yaml:"baseUrl"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	MaxTokens         int     `yaml:"maxTokens"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	CompletionWindow  string  `yaml:"completionWindow"`
}

// NotifyConfig configures lifecycle event delivery.
type NotifyConfig struct {
	URL         string `yaml:"url"`
	SigningKey  string `yaml:"-"`
	QueueSize   int    `yaml:"queueSize"`
	Workers     int    `yaml:"workers"`
	MaxAttempts int    `yaml:"maxAttempts"`
}

func defaultConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              "8080",
		MetricsPort:       "9090",
		LogLevel:          "info",
		ShutdownDrainWait: 5 * time.Second,
		Poll: PollConfig{
			Schedule:     "*/5 * * * *",
			Concurrency:  4,
			Deadline:     4 * time.Minute,
		},
		Store: StoreConfig{
			Backend:  BackendRedis,
			RedisURL: "redis://localhost:6379/0",
			JobTTL:   DefaultJobTTL,
		},
		Sink: SinkConfig{
			Backend: BackendPostgres,
			Table:   "sentiment_results",
		},
		Documents: DocumentsConfig{
			Backend:  BackendRedis,
			RedisURL: "redis://localhost:6379/0",
		},
		Provider: ProviderConfig{
			Kind: "comprehend",
			AWS: AWSConfig{
				Region:       "us-east-1",
				InputPrefix:  "input",
				OutputPrefix: "output",
				LanguageCode: "en",
			},
			OpenAI: OpenAIConfig{
				BaseURL:           "https://api.openai.com",
				Model:             "gpt-3.5-turbo",
				Temperature:       0.3,
				MaxTokens:         1000,
				RequestsPerSecond: 2,
				CompletionWindow:  "24h",
			},
		},
		Notify: NotifyConfig{
			QueueSize:   1000,
			Workers:     2,
			MaxAttempts: 5,
		},
	}
}

// LoadServiceConfig loads .env (if present), the YAML file named by CONFIG_FILE
// (if set) and then environment variables.
func LoadServiceConfig() (*ServiceConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}
	return Load(os.Getenv("CONFIG_FILE"))
}

// Load builds a configuration from defaults, the YAML file at path (optional)
// and environment overrides, then validates it.
func Load(path string) (*ServiceConfig, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Configuration("CONFIG_FILE", fmt.Sprintf("cannot read %s: %v", path, err))
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, apperrors.Configuration("CONFIG_FILE", fmt.Sprintf("cannot parse %s: %v", path, err))
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServiceConfig) applyEnvOverrides() {
	c.Port = GetEnv("PORT", c.Port)
	c.MetricsPort = GetEnv("METRICS_PORT", c.MetricsPort)
	c.APIKey = GetSecretFile(GetEnv("API_KEY_FILE", ""))
	c.LogLevel = GetEnv("LOG_LEVEL", c.LogLevel)
	c.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", c.ShutdownDrainWait)

	c.Poll.Schedule = GetEnv("POLL_SCHEDULE", c.Poll.Schedule)
	c.Poll.Concurrency = GetIntEnv("POLL_CONCURRENCY", c.Poll.Concurrency)
	c.Poll.ReclaimAfter = GetDurationEnv("STORING_RECLAIM_AFTER", c.Poll.ReclaimAfter)
	c.Poll.Deadline = GetDurationEnv("POLL_DEADLINE", c.Poll.Deadline)

	c.Store.Backend = GetEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.RedisURL = GetEnv("REDIS_URL", c.Store.RedisURL)
	c.Store.PostgresURL = GetEnv("DATABASE_URL", c.Store.PostgresURL)
	c.Store.JobTTL = GetDurationEnv("JOB_TTL", c.Store.JobTTL)

	c.Sink.Backend = GetEnv("SINK_BACKEND", c.Sink.Backend)
	c.Sink.DSN = GetEnv("SINK_DSN", c.Sink.DSN)
	c.Sink.Table = GetEnv("SINK_TABLE", c.Sink.Table)

	c.Documents.Backend = GetEnv("DOCUMENT_BACKEND", c.Documents.Backend)
	c.Documents.RedisURL = GetEnv("DOCUMENT_REDIS_URL", GetEnv("REDIS_URL", c.Documents.RedisURL))

	c.Provider.Kind = GetEnv("PROVIDER", c.Provider.Kind)
	c.Provider.AWS.Region = GetEnv("AWS_REGION", c.Provider.AWS.Region)
	c.Provider.AWS.Bucket = GetEnv("S3_BUCKET_NAME", c.Provider.AWS.Bucket)
	c.Provider.AWS.RoleARN = GetEnv("COMPREHEND_ROLE_ARN", c.Provider.AWS.RoleARN)
	c.Provider.OpenAI.APIKey = GetEnv("OPENAI_API_KEY", GetSecretFile(GetEnv("OPENAI_API_KEY_FILE", "")))
	c.Provider.OpenAI.BaseURL = GetEnv("OPENAI_BASE_URL", c.Provider.OpenAI.BaseURL)
	c.Provider.OpenAI.Model = GetEnv("OPENAI_MODEL", c.Provider.OpenAI.Model)
	c.Provider.OpenAI.RequestsPerSecond = GetFloatEnv("OPENAI_REQUESTS_PER_SECOND", c.Provider.OpenAI.RequestsPerSecond)

	c.Notify.URL = GetEnv("NOTIFY_URL", c.Notify.URL)
	c.Notify.SigningKey = GetSecretFile(GetEnv("NOTIFY_SIGNING_KEY_FILE", ""))
	c.Notify.Workers = GetIntEnv("NOTIFY_WORKERS", c.Notify.Workers)
}

// Validate rejects settings no component could start with.
func (c *ServiceConfig) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return apperrors.Configuration("STORE_BACKEND", fmt.Sprintf("unknown store backend %q", c.Store.Backend))
	}
	switch c.Sink.Backend {
	case BackendMemory, BackendPostgres, BackendSQLite:
	default:
		return apperrors.Configuration("SINK_BACKEND", fmt.Sprintf("unknown sink backend %q", c.Sink.Backend))
	}
	switch c.Documents.Backend {
	case BackendMemory, BackendRedis:
	default:
		return apperrors.Configuration("DOCUMENT_BACKEND", fmt.Sprintf("unknown document backend %q", c.Documents.Backend))
	}
	if c.Store.Backend == BackendPostgres && c.Store.PostgresURL == "" {
		return apperrors.Configuration("DATABASE_URL", "DATABASE_URL is required for the postgres store")
	}
	if c.Sink.Backend != BackendMemory && c.Sink.DSN == "" {
		return apperrors.Configuration("SINK_DSN", "SINK_DSN is required for the "+c.Sink.Backend+" sink")
	}
	if c.Store.JobTTL <= 0 {
		return apperrors.Configuration("JOB_TTL", "JOB_TTL must be positive")
	}
	if c.Poll.Concurrency < 1 {
		c.Poll.Concurrency = 1
	}
	if c.Poll.Deadline <= 0 {
		return apperrors.Configuration("POLL_DEADLINE", "POLL_DEADLINE must be positive")
	}
	// A claim must outlive the pass that made it.
	if c.Poll.ReclaimAfter <= 0 {
		c.Poll.ReclaimAfter = c.Poll.Deadline
	}
	if c.Poll.ReclaimAfter < c.Poll.Deadline {
		return apperrors.Configuration("STORING_RECLAIM_AFTER",
			fmt.Sprintf("STORING_RECLAIM_AFTER (%s) must not be shorter than POLL_DEADLINE (%s)", c.Poll.ReclaimAfter, c.Poll.Deadline))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *ServiceConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
