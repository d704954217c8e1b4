package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for finflow server and worker processes.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Worker   WorkerConfig
	Lock     LockConfig
	Events   EventsConfig
	Convo    ConvoConfig
	Analysis AnalysisConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// QueueConfig tunes job submission defaults and the TTL sweep of
// finished jobs.
type QueueConfig struct {
	DefaultMaxRetries int
	DefaultTimeout    time.Duration
	RetryBackoffBase  time.Duration
	RetryBackoffMax   time.Duration
	FinishedJobTTL    time.Duration
	ReclaimSlack      time.Duration
}

// WorkerConfig tunes the polling worker pool.
type WorkerConfig struct {
	PollInterval    time.Duration
	MaxConcurrent   int
	DrainTimeout    time.Duration
	JanitorInterval time.Duration
}

type LockConfig struct {
	TTL time.Duration
}

type EventsConfig struct {
	TTL          time.Duration
	PollInterval time.Duration
}

// ConvoConfig tunes the dual-tier conversation store.
type ConvoConfig struct {
	WindowSize int
}

type AnalysisConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	OpenAI           OpenAIConfig
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

var validProviders = map[string]bool{
	"mock":   true,
	"openai": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("FINFLOW_PORT", 8080),
			Env:  envString("FINFLOW_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			DefaultMaxRetries: envInt("JOB_MAX_RETRIES", 3),
			DefaultTimeout:    envDuration("JOB_TIMEOUT", 5*time.Minute),
			RetryBackoffBase:  envDuration("JOB_RETRY_BACKOFF_BASE", 2*time.Second),
			RetryBackoffMax:   envDuration("JOB_RETRY_BACKOFF_MAX", 60*time.Second),
			FinishedJobTTL:    envDuration("JOB_FINISHED_TTL", 24*time.Hour),
			ReclaimSlack:      envDuration("JOB_RECLAIM_SLACK", 30*time.Second),
		},
		Worker: WorkerConfig{
			PollInterval:    envDuration("WORKER_POLL_INTERVAL", 500*time.Millisecond),
			MaxConcurrent:   envInt("WORKER_MAX_CONCURRENT", 4),
			DrainTimeout:    envDuration("WORKER_DRAIN_TIMEOUT", 30*time.Second),
			JanitorInterval: envDuration("WORKER_JANITOR_INTERVAL", time.Minute),
		},
		Lock: LockConfig{
			TTL: envDuration("LOCK_TTL", 10*time.Minute),
		},
		Events: EventsConfig{
			TTL:          envDuration("EVENT_TTL", time.Hour),
			PollInterval: envDuration("EVENT_POLL_INTERVAL", 500*time.Millisecond),
		},
		Convo: ConvoConfig{
			WindowSize: envInt("CONVO_WINDOW_SIZE", 50),
		},
		Analysis: AnalysisConfig{
			Provider:         envString("ANALYSIS_PROVIDER", "mock"),
			InferenceTimeout: envDuration("ANALYSIS_INFERENCE_TIMEOUT", 2*time.Minute),
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Worker.MaxConcurrent < 1 {
		return fmt.Errorf("WORKER_MAX_CONCURRENT must be at least 1, got %d", c.Worker.MaxConcurrent)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("WORKER_POLL_INTERVAL must be positive")
	}

	if c.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("JOB_MAX_RETRIES must not be negative, got %d", c.Queue.DefaultMaxRetries)
	}
	if c.Queue.RetryBackoffBase <= 0 || c.Queue.RetryBackoffMax < c.Queue.RetryBackoffBase {
		return fmt.Errorf("JOB_RETRY_BACKOFF_BASE and JOB_RETRY_BACKOFF_MAX must be positive with max >= base")
	}
	if c.Queue.ReclaimSlack < 0 {
		return fmt.Errorf("JOB_RECLAIM_SLACK must not be negative")
	}

	if c.Lock.TTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}

	if c.Convo.WindowSize < 1 {
		return fmt.Errorf("CONVO_WINDOW_SIZE must be at least 1, got %d", c.Convo.WindowSize)
	}

	if !validProviders[c.Analysis.Provider] {
		return fmt.Errorf("ANALYSIS_PROVIDER must be one of mock, openai; got %q", c.Analysis.Provider)
	}
	if c.Analysis.Provider == "openai" && c.Analysis.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when ANALYSIS_PROVIDER is openai")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
