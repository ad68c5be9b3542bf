package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string

	BufferBackend string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	QueueKey      string

	DebounceWindow      time.Duration
	DrainInterval       time.Duration
	DrainMaxConcurrent  int
	DispatchMaxAttempts int
	ContextSize         int

	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	PromptPath    string
	AITimeout     time.Duration
	BranchTimeout time.Duration

	ChatAPIURL     string
	ChatAPIToken   string
	LeadWebhookURL string
	WebhookSecret  string

	FollowupSchedule string
	FollowupAfter    time.Duration
	FollowupWindow   time.Duration
}

// FollowupEnabled is false when FOLLOWUP_SCHEDULE is "off".
func (c *Config) FollowupEnabled() bool {
	return c.FollowupSchedule != "off"
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Load reads the process environment, after merging a .env file when one
// exists. Values already set in the environment win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}

	cfg := &Config{
		Port:        r.str("PORT", "8080"),
		DatabaseURL: r.str("DATABASE_URL", ""),
		LogLevel:    r.str("LOG_LEVEL", "info"),

		BufferBackend: strings.ToLower(r.str("BUFFER_BACKEND", BackendMemory)),
		RedisAddr:     r.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: r.str("REDIS_PASSWORD", ""),
		RedisDB:       r.int("REDIS_DB", 0),
		QueueKey:      r.str("QUEUE_KEY", "message_queue"),

		DebounceWindow:      time.Duration(r.int("DEBOUNCE_SECONDS", 5)) * time.Second,
		DrainInterval:       r.duration("DRAIN_INTERVAL", time.Second),
		DrainMaxConcurrent:  r.int("DRAIN_MAX_CONCURRENT", 16),
		DispatchMaxAttempts: r.int("DISPATCH_MAX_ATTEMPTS", 3),
		ContextSize:         r.int("CONTEXT_SIZE", 80),

		OpenAIAPIKey:  r.str("OPENAI_API_KEY", ""),
		OpenAIModel:   r.str("OPENAI_MODEL", ""),
		OpenAIBaseURL: r.str("OPENAI_BASE_URL", ""),
		PromptPath:    r.str("SYSTEM_PROMPT_PATH", ""),
		AITimeout:     r.duration("AI_TIMEOUT", 60*time.Second),
		BranchTimeout: r.duration("BRANCH_TIMEOUT", 90*time.Second),

		ChatAPIURL:     r.str("CHAT_API_URL", ""),
		ChatAPIToken:   r.str("CHAT_API_TOKEN", ""),
		LeadWebhookURL: r.str("LEAD_WEBHOOK_URL", ""),
		WebhookSecret:  r.str("WEBHOOK_SECRET", ""),

		FollowupSchedule: r.str("FOLLOWUP_SCHEDULE", "*/10 * * * *"),
		FollowupAfter:    r.duration("FOLLOWUP_AFTER", 5*time.Hour),
		FollowupWindow:   r.duration("FOLLOWUP_WINDOW", time.Hour),
	}

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is not set"))
	}
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is not set"))
	}
	if c.ChatAPIURL == "" {
		errs = append(errs, errors.New("CHAT_API_URL is not set"))
	}
	switch c.BufferBackend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		errs = append(errs, fmt.Errorf("BUFFER_BACKEND %q is not one of memory, redis, postgres", c.BufferBackend))
	}
	if c.DebounceWindow <= 0 {
		errs = append(errs, errors.New("DEBOUNCE_SECONDS must be positive"))
	}
	if c.DrainInterval <= 0 {
		errs = append(errs, errors.New("DRAIN_INTERVAL must be positive"))
	}
	if c.DrainMaxConcurrent < 1 {
		errs = append(errs, errors.New("DRAIN_MAX_CONCURRENT must be at least 1"))
	}
	if c.DispatchMaxAttempts < 1 {
		errs = append(errs, errors.New("DISPATCH_MAX_ATTEMPTS must be at least 1"))
	}

	return errors.Join(errs...)
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

// duration accepts Go durations ("90s") and bare seconds ("90").
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
