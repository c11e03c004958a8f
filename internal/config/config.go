package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL     string
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	PollInterval    time.Duration
	MaxRetries      int
	ShutdownTimeout time.Duration

	CRMBaseURL      string
	CRMClientID     string
	CRMClientSecret string
	CRMAppID        string
	CRMAPIVersion   string
	CRMTimeout      time.Duration

	PageSize          int
	MaxPages          int
	WorkerConcurrency int
	SyncInterval      time.Duration // 0 disables periodic syncs
	StaleRunTimeout   time.Duration
	RunTimeout        time.Duration
}

// fileConfig mirrors the optional YAML overlay named by CRMSYNC_CONFIG.
type fileConfig struct {
	DatabaseURL       string `yaml:"database_url"`
	HTTPAddr          string `yaml:"http_addr"`
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`
	PollInterval      string `yaml:"poll_interval"`
	MaxRetries        int    `yaml:"max_retries"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`
	CRMBaseURL        string `yaml:"crm_base_url"`
	CRMAppID          string `yaml:"crm_app_id"`
	CRMAPIVersion     string `yaml:"crm_api_version"`
	CRMTimeout        string `yaml:"crm_timeout"`
	PageSize          int    `yaml:"page_size"`
	MaxPages          int    `yaml:"max_pages"`
	WorkerConcurrency int    `yaml:"worker_concurrency"`
	SyncInterval      string `yaml:"sync_interval"`
	StaleRunTimeout   string `yaml:"stale_run_timeout"`
	RunTimeout        string `yaml:"run_timeout"`
}

func defaults() *Config {
	return &Config{
		HTTPAddr:          ":8080",
		LogLevel:          "info",
		LogFormat:         "json",
		PollInterval:      30 * time.Second,
		MaxRetries:        3,
		ShutdownTimeout:   30 * time.Second,
		CRMBaseURL:        "https://services.leadconnectorhq.com",
		CRMAPIVersion:     "2021-07-28",
		CRMTimeout:        20 * time.Second,
		PageSize:          100,
		MaxPages:          50,
		WorkerConcurrency: 4,
		StaleRunTimeout:   time.Hour,
		RunTimeout:        30 * time.Minute,
	}
}

// Load reads configuration from .env, the optional YAML file and environment
// variables, in increasing order of precedence.
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("CRMSYNC_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.CRMClientID == "" || cfg.CRMClientSecret == "" {
		fmt.Println("Warning: CRM_CLIENT_ID or CRM_CLIENT_SECRET not set, agency token refresh will not work")
	}

	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("PAGE_SIZE must be positive, got %d", cfg.PageSize)
	}
	if cfg.MaxPages <= 0 {
		return nil, fmt.Errorf("MAX_PAGES must be positive, got %d", cfg.MaxPages)
	}
	if cfg.WorkerConcurrency <= 0 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", cfg.WorkerConcurrency)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	setString(&c.DatabaseURL, fc.DatabaseURL)
	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	setString(&c.CRMBaseURL, fc.CRMBaseURL)
	setString(&c.CRMAppID, fc.CRMAppID)
	setString(&c.CRMAPIVersion, fc.CRMAPIVersion)
	setInt(&c.MaxRetries, fc.MaxRetries)
	setInt(&c.PageSize, fc.PageSize)
	setInt(&c.MaxPages, fc.MaxPages)
	setInt(&c.WorkerConcurrency, fc.WorkerConcurrency)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &c.PollInterval},
		{"shutdown_timeout", fc.ShutdownTimeout, &c.ShutdownTimeout},
		{"crm_timeout", fc.CRMTimeout, &c.CRMTimeout},
		{"sync_interval", fc.SyncInterval, &c.SyncInterval},
		{"stale_run_timeout", fc.StaleRunTimeout, &c.StaleRunTimeout},
		{"run_timeout", fc.RunTimeout, &c.RunTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s in config file: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.DatabaseURL, os.Getenv("DATABASE_URL"))
	setString(&c.HTTPAddr, os.Getenv("HTTP_ADDR"))
	setString(&c.LogLevel, os.Getenv("LOG_LEVEL"))
	setString(&c.LogFormat, os.Getenv("LOG_FORMAT"))
	setString(&c.CRMBaseURL, os.Getenv("CRM_BASE_URL"))
	setString(&c.CRMClientID, os.Getenv("CRM_CLIENT_ID"))
	setString(&c.CRMClientSecret, os.Getenv("CRM_CLIENT_SECRET"))
	setString(&c.CRMAppID, os.Getenv("CRM_APP_ID"))
	setString(&c.CRMAPIVersion, os.Getenv("CRM_API_VERSION"))

	ints := map[string]*int{
		"MAX_RETRIES":        &c.MaxRetries,
		"PAGE_SIZE":          &c.PageSize,
		"MAX_PAGES":          &c.MaxPages,
		"WORKER_CONCURRENCY": &c.WorkerConcurrency,
	}
	for key, dst := range ints {
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL":     &c.PollInterval,
		"SHUTDOWN_TIMEOUT":  &c.ShutdownTimeout,
		"CRM_TIMEOUT":       &c.CRMTimeout,
		"SYNC_INTERVAL":     &c.SyncInterval,
		"STALE_RUN_TIMEOUT": &c.StaleRunTimeout,
		"RUN_TIMEOUT":       &c.RunTimeout,
	}
	for key, dst := range durations {
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		v, err := parseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = v
	}
	return nil
}

// parseDuration accepts Go duration strings ("30s") or bare seconds ("30").
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(raw)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
