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
	Environment    string
	DatabaseURL    string
	DatabaseDriver string // postgres | sqlite
	Port           string
	JWTSecret      string

	AccountingBaseURL      string
	AccountingTokenURL     string
	AccountingClientID     string
	AccountingClientSecret string

	TokenMinValidity        time.Duration
	BackfillPageSize        int
	MaxRetries              int
	SyncMaxAttempts         int
	SyncSchedule            string
	JobStore                string // memory | bolt
	JobStorePath            string
	AllowConcurrentBackfill bool
	ShutdownTimeout         time.Duration
	PrivilegedRoles         []string
}

// Settings is the optional YAML settings file.
type Settings struct {
	PrivilegedRoles []string `yaml:"privileged_roles"`
	SyncSchedule    string   `yaml:"sync_schedule"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	driver := getEnv("DATABASE_DRIVER", "postgres")
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", driver)
	}

	jobStore := getEnv("JOB_STORE", "memory")
	if jobStore != "memory" && jobStore != "bolt" {
		return nil, fmt.Errorf("unsupported JOB_STORE %q", jobStore)
	}

	cfg := &Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		DatabaseURL:    dbURL,
		DatabaseDriver: driver,
		Port:           getEnv("PORT", "8080"),
		JWTSecret:      os.Getenv("JWT_SECRET"),

		AccountingBaseURL:      getEnv("ACCOUNTING_BASE_URL", "https://api.xero.com/api.xro/2.0"),
		AccountingTokenURL:     getEnv("ACCOUNTING_TOKEN_URL", "https://identity.xero.com/connect/token"),
		AccountingClientID:     os.Getenv("ACCOUNTING_CLIENT_ID"),
		AccountingClientSecret: os.Getenv("ACCOUNTING_CLIENT_SECRET"),

		TokenMinValidity:        time.Duration(getEnvInt("TOKEN_MIN_VALIDITY_MINUTES", 5)) * time.Minute,
		BackfillPageSize:        getEnvInt("BACKFILL_PAGE_SIZE", 100),
		MaxRetries:              getEnvInt("MAX_RETRIES", 3),
		SyncMaxAttempts:         getEnvInt("SYNC_MAX_ATTEMPTS", 5),
		SyncSchedule:            getEnv("SYNC_SCHEDULE", "@every 10m"),
		JobStore:                jobStore,
		JobStorePath:            getEnv("JOB_STORE_PATH", "ledgersync-jobs.db"),
		AllowConcurrentBackfill: getEnv("ALLOW_CONCURRENT_BACKFILLS", "false") == "true",
		ShutdownTimeout:         time.Duration(getEnvInt("SHUTDOWN_TIMEOUT", 30)) * time.Second,
		PrivilegedRoles:         splitList(getEnv("PRIVILEGED_ROLES", "admin,finance")),
	}

	if cfg.AccountingClientID == "" || cfg.AccountingClientSecret == "" {
		fmt.Println("Warning: ACCOUNTING_CLIENT_ID or ACCOUNTING_CLIENT_SECRET not set, token refresh will not work")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if path := os.Getenv("LEDGERSYNC_SETTINGS"); path != "" {
		if err := cfg.applySettingsFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// applySettingsFile overlays values from a YAML settings file.
func (c *Config) applySettingsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}
	if len(s.PrivilegedRoles) > 0 {
		c.PrivilegedRoles = s.PrivilegedRoles
	}
	if s.SyncSchedule != "" {
		c.SyncSchedule = s.SyncSchedule
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		fmt.Printf("Warning: invalid %s=%q, using %d\n", key, raw, fallback)
		return fallback
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
