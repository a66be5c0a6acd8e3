package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const productionEnv = "production"

type Options struct {
	LoadDotEnv bool
}

// Config is built once at startup and shared read-only afterwards.
type Config struct {
	AppEnv string
	Port   string

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	RunMigrations     bool

	SentryDSN      string
	MetricsEnabled bool

	CronSecret       string
	CleanupRetention time.Duration
	CleanupBatchSize int

	AccessSecret  []byte
	RefreshSecret []byte
	AdminEmail    string
	AdminPassword string

	RateLimitStore       string
	LoginRateLimitMax    int
	LoginRateLimitWindow time.Duration
}

func Load(options Options) (Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return Config{}, err
	}

	accessSecret := envOrDefault("JWT_ACCESS_SECRET", os.Getenv("JWT_SECRET"))
	if strings.TrimSpace(accessSecret) == "" {
		return Config{}, fmt.Errorf("missing required env: JWT_ACCESS_SECRET")
	}
	refreshSecret := envOrDefault("JWT_REFRESH_SECRET", accessSecret)

	cfg := Config{
		AppEnv:               strings.ToLower(envOrDefault("APP_ENV", "development")),
		Port:                 envOrDefault("PORT", "8080"),
		DatabaseURL:          databaseURL,
		DBMaxOpenConns:       envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:       envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime:    envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime:    envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		RunMigrations:        EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),
		SentryDSN:            strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		MetricsEnabled:       EnvBoolOrDefault("METRICS_ENABLED", true),
		CronSecret:           strings.TrimSpace(os.Getenv("CRON_SECRET")),
		CleanupRetention:     envDaysOrDefault("RATE_LIMIT_RETENTION_DAYS", 1),
		CleanupBatchSize:     envIntOrDefault("CLEANUP_BATCH_SIZE", 500),
		AccessSecret:         []byte(strings.TrimSpace(accessSecret)),
		RefreshSecret:        []byte(strings.TrimSpace(refreshSecret)),
		AdminEmail:           strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword:        strings.TrimSpace(os.Getenv("ADMIN_PASSWORD")),
		RateLimitStore:       strings.ToLower(envOrDefault("RATE_LIMIT_STORE", "postgres")),
		LoginRateLimitMax:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		LoginRateLimitWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	}

	if (cfg.AdminEmail == "") != (cfg.AdminPassword == "") {
		return Config{}, fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	return cfg, nil
}

// Production reports whether cookies must carry the Secure attribute.
func (c Config) Production() bool {
	return c.AppEnv == productionEnv
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
