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

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type APIConfig struct {
	Addr              string
	DatabaseURL       string
	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseJWTSecret string
	StartupSeed       bool
	DiscordWebhookURL string
	ReplaySpeedup     float64
}

type WorkerConfig struct {
	Store             string
	DatabaseURL       string
	SQLitePath        string
	FeedSchedule      string
	DailyRation       int64
	FeedPolicy        string
	RunOnce           bool
	FeedTimeout       time.Duration
	MetricsAddr       string
	DiscordWebhookURL string
}

type CLIConfig struct {
	APIBaseURL string
}

// loadDotEnv reads .env when present. A missing file is fine; the environment wins.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func LoadAPIFromEnv() (APIConfig, error) {
	if err := loadDotEnv(); err != nil {
		return APIConfig{}, err
	}
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("LOFT_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:              addr,
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SupabaseURL:       strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/"),
		SupabaseAnonKey:   strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY")),
		SupabaseJWTSecret: strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET")),
		StartupSeed:       envBoolDefault("LOFT_STARTUP_SEED", true),
		DiscordWebhookURL: strings.TrimSpace(os.Getenv("LOFT_DISCORD_WEBHOOK_URL")),
		ReplaySpeedup:     envFloatDefault("LOFT_REPLAY_SPEEDUP", 60),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SupabaseURL == "" {
		return cfg, fmt.Errorf("SUPABASE_URL is required")
	}
	if cfg.SupabaseAnonKey == "" {
		return cfg, fmt.Errorf("SUPABASE_ANON_KEY is required")
	}
	if cfg.ReplaySpeedup <= 0 {
		cfg.ReplaySpeedup = 60
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	if err := loadDotEnv(); err != nil {
		return WorkerConfig{}, err
	}
	cfg := WorkerConfig{
		Store:             strings.ToLower(envDefault("LOFT_STORE", StorePostgres)),
		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:        envDefault("LOFT_SQLITE_PATH", "data/loftrace.db"),
		FeedSchedule:      envDefault("LOFT_FEED_SCHEDULE", "0 5 * * *"),
		DailyRation:       envIntDefault("LOFT_FEED_DAILY_RATION", 100),
		FeedPolicy:        envDefault("LOFT_FEED_POLICY", "individual-first"),
		RunOnce:           envBoolDefault("LOFT_WORKER_RUN_ONCE", false),
		FeedTimeout:       envDurationDefault("LOFT_FEED_TIMEOUT", 10*time.Minute),
		MetricsAddr:       envDefault("LOFT_WORKER_METRICS_ADDR", ":9101"),
		DiscordWebhookURL: strings.TrimSpace(os.Getenv("LOFT_DISCORD_WEBHOOK_URL")),
	}
	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreSQLite:
	default:
		return cfg, fmt.Errorf("LOFT_STORE must be %q or %q", StorePostgres, StoreSQLite)
	}
	if cfg.DailyRation <= 0 {
		return cfg, fmt.Errorf("LOFT_FEED_DAILY_RATION must be > 0")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	_ = loadDotEnv()
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("LOFT_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envIntDefault(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
