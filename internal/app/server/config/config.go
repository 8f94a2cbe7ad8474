package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPath  = ".env"
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

type Config struct {
	Env    string
	DB     db
	Server server
	Logger logger
	Sync   syncConfig
}

type db struct {
	DatabaseURI string `env:"DATABASE_URI"`
	Migrations  string `env:"MIGRATIONS_PATH"`
}

type server struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

type logger struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type syncConfig struct {
	MaxPullItems      int           `env:"SYNC_MAX_PULL_ITEMS"`
	MaxPullItemsLimit int           `env:"SYNC_MAX_PULL_ITEMS_LIMIT"`
	MaxBatch          int           `env:"SYNC_MAX_BATCH"`
	RetentionDays     int           `env:"SYNC_RETENTION_DAYS"`
	DeviceStaleDays   int           `env:"SYNC_DEVICE_STALE_DAYS"`
	JanitorInterval   time.Duration `env:"SYNC_JANITOR_INTERVAL"`
	ConflictPolicies  string        `env:"SYNC_CONFLICT_POLICIES"`
	DeviceTokenCost   int           `env:"DEVICE_TOKEN_COST"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("app_env", EnvLocal)
	v.SetDefault("run_address", ":8080")
	v.SetDefault("migrations_path", "migrations")
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("sync_max_pull_items", 500)
	v.SetDefault("sync_max_pull_items_limit", 5000)
	v.SetDefault("sync_max_batch", 1000)
	v.SetDefault("sync_retention_days", 90)
	v.SetDefault("sync_device_stale_days", 180)
	v.SetDefault("sync_janitor_interval", "1h")
	v.SetDefault("sync_conflict_policies", "")
	v.SetDefault("device_token_cost", 10)
}

// Load читает .env (если он есть) и переменные окружения
func Load() (*Config, error) {
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	return fromViper(v)
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalln(err)
	}
	return cfg
}

func fromViper(v *viper.Viper) (*Config, error) {
	config := Config{
		Env: v.GetString("app_env"),
		DB: db{
			DatabaseURI: v.GetString("database_uri"),
			Migrations:  v.GetString("migrations_path"),
		},
		Server: server{
			RunAddress:      v.GetString("run_address"),
			ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		},
		Logger: logger{LogLevel: v.GetString("log_level")},
		Sync: syncConfig{
			MaxPullItems:      v.GetInt("sync_max_pull_items"),
			MaxPullItemsLimit: v.GetInt("sync_max_pull_items_limit"),
			MaxBatch:          v.GetInt("sync_max_batch"),
			RetentionDays:     v.GetInt("sync_retention_days"),
			DeviceStaleDays:   v.GetInt("sync_device_stale_days"),
			JanitorInterval:   v.GetDuration("sync_janitor_interval"),
			ConflictPolicies:  v.GetString("sync_conflict_policies"),
			DeviceTokenCost:   v.GetInt("device_token_cost"),
		},
	}

	switch config.Env {
	case EnvLocal, EnvDev, EnvProd:
	default:
		return nil, fmt.Errorf("unknown APP_ENV %q", config.Env)
	}
	if config.Sync.MaxPullItems <= 0 || config.Sync.MaxPullItemsLimit <= 0 {
		return nil, fmt.Errorf("pull limits must be positive")
	}
	if config.Sync.MaxPullItems > config.Sync.MaxPullItemsLimit {
		config.Sync.MaxPullItems = config.Sync.MaxPullItemsLimit
	}

	return &config, nil
}
