package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "POSSYNC"

	defaultServerURL = "http://localhost:8080"
	defaultLogLevel  = "info"
	defaultEnv       = "local"
	defaultConfigDir = ".possync"

	deviceIDFile    = "device_id"
	deviceTokenFile = "device_token"
)

type Config struct {
	Env          string        `mapstructure:"app_env"`
	ServerURL    string        `mapstructure:"server_url"`
	LogLevel     string        `mapstructure:"log_level"`
	ConfigDir    string        `mapstructure:"config_dir"`
	DataPath     string        `mapstructure:"data_path"`
	DeviceID     string        `mapstructure:"device_id"`
	DeviceToken  string        `mapstructure:"device_token"`
	DeviceName   string        `mapstructure:"device_name"`
	UserID       string        `mapstructure:"user_id"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	PullPageSize int           `mapstructure:"pull_page_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// Load читает .env, файл config.yaml и переменные POSSYNC_*.
// cfgFile переопределяет поиск конфигурации в ~/.possync и текущей директории.
// Идентификатор и токен устройства создаются при первом запуске и хранятся в ConfigDir.
func Load(cfgFile string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_env", defaultEnv)
	v.SetDefault("server_url", defaultServerURL)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("config_dir", filepath.Join(home, defaultConfigDir))
	v.SetDefault("data_path", "")
	v.SetDefault("device_id", "")
	v.SetDefault("device_token", "")
	v.SetDefault("device_name", "")
	v.SetDefault("user_id", "")
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("batch_size", 100)
	v.SetDefault("pull_page_size", 500)
	v.SetDefault("max_retries", 5)
	v.SetDefault("timeout", 30*time.Second)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(filepath.Join(home, defaultConfigDir))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}
	if cfg.DataPath == "" {
		cfg.DataPath = filepath.Join(cfg.ConfigDir, "possync.db")
	}
	if cfg.DeviceID == "" {
		if cfg.DeviceID, err = persistent(filepath.Join(cfg.ConfigDir, deviceIDFile)); err != nil {
			return nil, err
		}
	}
	if cfg.DeviceToken == "" {
		if cfg.DeviceToken, err = persistent(filepath.Join(cfg.ConfigDir, deviceTokenFile)); err != nil {
			return nil, err
		}
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName, _ = os.Hostname()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// persistent читает значение из файла, а если файла нет, создает его со случайным UUID v4
func persistent(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if s := strings.TrimSpace(string(b)); s != "" {
			return s, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return id, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must not be empty")
	}
	if _, err := uuid.Parse(c.DeviceID); err != nil {
		return fmt.Errorf("device_id must be a UUID: %w", err)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.PullPageSize <= 0 {
		return fmt.Errorf("pull_page_size must be positive")
	}
	return nil
}

// IsLocal проверяет, local ли окружение
func (c *Config) IsLocal() bool {
	return c.Env == "local" || c.Env == ""
}
