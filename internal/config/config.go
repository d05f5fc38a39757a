package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const configFileName = "fetch"

// Environment variables that override the file configuration.
const (
	EnvTimeout        = "FETCH_TIMEOUT"
	EnvUserAgent      = "FETCH_USER_AGENT"
	EnvMaxIdlePerHost = "FETCH_MAX_IDLE_PER_HOST"
	EnvMaxIdleTime    = "FETCH_MAX_IDLE_TIME"
	EnvDebug          = "FETCH_DEBUG"
)

// Config holds the configuration options for the application.
type Config struct {
	Timeout   time.Duration  `yaml:"timeout,omitempty"`
	UserAgent string         `yaml:"userAgent,omitempty"`
	Debug     bool           `yaml:"debug,omitempty"`
	Pool      *PoolConfig    `yaml:"pool,omitempty"`
	History   *HistoryConfig `yaml:"history,omitempty"`
}

// PoolConfig holds configuration options for the persistent connection pool.
type PoolConfig struct {
	MaxIdlePerHost int           `yaml:"maxIdlePerHost,omitempty"`
	MaxIdleTime    time.Duration `yaml:"maxIdleTime,omitempty"`
}

// HistoryConfig holds configuration options for the fetch history store.
type HistoryConfig struct {
	Disabled bool   `yaml:"disabled,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default configuration.
// Environment overrides are applied last.
func GetConfig() (*Config, error) {
	cfg, err := readFile(filepath.Join(xdg.ConfigHome, configFileName))
	if err != nil {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error. Variables already set are left alone.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func readFile(path string) (*Config, error) {
	defaults := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	poolCfg := zeroOr(cfg.Pool, defaults.Pool)
	historyCfg := zeroOr(cfg.History, defaults.History)

	return &Config{
		Timeout:   zeroOr(cfg.Timeout, defaults.Timeout),
		UserAgent: zeroOr(cfg.UserAgent, defaults.UserAgent),
		Debug:     zeroOr(cfg.Debug, defaults.Debug),
		Pool: &PoolConfig{
			MaxIdlePerHost: zeroOr(poolCfg.MaxIdlePerHost, defaults.Pool.MaxIdlePerHost),
			MaxIdleTime:    zeroOr(poolCfg.MaxIdleTime, defaults.Pool.MaxIdleTime),
		},
		History: &HistoryConfig{
			Disabled: zeroOr(historyCfg.Disabled, defaults.History.Disabled),
			Path:     zeroOr(historyCfg.Path, defaults.History.Path),
		},
	}, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvTimeout, err)
		}
		cfg.Timeout = d
	}

	if v, ok := os.LookupEnv(EnvUserAgent); ok && v != "" {
		cfg.UserAgent = v
	}

	if v, ok := os.LookupEnv(EnvMaxIdlePerHost); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxIdlePerHost, err)
		}
		cfg.Pool.MaxIdlePerHost = n
	}

	if v, ok := os.LookupEnv(EnvMaxIdleTime); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxIdleTime, err)
		}
		cfg.Pool.MaxIdleTime = d
	}

	if v, ok := os.LookupEnv(EnvDebug); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDebug, err)
		}
		cfg.Debug = b
	}

	return nil
}

func DefaultConfig() Config {
	return Config{
		Timeout:   requestTimeout,
		UserAgent: userAgent,
		Debug:     debugLogging,
		Pool: &PoolConfig{
			MaxIdlePerHost: maxIdlePerHost,
			MaxIdleTime:    maxIdleTime,
		},
		History: &HistoryConfig{
			Disabled: historyDisabled,
			Path:     historyPath,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
