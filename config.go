package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Storage  StorageConfig  `yaml:"storage" toml:"storage"`
	Log      LogConfig      `yaml:"log" toml:"log"`
	Tracing  TracingConfig  `yaml:"tracing" toml:"tracing"`
	Grouping GroupingConfig `yaml:"grouping" toml:"grouping"`
	Import   ImportConfig   `yaml:"import" toml:"import"`
}

type ServerConfig struct {
	Addr       string `yaml:"addr" toml:"addr"`
	CORSOrigin string `yaml:"cors_origin" toml:"cors_origin"`
}

type StorageConfig struct {
	Kind       string      `yaml:"kind" toml:"kind"` // memory | csv | sqlite | redis
	DataDir    string      `yaml:"data_dir" toml:"data_dir"`
	SQLitePath string      `yaml:"sqlite_path" toml:"sqlite_path"` // defaults to <data_dir>/options.db
	Redis      RedisConfig `yaml:"redis" toml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // json | console
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

type GroupingConfig struct {
	// AutoRegroup reruns the grouping after every position mutation made over HTTP.
	AutoRegroup bool `yaml:"auto_regroup" toml:"auto_regroup"`
}

type ImportConfig struct {
	// Timezone the broker export's timestamps are written in.
	Timezone string `yaml:"timezone" toml:"timezone"`
}

const (
	RepoMemory = "memory"
	RepoCSV    = "csv"
	RepoSQLite = "sqlite"
	RepoRedis  = "redis"
)

func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:       ":8080",
			CORSOrigin: "*",
		},
		Storage: StorageConfig{
			Kind:    RepoCSV,
			DataDir: "./data",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "options",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Import: ImportConfig{
			Timezone: "America/New_York",
		},
	}
}

// LoadConfig applies, in order: defaults, the config file (path, or CONFIG_FILE),
// .env, then environment variables. CLI flags are applied by the caller.
func LoadConfig(path string) (*Config, error) {
	// .env is optional; variables already set in the environment win
	_ = godotenv.Load()

	cfg := NewDefaultConfig()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, c)
	case ".toml":
		err = toml.Unmarshal(b, c)
	default:
		return fmt.Errorf("config %s: unsupported extension (use .yaml, .yml or .toml)", path)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) error {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	setString("LISTEN_ADDR", &c.Server.Addr)
	setString("CORS_ORIGIN", &c.Server.CORSOrigin)
	setString("REPO_KIND", &c.Storage.Kind)
	setString("DATA_DIR", &c.Storage.DataDir)
	setString("SQLITE_PATH", &c.Storage.SQLitePath)
	setString("REDIS_ADDR", &c.Storage.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Storage.Redis.Password)
	setString("REDIS_PREFIX", &c.Storage.Redis.Prefix)
	setString("LOG_LEVEL", &c.Log.Level)
	setString("LOG_FORMAT", &c.Log.Format)
	setString("IMPORT_TZ", &c.Import.Timezone)

	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Storage.Redis.DB = n
	}
	if err := setBool("TRACING_ENABLED", &c.Tracing.Enabled); err != nil {
		return err
	}
	if err := setBool("AUTO_REGROUP", &c.Grouping.AutoRegroup); err != nil {
		return err
	}
	return nil
}

// Validate normalizes enum-like fields and rejects values nothing can serve.
func (c *Config) Validate() error {
	var errs []error

	c.Storage.Kind = strings.ToLower(strings.TrimSpace(c.Storage.Kind))
	switch c.Storage.Kind {
	case RepoMemory, RepoCSV, RepoSQLite, RepoRedis:
	default:
		errs = append(errs, fmt.Errorf("storage.kind %q (use memory|csv|sqlite|redis)", c.Storage.Kind))
	}
	if c.Storage.Kind == RepoSQLite && c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.DataDir, "options.db")
	}
	if c.Storage.Kind == RepoRedis && c.Storage.Redis.Addr == "" {
		errs = append(errs, errors.New("storage.redis.addr is required for the redis backend"))
	}

	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "text":
		c.Log.Format = "console"
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q (use json|console)", c.Log.Format))
	}

	if _, err := time.LoadLocation(c.Import.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("import.timezone %q: %w", c.Import.Timezone, err))
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	return errors.Join(errs...)
}

// Location returns the import time zone; Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Import.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
