// Package config loads ledger configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// LEDGER_* environment variables. The CLI applies its flags on top and
// calls Validate, which checks the result against an embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// DefaultPath is the file Load reads when no path is given.
const DefaultPath = "ledger.yaml"

// Environment variables that override file values.
const (
	EnvBackend     = "LEDGER_BACKEND"
	EnvSQLitePath  = "LEDGER_SQLITE_PATH"
	EnvPostgresURL = "LEDGER_POSTGRES_URL"
	EnvRedisURL    = "LEDGER_REDIS_URL"
	EnvLogLevel    = "LEDGER_LOG_LEVEL"
	EnvShardCount  = "LEDGER_SHARD_COUNT"
)

// Config holds the top-level configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" json:"store"`
	Accounting AccountingConfig `yaml:"accounting" json:"accounting"`
	Log        LogConfig        `yaml:"log" json:"log"`
	Sweep      SweepConfig      `yaml:"sweep" json:"sweep"`
}

// StoreConfig selects and locates the Record Store backend.
type StoreConfig struct {
	Backend     string `yaml:"backend" json:"backend"` // memory | sqlite | postgres | redis
	SQLitePath  string `yaml:"sqlite_path" json:"sqlite_path"`
	PostgresURL string `yaml:"postgres_url" json:"postgres_url"`
	RedisURL    string `yaml:"redis_url" json:"redis_url"`
}

// AccountingConfig holds sharded accounting settings.
type AccountingConfig struct {
	ShardCount    int  `yaml:"shard_count" json:"shard_count"`
	GuardKeyKinds bool `yaml:"guard_key_kinds" json:"guard_key_kinds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // text | json
}

// SweepConfig holds stale-step sweeper settings.
type SweepConfig struct {
	Schedule   string `yaml:"schedule" json:"schedule"` // cron spec or @every descriptor
	StaleAfter string `yaml:"stale_after" json:"stale_after"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "ledger.db",
		},
		Accounting: AccountingConfig{
			ShardCount: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sweep: SweepConfig{
			Schedule:   "@every 1m",
			StaleAfter: "15m",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path reads
// DefaultPath if it exists and falls back to defaults otherwise.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any LEDGER_* variables getenv returns.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvBackend); v != "" {
		cfg.Store.Backend = v
	}
	if v := getenv(EnvSQLitePath); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := getenv(EnvPostgresURL); v != "" {
		cfg.Store.PostgresURL = v
	}
	if v := getenv(EnvRedisURL); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := getenv(EnvShardCount); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvShardCount, err)
		}
		cfg.Accounting.ShardCount = n
	}
	return nil
}

// Validate checks cfg against the embedded schema and the sweep settings
// the schema cannot express.
func Validate(cfg *Config) error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	def := schema.LookupPath(cue.ParsePath("#Config"))
	value := def.Unify(cctx.Encode(cfg))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := cron.ParseStandard(cfg.Sweep.Schedule); err != nil {
		return fmt.Errorf("invalid config: sweep.schedule: %w", err)
	}
	if _, err := cfg.Sweep.StaleAfterDuration(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// StaleAfterDuration parses StaleAfter.
func (s SweepConfig) StaleAfterDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.StaleAfter)
	if err != nil {
		return 0, fmt.Errorf("sweep.stale_after: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("sweep.stale_after must be positive, got %s", d)
	}
	return d, nil
}

// SlogLevel maps Level to a slog level; unknown values map to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
