package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledger/internal/config"
	"github.com/roach88/ledger/internal/ledger"
	"github.com/roach88/ledger/internal/shard"
	"github.com/roach88/ledger/internal/store/memory"
	"github.com/roach88/ledger/internal/store/postgres"
	"github.com/roach88/ledger/internal/store/redis"
	"github.com/roach88/ledger/internal/store/sqlite"
)

// Backend is a Record Store usable by both components.
type Backend interface {
	ledger.Store
	shard.Store
	Close() error
}

// Opener connects a Backend described by the store configuration.
type Opener func(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Backend, error)

// backends is the registry consulted by --backend and store.backend.
var backends = map[string]Opener{
	"memory": func(context.Context, config.StoreConfig, *slog.Logger) (Backend, error) {
		return memory.New(), nil
	},
	"sqlite": func(_ context.Context, cfg config.StoreConfig, _ *slog.Logger) (Backend, error) {
		return sqlite.Open(cfg.SQLitePath)
	},
	"postgres": func(ctx context.Context, cfg config.StoreConfig, _ *slog.Logger) (Backend, error) {
		return postgres.Open(ctx, cfg.PostgresURL)
	},
	"redis": func(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Backend, error) {
		return redis.Open(ctx, cfg.RedisURL, redis.WithLogger(logger))
	},
}

// BackendNames returns the registered backend names, sorted.
func BackendNames() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func openBackend(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Backend, error) {
	open, ok := backends[cfg.Backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q: must be one of %s", cfg.Backend, strings.Join(BackendNames(), ", "))
	}
	b, err := open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}
	return b, nil
}

// env is everything a command needs once configuration is resolved.
type env struct {
	cfg    *config.Config
	store  Backend
	ledger *ledger.Ledger
	shards *shard.Service
	logger *slog.Logger
	out    *OutputFormatter
}

func (e *env) Close() error {
	return e.store.Close()
}

// resolveConfig layers the config file, the environment and the global
// flags, then validates the result.
func (o *RootOptions) resolveConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg, os.Getenv); err != nil {
		return nil, err
	}

	if o.Backend != "" {
		cfg.Store.Backend = o.Backend
	}
	if o.Database != "" {
		switch cfg.Store.Backend {
		case "sqlite":
			cfg.Store.SQLitePath = o.Database
		case "postgres":
			cfg.Store.PostgresURL = o.Database
		case "redis":
			cfg.Store.RedisURL = o.Database
		}
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEnv resolves configuration and opens the configured backend. The
// caller must Close the returned env.
func (o *RootOptions) openEnv(cmd *cobra.Command) (*env, error) {
	out := &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}

	cfg, err := o.resolveConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configuration", err)
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())

	st, err := openBackend(cmd.Context(), cfg.Store, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	logger.Debug("store opened", slog.String("backend", cfg.Store.Backend))

	return &env{
		cfg:   cfg,
		store: st,
		ledger: ledger.New(st,
			ledger.WithLogger(logger),
		),
		shards: shard.New(st,
			shard.WithLogger(logger),
			shard.WithDefaultShards(cfg.Accounting.ShardCount),
			shard.WithKindGuard(cfg.Accounting.GuardKeyKinds),
		),
		logger: logger,
		out:    out,
	}, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
