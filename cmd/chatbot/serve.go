package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/PushpalPatil/ChatBot/internal/api"
	"github.com/PushpalPatil/ChatBot/internal/backend"
	"github.com/PushpalPatil/ChatBot/internal/cache"
	"github.com/PushpalPatil/ChatBot/internal/config"
	"github.com/PushpalPatil/ChatBot/internal/server"
	"github.com/PushpalPatil/ChatBot/internal/store"
	"github.com/PushpalPatil/ChatBot/internal/telemetry"
)

type ServeFlags struct {
	Addr      string
	DBDriver  string
	DBDSN     string
	DBPath    string
	Cache     string
	RedisAddr string
}

func (f *ServeFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.Addr, "addr", "", "Listen address, e.g. :8080")
	fs.StringVar(&f.DBDriver, "db-driver", "", "Database driver (sqlite3|postgres)")
	fs.StringVar(&f.DBDSN, "db-dsn", "", "Database connection string")
	fs.StringVar(&f.DBPath, "db-path", "", "SQLite database file")
	fs.StringVar(&f.Cache, "cache", "", "Reply cache (none|memory|redis)")
	fs.StringVar(&f.RedisAddr, "redis-addr", "", "Redis address for the reply cache")
}

func (f *ServeFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	set := func(name, v string, dst *string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("addr", f.Addr, &cfg.Server.Addr)
	set("db-driver", f.DBDriver, &cfg.Database.Driver)
	set("db-dsn", f.DBDSN, &cfg.Database.DSN)
	set("db-path", f.DBPath, &cfg.Database.Path)
	set("cache", f.Cache, &cfg.Cache.Kind)
	set("redis-addr", f.RedisAddr, &cfg.Cache.RedisAddr)
}

func init() {
	f := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(c *config.Config) { f.apply(cmd.Flags(), c) })
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	f.BindFlags(cmd.Flags())
	rootCmd.AddCommand(cmd)
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, logCloser, err := telemetry.InitLogger(cfg.Log, cfg.Debug)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	tel, err := telemetry.InitTelemetry(ctx, cfg.Telemetry, cfg.Log.Dir)
	if err != nil {
		logger.Warn("failed to initialize telemetry, continuing without it", "error", err)
		tel = telemetry.Noop()
	}
	defer tel.Shutdown()

	st, err := store.Open(ctx, cfg.Database, store.WithLogger(logger), store.WithTelemetry(tel))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	provider, err := backend.NewProvider(cfg, http.DefaultClient)
	if err != nil {
		return err
	}
	provider, closeCache, err := withCache(ctx, cfg.Cache, provider, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	gw := backend.NewService(provider, cfg.ModelFor(), cfg.SystemPrompt, logger, tel)
	svc := api.NewService(st, logger)

	logger.Info("chat server configured",
		"backend", cfg.Backend,
		"model", cfg.ModelFor(),
		"database", cfg.Database.Driver,
		"cache", cfg.Cache.Kind)
	return server.New(cfg.Server, gw, svc, logger, tel).Run(ctx)
}

func withCache(ctx context.Context, cfg config.CacheConfig, p backend.Provider, logger *slog.Logger) (backend.Provider, func(), error) {
	switch cfg.Kind {
	case config.CacheMemory:
		return cache.Wrap(p, cache.NewMemoryStore(), cfg.TTL, logger), func() {}, nil
	case config.CacheRedis:
		rs, err := cache.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return cache.Wrap(p, rs, cfg.TTL, logger), func() { _ = rs.Close() }, nil
	default:
		return p, func() {}, nil
	}
}
