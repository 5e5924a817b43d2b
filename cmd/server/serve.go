package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/koopa0/system-design/14-multi-level-cache/internal/cache"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/config"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/guard"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/handler"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/metrics"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/migrations"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/policy"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/tier"
	"github.com/koopa0/system-design/14-multi-level-cache/internal/user"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, log)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", true, "apply pending database migrations before serving")
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// 連接 PostgreSQL
	pgPool, err := connectPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer pgPool.Close()

	if autoMigrate {
		if err := runMigrations(cfg, log, (*migrations.Migrator).Up); err != nil {
			return err
		}
	}

	// 連接 Redis（可停用，此時只剩本地層）
	var remote *tier.Remote
	if cfg.Redis.Enabled {
		redisClient, err := connectRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		remote = tier.NewRemote(redisClient,
			tier.WithPrefix(cfg.Redis.KeyPrefix),
			tier.WithTimeout(cfg.Redis.OpTimeout),
		)
	} else {
		log.Warn("redis disabled, running with the local tier only")
	}

	registry, err := newRegistry(cfg, pgPool, log)
	if err != nil {
		return err
	}

	local := tier.NewLocal(
		tier.WithShards(cfg.Cache.LocalShards),
		tier.WithSweepInterval(cfg.Cache.SweepInterval),
		tier.WithSegmentPolicy(cache.LocalSegments(registry)),
	)
	defer local.Close()

	g := guard.New()
	opts := []cache.Option{
		cache.WithLocal(local),
		cache.WithGuard(g),
		cache.WithLogger(log),
	}
	if remote != nil {
		opts = append(opts, cache.WithRemote(remote))
	}

	handlerOpts := []handler.Option{handler.WithReadiness("postgres", pgPool)}
	if remote != nil {
		handlerOpts = append(handlerOpts, handler.WithReadiness("redis", remote))
	}

	if cfg.Metrics.Enabled {
		m, err := metrics.New()
		if err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}
		defer func() {
			if err := m.Shutdown(context.Background()); err != nil {
				log.Error("failed to shutdown metrics", "error", err)
			}
		}()
		if err := m.ObserveGuard(g); err != nil {
			return fmt.Errorf("observe guard: %w", err)
		}
		opts = append(opts, cache.WithMetrics(m))
		handlerOpts = append(handlerOpts, handler.WithMetrics(cfg.Metrics.Path, m.Handler()))
	}

	orch := cache.New(registry, opts...)
	users := user.NewService(user.NewRepository(pgPool), orch, log)
	h := handler.NewHandler(users, orch, log, handlerOpts...)

	// 設定 HTTP 伺服器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server", "port", cfg.Server.Port, "policy_source", cfg.Cache.PolicySource)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			// 強制關閉伺服器
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("failed to force close server", "error", closeErr)
			}
		}

		// 等待背景刷新任務寫完
		orch.Close()
	}

	log.Info("server stopped")
	return nil
}

// newRegistry 建立策略註冊表
//
// policy_source=postgres 時先查 cache_policies 表，再查配置檔。
func newRegistry(cfg *config.Config, pool *pgxpool.Pool, log *slog.Logger) (*policy.Registry, error) {
	configured, err := cfg.Cache.Policies()
	if err != nil {
		return nil, err
	}

	var source policy.Source = policy.StaticSource(configured)
	if cfg.Cache.PolicySource == "postgres" {
		source = policy.ChainSource{policy.NewPostgresSource(pool), policy.StaticSource(configured)}
	}
	return policy.NewRegistry(cfg.Cache.Defaults, source, log), nil
}

// connectPostgres 建立連線池並確認可連線
func connectPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pgConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pgConfig.MaxConns = cfg.Postgres.MaxConns
	pgConfig.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// connectRedis 建立 Redis 客戶端並確認可連線
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
