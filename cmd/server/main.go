package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/billexhk/POSONLINE-sub002/internal/cache"
	"github.com/billexhk/POSONLINE-sub002/internal/config"
	"github.com/billexhk/POSONLINE-sub002/internal/domain"
	"github.com/billexhk/POSONLINE-sub002/internal/httpapi"
	"github.com/billexhk/POSONLINE-sub002/internal/lock"
	"github.com/billexhk/POSONLINE-sub002/internal/logger"
	"github.com/billexhk/POSONLINE-sub002/internal/service"
	"github.com/billexhk/POSONLINE-sub002/internal/store"
	"github.com/billexhk/POSONLINE-sub002/internal/store/memory"
	pgstore "github.com/billexhk/POSONLINE-sub002/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	zl, err := logger.New(logger.Config{Development: cfg.IsDevelopment(), Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	zap.ReplaceGlobals(zl)

	if err := validateSecurityConfig(cfg); err != nil {
		zl.Fatal("invalid security configuration", zap.Error(err))
	}
	costing, err := domain.ParseCostingMethod(cfg.CostingMethod)
	if err != nil {
		zl.Fatal("invalid COSTING_METHOD", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			zl.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			zl.Fatal("apply schema", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		zl.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		zl.Info("repository: in-memory")
	}

	opts := service.Options{
		Logger:         zl,
		SummaryTTL:     time.Duration(cfg.SummaryCacheTTLSeconds) * time.Second,
		DefaultCosting: costing,
	}
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		summaries := cache.NewRedisSummaryCache(client)
		if err := summaries.Ping(ctx); err != nil {
			zl.Warn("redis unavailable, using noop cache and local locks", zap.Error(err))
			_ = client.Close()
		} else {
			opts.SummaryCache = summaries
			opts.Locker = lock.NewRedisLocker(client, 30*time.Second)
			closers = append(closers, summaries.Close)
			zl.Info("cache: redis")
		}
	} else {
		zl.Info("cache: noop")
	}

	svc := service.New(repo, opts)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, zl)
	api, err := httpapi.New(svc, auth, httpapi.Config{
		AllowedOrigin:  cfg.AllowedOrigin,
		LoginRateLimit: cfg.LoginRateLimit,
		Logger:         zl,
	})
	if err != nil {
		zl.Fatal("build api", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		zl.Info("POS backend listening", zap.String("addr", cfg.Address()), zap.String("costing", string(costing)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zl.Warn("close error", zap.Error(err))
		}
	}

	zl.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AllowedOrigin == "*" && !cfg.IsDevelopment() {
		return fmt.Errorf("ALLOWED_ORIGIN must not be a wildcard outside development")
	}
	return nil
}
