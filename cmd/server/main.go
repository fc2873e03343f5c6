// Package main is the entry point for the platform API server: the RPC
// surface, health endpoints, metrics, and the scheduled expiry sweeps.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhealth/platform/internal/config"
	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/internal/queue"
	"github.com/meridianhealth/platform/internal/rpc"
	"github.com/meridianhealth/platform/internal/sweeper"
	"github.com/meridianhealth/platform/pkg/health"
	"github.com/meridianhealth/platform/pkg/logger"
	"github.com/meridianhealth/platform/pkg/redis"
)

func main() {
	log := logger.New(logger.Config{
		Environment: os.Getenv("APP_ENV"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		ServiceName: "platform-server",
	})
	defer func() {
		if err := log.Sync(); err != nil {
			log.Warn("failed to sync logger", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		log.Fatal("failed to ping database", zap.Error(err))
	}

	var cache *redis.Cache
	redisClient, err := redis.NewClient(redis.Config{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
	}, log)
	if err != nil {
		log.Warn("redis unavailable, running without read-aside cache", zap.Error(err))
	} else {
		defer redisClient.Close()
		cache = redis.NewCache(redisClient, cfg.AppName)
	}

	engine := projection.NewEngine(log)
	store := eventstore.New(db, engine, log)
	if cache != nil {
		store.AddPostProjectionHook(rpc.CacheInvalidationHook(cache, log))
	}

	readRepo := rpc.NewReadRepo(db, cache, log)
	queueRepo := queue.NewRepo(db, log)
	server := rpc.NewServer(store, readRepo, queueRepo, engine, cfg.JWTSecret, log)

	checker := health.NewChecker()
	checker.Register(health.NewDatabaseCheck("postgres", db))
	if redisClient != nil && cache != nil {
		checker.Register(health.NewPingCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	sweep := sweeper.New(db, store, log)
	if err := sweep.Start(ctx); err != nil {
		log.Fatal("failed to start sweeper", zap.Error(err))
	}
	defer sweep.Stop()

	mux := http.NewServeMux()
	mux.Handle("/api/", server.Router())
	mux.HandleFunc("/healthz", checker.Handler())

	appServer := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api server listening", zap.String("port", cfg.AppPort))
		if err := appServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("metrics server listening", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := appServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("api server shutdown failed", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
	log.Info("server stopped")
}
