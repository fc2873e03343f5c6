// Package main is the entry point for the bootstrap worker: it hosts the
// Temporal workflow worker and the queue claim loop that feeds it.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhealth/platform/internal/bootstrap"
	"github.com/meridianhealth/platform/internal/config"
	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/internal/provider/dns"
	"github.com/meridianhealth/platform/internal/provider/email"
	"github.com/meridianhealth/platform/internal/queue"
	"github.com/meridianhealth/platform/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{
		Environment: os.Getenv("APP_ENV"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		ServiceName: "platform-worker",
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

	engine := projection.NewEngine(log)
	store := eventstore.New(db, engine, log)

	var dnsProvider dns.Provider
	if cfg.DNSProviderURL != "" {
		dnsProvider = dns.NewHTTPProvider(cfg.DNSProviderURL, cfg.DNSProviderToken, log)
	} else {
		log.Warn("no DNS provider configured, using logging stub")
		dnsProvider = dns.NewLogProvider(log)
	}
	var emailProvider email.Provider
	if cfg.EmailProviderURL != "" {
		emailProvider = email.NewHTTPProvider(cfg.EmailProviderURL, cfg.EmailProviderToken, log)
	} else {
		log.Warn("no email provider configured, using logging stub")
		emailProvider = email.NewLogProvider(log)
	}

	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalHostPort,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		log.Fatal("failed to connect to temporal", zap.Error(err))
	}
	defer temporalClient.Close()

	dir := bootstrap.NewSQLDirectory(db)
	activities := bootstrap.NewActivities(store, dir, dnsProvider, emailProvider, cfg, log)

	temporalWorker := worker.New(temporalClient, cfg.TaskQueue, worker.Options{})
	bootstrap.Register(temporalWorker, activities)
	if err := temporalWorker.Start(); err != nil {
		log.Fatal("failed to start temporal worker", zap.Error(err))
	}
	defer temporalWorker.Stop()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	listener := queue.NewListener(cfg.DSN(), log)
	starter := bootstrap.NewTemporalStarter(temporalClient, cfg.TaskQueue, log)
	queueWorker := queue.NewWorker(workerID, queue.NewRepo(db, log), listener, starter, log)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("queue worker started", zap.String("worker_id", workerID))
		return queueWorker.Run(gctx)
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
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatal("worker exited with error", zap.Error(err))
	}
	log.Info("worker stopped")
}
