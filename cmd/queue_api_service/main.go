package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sealdesk/mailqueue/internal/mailqueue/app"
	"github.com/sealdesk/mailqueue/internal/mailqueue/repository/postgres"
	"github.com/sealdesk/mailqueue/internal/platform/config"
	"github.com/sealdesk/mailqueue/internal/platform/database"
	"github.com/sealdesk/mailqueue/internal/platform/logger"
	"github.com/sealdesk/mailqueue/internal/platform/messagebroker"
	httptransport "github.com/sealdesk/mailqueue/internal/queueapi/transport/http"
)

const serviceName = "queue-api-service"

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Queue API service starting...", "log_level", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		appLogger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	dbPool, err := database.NewDBPool(mainCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Connected to PostgreSQL")

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("Connected to NATS")

	messageRepo := postgres.NewPgMessageRepository(dbPool, appLogger)
	queueService := app.NewQueueService(messageRepo, natsClient, appLogger, cfg.RetryMaxAttempts)

	validate := validator.New()
	messageHandler := httptransport.NewMessageHandler(queueService, appLogger, validate)
	adminHandler := httptransport.NewAdminHandler(queueService, appLogger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(httptransport.PrometheusMetricsMiddleware)

	r.Route("/api/v1", func(api chi.Router) {
		messageHandler.RegisterRoutes(api)
		adminHandler.RegisterRoutes(api)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.QueueAPIPort),
		Handler: r,
	}
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: promhttp.Handler(),
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		appLogger.Info("Queue API listening", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		appLogger.Info("Metrics server listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("API server shutdown error", "error", err)
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quitChan:
		appLogger.Info("Shutdown signal received", "signal", sig.String())
		mainCancel()
	case <-groupCtx.Done():
		appLogger.Warn("Service stopping due to component failure")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Queue API service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Queue API service shut down cleanly")
}
