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

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sealdesk/mailqueue/internal/mailqueue/app"
	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
	"github.com/sealdesk/mailqueue/internal/mailqueue/provider"
	"github.com/sealdesk/mailqueue/internal/mailqueue/repository/postgres"
	"github.com/sealdesk/mailqueue/internal/platform/config"
	"github.com/sealdesk/mailqueue/internal/platform/database"
	"github.com/sealdesk/mailqueue/internal/platform/logger"
	"github.com/sealdesk/mailqueue/internal/platform/messagebroker"
)

const (
	serviceName   = "dispatcher-service"
	wakeSubject   = app.SubjectMessageEnqueued
	wakeQueueName = "mailqueue_dispatchers"
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("Dispatcher service starting...", "log_level", cfg.LogLevel)

	// Invalid limits are fatal before any work is accepted.
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
	registry, err := buildRegistry(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to build delivery backend registry", "error", err)
		os.Exit(1)
	}

	backoffPolicy := app.NewBackoffPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	dispatcher := app.NewDispatcher(messageRepo, registry, backoffPolicy, appLogger, app.DispatcherConfig{
		BatchSize:              cfg.DispatcherBatchSize,
		MaxConcurrent:          cfg.DispatcherMaxConcurrent,
		LeaseDuration:          cfg.DispatcherLeaseDuration,
		PollInterval:           cfg.DispatcherPollInterval,
		SendTimeout:            cfg.DispatcherSendTimeout,
		RetentionTTL:           cfg.RetentionTTL,
		RetentionSweepInterval: cfg.RetentionSweepInterval,
	})
	appLogger.Info("Dispatcher initialized", "worker_id", dispatcher.WorkerID())

	// New enqueues wake the dispatcher so delivery does not wait a full tick.
	wakeSub, err := natsClient.Subscribe(wakeSubject, wakeQueueName, func(msg *nats.Msg) {
		dispatcher.Wake()
	})
	if err != nil {
		appLogger.Error("Failed to subscribe to wake subject", "error", err, "subject", wakeSubject)
		os.Exit(1)
	}
	defer func() {
		if wakeSub.IsValid() {
			_ = wakeSub.Unsubscribe()
		}
	}()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: promhttp.Handler(),
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		err := dispatcher.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
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
		appLogger.Error("Dispatcher service exited with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Dispatcher service shut down cleanly")
}

// buildRegistry wires the configured delivery backends per payload kind,
// applying the optional fallback chain and circuit breaker from config.
func buildRegistry(cfg *config.Config, appLogger *slog.Logger) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	newEmailBackend := func(name string) (provider.DeliveryBackend, error) {
		switch name {
		case "sendgrid":
			return provider.NewSendGridBackend(appLogger, cfg.SendGridAPIBaseURL, cfg.SendGridAPIKey,
				cfg.SendGridFromEmail, cfg.SendGridFromName, nil), nil
		case "mock":
			return provider.NewMockBackend(appLogger), nil
		default:
			return nil, fmt.Errorf("unknown email backend %q", name)
		}
	}

	wrap := func(backend provider.DeliveryBackend) provider.DeliveryBackend {
		if !cfg.BreakerEnabled {
			return backend
		}
		return provider.NewBreakerBackend(appLogger, backend, provider.BreakerSettings{
			FailureThreshold: cfg.BreakerFailureThreshold,
			ResetTimeout:     cfg.BreakerResetTimeout,
		})
	}

	primary, err := newEmailBackend(cfg.EmailBackend)
	if err != nil {
		return nil, err
	}
	emailBackend := wrap(primary)

	if cfg.EmailFallbackBackend != "" && cfg.EmailFallbackBackend != cfg.EmailBackend {
		secondary, err := newEmailBackend(cfg.EmailFallbackBackend)
		if err != nil {
			return nil, err
		}
		emailBackend = provider.NewFallbackChain(appLogger, emailBackend, wrap(secondary))
	}

	registry.Register(domain.KindEmail, emailBackend)
	registry.Register(domain.KindWebhook, wrap(provider.NewWebhookBackend(appLogger, nil)))
	return registry, nil
}
