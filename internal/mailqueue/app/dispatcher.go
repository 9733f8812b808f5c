package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
	"github.com/sealdesk/mailqueue/internal/mailqueue/provider"
	"github.com/sealdesk/mailqueue/internal/mailqueue/repository"
)

// DispatcherConfig holds the tuning knobs for one dispatcher instance.
// Batch size and concurrency are configuration because throughput vs.
// provider rate limits is a deployment trade-off.
type DispatcherConfig struct {
	BatchSize              int
	MaxConcurrent          int
	LeaseDuration          time.Duration
	PollInterval           time.Duration
	SendTimeout            time.Duration
	RetentionTTL           time.Duration
	RetentionSweepInterval time.Duration
}

// Dispatcher is the delivery engine: it reclaims expired leases, claims due
// messages, sends them through the registered backends with bounded
// parallelism and applies the retry policy. Multiple dispatcher instances may
// run against the same store; the lease protocol keeps them from
// double-sending.
type Dispatcher struct {
	repo     repository.MessageRepository
	registry *provider.Registry
	backoff  *BackoffPolicy
	logger   *slog.Logger
	cfg      DispatcherConfig
	workerID string
	wake     chan struct{}
}

func NewDispatcher(
	repo repository.MessageRepository,
	registry *provider.Registry,
	backoffPolicy *BackoffPolicy,
	logger *slog.Logger,
	cfg DispatcherConfig,
) *Dispatcher {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "dispatcher"
	}
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	return &Dispatcher{
		repo:     repo,
		registry: registry,
		backoff:  backoffPolicy,
		logger:   logger.With("component", "dispatcher", "worker_id", workerID),
		cfg:      cfg,
		workerID: workerID,
		wake:     make(chan struct{}, 1),
	}
}

// WorkerID identifies this instance in lease rows.
func (d *Dispatcher) WorkerID() string { return d.workerID }

// Wake asks the dispatcher to poll immediately instead of waiting for the
// next tick. Non-blocking; a pending wake coalesces with later ones.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the poll loop until ctx is cancelled. Per-record failures never
// stop the loop; only storage unavailability during reclaim/claim pauses the
// cycle, with exponential retry at the loop level.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting",
		"batch_size", d.cfg.BatchSize,
		"max_concurrent", d.cfg.MaxConcurrent,
		"poll_interval", d.cfg.PollInterval,
		"lease_duration", d.cfg.LeaseDuration)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	var retentionCh <-chan time.Time
	if d.cfg.RetentionTTL > 0 && d.cfg.RetentionSweepInterval > 0 {
		retentionTicker := time.NewTicker(d.cfg.RetentionSweepInterval)
		defer retentionTicker.Stop()
		retentionCh = retentionTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			d.cycleWithStorageRetry(ctx)
		case <-d.wake:
			d.cycleWithStorageRetry(ctx)
		case <-retentionCh:
			d.retentionSweep(ctx)
		}
	}
}

// cycleWithStorageRetry runs one cycle and, when the store is unreachable,
// keeps retrying with exponential pauses instead of burning poll ticks
// against a dead database.
func (d *Dispatcher) cycleWithStorageRetry(ctx context.Context) {
	operation := func() error {
		_, err := d.RunCycle(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrStorageUnavailable) {
			return err
		}
		// Anything else was already isolated and logged per record.
		return backoff.Permanent(err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 0

	err := backoff.RetryNotify(operation, backoff.WithContext(expo, ctx), func(err error, next time.Duration) {
		dispatchCyclesCounter.WithLabelValues("storage_error").Inc()
		d.logger.ErrorContext(ctx, "storage unavailable, pausing dispatch cycle", "error", err, "retry_in", next)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.ErrorContext(ctx, "dispatch cycle failed", "error", err)
	}
}

// RunCycle performs a single reclaim/claim/deliver pass and returns the
// number of messages claimed.
func (d *Dispatcher) RunCycle(ctx context.Context) (int, error) {
	reclaimed, err := d.repo.ReclaimExpiredLeases(ctx)
	if err != nil {
		return 0, fmt.Errorf("reclaim step: %w", err)
	}
	if reclaimed > 0 {
		reclaimedLeasesCounter.Add(float64(reclaimed))
		d.logger.InfoContext(ctx, "reclaimed expired leases", "count", reclaimed)
	}

	messages, err := d.repo.ClaimBatch(ctx, d.cfg.BatchSize, d.workerID, d.cfg.LeaseDuration)
	if err != nil {
		return 0, fmt.Errorf("claim step: %w", err)
	}

	dispatchCyclesCounter.WithLabelValues("ok").Inc()
	d.refreshQueueDepth(ctx)

	if len(messages) == 0 {
		return 0, nil
	}
	messagesClaimedCounter.Add(float64(len(messages)))
	d.logger.InfoContext(ctx, "claimed messages for delivery", "count", len(messages))

	// Bounded-parallelism worker pool: at most MaxConcurrent sends in flight.
	sem := make(chan struct{}, d.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for _, msg := range messages {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown mid-batch: unclaimed sends are abandoned and their
			// leases will expire and be reclaimed.
			wg.Wait()
			return len(messages), nil
		}
		wg.Add(1)
		go func(m *domain.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			d.deliver(ctx, m)
		}(msg)
	}
	wg.Wait()

	return len(messages), nil
}

// deliver runs one delivery attempt for one claimed message and persists the
// outcome. Errors here are isolated to the record.
func (d *Dispatcher) deliver(ctx context.Context, msg *domain.Message) {
	logger := d.logger.With("message_id", msg.ID, "kind", msg.Kind, "attempt", msg.Attempts+1)

	backend, err := d.registry.Select(msg.Kind)
	if err != nil {
		d.recordFailure(ctx, logger, msg, "registry", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	timer := prometheus.NewTimer(sendDurationHist.WithLabelValues(backend.GetName()))
	receipt, sendErr := backend.Send(sendCtx, msg.Kind, msg.Payload)
	timer.ObserveDuration()

	if sendErr == nil {
		if receipt == nil {
			receipt = &provider.SendReceipt{}
		}
		if err := d.repo.MarkSent(ctx, msg.ID, d.workerID); err != nil {
			d.handleMarkError(ctx, logger, backend.GetName(), err)
			return
		}
		deliveryOutcomesCounter.WithLabelValues(backend.GetName(), "sent").Inc()
		logger.InfoContext(ctx, "message delivered", "backend", backend.GetName(), "provider_message_id", receipt.ProviderMessageID)
		return
	}

	if ctx.Err() != nil {
		// Shutdown, not a delivery verdict. Leave the lease to expire so the
		// attempt is presumed lost rather than counted as failed.
		logger.WarnContext(ctx, "send interrupted by shutdown", "error", sendErr)
		return
	}

	d.recordFailure(ctx, logger, msg, backend.GetName(), sendErr)
}

// recordFailure applies the retry policy for a failed attempt. Permanent
// failures skip remaining retries; everything else, including send timeouts,
// is treated as transient.
func (d *Dispatcher) recordFailure(ctx context.Context, logger *slog.Logger, msg *domain.Message, backendName string, sendErr error) {
	if provider.IsPermanent(sendErr) {
		logger.ErrorContext(ctx, "permanent delivery failure", "backend", backendName, "error", sendErr)
		if err := d.repo.MarkFailed(ctx, msg.ID, d.workerID, sendErr.Error(), nil); err != nil {
			d.handleMarkError(ctx, logger, backendName, err)
			return
		}
		deliveryOutcomesCounter.WithLabelValues(backendName, "failed").Inc()
		return
	}

	delay := d.backoff.NextDelay(msg.Attempts + 1)
	logger.WarnContext(ctx, "transient delivery failure", "backend", backendName, "error", sendErr, "retry_delay", delay)
	if err := d.repo.MarkFailed(ctx, msg.ID, d.workerID, sendErr.Error(), &delay); err != nil {
		d.handleMarkError(ctx, logger, backendName, err)
		return
	}
	if msg.Attempts+1 >= msg.MaxAttempts {
		deliveryOutcomesCounter.WithLabelValues(backendName, "failed").Inc()
	} else {
		deliveryOutcomesCounter.WithLabelValues(backendName, "retry").Inc()
	}
}

// handleMarkError deals with failures persisting an outcome. A lease mismatch
// is a benign race (the lease expired and another worker took over): log and
// drop. Storage errors also only log; the record's lease will expire and the
// attempt is presumed lost.
func (d *Dispatcher) handleMarkError(ctx context.Context, logger *slog.Logger, backendName string, err error) {
	switch {
	case errors.Is(err, domain.ErrLeaseMismatch):
		deliveryOutcomesCounter.WithLabelValues(backendName, "lease_lost").Inc()
		logger.WarnContext(ctx, "lease lost before outcome could be recorded", "error", err)
	case errors.Is(err, domain.ErrNotFound):
		logger.WarnContext(ctx, "message vanished before outcome could be recorded", "error", err)
	default:
		logger.ErrorContext(ctx, "failed to persist delivery outcome", "error", err)
	}
}

func (d *Dispatcher) retentionSweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.cfg.RetentionTTL)
	pruned, err := d.repo.PruneTerminal(ctx, cutoff)
	if err != nil {
		d.logger.ErrorContext(ctx, "retention sweep failed", "error", err)
		return
	}
	if pruned > 0 {
		prunedMessagesCounter.Add(float64(pruned))
		d.logger.InfoContext(ctx, "pruned terminal messages", "count", pruned, "older_than", cutoff)
	}
}

func (d *Dispatcher) refreshQueueDepth(ctx context.Context) {
	counts, err := d.repo.CountByStatus(ctx)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to refresh queue depth metrics", "error", err)
		return
	}
	for status, count := range counts {
		queueDepthGauge.WithLabelValues(string(status)).Set(float64(count))
	}
}
