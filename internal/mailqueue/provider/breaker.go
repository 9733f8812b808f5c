package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
)

// BreakerSettings configures the circuit breaker around a backend.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker open.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a probe.
	ResetTimeout time.Duration
}

// BreakerBackend wraps a DeliveryBackend with a circuit breaker. While the
// breaker is open every Send fails fast with a transient error, so the
// message returns to the queue with backoff instead of hammering a provider
// that is already struggling. Permanent failures do not count against the
// breaker: the provider answered, the message was just bad.
type BreakerBackend struct {
	inner   DeliveryBackend
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerBackend(logger *slog.Logger, inner DeliveryBackend, settings BreakerSettings) *BreakerBackend {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.GetName(),
		MaxRequests: 1,
		Timeout:     settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(settings.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("delivery backend circuit breaker state changed",
				"backend", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerBackend{inner: inner, breaker: cb}
}

func (b *BreakerBackend) GetName() string { return b.inner.GetName() }

func (b *BreakerBackend) Send(ctx context.Context, kind domain.Kind, payload json.RawMessage) (*SendReceipt, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		receipt, sendErr := b.inner.Send(ctx, kind, payload)
		if sendErr != nil && IsPermanent(sendErr) {
			// Report success to the breaker but keep the error for the caller.
			return permanentOutcome{err: sendErr}, nil
		}
		return receipt, sendErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, Transientf("backend %q circuit breaker open", b.inner.GetName())
		}
		return nil, err
	}
	if po, ok := result.(permanentOutcome); ok {
		return nil, po.err
	}
	if receipt, ok := result.(*SendReceipt); ok {
		return receipt, nil
	}
	return nil, nil
}

type permanentOutcome struct {
	err error
}
