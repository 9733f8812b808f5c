package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
)

// MockBackend is a scriptable backend for tests and local runs.
type MockBackend struct {
	logger *slog.Logger

	// SendErr, when non-nil, is returned from every Send call.
	SendErr error
	// SimulatedDelay adds artificial latency before each outcome.
	SimulatedDelay time.Duration
}

func NewMockBackend(logger *slog.Logger) *MockBackend {
	return &MockBackend{logger: logger.With("backend", "mock")}
}

func (b *MockBackend) GetName() string { return "mock" }

func (b *MockBackend) Send(ctx context.Context, kind domain.Kind, payload json.RawMessage) (*SendReceipt, error) {
	if b.SimulatedDelay > 0 {
		select {
		case <-time.After(b.SimulatedDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if b.SendErr != nil {
		b.logger.WarnContext(ctx, "mock backend returning scripted failure", "kind", kind, "error", b.SendErr)
		return nil, b.SendErr
	}

	receipt := &SendReceipt{
		ProviderMessageID: "mock-" + uuid.NewString(),
		ProviderStatus:    "MOCK_OK",
	}
	b.logger.InfoContext(ctx, "mock backend accepted message", "kind", kind, "provider_message_id", receipt.ProviderMessageID)
	return receipt, nil
}
