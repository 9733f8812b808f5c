package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
)

// FallbackChain tries an ordered list of backends within a single delivery
// attempt. The next backend is consulted only on a transient failure: a
// permanent failure means the message itself is bad and no provider will take
// it, so it short-circuits.
type FallbackChain struct {
	logger   *slog.Logger
	backends []DeliveryBackend
	name     string
}

func NewFallbackChain(logger *slog.Logger, backends ...DeliveryBackend) *FallbackChain {
	if len(backends) == 0 {
		panic("provider: fallback chain requires at least one backend")
	}
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.GetName()
	}
	return &FallbackChain{
		logger:   logger.With("backend", "fallback_chain"),
		backends: backends,
		name:     "fallback(" + strings.Join(names, ",") + ")",
	}
}

func (c *FallbackChain) GetName() string { return c.name }

func (c *FallbackChain) Send(ctx context.Context, kind domain.Kind, payload json.RawMessage) (*SendReceipt, error) {
	var lastErr error
	for i, backend := range c.backends {
		receipt, err := backend.Send(ctx, kind, payload)
		if err == nil {
			return receipt, nil
		}
		if IsPermanent(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			// Out of time for this attempt; do not burn the remaining
			// backends against a dead context.
			return nil, err
		}
		lastErr = err
		if i < len(c.backends)-1 {
			c.logger.WarnContext(ctx, "backend failed transiently, trying next",
				"failed_backend", backend.GetName(), "error", err)
		}
	}
	return nil, fmt.Errorf("all backends failed: %w", lastErr)
}
