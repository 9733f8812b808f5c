package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
)

// WebhookBackend posts webhook payloads to the URL embedded in the payload.
// Classification mirrors the email backends: 2xx accepted, 408/429/5xx and
// transport errors transient, other 4xx permanent.
type WebhookBackend struct {
	logger     *slog.Logger
	httpClient *http.Client
}

func NewWebhookBackend(logger *slog.Logger, httpClient *http.Client) *WebhookBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookBackend{
		logger:     logger.With("backend", "webhook"),
		httpClient: httpClient,
	}
}

func (b *WebhookBackend) GetName() string { return "webhook" }

func (b *WebhookBackend) Send(ctx context.Context, kind domain.Kind, payload json.RawMessage) (*SendReceipt, error) {
	if kind != domain.KindWebhook {
		return nil, Permanentf("webhook backend cannot deliver kind %q", kind)
	}

	var hook domain.WebhookPayload
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, Permanentf("malformed webhook payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(hook.Body))
	if err != nil {
		return nil, Permanentf("failed to build webhook request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		b.logger.WarnContext(ctx, "webhook request failed", "error", err, "url", hook.URL)
		return nil, Transientf("webhook request error: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &SendReceipt{ProviderStatus: fmt.Sprintf("HTTP_%d", resp.StatusCode)}, nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return nil, Transientf("webhook endpoint returned HTTP %d", resp.StatusCode)
	default:
		return nil, Permanentf("webhook endpoint returned HTTP %d", resp.StatusCode)
	}
}
