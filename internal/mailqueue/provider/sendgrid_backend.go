package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
)

// SendGridBackend delivers email payloads through the SendGrid v3 mail send
// API. It classifies provider responses into transient and permanent
// failures; the retry decision itself belongs to the dispatcher.
type SendGridBackend struct {
	logger     *slog.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	fromEmail  string
	fromName   string
}

func NewSendGridBackend(logger *slog.Logger, baseURL, apiKey, fromEmail, fromName string, httpClient *http.Client) *SendGridBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SendGridBackend{
		logger:     logger.With("backend", "sendgrid"),
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		fromEmail:  fromEmail,
		fromName:   fromName,
	}
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To                  []sendGridAddress `json:"to"`
	DynamicTemplateData map[string]string `json:"dynamic_template_data,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridSendRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject,omitempty"`
	Content          []sendGridContent         `json:"content,omitempty"`
	TemplateID       string                    `json:"template_id,omitempty"`
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

func (b *SendGridBackend) GetName() string { return "sendgrid" }

func (b *SendGridBackend) Send(ctx context.Context, kind domain.Kind, payload json.RawMessage) (*SendReceipt, error) {
	if kind != domain.KindEmail {
		return nil, Permanentf("sendgrid backend cannot deliver kind %q", kind)
	}

	var email domain.EmailPayload
	if err := json.Unmarshal(payload, &email); err != nil {
		return nil, Permanentf("malformed email payload: %v", err)
	}

	reqBody := sendGridSendRequest{
		Personalizations: []sendGridPersonalization{{
			To:                  []sendGridAddress{{Email: email.To}},
			DynamicTemplateData: email.Variables,
		}},
		From:       sendGridAddress{Email: b.fromEmail, Name: b.fromName},
		Subject:    email.Subject,
		TemplateID: email.TemplateID,
	}
	if email.BodyText != "" {
		reqBody.Content = append(reqBody.Content, sendGridContent{Type: "text/plain", Value: email.BodyText})
	}
	if email.BodyHTML != "" {
		reqBody.Content = append(reqBody.Content, sendGridContent{Type: "text/html", Value: email.BodyHTML})
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, Permanentf("failed to marshal sendgrid request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v3/mail/send", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, Permanentf("failed to build sendgrid request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	httpResp, err := b.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and context deadlines are always worth a retry.
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		b.logger.WarnContext(ctx, "SendGrid request failed", "error", err, "recipient", email.To)
		return nil, Transientf("sendgrid request error: %v", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		b.logger.InfoContext(ctx, "SendGrid accepted message", "recipient", email.To, "status_code", httpResp.StatusCode)
		return &SendReceipt{
			ProviderMessageID: httpResp.Header.Get("X-Message-Id"),
			ProviderStatus:    fmt.Sprintf("HTTP_%d", httpResp.StatusCode),
		}, nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
	reason := classifyReason(httpResp.StatusCode, respBody)

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests,
		httpResp.StatusCode == http.StatusRequestTimeout,
		httpResp.StatusCode >= 500:
		b.logger.WarnContext(ctx, "SendGrid transient failure", "status_code", httpResp.StatusCode, "recipient", email.To)
		return nil, &TransientError{Reason: reason}
	default:
		// Remaining 4xx: bad recipient, rejected content, auth failure.
		b.logger.ErrorContext(ctx, "SendGrid permanent failure", "status_code", httpResp.StatusCode, "recipient", email.To)
		return nil, &PermanentError{Reason: reason}
	}
}

func classifyReason(statusCode int, body []byte) string {
	var errResp sendGridErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && len(errResp.Errors) > 0 {
		return fmt.Sprintf("sendgrid HTTP %d: %s", statusCode, errResp.Errors[0].Message)
	}
	return fmt.Sprintf("sendgrid HTTP %d", statusCode)
}
