package domain

import (
	"encoding/json"
	"fmt"
)

// Kind tags the payload union. Each kind has a fixed schema validated at
// enqueue time; unknown kinds are rejected before anything hits the store.
type Kind string

const (
	KindEmail   Kind = "email"
	KindWebhook Kind = "webhook"
)

// EmailPayload is the payload schema for KindEmail. Exactly one of BodyText,
// BodyHTML or TemplateID must carry the content.
type EmailPayload struct {
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	BodyText   string            `json:"body_text,omitempty"`
	BodyHTML   string            `json:"body_html,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// WebhookPayload is the payload schema for KindWebhook.
type WebhookPayload struct {
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ValidatePayload checks that raw conforms to the schema for kind.
// It returns ErrUnknownKind for kinds the system does not know, and
// ErrInvalidPayload (wrapped with detail) for schema violations.
func ValidatePayload(kind Kind, raw json.RawMessage) error {
	switch kind {
	case KindEmail:
		var p EmailPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.To == "" {
			return fmt.Errorf("%w: email payload requires \"to\"", ErrInvalidPayload)
		}
		if p.Subject == "" {
			return fmt.Errorf("%w: email payload requires \"subject\"", ErrInvalidPayload)
		}
		if p.BodyText == "" && p.BodyHTML == "" && p.TemplateID == "" {
			return fmt.Errorf("%w: email payload requires one of \"body_text\", \"body_html\" or \"template_id\"", ErrInvalidPayload)
		}
		return nil
	case KindWebhook:
		var p WebhookPayload
		if err := strictUnmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if p.URL == "" {
			return fmt.Errorf("%w: webhook payload requires \"url\"", ErrInvalidPayload)
		}
		if len(p.Body) == 0 {
			return fmt.Errorf("%w: webhook payload requires \"body\"", ErrInvalidPayload)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func strictUnmarshal(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("payload is empty")
	}
	return json.Unmarshal(raw, dst)
}
