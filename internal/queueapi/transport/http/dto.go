package http

import (
	"encoding/json"
	"time"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
)

// EnqueueMessageRequest DTO for POST /api/v1/messages.
type EnqueueMessageRequest struct {
	Kind        string          `json:"kind" validate:"required,oneof=email webhook"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
	Priority    string          `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
	NotBefore   *time.Time      `json:"not_before,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=100"`
}

// EnqueueMessageResponse DTO.
type EnqueueMessageResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// MessageResponse is the full record view returned to producers and admins.
type MessageResponse struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Priority       string          `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NotBefore      time.Time       `json:"not_before"`
	LastError      *string         `json:"last_error,omitempty"`
	LeaseOwner     *string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toMessageResponse(m *domain.Message) MessageResponse {
	return MessageResponse{
		ID:             m.ID.String(),
		Kind:           string(m.Kind),
		Payload:        m.Payload,
		Status:         string(m.Status),
		Priority:       string(m.Priority),
		Attempts:       m.Attempts,
		MaxAttempts:    m.MaxAttempts,
		NotBefore:      m.NotBefore,
		LastError:      m.LastError,
		LeaseOwner:     m.LeaseOwner,
		LeaseExpiresAt: m.LeaseExpiresAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// ListMessagesResponse DTO with pagination envelope.
type ListMessagesResponse struct {
	Messages   []MessageResponse `json:"messages"`
	Pagination Pagination        `json:"pagination"`
}

type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// StatsResponse DTO for GET /api/v1/admin/messages/stats.
type StatsResponse struct {
	Counts map[string]int64 `json:"counts"`
}

type errorResponse struct {
	Error string `json:"error"`
}
