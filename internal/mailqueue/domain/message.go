package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued message.
// pending -> in_flight -> {sent | pending (retry) | failed | cancelled}
// sent, failed and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders claims; it does not affect correctness.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Weight maps priorities onto an ordering the claim query can sort on
// descending. Higher weight is claimed first.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Message is the durable unit of work. The dispatcher never inspects Payload
// beyond handing it to the delivery backend registered for Kind.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	Kind           Kind            `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Priority       Priority        `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	NotBefore      time.Time       `json:"not_before"`
	LastError      *string         `json:"last_error,omitempty"`
	LeaseOwner     *string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewMessage carries the producer-supplied fields for Enqueue.
type NewMessage struct {
	Kind        Kind
	Payload     json.RawMessage
	Priority    Priority
	NotBefore   time.Time
	MaxAttempts int
}
