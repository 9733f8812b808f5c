package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
)

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	Status   domain.Status
	Priority domain.Priority
	Kind     domain.Kind
	Limit    int
	Offset   int
}

// MessageRepository is the durable queue store. Implementations must make
// ClaimBatch atomic so two concurrent workers never claim the same record,
// and must keep every operation a short, bounded transaction.
type MessageRepository interface {
	// Enqueue persists a new pending message with zero attempts.
	Enqueue(ctx context.Context, msg domain.NewMessage) (*domain.Message, error)

	// ClaimBatch atomically selects up to limit due pending messages, ordered
	// by (priority desc, not_before asc, created_at asc), moves them to
	// in_flight and stamps the worker's lease. Returns an empty slice when
	// nothing is due; never blocks waiting for work.
	ClaimBatch(ctx context.Context, limit int, workerID string, leaseDuration time.Duration) ([]*domain.Message, error)

	// MarkSent transitions in_flight -> sent for a message whose live lease is
	// held by workerID. Returns domain.ErrLeaseMismatch if the lease was lost;
	// a no-op nil if the record already reached a terminal state (e.g. it was
	// cancelled while the send was in progress).
	MarkSent(ctx context.Context, id uuid.UUID, workerID string) error

	// MarkFailed records a failed attempt. With nextDelay nil the failure is
	// permanent and the message goes terminal regardless of remaining
	// attempts; otherwise it returns to pending with not_before pushed out by
	// nextDelay, unless the attempts ceiling is reached. Lease rules as in
	// MarkSent.
	MarkFailed(ctx context.Context, id uuid.UUID, workerID string, sendErr string, nextDelay *time.Duration) error

	// ReclaimExpiredLeases returns in_flight messages with expired leases to
	// pending without touching attempts: the in-flight attempt is presumed
	// lost, not failed. Idempotent. Returns the number of reclaimed records.
	ReclaimExpiredLeases(ctx context.Context) (int64, error)

	// Cancel moves a non-terminal message to cancelled. Cancelling an already
	// terminal message is a successful no-op.
	Cancel(ctx context.Context, id uuid.UUID) error

	// Requeue resets a failed message to pending with attempts zeroed and
	// last_error cleared. Admin only.
	Requeue(ctx context.Context, id uuid.UUID) error

	GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)

	// List returns messages matching filter ordered by created_at desc, plus
	// the total count for pagination.
	List(ctx context.Context, filter ListFilter) ([]*domain.Message, int, error)

	// CountByStatus aggregates message counts per status.
	CountByStatus(ctx context.Context) (map[domain.Status]int64, error)

	// PruneTerminal deletes terminal messages older than the cutoff and
	// returns the number removed.
	PruneTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}
