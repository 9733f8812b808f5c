package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
	"github.com/sealdesk/mailqueue/internal/mailqueue/repository"
)

// DB is the subset of pgxpool.Pool the repository needs. pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const messageColumns = `id, kind, payload, status, priority, attempts, max_attempts, not_before,
       last_error, lease_owner, lease_expires_at, created_at, updated_at`

type PgMessageRepository struct {
	db     DB
	logger *slog.Logger
}

func NewPgMessageRepository(db DB, logger *slog.Logger) *PgMessageRepository {
	return &PgMessageRepository{db: db, logger: logger.With("component", "message_repository")}
}

var _ repository.MessageRepository = (*PgMessageRepository)(nil)

// storageErr keeps the taxonomy: infrastructure failures surface as
// domain.ErrStorageUnavailable with the underlying cause attached.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, op, err)
}

func (r *PgMessageRepository) Enqueue(ctx context.Context, msg domain.NewMessage) (*domain.Message, error) {
	now := time.Now().UTC()

	m := &domain.Message{
		ID:          uuid.New(),
		Kind:        msg.Kind,
		Payload:     msg.Payload,
		Status:      domain.StatusPending,
		Priority:    msg.Priority,
		Attempts:    0,
		MaxAttempts: msg.MaxAttempts,
		NotBefore:   msg.NotBefore,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if m.Priority == "" {
		m.Priority = domain.PriorityNormal
	}
	if m.NotBefore.IsZero() {
		m.NotBefore = now
	}

	query := `
		INSERT INTO queue_messages (id, kind, payload, status, priority, attempts, max_attempts, not_before, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Exec(ctx, query,
		m.ID, m.Kind, m.Payload, m.Status, m.Priority, m.Attempts, m.MaxAttempts, m.NotBefore, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error enqueueing message", "error", err, "kind", m.Kind)
		return nil, storageErr("enqueue", err)
	}
	return m, nil
}

func (r *PgMessageRepository) ClaimBatch(ctx context.Context, limit int, workerID string, leaseDuration time.Duration) ([]*domain.Message, error) {
	// FOR UPDATE SKIP LOCKED in the CTE guarantees two concurrent claimers
	// never select the same rows; the UPDATE stamps the lease in the same
	// transaction-free statement.
	query := `
		WITH due AS (
			SELECT id
			FROM queue_messages
			WHERE status = $1 AND not_before <= $2
			ORDER BY CASE priority WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
			         not_before ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages m
		SET status = $4, lease_owner = $5, lease_expires_at = $6, updated_at = $2
		FROM due
		WHERE m.id = due.id
		RETURNING m.id, m.kind, m.payload, m.status, m.priority, m.attempts, m.max_attempts, m.not_before,
		          m.last_error, m.lease_owner, m.lease_expires_at, m.created_at, m.updated_at
	`
	now := time.Now().UTC()
	rows, err := r.db.Query(ctx, query,
		domain.StatusPending, now, limit, domain.StatusInFlight, workerID, now.Add(leaseDuration),
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error claiming message batch", "error", err, "worker_id", workerID)
		return nil, storageErr("claim batch", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("claim batch scan", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("claim batch rows", err)
	}
	return messages, nil
}

func (r *PgMessageRepository) MarkSent(ctx context.Context, id uuid.UUID, workerID string) error {
	now := time.Now().UTC()
	query := `
		UPDATE queue_messages
		SET status = $3, last_error = NULL, lease_owner = NULL, lease_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND status = $5 AND lease_owner = $2 AND lease_expires_at > $4
	`
	tag, err := r.db.Exec(ctx, query, id, workerID, domain.StatusSent, now, domain.StatusInFlight)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking message sent", "error", err, "message_id", id)
		return storageErr("mark sent", err)
	}
	if tag.RowsAffected() == 0 {
		return r.resolveMarkMiss(ctx, id)
	}
	return nil
}

func (r *PgMessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, workerID string, sendErr string, nextDelay *time.Duration) error {
	now := time.Now().UTC()
	var (
		tag pgconn.CommandTag
		err error
	)

	if nextDelay == nil {
		// Permanent failure: terminal regardless of remaining attempts.
		query := `
			UPDATE queue_messages
			SET status = $3, attempts = attempts + 1, last_error = $4,
			    lease_owner = NULL, lease_expires_at = NULL, updated_at = $5
			WHERE id = $1 AND status = $6 AND lease_owner = $2 AND lease_expires_at > $5
		`
		tag, err = r.db.Exec(ctx, query, id, workerID, domain.StatusFailed, sendErr, now, domain.StatusInFlight)
	} else {
		// Transient failure: back to pending with backoff, unless this attempt
		// reached the ceiling.
		query := `
			UPDATE queue_messages
			SET attempts = attempts + 1,
			    status = CASE WHEN attempts + 1 >= max_attempts THEN $3 ELSE $4 END,
			    not_before = CASE WHEN attempts + 1 >= max_attempts THEN not_before ELSE $5 END,
			    last_error = $6,
			    lease_owner = NULL, lease_expires_at = NULL, updated_at = $7
			WHERE id = $1 AND status = $8 AND lease_owner = $2 AND lease_expires_at > $7
		`
		tag, err = r.db.Exec(ctx, query,
			id, workerID, domain.StatusFailed, domain.StatusPending, now.Add(*nextDelay), sendErr, now, domain.StatusInFlight,
		)
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking message failed", "error", err, "message_id", id)
		return storageErr("mark failed", err)
	}
	if tag.RowsAffected() == 0 {
		return r.resolveMarkMiss(ctx, id)
	}
	return nil
}

// resolveMarkMiss distinguishes the reasons a guarded mark updated zero rows.
// A cancelled record means an admin raced the in-progress send: that is a safe
// no-op. Everything else is a lost lease.
func (r *PgMessageRepository) resolveMarkMiss(ctx context.Context, id uuid.UUID) error {
	var status domain.Status
	err := r.db.QueryRow(ctx, `SELECT status FROM queue_messages WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		return storageErr("resolve mark miss", err)
	}
	if status == domain.StatusCancelled {
		return nil
	}
	return domain.ErrLeaseMismatch
}

func (r *PgMessageRepository) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	// Attempts stay untouched: the crashed worker's attempt is presumed lost,
	// not failed.
	now := time.Now().UTC()
	query := `
		UPDATE queue_messages
		SET status = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = $2
		WHERE status = $3 AND lease_expires_at < $2
	`
	tag, err := r.db.Exec(ctx, query, domain.StatusPending, now, domain.StatusInFlight)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error reclaiming expired leases", "error", err)
		return 0, storageErr("reclaim expired leases", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PgMessageRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	query := `
		UPDATE queue_messages
		SET status = $2, lease_owner = NULL, lease_expires_at = NULL, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`
	tag, err := r.db.Exec(ctx, query, id, domain.StatusCancelled, now, domain.StatusPending, domain.StatusInFlight)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error cancelling message", "error", err, "message_id", id)
		return storageErr("cancel", err)
	}
	if tag.RowsAffected() == 0 {
		var status domain.Status
		err := r.db.QueryRow(ctx, `SELECT status FROM queue_messages WHERE id = $1`, id).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return storageErr("cancel status check", err)
		}
		// Already terminal: cancel is a successful no-op.
		return nil
	}
	r.logger.InfoContext(ctx, "Message cancelled", "message_id", id)
	return nil
}

func (r *PgMessageRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	query := `
		UPDATE queue_messages
		SET status = $2, attempts = 0, last_error = NULL, not_before = $3,
		    lease_owner = NULL, lease_expires_at = NULL, updated_at = $3
		WHERE id = $1 AND status = $4
	`
	tag, err := r.db.Exec(ctx, query, id, domain.StatusPending, now, domain.StatusFailed)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error requeueing message", "error", err, "message_id", id)
		return storageErr("requeue", err)
	}
	if tag.RowsAffected() == 0 {
		var status domain.Status
		err := r.db.QueryRow(ctx, `SELECT status FROM queue_messages WHERE id = $1`, id).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return storageErr("requeue status check", err)
		}
		return fmt.Errorf("%w: requeue requires status %q, message is %q", domain.ErrInvalidTransition, domain.StatusFailed, status)
	}
	r.logger.InfoContext(ctx, "Message requeued", "message_id", id)
	return nil
}

func (r *PgMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM queue_messages WHERE id = $1`
	m, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, storageErr("get by id", err)
	}
	return m, nil
}

func (r *PgMessageRepository) List(ctx context.Context, filter repository.ListFilter) ([]*domain.Message, int, error) {
	var conditions []string
	var args []any
	argCounter := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argCounter))
		args = append(args, filter.Status)
		argCounter++
	}
	if filter.Priority != "" {
		conditions = append(conditions, fmt.Sprintf("priority = $%d", argCounter))
		args = append(args, filter.Priority)
		argCounter++
	}
	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argCounter))
		args = append(args, filter.Kind)
		argCounter++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM queue_messages" + whereClause
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		r.logger.ErrorContext(ctx, "Error counting messages", "error", err)
		return nil, 0, storageErr("list count", err)
	}
	if total == 0 {
		return []*domain.Message{}, 0, nil
	}

	listQuery := "SELECT " + messageColumns + " FROM queue_messages" + whereClause + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		listQuery += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCounter, argCounter+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := r.db.Query(ctx, listQuery, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error listing messages", "error", err)
		return nil, 0, storageErr("list", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, storageErr("list scan", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storageErr("list rows", err)
	}
	return messages, total, nil
}

func (r *PgMessageRepository) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM queue_messages GROUP BY status`)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error counting messages by status", "error", err)
		return nil, storageErr("count by status", err)
	}
	defer rows.Close()

	counts := map[domain.Status]int64{
		domain.StatusPending:   0,
		domain.StatusInFlight:  0,
		domain.StatusSent:      0,
		domain.StatusFailed:    0,
		domain.StatusCancelled: 0,
	}
	for rows.Next() {
		var status domain.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, storageErr("count by status scan", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count by status rows", err)
	}
	return counts, nil
}

func (r *PgMessageRepository) PruneTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `DELETE FROM queue_messages WHERE status IN ($1, $2, $3) AND updated_at < $4`
	tag, err := r.db.Exec(ctx, query, domain.StatusSent, domain.StatusFailed, domain.StatusCancelled, olderThan)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error pruning terminal messages", "error", err)
		return 0, storageErr("prune terminal", err)
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	m := &domain.Message{}
	err := row.Scan(
		&m.ID, &m.Kind, &m.Payload, &m.Status, &m.Priority, &m.Attempts, &m.MaxAttempts, &m.NotBefore,
		&m.LastError, &m.LeaseOwner, &m.LeaseExpiresAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}
