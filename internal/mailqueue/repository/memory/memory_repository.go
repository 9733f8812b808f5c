package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
	"github.com/sealdesk/mailqueue/internal/mailqueue/repository"
)

// MemoryMessageRepository is a mutex-guarded in-memory implementation of the
// queue store with the same transition semantics as the Postgres version.
// Used for local development and as the store in engine tests.
type MemoryMessageRepository struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*domain.Message
}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{messages: make(map[uuid.UUID]*domain.Message)}
}

var _ repository.MessageRepository = (*MemoryMessageRepository)(nil)

func (r *MemoryMessageRepository) Enqueue(ctx context.Context, msg domain.NewMessage) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	m := &domain.Message{
		ID:          uuid.New(),
		Kind:        msg.Kind,
		Payload:     msg.Payload,
		Status:      domain.StatusPending,
		Priority:    msg.Priority,
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
	r.messages[m.ID] = m
	return copyMessage(m), nil
}

func (r *MemoryMessageRepository) ClaimBatch(ctx context.Context, limit int, workerID string, leaseDuration time.Duration) ([]*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var due []*domain.Message
	for _, m := range r.messages {
		if m.Status == domain.StatusPending && !m.NotBefore.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority.Weight() != due[j].Priority.Weight() {
			return due[i].Priority.Weight() > due[j].Priority.Weight()
		}
		if !due[i].NotBefore.Equal(due[j].NotBefore) {
			return due[i].NotBefore.Before(due[j].NotBefore)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.Message, 0, len(due))
	expiresAt := now.Add(leaseDuration)
	for _, m := range due {
		m.Status = domain.StatusInFlight
		owner := workerID
		m.LeaseOwner = &owner
		exp := expiresAt
		m.LeaseExpiresAt = &exp
		m.UpdatedAt = now
		claimed = append(claimed, copyMessage(m))
	}
	return claimed, nil
}

// holdsLiveLease reports whether workerID still owns a live lease on m.
func holdsLiveLease(m *domain.Message, workerID string, now time.Time) bool {
	return m.Status == domain.StatusInFlight &&
		m.LeaseOwner != nil && *m.LeaseOwner == workerID &&
		m.LeaseExpiresAt != nil && m.LeaseExpiresAt.After(now)
}

func (r *MemoryMessageRepository) MarkSent(ctx context.Context, id uuid.UUID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	if !holdsLiveLease(m, workerID, now) {
		if m.Status == domain.StatusCancelled {
			return nil
		}
		return domain.ErrLeaseMismatch
	}
	m.Status = domain.StatusSent
	m.LastError = nil
	m.LeaseOwner = nil
	m.LeaseExpiresAt = nil
	m.UpdatedAt = now
	return nil
}

func (r *MemoryMessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, workerID string, sendErr string, nextDelay *time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	if !holdsLiveLease(m, workerID, now) {
		if m.Status == domain.StatusCancelled {
			return nil
		}
		return domain.ErrLeaseMismatch
	}

	m.Attempts++
	errText := sendErr
	m.LastError = &errText
	m.LeaseOwner = nil
	m.LeaseExpiresAt = nil
	m.UpdatedAt = now

	if nextDelay == nil || m.Attempts >= m.MaxAttempts {
		m.Status = domain.StatusFailed
	} else {
		m.Status = domain.StatusPending
		m.NotBefore = now.Add(*nextDelay)
	}
	return nil
}

func (r *MemoryMessageRepository) ReclaimExpiredLeases(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var reclaimed int64
	for _, m := range r.messages {
		if m.Status == domain.StatusInFlight && m.LeaseExpiresAt != nil && m.LeaseExpiresAt.Before(now) {
			m.Status = domain.StatusPending
			m.LeaseOwner = nil
			m.LeaseExpiresAt = nil
			m.UpdatedAt = now
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (r *MemoryMessageRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status.IsTerminal() {
		return nil
	}
	m.Status = domain.StatusCancelled
	m.LeaseOwner = nil
	m.LeaseExpiresAt = nil
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryMessageRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	if m.Status != domain.StatusFailed {
		return fmt.Errorf("%w: requeue requires status %q, message is %q", domain.ErrInvalidTransition, domain.StatusFailed, m.Status)
	}
	now := time.Now().UTC()
	m.Status = domain.StatusPending
	m.Attempts = 0
	m.LastError = nil
	m.NotBefore = now
	m.LeaseOwner = nil
	m.LeaseExpiresAt = nil
	m.UpdatedAt = now
	return nil
}

func (r *MemoryMessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyMessage(m), nil
}

func (r *MemoryMessageRepository) List(ctx context.Context, filter repository.ListFilter) ([]*domain.Message, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*domain.Message
	for _, m := range r.messages {
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && m.Priority != filter.Priority {
			continue
		}
		if filter.Kind != "" && m.Kind != filter.Kind {
			continue
		}
		matched = append(matched, m)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*domain.Message, 0, len(matched))
	for _, m := range matched {
		out = append(out, copyMessage(m))
	}
	return out, total, nil
}

func (r *MemoryMessageRepository) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[domain.Status]int64{
		domain.StatusPending:   0,
		domain.StatusInFlight:  0,
		domain.StatusSent:      0,
		domain.StatusFailed:    0,
		domain.StatusCancelled: 0,
	}
	for _, m := range r.messages {
		counts[m.Status]++
	}
	return counts, nil
}

func (r *MemoryMessageRepository) PruneTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned int64
	for id, m := range r.messages {
		if m.Status.IsTerminal() && m.UpdatedAt.Before(olderThan) {
			delete(r.messages, id)
			pruned++
		}
	}
	return pruned, nil
}

// ExpireLease force-expires a message's lease; test hook for simulating a
// crashed worker.
func (r *MemoryMessageRepository) ExpireLease(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.messages[id]; ok && m.LeaseExpiresAt != nil {
		past := time.Now().UTC().Add(-time.Second)
		m.LeaseExpiresAt = &past
	}
}

func copyMessage(m *domain.Message) *domain.Message {
	out := *m
	if m.Payload != nil {
		out.Payload = append([]byte(nil), m.Payload...)
	}
	if m.LastError != nil {
		v := *m.LastError
		out.LastError = &v
	}
	if m.LeaseOwner != nil {
		v := *m.LeaseOwner
		out.LeaseOwner = &v
	}
	if m.LeaseExpiresAt != nil {
		v := *m.LeaseExpiresAt
		out.LeaseExpiresAt = &v
	}
	return &out
}
