package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
	"github.com/sealdesk/mailqueue/internal/mailqueue/repository"
)

// WakePublisher notifies dispatcher instances that new work exists. The
// notification is a best-effort hint; the queue itself is durable and the
// ticker would pick the work up anyway.
type WakePublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// SubjectMessageEnqueued is published after each successful enqueue.
const SubjectMessageEnqueued = "mailqueue.messages.enqueued"

type enqueuedEvent struct {
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
}

// QueueService is the producer/admin application layer over the store:
// payload validation at enqueue, defaulting, and thin delegation for the
// admin operations.
type QueueService struct {
	repo               repository.MessageRepository
	wake               WakePublisher
	logger             *slog.Logger
	defaultMaxAttempts int
}

func NewQueueService(repo repository.MessageRepository, wake WakePublisher, logger *slog.Logger, defaultMaxAttempts int) *QueueService {
	return &QueueService{
		repo:               repo,
		wake:               wake,
		logger:             logger.With("component", "queue_service"),
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

// EnqueueInput carries producer-supplied fields. Priority defaults to normal,
// NotBefore to now, MaxAttempts to the configured default.
type EnqueueInput struct {
	Kind        domain.Kind
	Payload     json.RawMessage
	Priority    domain.Priority
	NotBefore   *time.Time
	MaxAttempts int
}

func (s *QueueService) Enqueue(ctx context.Context, in EnqueueInput) (*domain.Message, error) {
	if err := domain.ValidatePayload(in.Kind, in.Payload); err != nil {
		return nil, err
	}
	if in.Priority != "" && !in.Priority.IsValid() {
		return nil, domain.ErrInvalidPayload
	}

	msg := domain.NewMessage{
		Kind:        in.Kind,
		Payload:     in.Payload,
		Priority:    in.Priority,
		MaxAttempts: in.MaxAttempts,
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = s.defaultMaxAttempts
	}
	if in.NotBefore != nil {
		msg.NotBefore = in.NotBefore.UTC()
	}

	created, err := s.repo.Enqueue(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "message enqueued", "message_id", created.ID, "kind", created.Kind, "priority", created.Priority)

	if s.wake != nil {
		event, _ := json.Marshal(enqueuedEvent{MessageID: created.ID.String(), Kind: string(created.Kind)})
		if err := s.wake.Publish(ctx, SubjectMessageEnqueued, event); err != nil {
			// Best effort only; the dispatcher polls regardless.
			s.logger.WarnContext(ctx, "failed to publish enqueue wake event", "error", err, "message_id", created.ID)
		}
	}
	return created, nil
}

func (s *QueueService) GetMessage(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *QueueService) ListMessages(ctx context.Context, filter repository.ListFilter) ([]*domain.Message, int, error) {
	return s.repo.List(ctx, filter)
}

func (s *QueueService) Stats(ctx context.Context) (map[domain.Status]int64, error) {
	return s.repo.CountByStatus(ctx)
}

func (s *QueueService) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Cancel(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "message cancelled via admin", "message_id", id)
	return nil
}

func (s *QueueService) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Requeue(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "message requeued via admin", "message_id", id)
	if s.wake != nil {
		event, _ := json.Marshal(enqueuedEvent{MessageID: id.String()})
		if err := s.wake.Publish(ctx, SubjectMessageEnqueued, event); err != nil {
			s.logger.WarnContext(ctx, "failed to publish requeue wake event", "error", err, "message_id", id)
		}
	}
	return nil
}
