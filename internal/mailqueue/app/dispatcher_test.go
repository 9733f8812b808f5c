package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
	"github.com/sealdesk/mailqueue/internal/mailqueue/provider"
	"github.com/sealdesk/mailqueue/internal/mailqueue/repository/memory"
)

var emailPayload = json.RawMessage(`{"to":"ops@example.com","subject":"hi","body_text":"hello"}`)

// scriptBackend runs a per-call function, so tests can script outcomes and
// side effects mid-send.
type scriptBackend struct {
	name string

	mu    sync.Mutex
	calls int
	fn    func(call int) error
}

func (b *scriptBackend) GetName() string { return b.name }

func (b *scriptBackend) Send(ctx context.Context, kind domain.Kind, payload json.RawMessage) (*provider.SendReceipt, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	fn := b.fn
	b.mu.Unlock()

	if fn != nil {
		if err := fn(call); err != nil {
			return nil, err
		}
	}
	return &provider.SendReceipt{ProviderMessageID: "script-ok", ProviderStatus: "OK"}, nil
}

func (b *scriptBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, repo *memory.MemoryMessageRepository, backend provider.DeliveryBackend) *Dispatcher {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register(domain.KindEmail, backend)
	registry.Register(domain.KindWebhook, backend)

	policy := NewBackoffPolicy(time.Nanosecond, time.Microsecond)
	return NewDispatcher(repo, registry, policy, testLogger(), DispatcherConfig{
		BatchSize:     10,
		MaxConcurrent: 4,
		LeaseDuration: time.Minute,
		PollInterval:  time.Hour,
		SendTimeout:   5 * time.Second,
	})
}

func enqueue(t *testing.T, repo *memory.MemoryMessageRepository, priority domain.Priority, maxAttempts int) uuid.UUID {
	t.Helper()
	msg, err := repo.Enqueue(context.Background(), domain.NewMessage{
		Kind:        domain.KindEmail,
		Payload:     emailPayload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return msg.ID
}

// runUntilTerminal drives cycles until the message reaches a terminal status,
// sleeping briefly between cycles so nanosecond retry delays elapse.
func runUntilTerminal(t *testing.T, d *Dispatcher, repo *memory.MemoryMessageRepository, id uuid.UUID) *domain.Message {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := d.RunCycle(ctx)
		require.NoError(t, err)
		msg, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		if msg.Status.IsTerminal() {
			return msg
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("message never reached a terminal status")
	return nil
}

func TestDispatcher_DeliversPendingMessage(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	backend := &scriptBackend{name: "mock"}
	d := newTestDispatcher(t, repo, backend)

	id := enqueue(t, repo, domain.PriorityNormal, 5)

	claimed, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	msg, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.Equal(t, 0, msg.Attempts)
	assert.Nil(t, msg.LeaseOwner)
	assert.Nil(t, msg.LastError)
	assert.Equal(t, 1, backend.callCount())
}

func TestDispatcher_EmptyQueueCycleIsNoop(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	backend := &scriptBackend{name: "mock"}
	d := newTestDispatcher(t, repo, backend)

	claimed, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, claimed)
	assert.Zero(t, backend.callCount())
}

func TestDispatcher_PermanentFailureIsTerminalOnFirstAttempt(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	backend := &scriptBackend{
		name: "mock",
		fn:   func(int) error { return provider.Permanentf("recipient rejected") },
	}
	d := newTestDispatcher(t, repo, backend)

	id := enqueue(t, repo, domain.PriorityNormal, 5)

	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	msg, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	require.NotNil(t, msg.LastError)
	assert.Contains(t, *msg.LastError, "recipient rejected")
	assert.Equal(t, 1, backend.callCount(), "no retry after a permanent failure")
}

func TestDispatcher_TransientFailuresExhaustAttempts(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	backend := &scriptBackend{
		name: "mock",
		fn:   func(int) error { return provider.Transientf("provider 503") },
	}
	d := newTestDispatcher(t, repo, backend)

	id := enqueue(t, repo, domain.PriorityNormal, 3)

	msg := runUntilTerminal(t, d, repo, id)
	assert.Equal(t, domain.StatusFailed, msg.Status)
	assert.Equal(t, 3, msg.Attempts)
	require.NotNil(t, msg.LastError)
	assert.Contains(t, *msg.LastError, "provider 503")
	assert.Equal(t, 3, backend.callCount())
}

func TestDispatcher_TransientThenSuccess(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	backend := &scriptBackend{
		name: "mock",
		fn: func(call int) error {
			if call <= 2 {
				return provider.Transientf("timeout")
			}
			return nil
		},
	}
	d := newTestDispatcher(t, repo, backend)

	id := enqueue(t, repo, domain.PriorityNormal, 5)

	msg := runUntilTerminal(t, d, repo, id)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.Equal(t, 2, msg.Attempts)
	assert.Equal(t, 3, backend.callCount())
}

func TestDispatcher_ReclaimsCrashedWorkerLeaseWithoutCountingAttempt(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	backend := &scriptBackend{name: "mock"}
	d := newTestDispatcher(t, repo, backend)

	id := enqueue(t, repo, domain.PriorityNormal, 5)

	// Another worker claims the message and then "crashes": its lease is left
	// behind and force-expired.
	claimed, err := repo.ClaimBatch(context.Background(), 1, "crashed-worker", time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	repo.ExpireLease(id)

	_, err = d.RunCycle(context.Background())
	require.NoError(t, err)

	msg, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.Equal(t, 0, msg.Attempts, "a lost in-flight attempt is presumed lost, not failed")
}

func TestDispatcher_LeaseLostDuringSendLeavesRecordForReclaim(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	id := enqueue(t, repo, domain.PriorityNormal, 5)

	backend := &scriptBackend{name: "mock"}
	backend.fn = func(call int) error {
		if call == 1 {
			// Simulate the lease expiring mid-send (e.g. a very slow provider).
			repo.ExpireLease(id)
		}
		return nil
	}
	d := newTestDispatcher(t, repo, backend)

	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	// MarkSent hit the lease mismatch and dropped the outcome; the record is
	// still in_flight with an expired lease.
	msg, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInFlight, msg.Status)

	// The next cycle reclaims and redelivers.
	_, err = d.RunCycle(context.Background())
	require.NoError(t, err)
	msg, err = repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, msg.Status)
	assert.Equal(t, 2, backend.callCount())
}

func TestDispatcher_CancelledMidSendStaysCancelled(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	id := enqueue(t, repo, domain.PriorityNormal, 5)

	backend := &scriptBackend{name: "mock"}
	backend.fn = func(int) error {
		return repo.Cancel(context.Background(), id)
	}
	d := newTestDispatcher(t, repo, backend)

	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	msg, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, msg.Status)
}

func TestDispatcher_UnregisteredKindIsRetriedNotFailed(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	registry := provider.NewRegistry() // nothing registered
	policy := NewBackoffPolicy(time.Minute, time.Hour)
	d := NewDispatcher(repo, registry, policy, testLogger(), DispatcherConfig{
		BatchSize:     10,
		MaxConcurrent: 2,
		LeaseDuration: time.Minute,
		PollInterval:  time.Hour,
		SendTimeout:   time.Second,
	})

	id := enqueue(t, repo, domain.PriorityNormal, 5)

	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	msg, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, msg.Status, "message must survive until a backend is configured")
	assert.Equal(t, 1, msg.Attempts)
	assert.True(t, msg.NotBefore.After(time.Now().UTC()), "retry must be pushed into the future")
}

func TestDispatcher_RunStopsOnContextCancel(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	backend := &scriptBackend{name: "mock"}
	d := newTestDispatcher(t, repo, backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after context cancellation")
	}
}

func TestDispatcher_WakeTriggersImmediateCycle(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	backend := &scriptBackend{name: "mock"}
	d := newTestDispatcher(t, repo, backend) // PollInterval is one hour

	id := enqueue(t, repo, domain.PriorityNormal, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx) //nolint:errcheck

	d.Wake()

	require.Eventually(t, func() bool {
		msg, err := repo.GetByID(context.Background(), id)
		return err == nil && msg.Status == domain.StatusSent
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_BoundedParallelism(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	backend := &scriptBackend{name: "mock"}
	backend.fn = func(int) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}

	registry := provider.NewRegistry()
	registry.Register(domain.KindEmail, backend)
	policy := NewBackoffPolicy(time.Second, time.Minute)
	d := NewDispatcher(repo, registry, policy, testLogger(), DispatcherConfig{
		BatchSize:     20,
		MaxConcurrent: 3,
		LeaseDuration: time.Minute,
		PollInterval:  time.Hour,
		SendTimeout:   5 * time.Second,
	})

	for i := 0; i < 12; i++ {
		enqueue(t, repo, domain.PriorityNormal, 5)
	}

	claimed, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, claimed)
	assert.LessOrEqual(t, maxInFlight, 3)
	assert.Equal(t, 12, backend.callCount())
}

func TestDispatcher_RetentionSweepPrunesOldTerminalMessages(t *testing.T) {
	repo := memory.NewMemoryMessageRepository()
	backend := &scriptBackend{name: "mock"}
	d := newTestDispatcher(t, repo, backend)
	d.cfg.RetentionTTL = time.Nanosecond

	id := enqueue(t, repo, domain.PriorityNormal, 5)
	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	d.retentionSweep(context.Background())

	_, err = repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
