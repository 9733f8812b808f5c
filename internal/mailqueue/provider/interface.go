package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
)

// SendReceipt is what a backend returns when the provider accepted the
// message for delivery. Acceptance is not a guarantee of inbox delivery.
type SendReceipt struct {
	ProviderMessageID string
	ProviderStatus    string
}

// TransientError marks a send failure that is worth retrying: rate limits,
// timeouts, provider 5xx.
type TransientError struct {
	Reason string
}

func (e *TransientError) Error() string {
	return "transient delivery failure: " + e.Reason
}

// PermanentError marks a send failure that will never succeed on retry:
// invalid recipient, rejected content, authentication failure.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return "permanent delivery failure: " + e.Reason
}

func Transientf(format string, args ...any) error {
	return &TransientError{Reason: fmt.Sprintf(format, args...)}
}

func Permanentf(format string, args ...any) error {
	return &PermanentError{Reason: fmt.Sprintf(format, args...)}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// DeliveryBackend performs exactly one send attempt for one message payload.
// A nil error means the provider accepted the message. Failures are reported
// as *TransientError or *PermanentError; anything else is treated as
// transient by the dispatcher.
type DeliveryBackend interface {
	Send(ctx context.Context, kind domain.Kind, payload json.RawMessage) (*SendReceipt, error)
	GetName() string
}

// Registry maps payload kinds to the backend (or chain) that delivers them.
type Registry struct {
	backends map[domain.Kind]DeliveryBackend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[domain.Kind]DeliveryBackend)}
}

func (r *Registry) Register(kind domain.Kind, backend DeliveryBackend) {
	r.backends[kind] = backend
}

// Select returns the backend for kind, or an error if none is registered.
// An unregistered kind at dispatch time is a deployment gap, not a message
// problem, so the error is transient: the message survives until the backend
// is configured.
func (r *Registry) Select(kind domain.Kind) (DeliveryBackend, error) {
	backend, ok := r.backends[kind]
	if !ok {
		return nil, Transientf("no delivery backend registered for kind %q", kind)
	}
	return backend, nil
}
