package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePayload_Email(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{
			name: "text body",
			raw:  `{"to":"a@b.c","subject":"s","body_text":"hello"}`,
		},
		{
			name: "html body",
			raw:  `{"to":"a@b.c","subject":"s","body_html":"<b>hi</b>"}`,
		},
		{
			name: "template with variables",
			raw:  `{"to":"a@b.c","subject":"s","template_id":"tpl-1","variables":{"name":"Ada"}}`,
		},
		{
			name:    "missing to",
			raw:     `{"subject":"s","body_text":"hello"}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "missing subject",
			raw:     `{"to":"a@b.c","body_text":"hello"}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "no content at all",
			raw:     `{"to":"a@b.c","subject":"s"}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "malformed json",
			raw:     `{"to":`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "empty payload",
			raw:     ``,
			wantErr: ErrInvalidPayload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(KindEmail, json.RawMessage(tt.raw))
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePayload_Webhook(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{
			name: "url and body",
			raw:  `{"url":"https://hooks.example.com/x","body":{"event":"ping"}}`,
		},
		{
			name: "with headers",
			raw:  `{"url":"https://hooks.example.com/x","body":{},"headers":{"X-Sig":"abc"}}`,
		},
		{
			name:    "missing url",
			raw:     `{"body":{"event":"ping"}}`,
			wantErr: ErrInvalidPayload,
		},
		{
			name:    "missing body",
			raw:     `{"url":"https://hooks.example.com/x"}`,
			wantErr: ErrInvalidPayload,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(KindWebhook, json.RawMessage(tt.raw))
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePayload_UnknownKind(t *testing.T) {
	err := ValidatePayload("sms", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusSent.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInFlight.IsTerminal())

	assert.True(t, StatusPending.IsValid())
	assert.False(t, Status("archived").IsValid())
}

func TestPriorityWeightOrdering(t *testing.T) {
	assert.Greater(t, PriorityHigh.Weight(), PriorityNormal.Weight())
	assert.Greater(t, PriorityNormal.Weight(), PriorityLow.Weight())
	assert.False(t, Priority("urgent").IsValid())
}
