package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var sendgridEmail = json.RawMessage(`{"to":"dev@example.com","subject":"Build failed","body_text":"see logs"}`)

func newSendGridServer(t *testing.T, status int, body string, gotReq **http.Request, gotBody *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotReq != nil {
			*gotReq = r.Clone(context.Background())
		}
		if gotBody != nil {
			b, _ := io.ReadAll(r.Body)
			*gotBody = b
		}
		w.Header().Set("X-Message-Id", "sg-msg-123")
		w.WriteHeader(status)
		w.Write([]byte(body)) //nolint:errcheck
	}))
}

func TestSendGridBackend_Accepted(t *testing.T) {
	var gotReq *http.Request
	var gotBody []byte
	srv := newSendGridServer(t, http.StatusAccepted, "", &gotReq, &gotBody)
	defer srv.Close()

	b := NewSendGridBackend(discardLogger(), srv.URL, "sg-key", "noreply@sealdesk.io", "Sealdesk", srv.Client())
	receipt, err := b.Send(context.Background(), domain.KindEmail, sendgridEmail)
	require.NoError(t, err)
	assert.Equal(t, "sg-msg-123", receipt.ProviderMessageID)
	assert.Equal(t, "HTTP_202", receipt.ProviderStatus)

	require.NotNil(t, gotReq)
	assert.Equal(t, "/v3/mail/send", gotReq.URL.Path)
	assert.Equal(t, "Bearer sg-key", gotReq.Header.Get("Authorization"))

	var sent sendGridSendRequest
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	require.Len(t, sent.Personalizations, 1)
	assert.Equal(t, "dev@example.com", sent.Personalizations[0].To[0].Email)
	assert.Equal(t, "noreply@sealdesk.io", sent.From.Email)
	assert.Equal(t, "Build failed", sent.Subject)
	require.Len(t, sent.Content, 1)
	assert.Equal(t, "text/plain", sent.Content[0].Type)
}

func TestSendGridBackend_TemplatePayload(t *testing.T) {
	var gotBody []byte
	srv := newSendGridServer(t, http.StatusAccepted, "", nil, &gotBody)
	defer srv.Close()

	b := NewSendGridBackend(discardLogger(), srv.URL, "sg-key", "noreply@sealdesk.io", "", srv.Client())
	payload := json.RawMessage(`{"to":"dev@example.com","subject":"s","template_id":"tpl-7","variables":{"name":"Ada"}}`)
	_, err := b.Send(context.Background(), domain.KindEmail, payload)
	require.NoError(t, err)

	var sent sendGridSendRequest
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Equal(t, "tpl-7", sent.TemplateID)
	assert.Equal(t, map[string]string{"name": "Ada"}, sent.Personalizations[0].DynamicTemplateData)
	assert.Empty(t, sent.Content)
}

func TestSendGridBackend_Classification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "server error", status: http.StatusInternalServerError, wantTransient: true},
		{name: "bad gateway", status: http.StatusBadGateway, wantTransient: true},
		{name: "request timeout", status: http.StatusRequestTimeout, wantTransient: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"errors":[{"message":"invalid to address"}]}`, wantTransient: false},
		{name: "unauthorized", status: http.StatusUnauthorized, wantTransient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newSendGridServer(t, tt.status, tt.body, nil, nil)
			defer srv.Close()

			b := NewSendGridBackend(discardLogger(), srv.URL, "sg-key", "noreply@sealdesk.io", "", srv.Client())
			_, err := b.Send(context.Background(), domain.KindEmail, sendgridEmail)
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
			assert.Equal(t, !tt.wantTransient, IsPermanent(err))
		})
	}
}

func TestSendGridBackend_ErrorBodyMessageSurfaces(t *testing.T) {
	srv := newSendGridServer(t, http.StatusBadRequest, `{"errors":[{"message":"invalid to address"}]}`, nil, nil)
	defer srv.Close()

	b := NewSendGridBackend(discardLogger(), srv.URL, "sg-key", "noreply@sealdesk.io", "", srv.Client())
	_, err := b.Send(context.Background(), domain.KindEmail, sendgridEmail)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid to address")
}

func TestSendGridBackend_TransportErrorIsTransient(t *testing.T) {
	srv := newSendGridServer(t, http.StatusAccepted, "", nil, nil)
	srv.Close() // connection refused from here on

	b := NewSendGridBackend(discardLogger(), srv.URL, "sg-key", "noreply@sealdesk.io", "", nil)
	_, err := b.Send(context.Background(), domain.KindEmail, sendgridEmail)
	assert.True(t, IsTransient(err))
}

func TestSendGridBackend_RejectsForeignKind(t *testing.T) {
	b := NewSendGridBackend(discardLogger(), "http://unused", "sg-key", "noreply@sealdesk.io", "", nil)
	_, err := b.Send(context.Background(), domain.KindWebhook, json.RawMessage(`{}`))
	assert.True(t, IsPermanent(err))
}
