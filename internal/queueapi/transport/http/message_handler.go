package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sealdesk/mailqueue/internal/mailqueue/app"
	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
)

// MessageHandler serves the producer-facing queue API.
type MessageHandler struct {
	queueService *app.QueueService
	logger       *slog.Logger
	validate     *validator.Validate
}

func NewMessageHandler(queueService *app.QueueService, logger *slog.Logger, validate *validator.Validate) *MessageHandler {
	return &MessageHandler{
		queueService: queueService,
		logger:       logger.With("handler", "message"),
		validate:     validate,
	}
}

func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleEnqueueMessage)
	r.Get("/messages/{messageID}", h.handleGetMessage)
}

func (h *MessageHandler) handleEnqueueMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	var req EnqueueMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.WarnContext(ctx, "failed to decode enqueue request", "error", err)
		writeJSONError(w, logger, "invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		logger.WarnContext(ctx, "enqueue request failed validation", "error", err)
		writeJSONError(w, logger, "validation failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.NotBefore != nil && req.NotBefore.After(time.Now().Add(365*24*time.Hour)) {
		writeJSONError(w, logger, "not_before is too far in the future", http.StatusBadRequest)
		return
	}

	created, err := h.queueService.Enqueue(ctx, app.EnqueueInput{
		Kind:        domain.Kind(req.Kind),
		Payload:     req.Payload,
		Priority:    domain.Priority(req.Priority),
		NotBefore:   req.NotBefore,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownKind), errors.Is(err, domain.ErrInvalidPayload):
			logger.WarnContext(ctx, "enqueue rejected", "error", err)
			writeJSONError(w, logger, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrStorageUnavailable):
			logger.ErrorContext(ctx, "enqueue failed, storage unavailable", "error", err)
			writeJSONError(w, logger, "queue storage unavailable, retry later", http.StatusServiceUnavailable)
		default:
			logger.ErrorContext(ctx, "enqueue failed", "error", err)
			writeJSONError(w, logger, "failed to enqueue message", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, logger, http.StatusCreated, EnqueueMessageResponse{
		MessageID: created.ID.String(),
		Status:    string(created.Status),
	})
}

func (h *MessageHandler) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	id, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		writeJSONError(w, logger, "invalid message id", http.StatusBadRequest)
		return
	}

	msg, err := h.queueService.GetMessage(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSONError(w, logger, "message not found", http.StatusNotFound)
			return
		}
		logger.ErrorContext(ctx, "failed to fetch message", "error", err, "message_id", id)
		writeJSONError(w, logger, "failed to fetch message", http.StatusInternalServerError)
		return
	}

	writeJSON(w, logger, http.StatusOK, toMessageResponse(msg))
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response body", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, logger *slog.Logger, message string, status int) {
	writeJSON(w, logger, status, errorResponse{Error: message})
}
