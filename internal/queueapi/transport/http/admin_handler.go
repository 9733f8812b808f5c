package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sealdesk/mailqueue/internal/mailqueue/app"
	"github.com/sealdesk/mailqueue/internal/mailqueue/domain"
	"github.com/sealdesk/mailqueue/internal/mailqueue/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// AdminHandler serves the read/mutate admin surface. It is thin by design:
// every operation delegates to a single store operation.
type AdminHandler struct {
	queueService *app.QueueService
	logger       *slog.Logger
}

func NewAdminHandler(queueService *app.QueueService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		queueService: queueService,
		logger:       logger.With("handler", "admin"),
	}
}

func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/admin/messages", h.handleListMessages)
	r.Get("/admin/messages/stats", h.handleStats)
	r.Post("/admin/messages/{messageID}/cancel", h.handleCancel)
	r.Post("/admin/messages/{messageID}/requeue", h.handleRequeue)
}

func (h *AdminHandler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	filter := repository.ListFilter{Limit: defaultListLimit}

	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.Status(s)
		if !status.IsValid() {
			writeJSONError(w, logger, "invalid status filter: "+s, http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	if p := r.URL.Query().Get("priority"); p != "" {
		priority := domain.Priority(p)
		if !priority.IsValid() {
			writeJSONError(w, logger, "invalid priority filter: "+p, http.StatusBadRequest)
			return
		}
		filter.Priority = priority
	}
	if k := r.URL.Query().Get("kind"); k != "" {
		filter.Kind = domain.Kind(k)
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit <= 0 || limit > maxListLimit {
			writeJSONError(w, logger, "limit must be between 1 and "+strconv.Itoa(maxListLimit), http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		offset, err := strconv.Atoi(o)
		if err != nil || offset < 0 {
			writeJSONError(w, logger, "offset must be non-negative", http.StatusBadRequest)
			return
		}
		filter.Offset = offset
	}

	messages, total, err := h.queueService.ListMessages(ctx, filter)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list messages", "error", err)
		writeJSONError(w, logger, "failed to list messages", http.StatusInternalServerError)
		return
	}

	resp := ListMessagesResponse{
		Messages:   make([]MessageResponse, 0, len(messages)),
		Pagination: Pagination{Total: total, Limit: filter.Limit, Offset: filter.Offset},
	}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	writeJSON(w, logger, http.StatusOK, resp)
}

func (h *AdminHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	counts, err := h.queueService.Stats(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to aggregate stats", "error", err)
		writeJSONError(w, logger, "failed to aggregate stats", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{Counts: make(map[string]int64, len(counts))}
	for status, count := range counts {
		resp.Counts[string(status)] = count
	}
	writeJSON(w, logger, http.StatusOK, resp)
}

func (h *AdminHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	id, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		writeJSONError(w, logger, "invalid message id", http.StatusBadRequest)
		return
	}

	if err := h.queueService.Cancel(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSONError(w, logger, "message not found", http.StatusNotFound)
			return
		}
		logger.ErrorContext(ctx, "failed to cancel message", "error", err, "message_id", id)
		writeJSONError(w, logger, "failed to cancel message", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	id, err := uuid.Parse(chi.URLParam(r, "messageID"))
	if err != nil {
		writeJSONError(w, logger, "invalid message id", http.StatusBadRequest)
		return
	}

	if err := h.queueService.Requeue(ctx, id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeJSONError(w, logger, "message not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrInvalidTransition):
			writeJSONError(w, logger, err.Error(), http.StatusConflict)
		default:
			logger.ErrorContext(ctx, "failed to requeue message", "error", err, "message_id", id)
			writeJSONError(w, logger, "failed to requeue message", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
