package notifications

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/bissquit/epharmacy-notify/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const defaultListLimit = 50

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidLimit, Status: http.StatusBadRequest},
	{Error: ErrDrainActive, Status: http.StatusConflict, Message: "drain in progress, retry later"},
}

// Handler handles operator HTTP requests for the notification queue.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers operator queue routes (require admin auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/admin/queue", func(r chi.Router) {
		r.Get("/stats", h.GetStats)
		r.Get("/failed", h.ListFailed)
		r.Post("/retry", h.RetryFailed)
		r.Post("/drain", h.TriggerDrain)
		r.Post("/recover", h.RecoverProcessing)
		r.Delete("/", h.ClearAll)
	})
}

// RetryFailedRequest represents request body for retrying failed notifications.
type RetryFailedRequest struct {
	Limit int `json:"limit" validate:"required,min=1,max=1000"`
}

// RetryFailedResponse is returned by POST /admin/queue/retry.
type RetryFailedResponse struct {
	Moved int `json:"moved"`
}

// RecoverResponse is returned by POST /admin/queue/recover.
type RecoverResponse struct {
	Recovered int `json:"recovered"`
}

// GetStats handles GET /admin/queue/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// ListFailed handles GET /admin/queue/failed.
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	items, err := h.service.ListFailed(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if items == nil {
		items = []*QueuedNotification{}
	}

	httputil.Success(w, http.StatusOK, items)
}

// RetryFailed handles POST /admin/queue/retry.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	var req RetryFailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	moved, err := h.service.RetryFailed(r.Context(), req.Limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, RetryFailedResponse{Moved: moved})
}

// TriggerDrain handles POST /admin/queue/drain.
func (h *Handler) TriggerDrain(w http.ResponseWriter, _ *http.Request) {
	h.service.TriggerDrain()
	httputil.Success(w, http.StatusAccepted, map[string]string{"message": "drain requested"})
}

// RecoverProcessing handles POST /admin/queue/recover.
func (h *Handler) RecoverProcessing(w http.ResponseWriter, r *http.Request) {
	recovered, err := h.service.RecoverProcessing(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, RecoverResponse{Recovered: recovered})
}

// ClearAll handles DELETE /admin/queue.
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearAll(r.Context()); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
