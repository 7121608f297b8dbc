package audit

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// APIHandler serves the audit trail over HTTP.
type APIHandler struct {
	recorder *Recorder
	logger   *zap.Logger
}

// NewAPIHandler creates a new audit API handler.
func NewAPIHandler(recorder *Recorder, logger *zap.Logger) *APIHandler {
	return &APIHandler{
		recorder: recorder,
		logger:   logger,
	}
}

// Router returns a handler serving the audit endpoints under
// /api/v1/audit. Mount it with a matching path prefix.
func (h *APIHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1/audit", func(r chi.Router) {
		r.Get("/events", h.ListEvents)
		r.Get("/events/{id}", h.GetEvent)
		r.Get("/policies", h.ListPolicies)
		r.Get("/verify", h.VerifyChain)
	})
	return r
}

// ListEvents returns failover events matching the query filters.
func (h *APIHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := Query{
		RegionID:  params.Get("region"),
		FromState: params.Get("from"),
		ToState:   params.Get("to"),
	}

	if start := params.Get("start"); start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, errors.New("start must be RFC3339"))
			return
		}
		q.StartTime = &t
	}
	if end := params.Get("end"); end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, errors.New("end must be RFC3339"))
			return
		}
		q.EndTime = &t
	}

	q.Limit, _ = strconv.Atoi(params.Get("limit"))
	q.Offset, _ = strconv.Atoi(params.Get("offset"))

	events, err := h.recorder.Events(r.Context(), q)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// GetEvent returns a single failover event by ID.
func (h *APIHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, errors.New("invalid event id"))
		return
	}

	event, err := h.recorder.EventByID(r.Context(), id)
	if errors.Is(err, ErrEventNotFound) {
		h.respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	h.respondJSON(w, http.StatusOK, event)
}

// ListPolicies returns the most recent routing policy records.
func (h *APIHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := h.recorder.Policies(r.Context(), limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"policies": records,
		"count":    len(records),
	})
}

// VerifyChain walks the chain and reports whether it is intact.
func (h *APIHandler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	result, err := h.recorder.Verify(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

func (h *APIHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

func (h *APIHandler) respondError(w http.ResponseWriter, status int, err error) {
	h.logger.Error("audit API error", zap.Error(err), zap.Int("status", status))
	h.respondJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}
