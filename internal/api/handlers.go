package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/leaseq/internal/domain"
	"github.com/SirClappington/leaseq/internal/scheduler"
)

const maxBody = 1 << 20

type envelope struct {
	Data  any       `json:"data,omitempty"`
	Meta  any       `json:"meta,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// jobView renders a job. The payload is opaque, so it is always returned as
// the base64 of the stored bytes.
type jobView struct {
	ID              string        `json:"id"`
	Queue           string        `json:"queue"`
	PayloadBase64   string        `json:"payload_base64"`
	Status          domain.Status `json:"status"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	Attempts        int           `json:"attempts"`
	MaxAttempts     int           `json:"max_attempts"`
	LeaseOwner      *string       `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time    `json:"lease_expires_at,omitempty"`
	CancelRequested bool          `json:"cancel_requested"`
	LastError       *string       `json:"last_error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

func viewJob(j *domain.Job) jobView {
	return jobView{
		ID:              j.ID,
		Queue:           j.Queue,
		PayloadBase64:   base64.StdEncoding.EncodeToString(j.Payload),
		Status:          j.Status,
		ScheduledAt:     j.ScheduledAt,
		Attempts:        j.Attempts,
		MaxAttempts:     j.MaxAttempts,
		LeaseOwner:      j.LeaseOwner,
		LeaseExpiresAt:  j.LeaseExpiresAt,
		CancelRequested: j.CancelRequested,
		LastError:       j.LastError,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
	}
}

type enqueueRequest struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	Payload       json.RawMessage `json:"payload"`
	PayloadBase64 string          `json:"payload_base64"`
	ScheduledAt   *time.Time      `json:"scheduled_at"`
	MaxAttempts   int             `json:"max_attempts"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	payload := []byte(req.Payload)
	if req.PayloadBase64 != "" {
		if len(req.Payload) > 0 {
			h.writeError(w, r, invalidf("payload and payload_base64 are mutually exclusive"))
			return
		}
		b, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
		if err != nil {
			h.writeError(w, r, invalidf("payload_base64: %v", err))
			return
		}
		payload = b
	}
	er := scheduler.EnqueueRequest{ID: req.ID, Queue: req.Queue, Payload: payload, MaxAttempts: req.MaxAttempts}
	if req.ScheduledAt != nil {
		er.ScheduledAt = *req.ScheduledAt
	}

	job, err := h.sched.Enqueue(r.Context(), er)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, envelope{Data: viewJob(job)})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: viewJob(job)})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	ok, err := h.sched.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: map[string]bool{"cancelled": ok}})
}

func (h *Handler) requeue(w http.ResponseWriter, r *http.Request) {
	ok, err := h.sched.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: map[string]bool{"requeued": ok}})
}

type claimRequest struct {
	Queue        string `json:"queue"`
	WorkerID     string `json:"worker_id"`
	BatchSize    int    `json:"batch_size"`
	LeaseSeconds int    `json:"lease_seconds"`
}

func (h *Handler) claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.BatchSize == 0 {
		req.BatchSize = 1
	}
	jobs, err := h.store.Claim(r.Context(), req.Queue, req.WorkerID, req.BatchSize, time.Duration(req.LeaseSeconds)*time.Second)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]jobView, len(jobs))
	for i := range jobs {
		views[i] = viewJob(&jobs[i])
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: views, Meta: map[string]int{"count": len(views)}})
}

type extendRequest struct {
	WorkerID     string `json:"worker_id"`
	ExtraSeconds int    `json:"extra_seconds"`
}

func (h *Handler) extend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !h.decode(w, r, &req) {
		return
	}
	state, err := h.store.Renew(r.Context(), chi.URLParam(r, "id"), req.WorkerID, time.Duration(req.ExtraSeconds)*time.Second)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: map[string]any{
		"lease_expires_at": state.ExpiresAt,
		"cancel_requested": state.CancelRequested,
	}})
}

type reportRequest struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.store.Complete(r.Context(), req.JobID, req.WorkerID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: map[string]domain.Status{"status": domain.Completed}})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := h.store.Fail(r.Context(), req.JobID, req.WorkerID, req.Error)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, envelope{Data: map[string]domain.Status{"status": status}})
}

type registerRequest struct {
	Metadata map[string]string `json:"metadata"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	worker, err := h.store.Register(r.Context(), req.Metadata)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, envelope{Data: worker})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, invalidf("decode request body: %v", err))
		return false
	}
	return true
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrJobNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrLeaseLost):
		status, code = http.StatusConflict, "LEASE_LOST"
	case errors.Is(err, domain.ErrUnknownWorker):
		status, code = http.StatusGone, "UNKNOWN_WORKER"
	case errors.Is(err, domain.ErrStoreUnavailable):
		status, code = http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
		msg = domain.ErrStoreUnavailable.Error()
	default:
		msg = "internal error"
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	h.writeJSON(w, status, envelope{Error: &apiError{Code: code, Message: msg}})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn("encode response", zap.Error(err))
	}
}
