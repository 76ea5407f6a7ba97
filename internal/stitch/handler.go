package stitch

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reelforge/backend/internal/ledger"
	"github.com/reelforge/backend/internal/middleware"
	"github.com/reelforge/backend/internal/models"
)

type EnqueueRequest struct {
	InputIDs []uuid.UUID `json:"input_ids"`
}

type JobResponse struct {
	ID            string      `json:"id"`
	TargetID      string      `json:"target_id"`
	InputIDs      []uuid.UUID `json:"input_ids"`
	Status        string      `json:"status"`
	OutputKey     string      `json:"output_key"`
	CostTokens    int64       `json:"cost_tokens"`
	Refunded      bool        `json:"refunded"`
	FailureReason *string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Enqueue starts a stitch for the target reel. 202: the job runs on the
// external runner and its status is polled, never pushed.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	targetID, err := uuid.Parse(r.PathValue("target"))
	if err != nil {
		http.Error(w, "invalid target id", http.StatusBadRequest)
		return
	}
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	job, err := h.svc.Enqueue(r.Context(), ownerID, targetID, req.InputIDs)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			http.Error(w, "insufficient token balance", http.StatusPaymentRequired)
		case errors.Is(err, ErrAlreadyRunning):
			http.Error(w, "stitch already in progress, retry later", http.StatusConflict)
		case errors.Is(err, ErrInvalidInput):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, ErrSubmit):
			h.log.Error("stitch could not be submitted", "error", err)
			http.Error(w, "stitch runner unavailable, tokens were not spent", http.StatusServiceUnavailable)
		default:
			h.log.Error("stitch enqueue failed", "error", err)
			http.Error(w, "stitch enqueue failed", http.StatusBadRequest)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, jobToResponse(job))
}

// Status reports the owner's latest stitch job for the target, reconciled
// against storage and the runner so the answer is never stale.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	targetID, err := uuid.Parse(r.PathValue("target"))
	if err != nil {
		http.Error(w, "invalid target id", http.StatusBadRequest)
		return
	}

	job, err := h.svc.Latest(r.Context(), ownerID, targetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "no stitch job for target", http.StatusNotFound)
			return
		}
		h.log.Error("stitch status failed", "error", err)
		http.Error(w, "stitch status failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

func jobToResponse(job *models.StitchJob) JobResponse {
	return JobResponse{
		ID:            job.ID.String(),
		TargetID:      job.TargetID.String(),
		InputIDs:      job.InputIDs,
		Status:        job.Status,
		OutputKey:     job.OutputKey,
		CostTokens:    job.CostTokens,
		Refunded:      job.Refunded,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
