package creations

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

type SubmitRequest struct {
	Kind   string          `json:"kind"`
	Prompt string          `json:"prompt"`
	Params json.RawMessage `json:"params,omitempty"`
}

type CreationResponse struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Prompt        string          `json:"prompt"`
	Params        json.RawMessage `json:"params,omitempty"`
	CostTokens    int64           `json:"cost_tokens"`
	Status        string          `json:"status"`
	OutputKey     *string         `json:"output_key,omitempty"`
	Refunded      bool            `json:"refunded"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// OutputSigner issues time-limited download URLs for stored outputs.
type OutputSigner interface {
	SignedURL(key string, ttl time.Duration) (string, error)
}

type Handler struct {
	svc       Service
	signer    OutputSigner
	signedTTL time.Duration
	log       *slog.Logger
}

func NewHandler(svc Service, signer OutputSigner, signedTTL time.Duration, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, signer: signer, signedTTL: signedTTL, log: log}
}

// Submit accepts a generation request. The response is 202: the creation is
// pending and the asset arrives asynchronously.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	c, err := h.svc.Submit(r.Context(), ownerID, req.Kind, req.Prompt, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			http.Error(w, "insufficient token balance", http.StatusPaymentRequired)
		case errors.Is(err, ErrValidation):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, ErrEnqueue):
			h.log.Error("submit could not be queued", "error", err)
			http.Error(w, "generation queue unavailable, tokens were not spent", http.StatusServiceUnavailable)
		default:
			h.log.Error("submit failed", "error", err)
			http.Error(w, "submit failed", http.StatusBadRequest)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, creationToResponse(c))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.svc.ListByOwner(r.Context(), ownerID)
	if err != nil {
		h.log.Error("list creations failed", "error", err)
		http.Error(w, "list creations failed", http.StatusInternalServerError)
		return
	}
	resp := make([]CreationResponse, 0, len(list))
	for _, c := range list {
		resp = append(resp, creationToResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownedCreation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, creationToResponse(c))
}

func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid creation id", http.StatusBadRequest)
		return
	}
	c, err := h.svc.Publish(r.Context(), ownerID, id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			http.Error(w, "creation not found", http.StatusNotFound)
		case errors.Is(err, ErrNotReady):
			http.Error(w, "creation is not ready to publish", http.StatusConflict)
		default:
			h.log.Error("publish failed", "error", err)
			http.Error(w, "publish failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, creationToResponse(c))
}

// Output redirects to a signed download URL for the finished asset.
func (h *Handler) Output(w http.ResponseWriter, r *http.Request) {
	c, ok := h.ownedCreation(w, r)
	if !ok {
		return
	}
	if c.OutputKey == nil || (c.Status != models.CreationStatusReady && c.Status != models.CreationStatusPublished) {
		http.Error(w, "output not available", http.StatusConflict)
		return
	}
	url, err := h.signer.SignedURL(*c.OutputKey, h.signedTTL)
	if err != nil {
		h.log.Error("sign output url failed", "error", err)
		http.Error(w, "sign output url failed", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (h *Handler) ownedCreation(w http.ResponseWriter, r *http.Request) (*models.Creation, bool) {
	ownerID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid creation id", http.StatusBadRequest)
		return nil, false
	}
	c, err := h.svc.Get(r.Context(), ownerID, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "creation not found", http.StatusNotFound)
		} else {
			h.log.Error("get creation failed", "error", err)
			http.Error(w, "get creation failed", http.StatusInternalServerError)
		}
		return nil, false
	}
	return c, true
}

func creationToResponse(c *models.Creation) CreationResponse {
	return CreationResponse{
		ID:            c.ID.String(),
		Kind:          c.Kind,
		Prompt:        c.Prompt,
		Params:        c.Params,
		CostTokens:    c.CostTokens,
		Status:        c.Status,
		OutputKey:     c.OutputKey,
		Refunded:      c.Refunded,
		FailureReason: c.FailureReason,
		CreatedAt:     c.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
