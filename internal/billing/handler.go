package billing

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/reelforge/backend/internal/middleware"
)

// Webhook bodies stay tiny; anything past this is not a payment event.
const maxWebhookBody = 64 << 10

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

// Webhook ingests signed payment events. The signature covers the raw body,
// so the body is read before any decoding. Processing errors return 500 to
// trigger provider redelivery; the event-id idempotency makes that safe.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if !h.svc.VerifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		h.log.Warn("webhook rejected: bad signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := h.svc.ProcessEvent(r.Context(), event)
	if err != nil {
		h.log.Error("webhook processing failed", "event_id", event.ID, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": result})
}

func (h *Handler) Packages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Packages())
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tokens, err := h.svc.Balance(r.Context(), accountID)
	if err != nil {
		h.log.Error("balance lookup failed", "account_id", accountID, "error", err)
		http.Error(w, "balance lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"tokens": tokens})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	entries, err := h.svc.History(r.Context(), accountID, limit)
	if err != nil {
		h.log.Error("history lookup failed", "account_id", accountID, "error", err)
		http.Error(w, "history lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
