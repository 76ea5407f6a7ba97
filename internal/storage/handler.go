package storage

import (
	"log/slog"
	"net/http"
	"os"
)

// Handler serves stored objects over HTTP. Requests must carry a valid
// signature from SignedURL; there is no unauthenticated listing or browsing.
type Handler struct {
	store *FileStore
	log   *slog.Logger
}

func NewHandler(store *FileStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, log: log}
}

func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	q := r.URL.Query()
	if !h.store.VerifySignature(key, q.Get("exp"), q.Get("sig")) {
		http.Error(w, "invalid or expired signature", http.StatusForbidden)
		return
	}
	path, err := h.store.Open(key)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}
