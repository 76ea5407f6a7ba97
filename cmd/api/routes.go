package main

import (
	"net/http"

	"github.com/reelforge/backend/internal/auth"
	"github.com/reelforge/backend/internal/billing"
	"github.com/reelforge/backend/internal/creations"
	"github.com/reelforge/backend/internal/middleware"
	"github.com/reelforge/backend/internal/stitch"
	"github.com/reelforge/backend/internal/storage"
)

type routeDeps struct {
	auth      auth.Service
	authH     *auth.Handler
	creations *creations.Handler
	stitch    *stitch.Handler
	billing   *billing.Handler
	static    *storage.Handler
}

// registerRoutes adds every endpoint to the given mux.
// Middleware chain: RequireAuth -> handler for account-scoped routes. The
// billing webhook authenticates itself with an HMAC signature and stored
// outputs are served through signed URLs, so neither carries a bearer token.
func registerRoutes(mux *http.ServeMux, d routeDeps) {
	authed := middleware.RequireAuth(d.auth)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Accounts
	mux.HandleFunc("POST /v1/auth/register", d.authH.Register)
	mux.HandleFunc("POST /v1/auth/login", d.authH.Login)
	mux.Handle("GET /v1/auth/me", authed(http.HandlerFunc(d.authH.Me)))

	// Creations
	mux.Handle("POST /v1/creations", authed(http.HandlerFunc(d.creations.Submit)))
	mux.Handle("GET /v1/creations", authed(http.HandlerFunc(d.creations.List)))
	mux.Handle("GET /v1/creations/{id}", authed(http.HandlerFunc(d.creations.Get)))
	mux.Handle("POST /v1/creations/{id}/publish", authed(http.HandlerFunc(d.creations.Publish)))
	mux.Handle("GET /v1/creations/{id}/output", authed(http.HandlerFunc(d.creations.Output)))

	// Reels
	mux.Handle("POST /v1/reels/{target}/stitch", authed(http.HandlerFunc(d.stitch.Enqueue)))
	mux.Handle("GET /v1/reels/{target}/stitch", authed(http.HandlerFunc(d.stitch.Status)))

	// Billing
	mux.HandleFunc("POST /v1/billing/webhook", d.billing.Webhook)
	mux.HandleFunc("GET /v1/billing/packages", d.billing.Packages)
	mux.Handle("GET /v1/billing/balance", authed(http.HandlerFunc(d.billing.Balance)))
	mux.Handle("GET /v1/billing/history", authed(http.HandlerFunc(d.billing.History)))

	// Stored outputs (signed URLs only)
	mux.HandleFunc("GET /static/{key...}", d.static.Serve)
}
