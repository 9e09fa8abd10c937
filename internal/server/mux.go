// Package server provides the development messaging server: REST history
// and send endpoints plus the push endpoint, backed by the bbolt store.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/convsync/internal/auth"
	"github.com/alexjbarnes/convsync/internal/messaging"
	"github.com/alexjbarnes/convsync/internal/store"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store  *store.Store
	Tokens *auth.Tokens
	Hub    *Hub
	Logger *slog.Logger
}

// NewMux builds the HTTP mux with channel, direct message, membership and
// push endpoints. Every endpoint except /healthz requires a Bearer token.
func NewMux(cfg MuxConfig) *http.ServeMux {
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}

	conv := &conversations{store: cfg.Store, hub: cfg.Hub, logger: cfg.Logger}
	ws := &wsHandler{hub: cfg.Hub, conv: conv, logger: cfg.Logger}

	authMiddleware := auth.Middleware(cfg.Tokens, cfg.Logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.Handle("GET /channels/{id}/messages", authMiddleware(conv.handleHistory(messaging.KindChannel, "id")))
	mux.Handle("POST /channels/{id}/messages", authMiddleware(conv.handlePost(messaging.KindChannel, "id")))
	mux.Handle("POST /channels/{id}/members", authMiddleware(conv.handleMembership(true)))
	mux.Handle("DELETE /channels/{id}/members", authMiddleware(conv.handleMembership(false)))

	mux.Handle("GET /messages/{peer}", authMiddleware(conv.handleHistory(messaging.KindDirect, "peer")))
	mux.Handle("POST /messages/{peer}", authMiddleware(conv.handlePost(messaging.KindDirect, "peer")))

	mux.Handle("GET /ws", authMiddleware(ws))

	return mux
}
