package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/obiente/voicebridge/internal/config"
	"github.com/obiente/voicebridge/internal/ws"
)

func NewRouter(cfg config.Config, wss *ws.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "mode": cfg.Mode})
	})
	// Audio bridge WebSocket; /media matches telephony media stream defaults.
	r.Get("/ws", wss.Handle)
	r.Get("/media", wss.Handle)
	return r
}
