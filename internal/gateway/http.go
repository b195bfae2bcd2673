package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MrWong99/dundra/internal/transport/duplex"
	"github.com/MrWong99/dundra/internal/transport/room"
)

// HTTPOptions configure the routes added by [Gateway.Register].
type HTTPOptions struct {
	// AllowAnyOrigin accepts WebSocket upgrades from any origin.
	AllowAnyOrigin bool
}

// Register adds the gateway routes to mux:
//
//   - GET /audio: duplex socket, transcription starts on connect. The
//     optional session_id and campaign_id query parameters bind final
//     transcripts to a game session.
//   - GET /rooms: room-protocol socket driven by explicit commands.
//   - GET /api/sessions and GET /api/sessions/{id}: connection diagnostics.
func (g *Gateway) Register(mux *http.ServeMux, opts HTTPOptions) {
	mux.HandleFunc("GET /audio", func(w http.ResponseWriter, r *http.Request) {
		conn, err := duplex.Accept(w, r, opts.AllowAnyOrigin)
		if err != nil {
			slog.Warn("audio socket upgrade failed", "err", err)
			return
		}
		q := r.URL.Query()
		_ = g.Serve(r.Context(), conn, ServeOptions{
			AutoStart:  true,
			SessionID:  q.Get("session_id"),
			CampaignID: q.Get("campaign_id"),
		})
	})

	mux.HandleFunc("GET /rooms", func(w http.ResponseWriter, r *http.Request) {
		conn, err := room.Accept(w, r, opts.AllowAnyOrigin)
		if err != nil {
			slog.Warn("room socket upgrade failed", "err", err)
			return
		}
		_ = g.Serve(r.Context(), conn, ServeOptions{})
	})

	mux.HandleFunc("GET /api/sessions", g.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", g.handleSession)
}

type sessionsResponse struct {
	ActiveSessions int    `json:"activeSessions"`
	Sessions       []Info `json:"sessions"`
}

func (g *Gateway) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := g.Sessions()
	writeJSON(w, http.StatusOK, sessionsResponse{ActiveSessions: len(sessions), Sessions: sessions})
}

func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	info, ok := g.SessionInfo(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorEvent{Error: "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}
