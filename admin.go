// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: intel/ztunnel src/proxy/connection_manager.rs (admin introspection)
//

package connguard

import (
	"encoding/json"
	"net/http"
)

// NewAdminHandler returns a new [*AdminHandler] serving introspection
// endpoints backed by tracker and stats.
func NewAdminHandler(tracker *Tracker, stats *Stats) *AdminHandler {
	return &AdminHandler{Tracker: tracker, Stats: stats}
}

// AdminHandler exposes read-only JSON introspection of live connections
// and cumulative outcome counters, in the spirit of ztunnel's admin
// server. It implements [http.Handler] directly; mount it at any prefix
// with [http.StripPrefix].
//
// All fields are safe to modify after construction but before first use.
type AdminHandler struct {
	// Tracker backs GET /connections.
	Tracker *Tracker

	// Stats backs GET /stats.
	Stats *Stats
}

var _ http.Handler = &AdminHandler{}

// ServeHTTP implements [http.Handler]. It routes GET /connections and
// GET /stats; any method other than GET returns 405, and any other path
// returns 404.
func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/connections":
		h.serveConnections(w, r)
	case "/stats":
		h.serveStats(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *AdminHandler) serveConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Tracker.ListConnections())
}

func (h *AdminHandler) serveStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.Stats.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
