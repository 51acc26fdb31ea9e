package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// AuditQuerier is the subset of audit.PostgresSink used by the audit query
// endpoint. A nil AuditQuerier disables /api/v1/audit with a 501.
type AuditQuerier interface {
	QueryEvents(ctx context.Context, peer string, from, to time.Time) ([]json.RawMessage, error)
}

// Server holds the dependencies needed by the admin handlers.
type Server struct {
	engine EngineStore
	audit  AuditQuerier
}

// NewServer creates a Server wired to engine. audit may be nil when no
// queryable audit backend is configured.
func NewServer(engine EngineStore, audit AuditQuerier) *Server {
	return &Server{engine: engine, audit: audit}
}

// handleHealthz responds to GET /healthz with no authentication required.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetConnections responds to GET /api/v1/connections with every live
// CLCB as of the request's turn in the engine's serialized work queue.
func (s *Server) handleGetConnections(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type connection struct {
		ClientID               int    `json:"client_id"`
		Peer                   string `json:"peer"`
		Bearer                 int    `json:"bearer"`
		ConnID                 int    `json:"conn_id"`
		State                  string `json:"state"`
		RequestDuringDiscovery bool   `json:"request_during_discovery"`
	}
	out := make([]connection, 0, len(snap.Connections))
	for _, c := range snap.Connections {
		out = append(out, connection{
			ClientID:               c.ClientID,
			Peer:                   c.Peer.String(),
			Bearer:                 int(c.Bearer),
			ConnID:                 c.ConnID,
			State:                  c.State.String(),
			RequestDuringDiscovery: c.RequestDuringDiscovery,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetPeers responds to GET /api/v1/peers with every cached server
// record.
func (s *Server) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type peer struct {
		Peer        string `json:"peer"`
		Connected   bool   `json:"connected"`
		MTU         int    `json:"mtu"`
		State       string `json:"state"`
		NumCLCB     int    `json:"num_clcb"`
		UpdateCount int    `json:"update_count"`
	}
	out := make([]peer, 0, len(snap.Peers))
	for _, p := range snap.Peers {
		out = append(out, peer{
			Peer:        p.Peer.String(),
			Connected:   p.Connected,
			MTU:         p.MTU,
			State:       p.State.String(),
			NumCLCB:     p.NumCLCB,
			UpdateCount: p.UpdateCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetAudit responds to GET /api/v1/audit.
//
// Required query parameters: peer, from, to (RFC3339). Responds 501 when no
// queryable audit backend was configured (e.g. the "local" file backend,
// which is append-only and not indexed for range queries).
func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotImplemented, "no queryable audit backend configured")
		return
	}

	q := r.URL.Query()
	peer := q.Get("peer")
	if peer == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'peer' is required")
		return
	}
	fromStr, toStr := q.Get("from"), q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	events, err := s.audit.QueryEvents(r.Context(), peer, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
