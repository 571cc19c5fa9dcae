package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/authmesh/authmesh-go/internal/cache"
)

// Server is the HTTP server side of the cluster transport. It serves
// the endpoints PeerClient consumes: ping, info, table snapshots, and
// inbound replication.
type Server struct {
	engine     *cache.Engine
	membership *Membership
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a cluster RPC server bound to addr.
func NewServer(addr string, engine *cache.Engine, membership *Membership, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:     engine,
		membership: membership,
		logger:     logger,
	}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the cluster RPC routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cluster/v1/ping", s.handlePing)
	mux.HandleFunc("GET /cluster/v1/info", s.handleInfo)
	mux.HandleFunc("GET /cluster/v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /cluster/v1/replicate", s.handleReplicate)
	return mux
}

// ListenAndServe starts the cluster server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"node_id": s.membership.SelfID(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	tables := s.engine.Tables()
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t.Name)
	}

	self := s.membership.Self()
	writeJSON(w, http.StatusOK, NodeInfo{
		ID:       self.ID,
		JoinedAt: self.JoinedAt.UnixMilli(),
		Tables:   names,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	table := r.URL.Query().Get("table")
	if table == "" {
		http.Error(w, "missing table parameter", http.StatusBadRequest)
		return
	}

	entries, err := s.engine.Entries(table)
	if err != nil {
		if errors.Is(err, cache.ErrNoSuchTable) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.logger.Debug("serving table snapshot",
		"table", table,
		"entries", len(entries),
		"peer", r.RemoteAddr)

	if entries == nil {
		entries = []cache.Entry{}
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Table: table, Entries: entries})
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Apply locally only; inbound replicated ops are never re-broadcast.
	if err := s.engine.Apply(req.Table, req.Op); err != nil {
		if errors.Is(err, cache.ErrNoSuchTable) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
