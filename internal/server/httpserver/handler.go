package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/authmesh/authmesh-go/internal/cache"
	"github.com/authmesh/authmesh-go/internal/cluster"
	"github.com/authmesh/authmesh-go/internal/store"
)

// Handler serves the client-facing REST API.
type Handler struct {
	store      *store.Store
	membership *cluster.Membership
	ready      func() bool
	health     func() string
	metrics    http.Handler
	logger     *slog.Logger

	mux *http.ServeMux
}

// HandlerConfig configures the REST handler.
type HandlerConfig struct {
	Store      *store.Store
	Membership *cluster.Membership

	// Ready reports whether the node finished joining. Nil means
	// always ready.
	Ready func() bool

	// Health returns the partition monitor state for the health
	// payload. Nil means "stable".
	Health func() string

	// Metrics is the /metrics endpoint handler. Nil disables it.
	Metrics http.Handler

	Logger *slog.Logger
}

// NewHandler creates the REST handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Ready == nil {
		cfg.Ready = func() bool { return true }
	}
	if cfg.Health == nil {
		cfg.Health = func() string { return "stable" }
	}

	h := &Handler{
		store:      cfg.Store,
		membership: cfg.Membership,
		ready:      cfg.Ready,
		health:     cfg.Health,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("PUT /v1/cache/{table}/{key}", h.handlePut)
	mux.HandleFunc("GET /v1/cache/{table}/{key}", h.handleGet)
	mux.HandleFunc("DELETE /v1/cache/{table}/{key}", h.handleDelete)
	mux.HandleFunc("GET /v1/cache/{table}", h.handleTableInfo)
	mux.HandleFunc("GET /v1/cluster/members", h.handleMembers)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	h.mux = mux
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// putRequest is the body of PUT /v1/cache/{table}/{key}.
//
// TTLSeconds of zero applies the server default; -1 stores the entry
// without expiry.
type putRequest struct {
	Value      []byte `json:"value"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// getResponse is the body of GET /v1/cache/{table}/{key}.
type getResponse struct {
	Table string `json:"table"`
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	key := r.PathValue("key")

	var req putRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "AM-CACHE-4000", "invalid request body")
		return
	}
	if req.TTLSeconds < -1 {
		writeError(w, http.StatusBadRequest, "AM-CACHE-4001", "ttl_seconds must be >= -1")
		return
	}

	var ttl time.Duration
	switch req.TTLSeconds {
	case -1:
		ttl = store.NoExpiry
	case 0:
		ttl = 0
	default:
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	if err := h.store.Put(table, []byte(key), req.Value, ttl); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	key := r.PathValue("key")

	value, err := h.store.Get(table, []byte(key))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, getResponse{Table: table, Key: key, Value: value})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	table := r.PathValue("table")
	key := r.PathValue("key")

	if err := h.store.Delete(table, []byte(key)); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleTableInfo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("table")

	for _, cfg := range h.store.Tables() {
		if cfg.Name == name {
			writeJSON(w, http.StatusOK, map[string]any{
				"name":         cfg.Name,
				"replicated":   cfg.Replicated,
				"reconcilable": cfg.Reconcilable,
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "AM-CACHE-4041", "no such table")
}

// memberView is one row of GET /v1/cluster/members.
type memberView struct {
	ID        string `json:"id"`
	Address   string `json:"address,omitempty"`
	JoinedAt  string `json:"joined_at,omitempty"`
	Connected bool   `json:"connected"`
	Self      bool   `json:"self,omitempty"`
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	self := h.membership.Self()
	members := []memberView{{
		ID:        self.ID,
		Address:   self.Address,
		JoinedAt:  self.JoinedAt.UTC().Format(time.RFC3339),
		Connected: true,
		Self:      true,
	}}

	for _, rec := range h.membership.KnownNodes() {
		mv := memberView{
			ID:        rec.ID,
			Address:   rec.Address,
			Connected: rec.Connected,
		}
		if !rec.JoinedAt.IsZero() {
			mv.JoinedAt = rec.JoinedAt.UTC().Format(time.RFC3339)
		}
		members = append(members, mv)
	}

	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"cluster": h.health(),
	})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready() {
		writeError(w, http.StatusServiceUnavailable, "AM-SYS-5030", "node is still joining")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cache.ErrNotFound):
		writeError(w, http.StatusNotFound, "AM-CACHE-4040", "entry not found")
	case errors.Is(err, cache.ErrNoSuchTable):
		writeError(w, http.StatusNotFound, "AM-CACHE-4041", "no such table")
	default:
		h.logger.Error("cache operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "AM-SYS-5000", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
