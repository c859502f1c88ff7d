package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/autochat/internal/observability"
	"github.com/ent0n29/autochat/internal/runlog"
	"github.com/ent0n29/autochat/internal/session"
	"github.com/ent0n29/autochat/internal/stats"
)

const (
	defaultLogLimit    = 200
	defaultDialogLimit = 50
	maxListLimit       = 1000
	snapshotTimeout    = 2 * time.Second
)

// StatusSource yields the live run state.
type StatusSource interface {
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

type Server struct {
	status  StatusSource
	logs    *runlog.Buffer
	store   stats.Store
	metrics *observability.Metrics
}

func New(status StatusSource, logs *runlog.Buffer, store stats.Store, metrics *observability.Metrics) *Server {
	return &Server{
		status:  status,
		logs:    logs,
		store:   store,
		metrics: metrics,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/log", s.handleLog)
	r.Get("/v1/dialogs", s.handleListDialogs)
	r.Get("/v1/dialogs/{id}", s.handleGetDialog)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.logs != nil {
		body["run"] = s.logs.Run()
	}
	respondJSON(w, http.StatusOK, body)
}

// handleReady reports ready only while the transport is connected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "status_unavailable", err.Error())
		return
	}
	if snap.Status != session.StatusRunning || !snap.Connected {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "not_ready",
			"run_status": snap.Status,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"run_status": snap.Status,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "metrics not configured")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

type statusResponse struct {
	Run    session.Snapshot             `json:"run"`
	Stages *observability.StageSnapshot `json:"stages,omitempty"`
	Ledger *stats.Summary               `json:"ledger,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "status_unavailable", err.Error())
		return
	}
	resp := statusResponse{Run: snap}
	if s.metrics != nil {
		stages := s.metrics.Stages.Snapshot()
		resp.Stages = &stages
	}
	if s.store != nil {
		if sum, err := s.store.Summary(r.Context()); err == nil {
			resp.Ledger = &sum
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "run log not configured")
		return
	}
	limit, err := parseLimit(r, defaultLogLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	entries := s.logs.Entries(limit)
	if strings.EqualFold(r.URL.Query().Get("format"), "text") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		for _, e := range entries {
			_, _ = w.Write([]byte(e.String() + "\n"))
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"run":     s.logs.Run(),
		"dropped": s.logs.Dropped(),
		"entries": entries,
	})
}

func (s *Server) handleListDialogs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "dialog ledger not configured")
		return
	}
	limit, err := parseLimit(r, defaultDialogLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	recs, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger_error", err.Error())
		return
	}
	sum, err := s.store.Summary(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"summary": sum,
		"dialogs": recs,
	})
}

func (s *Server) handleGetDialog(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "dialog ledger not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_dialog_id", "missing dialog id")
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, stats.ErrNotFound) {
			respondError(w, http.StatusNotFound, "dialog_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "ledger_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) snapshot(ctx context.Context) (session.Snapshot, error) {
	if s.status == nil {
		return session.Snapshot{}, errors.New("controller not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	return s.status.Snapshot(ctx)
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
