// Package api exposes the HTTP surface: sync control and progress, stats,
// rebuild control, replay queries, ad-hoc SQL, and a websocket progress feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"market-pnl-lab/internal/rebuild"
	"market-pnl-lab/internal/replay"
	"market-pnl-lab/internal/stats"
	"market-pnl-lab/internal/storage"
	syncpkg "market-pnl-lab/internal/sync"
)

const (
	wsPushInterval       = time.Second
	defaultUserListLimit = 100
	maxSQLBodyBytes      = 1 << 20
)

// Server wires the HTTP handlers to the sync, stats, rebuild, and replay
// subsystems.
type Server struct {
	store        storage.Store
	stats        *stats.Registry
	coordinator  *syncpkg.Coordinator
	filler       *syncpkg.Filler
	engine       *rebuild.Engine
	logger       *zap.Logger
	snapshotPath string
	upgrader     websocket.Upgrader
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Store        storage.Store
	Stats        *stats.Registry
	Coordinator  *syncpkg.Coordinator
	Filler       *syncpkg.Filler
	Engine       *rebuild.Engine
	Logger       *zap.Logger
	SnapshotPath string
}

// NewServer creates the API server.
func NewServer(opts ServerOptions) *Server {
	return &Server{
		store:        opts.Store,
		stats:        opts.Stats,
		coordinator:  opts.Coordinator,
		filler:       opts.Filler,
		engine:       opts.Engine,
		logger:       opts.Logger.Named("api"),
		snapshotPath: opts.SnapshotPath,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/sync-progress", s.handleSyncProgress).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/entity-stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/indexer-fails", s.handleIndexerFails).Methods(http.MethodGet)
	r.HandleFunc("/api/sync", s.handleSyncNow).Methods(http.MethodPost)
	r.HandleFunc("/api/fill-token-ids", s.handleFillStart).Methods(http.MethodPost)
	r.HandleFunc("/api/fill-token-ids", s.handleFillStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/rebuild-all", s.handleRebuildAll).Methods(http.MethodPost)
	r.HandleFunc("/api/rebuild-load", s.handleRebuildLoad).Methods(http.MethodPost)
	r.HandleFunc("/api/rebuild-status", s.handleRebuildStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/rebuild-check-persist", s.handleRebuildCheckPersist).Methods(http.MethodGet)
	r.HandleFunc("/api/replay", s.handleReplay).Methods(http.MethodGet)
	r.HandleFunc("/api/replay-trades", s.handleReplayTrades).Methods(http.MethodGet)
	r.HandleFunc("/api/replay-positions", s.handleReplayPositions).Methods(http.MethodGet)
	r.HandleFunc("/api/replay-users", s.handleReplayUsers).Methods(http.MethodGet)
	r.HandleFunc("/api/sql", s.handleSQL).Methods(http.MethodPost)
	r.HandleFunc("/ws/progress", s.handleProgressWS)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSyncProgress(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coordinator.Progress())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeRaw(w, http.StatusOK, s.stats.DumpJSON())
}

func (s *Server) handleIndexerFails(w http.ResponseWriter, _ *http.Request) {
	s.writeRaw(w, http.StatusOK, s.stats.IndexerFailsJSON())
}

func (s *Server) handleSyncNow(w http.ResponseWriter, _ *http.Request) {
	s.coordinator.TriggerNow()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func (s *Server) handleFillStart(w http.ResponseWriter, _ *http.Request) {
	// Detached from the request context, which is cancelled as soon as this
	// handler returns and would stop the background run.
	if err := s.filler.Start(context.Background()); err != nil {
		if errors.Is(err, storage.ErrAlreadyRunning) {
			s.writeError(w, http.StatusConflict, "fill already running")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleFillStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.filler.Status())
}

func (s *Server) handleRebuildAll(w http.ResponseWriter, _ *http.Request) {
	if s.engine.Running() {
		s.writeError(w, http.StatusConflict, "rebuild already running")
		return
	}
	// Detached from the request context so a closed connection does not
	// abort a multi-minute rebuild.
	go func() {
		if err := s.engine.RebuildAll(context.Background()); err != nil {
			s.logger.Error("rebuild failed", zap.Error(err))
			return
		}
		if err := s.engine.Save(s.snapshotPath); err != nil {
			s.logger.Error("snapshot save failed", zap.Error(err))
		}
	}()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleRebuildLoad(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Load(s.snapshotPath); err != nil {
		if errors.Is(err, storage.ErrAlreadyRunning) {
			s.writeError(w, http.StatusConflict, "rebuild in progress")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "loaded"})
}

func (s *Server) handleRebuildStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Progress())
}

func (s *Server) handleRebuildCheckPersist(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, rebuild.CheckPersist(s.snapshotPath))
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		s.writeError(w, http.StatusBadRequest, "missing user")
		return
	}
	body, err := replay.UserTimeline(s.engine, user)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeRaw(w, http.StatusOK, body)
}

func (s *Server) handleReplayTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := q.Get("user")
	if user == "" {
		s.writeError(w, http.StatusBadRequest, "missing user")
		return
	}
	ts, err := strconv.ParseInt(q.Get("ts"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad ts")
		return
	}
	radius, _ := strconv.Atoi(q.Get("radius"))

	result, err := replay.TradesAt(s.engine, user, ts, radius)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReplayPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := q.Get("user")
	if user == "" {
		s.writeError(w, http.StatusBadRequest, "missing user")
		return
	}
	ts, err := strconv.ParseInt(q.Get("ts"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad ts")
		return
	}
	result, err := replay.PositionsAt(s.engine, user, ts)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "user not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReplayUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultUserListLimit
	}
	s.writeJSON(w, http.StatusOK, replay.UserList(s.engine, limit))
}

type sqlRequest struct {
	Query string `json:"query"`
}

// handleSQL runs an ad-hoc read query. Failures come back as JSON in the
// body rather than a bare status so the console can display them.
func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSQLBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body")
		return
	}
	var req sqlRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Query == "" {
		s.writeError(w, http.StatusBadRequest, "missing query")
		return
	}
	rows, err := s.store.QueryRows(req.Query)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rows": rows, "count": len(rows)})
}

// handleProgressWS pushes the sync progress snapshot once per second until
// the peer goes away.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	// drain control frames so pongs and close get processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.coordinator.Progress()); err != nil {
				return
			}
		}
	}
}
