package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market-pnl-lab/internal/catalog"
	"market-pnl-lab/internal/rebuild"
	"market-pnl-lab/internal/stats"
	"market-pnl-lab/internal/storage"
	syncpkg "market-pnl-lab/internal/sync"
)

type stubStore struct {
	rows     []map[string]any
	queryErr error
}

func (s *stubStore) Execute(string) error                { return nil }
func (s *stubStore) InitSyncState() error                { return nil }
func (s *stubStore) InitEntity(*catalog.EntityDef) error { return nil }
func (s *stubStore) GetCursor(string, string) (storage.Cursor, error) {
	return storage.Cursor{}, nil
}
func (s *stubStore) AtomicInsertWithCursor(string, string, []string, string, string, string, int) error {
	return nil
}
func (s *stubStore) QueryRows(string) ([]map[string]any, error) { return s.rows, s.queryErr }
func (s *stubStore) QuerySingleInt(string) int64                { return 0 }
func (s *stubStore) TableCount(string) (int64, error)           { return 0, nil }
func (s *stubStore) ScanRows(context.Context, string, func(storage.RowScanner) error) error {
	return nil
}
func (s *stubStore) MergePnlIntoCondition() error                    { return nil }
func (s *stubStore) NullPositionIDConditions(int) ([]string, error)  { return nil, nil }
func (s *stubStore) UpdateConditionPositionIDs(string, string) error { return nil }
func (s *stubStore) DBSizeMB() float64                               { return 0 }
func (s *stubStore) Close() error                                    { return nil }

func newTestServer(t *testing.T, store storage.Store) *Server {
	t.Helper()
	logger := zap.NewNop()
	coord, err := syncpkg.NewCoordinator(syncpkg.CoordinatorOptions{Logger: logger})
	require.NoError(t, err)
	return NewServer(ServerOptions{
		Store:        store,
		Stats:        stats.NewRegistry(store, logger),
		Coordinator:  coord,
		Filler:       syncpkg.NewFiller(syncpkg.FillerOptions{Store: store, Logger: logger}),
		Engine:       rebuild.NewEngine(rebuild.EngineOptions{Store: store, Logger: logger}),
		Logger:       logger,
		SnapshotPath: filepath.Join(t.TempDir(), "rebuild.bin"),
	})
}

func doRequest(t *testing.T, s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSyncProgress(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodGet, "/api/sync-progress", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var p syncpkg.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, int64(0), p.Round)
	assert.False(t, p.Running)
}

func TestStatsEndpoints(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	for _, path := range []string{"/api/stats", "/api/entity-stats", "/api/indexer-fails"} {
		rec := doRequest(t, s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), path)
		assert.JSONEq(t, `{}`, rec.Body.String(), path)
	}
}

func TestSyncNow(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodPost, "/api/sync", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"triggered"}`, rec.Body.String())
}

func TestRebuildStatus(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodGet, "/api/rebuild-status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var p rebuild.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 0, p.Phase)
	assert.False(t, p.Running)
}

func TestRebuildCheckPersistMissing(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodGet, "/api/rebuild-check-persist", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var info rebuild.PersistInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.False(t, info.Exists)
}

func TestRebuildLoadMissingSnapshot(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodPost, "/api/rebuild-load", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReplayMissingUser(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodGet, "/api/replay", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayUnknownUser(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodGet, "/api/replay?user=0xghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplayTradesBadTimestamp(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodGet, "/api/replay-trades?user=0xa&ts=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayPositionsMissingUser(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodGet, "/api/replay-positions?ts=100", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayUsersEmpty(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodGet, "/api/replay-users", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestSQLMissingQuery(t *testing.T) {
	s := newTestServer(t, &stubStore{})
	rec := doRequest(t, s, http.MethodPost, "/api/sql", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSQLQueryErrorInBody(t *testing.T) {
	s := newTestServer(t, &stubStore{queryErr: errors.New("no such table")})
	rec := doRequest(t, s, http.MethodPost, "/api/sql", []byte(`{"query":"SELECT 1"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"error":"no such table"}`, rec.Body.String())
}

func TestSQLReturnsRows(t *testing.T) {
	s := newTestServer(t, &stubStore{rows: []map[string]any{{"n": float64(1)}}})
	rec := doRequest(t, s, http.MethodPost, "/api/sql", []byte(`{"query":"SELECT 1 AS n"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"rows":[{"n":1}],"count":1}`, rec.Body.String())
}
