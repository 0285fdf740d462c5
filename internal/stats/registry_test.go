package stats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market-pnl-lab/internal/catalog"
	"market-pnl-lab/internal/storage"
)

type stubStore struct {
	rows     []map[string]any
	executed []string
	dbSizeMB float64
}

func (s *stubStore) Execute(sql string) error {
	s.executed = append(s.executed, sql)
	return nil
}
func (s *stubStore) InitSyncState() error                       { return nil }
func (s *stubStore) InitEntity(*catalog.EntityDef) error        { return nil }
func (s *stubStore) GetCursor(string, string) (storage.Cursor, error) {
	return storage.Cursor{}, nil
}
func (s *stubStore) AtomicInsertWithCursor(string, string, []string, string, string, string, int) error {
	return nil
}
func (s *stubStore) QueryRows(string) ([]map[string]any, error) { return s.rows, nil }
func (s *stubStore) QuerySingleInt(string) int64                { return 0 }
func (s *stubStore) TableCount(string) (int64, error)           { return 0, nil }
func (s *stubStore) ScanRows(context.Context, string, func(storage.RowScanner) error) error {
	return nil
}
func (s *stubStore) MergePnlIntoCondition() error                    { return nil }
func (s *stubStore) NullPositionIDConditions(int) ([]string, error)  { return nil, nil }
func (s *stubStore) UpdateConditionPositionIDs(string, string) error { return nil }
func (s *stubStore) DBSizeMB() float64                               { return s.dbSizeMB }
func (s *stubStore) Close() error                                    { return nil }

func newTestRegistry(store storage.Store) *Registry {
	return NewRegistry(store, zap.NewNop())
}

func TestSuccessRateNoRequests(t *testing.T) {
	e := &entityStat{}
	assert.Equal(t, float64(100), e.successRate())
}

func TestSuccessRateWithFailures(t *testing.T) {
	e := &entityStat{totalRequests: 10, failedRequests: 3}
	assert.Equal(t, float64(70), e.successRate())
}

func TestAvgLatencyDoneIsZero(t *testing.T) {
	e := &entityStat{done: true, recentLen: 2}
	e.recent[0], e.recent[1] = 100, 200
	assert.Equal(t, float64(0), e.avgLatencyMs())
}

func TestAPIStateStrings(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "calling", StateCalling.String())
	assert.Equal(t, "processing", StateProcessing.String())
}

func TestInitEntityLoadsHistory(t *testing.T) {
	store := &stubStore{rows: []map[string]any{{
		"total_requests":    int64(42),
		"failed_requests":   int64(7),
		"total_api_time_ms": int64(9000),
	}}}
	r := newTestRegistry(store)
	r.InitEntity("polymarket", "splits", 500, 188)

	r.mu.Lock()
	e := r.entries["polymarket/splits"]
	r.mu.Unlock()
	require.NotNil(t, e)
	assert.Equal(t, int64(42), e.totalRequests)
	assert.Equal(t, int64(7), e.failedRequests)
	assert.Equal(t, int64(9000), e.totalAPITimeMs)
	assert.Equal(t, int64(500), e.rowsSynced)
}

func TestObserveRequestCreatesEntry(t *testing.T) {
	r := newTestRegistry(&stubStore{})
	r.ObserveRequest("polymarket", "splits", 150, false)
	r.ObserveRequest("polymarket", "splits", 250, true)

	r.mu.Lock()
	e := r.entries["polymarket/splits"]
	r.mu.Unlock()
	require.NotNil(t, e)
	assert.Equal(t, int64(2), e.totalRequests)
	assert.Equal(t, int64(1), e.failedRequests)
	assert.Equal(t, int64(400), e.totalAPITimeMs)
	assert.Equal(t, float64(200), e.avgLatencyMs())
}

func TestDumpJSONShape(t *testing.T) {
	store := &stubStore{dbSizeMB: 12.5}
	r := newTestRegistry(store)
	r.InitEntity("polymarket", "splits", 1000, 188)
	r.ObserveRequest("polymarket", "splits", 100, false)

	var out map[string]entryDump
	require.NoError(t, json.Unmarshal(r.DumpJSON(), &out))
	d, ok := out["polymarket/splits"]
	require.True(t, ok)
	assert.Equal(t, int64(1000), d.Count)
	assert.Equal(t, 188, d.RowSizeBytes)
	assert.Equal(t, 12.5, d.DBSizeMB)
	assert.Equal(t, float64(100), d.SuccessRate)
	assert.Equal(t, int64(1), d.TotalRequests)
	assert.Equal(t, "idle", d.APIState)
}

func TestDumpJSONCached(t *testing.T) {
	r := newTestRegistry(&stubStore{})
	first := r.DumpJSON()
	r.ObserveRequest("polymarket", "splits", 100, false)
	second := r.DumpJSON()
	assert.Equal(t, string(first), string(second))

	r.dumpMu.Lock()
	r.dumpAt = time.Now().Add(-time.Second)
	r.dumpMu.Unlock()
	third := r.DumpJSON()
	assert.NotEqual(t, string(first), string(third))
}

func TestAvgLatencyRingWraps(t *testing.T) {
	r := newTestRegistry(&stubStore{})
	// 25 observations; only the last 20 (values 6..25) stay in the window
	for i := 1; i <= 25; i++ {
		r.ObserveRequest("polymarket", "splits", int64(i), false)
	}

	r.mu.Lock()
	e := r.entries["polymarket/splits"]
	r.mu.Unlock()
	assert.Equal(t, 15.5, e.avgLatencyMs())
	assert.Equal(t, int64(25), e.totalRequests)
}

func TestSetDoneResetsState(t *testing.T) {
	r := newTestRegistry(&stubStore{})
	r.InitEntity("polymarket", "splits", 0, 0)
	r.SetState("polymarket", "splits", StateCalling)
	r.SetDone("polymarket", "splits", true)

	r.mu.Lock()
	e := r.entries["polymarket/splits"]
	r.mu.Unlock()
	assert.True(t, e.done)
	assert.Equal(t, StateIdle, e.apiState)
}

func TestObserveIndexerFail(t *testing.T) {
	store := &stubStore{rows: []map[string]any{
		{"indexer": "0xaaa", "fail_count": int64(5)},
	}}
	r := newTestRegistry(store)
	r.ObserveIndexerFail("0xaaa")
	r.ObserveIndexerFail("0xbbb")

	var out map[string]int64
	require.NoError(t, json.Unmarshal(r.IndexerFailsJSON(), &out))
	assert.Equal(t, int64(6), out["0xaaa"])
	assert.Equal(t, int64(1), out["0xbbb"])
}
