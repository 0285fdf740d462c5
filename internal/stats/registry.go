// Package stats tracks per-(source, entity) sync statistics: request
// counters, recent latencies, and indexer fault attribution. Counters are
// persisted to the store with throttling so restarts keep history.
package stats

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-pnl-lab/internal/catalog"
	"market-pnl-lab/internal/observability"
	"market-pnl-lab/internal/storage"
)

const (
	// recentWindow is the number of latencies kept for the rolling average.
	recentWindow = 20
	// persistInterval throttles counter writeback.
	persistInterval = 5 * time.Second
	// dumpTTL caches the JSON dump between polls.
	dumpTTL = 200 * time.Millisecond
)

// APIState describes what an entity sync is doing right now.
type APIState int

const (
	StateIdle APIState = iota
	StateCalling
	StateProcessing
)

func (s APIState) String() string {
	switch s {
	case StateCalling:
		return "calling"
	case StateProcessing:
		return "processing"
	default:
		return "idle"
	}
}

type entityStat struct {
	totalRequests  int64
	failedRequests int64
	totalAPITimeMs int64

	recent    [recentWindow]int64
	recentLen int
	recentPos int

	rowsSynced   int64
	rowSizeBytes int
	apiState     APIState
	done         bool

	lastPersist time.Time
}

func (e *entityStat) successRate() float64 {
	if e.totalRequests == 0 {
		return 100
	}
	return float64(e.totalRequests-e.failedRequests) / float64(e.totalRequests) * 100
}

func (e *entityStat) avgLatencyMs() float64 {
	if e.done || e.recentLen == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < e.recentLen; i++ {
		sum += e.recent[i]
	}
	return float64(sum) / float64(e.recentLen)
}

// Registry aggregates sync statistics. Construct one in main and pass it by
// reference; there is no package-level instance.
type Registry struct {
	store  storage.Store
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entityStat

	failMu          sync.Mutex
	indexerFails    map[string]int64
	failsLoaded     bool
	lastFailPersist time.Time

	dumpMu    sync.Mutex
	dumpCache []byte
	dumpAt    time.Time
}

// NewRegistry creates an empty registry backed by the store.
func NewRegistry(store storage.Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:        store,
		logger:       logger.Named("stats"),
		entries:      make(map[string]*entityStat),
		indexerFails: make(map[string]int64),
	}
}

func key(source, entity string) string {
	return source + "/" + entity
}

// InitEntity registers an entity and loads any persisted request history.
func (r *Registry) InitEntity(source, entity string, rowCount int64, rowSizeBytes int) {
	e := &entityStat{rowsSynced: rowCount, rowSizeBytes: rowSizeBytes}

	rows, err := r.store.QueryRows(
		"SELECT total_requests, failed_requests, total_api_time_ms FROM entity_stats_meta " +
			"WHERE source = " + catalog.EscapeSQL(source) +
			" AND entity = " + catalog.EscapeSQL(entity))
	if err != nil {
		r.logger.Warn("load entity history", zap.String("entity", key(source, entity)), zap.Error(err))
	} else if len(rows) > 0 {
		e.totalRequests = asInt64(rows[0]["total_requests"])
		e.failedRequests = asInt64(rows[0]["failed_requests"])
		e.totalAPITimeMs = asInt64(rows[0]["total_api_time_ms"])
	}

	r.mu.Lock()
	r.entries[key(source, entity)] = e
	r.mu.Unlock()
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	default:
		return 0
	}
}

// ObserveRequest records one pull attempt and persists counters at most
// every 5 seconds per entity.
func (r *Registry) ObserveRequest(source, entity string, latencyMs int64, failed bool) {
	r.mu.Lock()
	e := r.entries[key(source, entity)]
	if e == nil {
		e = &entityStat{}
		r.entries[key(source, entity)] = e
	}
	e.totalRequests++
	if failed {
		e.failedRequests++
	}
	e.totalAPITimeMs += latencyMs
	e.recent[e.recentPos] = latencyMs
	e.recentPos = (e.recentPos + 1) % recentWindow
	if e.recentLen < recentWindow {
		e.recentLen++
	}

	persist := time.Since(e.lastPersist) >= persistInterval
	if persist {
		e.lastPersist = time.Now()
	}
	total, failedN, apiTime := e.totalRequests, e.failedRequests, e.totalAPITimeMs
	r.mu.Unlock()

	if persist {
		r.persistEntity(source, entity, total, failedN, apiTime)
	}
}

func (r *Registry) persistEntity(source, entity string, total, failed, apiTimeMs int64) {
	err := r.store.Execute(
		"INSERT OR REPLACE INTO entity_stats_meta (source, entity, total_requests, failed_requests, total_api_time_ms) VALUES (" +
			catalog.EscapeSQL(source) + ", " +
			catalog.EscapeSQL(entity) + ", " +
			strconv.FormatInt(total, 10) + ", " +
			strconv.FormatInt(failed, 10) + ", " +
			strconv.FormatInt(apiTimeMs, 10) + ")")
	if err != nil {
		r.logger.Warn("persist entity stats", zap.String("entity", key(source, entity)), zap.Error(err))
	}
}

// SetState updates the live api state for an entity.
func (r *Registry) SetState(source, entity string, state APIState) {
	r.mu.Lock()
	if e := r.entries[key(source, entity)]; e != nil {
		e.apiState = state
	}
	r.mu.Unlock()
}

// SetDone marks an entity sync as finished for this round.
func (r *Registry) SetDone(source, entity string, done bool) {
	r.mu.Lock()
	if e := r.entries[key(source, entity)]; e != nil {
		e.done = done
		if done {
			e.apiState = StateIdle
		}
	}
	r.mu.Unlock()
}

// SetRowCount updates the live synced row count.
func (r *Registry) SetRowCount(source, entity string, count int64) {
	r.mu.Lock()
	if e := r.entries[key(source, entity)]; e != nil {
		e.rowsSynced = count
	}
	r.mu.Unlock()
}

// ObserveIndexerFail counts one indexer fault, loading persisted counts on
// first use and writing back with the same 5 second throttle.
func (r *Registry) ObserveIndexerFail(indexer string) {
	r.failMu.Lock()
	defer r.failMu.Unlock()

	if !r.failsLoaded {
		rows, err := r.store.QueryRows("SELECT indexer, fail_count FROM indexer_fail_meta")
		if err != nil {
			r.logger.Warn("load indexer fails", zap.Error(err))
		} else {
			for _, row := range rows {
				if name, ok := row["indexer"].(string); ok {
					r.indexerFails[name] = asInt64(row["fail_count"])
				}
			}
		}
		r.failsLoaded = true
	}

	r.indexerFails[indexer]++

	if time.Since(r.lastFailPersist) < persistInterval {
		return
	}
	r.lastFailPersist = time.Now()
	for name, count := range r.indexerFails {
		err := r.store.Execute("INSERT OR REPLACE INTO indexer_fail_meta (indexer, fail_count) VALUES (" +
			catalog.EscapeSQL(name) + ", " + strconv.FormatInt(count, 10) + ")")
		if err != nil {
			r.logger.Warn("persist indexer fails", zap.Error(err))
			return
		}
	}
}

// entryDump is the JSON shape per entity.
type entryDump struct {
	Count          int64   `json:"count"`
	RowSizeBytes   int     `json:"row_size_bytes"`
	DBSizeMB       float64 `json:"db_size_mb"`
	Speed          float64 `json:"speed"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	SuccessRate    float64 `json:"success_rate"`
	TotalRequests  int64   `json:"total_requests"`
	FailedRequests int64   `json:"failed_requests"`
	APIState       string  `json:"api_state"`
}

// DumpJSON renders all entity stats keyed by "source/entity". The result is
// cached for 200ms since dashboards poll aggressively.
func (r *Registry) DumpJSON() []byte {
	r.dumpMu.Lock()
	defer r.dumpMu.Unlock()
	if r.dumpCache != nil && time.Since(r.dumpAt) < dumpTTL {
		return r.dumpCache
	}

	dbSize := r.store.DBSizeMB()
	observability.UpdateDBSize(dbSize)

	r.mu.Lock()
	out := make(map[string]entryDump, len(r.entries))
	for k, e := range r.entries {
		var speed float64
		if e.totalAPITimeMs > 0 {
			speed = math.Round(float64(e.rowsSynced)/(float64(e.totalAPITimeMs)/1000)*10) / 10
		}
		out[k] = entryDump{
			Count:          e.rowsSynced,
			RowSizeBytes:   e.rowSizeBytes,
			DBSizeMB:       dbSize,
			Speed:          speed,
			AvgLatencyMs:   e.avgLatencyMs(),
			SuccessRate:    e.successRate(),
			TotalRequests:  e.totalRequests,
			FailedRequests: e.failedRequests,
			APIState:       e.apiState.String(),
		}
	}
	r.mu.Unlock()

	data, err := json.Marshal(out)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	r.dumpCache = data
	r.dumpAt = time.Now()
	return data
}

// IndexerFailsJSON renders accumulated indexer fault counts.
func (r *Registry) IndexerFailsJSON() []byte {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	data, err := json.Marshal(r.indexerFails)
	if err != nil {
		return []byte("{}")
	}
	return data
}
