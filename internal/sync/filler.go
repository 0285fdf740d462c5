package sync

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"market-pnl-lab/internal/storage"
	"market-pnl-lab/internal/subgraph"
)

// Filler phases.
const (
	FillerIdle  = 0
	FillerMerge = 1
	FillerFill  = 2
)

const fillerBatchSize = 100

// Filler backfills condition.positionIds: first a bulk merge from
// pnl_condition, then batched lookups against the PnL subgraph for whatever
// is still missing. Conditions absent upstream are marked with an empty
// array so they are never re-queried.
type Filler struct {
	store      storage.Store
	client     *subgraph.Client
	logger     *zap.Logger
	subgraphID string

	running   atomic.Bool
	phase     atomic.Int32
	totalNull atomic.Int64
	processed atomic.Int64
	merged    atomic.Int64
	notFound  atomic.Int64
	errors    atomic.Int64
	startTS   atomic.Int64
}

// FillerOptions configures a Filler.
type FillerOptions struct {
	Store      storage.Store
	Client     *subgraph.Client
	Logger     *zap.Logger
	SubgraphID string // PnL subgraph
}

// NewFiller creates a token-id filler.
func NewFiller(opts FillerOptions) *Filler {
	return &Filler{
		store:      opts.Store,
		client:     opts.Client,
		logger:     opts.Logger.Named("filler"),
		subgraphID: opts.SubgraphID,
	}
}

// Start launches a fill run in the background. A second call while one is
// active returns ErrAlreadyRunning.
func (f *Filler) Start(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return storage.ErrAlreadyRunning
	}
	f.processed.Store(0)
	f.merged.Store(0)
	f.notFound.Store(0)
	f.errors.Store(0)
	f.totalNull.Store(0)
	f.phase.Store(FillerIdle)
	f.startTS.Store(0)

	go f.run(ctx)
	return nil
}

// FillerStatus is the JSON status surface.
type FillerStatus struct {
	Running   bool  `json:"running"`
	Phase     int   `json:"phase"`
	TotalNull int64 `json:"total_null"`
	Processed int64 `json:"processed"`
	Merged    int64 `json:"merged"`
	NotFound  int64 `json:"not_found"`
	Errors    int64 `json:"errors"`
	StartTS   int64 `json:"start_ts"`
}

// Status reports the current run's counters.
func (f *Filler) Status() FillerStatus {
	return FillerStatus{
		Running:   f.running.Load(),
		Phase:     int(f.phase.Load()),
		TotalNull: f.totalNull.Load(),
		Processed: f.processed.Load(),
		Merged:    f.merged.Load(),
		NotFound:  f.notFound.Load(),
		Errors:    f.errors.Load(),
		StartTS:   f.startTS.Load(),
	}
}

const nullCountSQL = "SELECT COUNT(*) FROM condition WHERE positionIds IS NULL"

func (f *Filler) run(ctx context.Context) {
	defer func() {
		f.phase.Store(FillerIdle)
		f.running.Store(false)
	}()

	f.startTS.Store(time.Now().Unix())
	totalNull := f.store.QuerySingleInt(nullCountSQL)
	f.totalNull.Store(totalNull)
	f.logger.Info("fill started", zap.Int64("null_rows", totalNull))

	f.phase.Store(FillerMerge)
	if err := f.store.MergePnlIntoCondition(); err != nil {
		f.logger.Error("bulk merge failed", zap.Error(err))
		return
	}
	afterMerge := f.store.QuerySingleInt(nullCountSQL)
	f.merged.Store(totalNull - afterMerge)
	f.logger.Info("bulk merge done",
		zap.Int64("merged", totalNull-afterMerge),
		zap.Int64("remaining", afterMerge))

	f.phase.Store(FillerFill)
	for {
		if ctx.Err() != nil {
			return
		}
		ids, err := f.store.NullPositionIDConditions(fillerBatchSize)
		if err != nil {
			f.logger.Error("load null batch", zap.Error(err))
			return
		}
		if len(ids) == 0 {
			break
		}
		if !f.fillBatch(ctx, ids) {
			f.errors.Add(1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}

	f.logger.Info("fill complete",
		zap.Int64("filled", f.processed.Load()),
		zap.Int64("merged", f.merged.Load()),
		zap.Int64("not_found", f.notFound.Load()),
		zap.Int64("errors", f.errors.Load()))
}

// fillBatch queries one id batch and applies updates. Returns false on any
// network, parse, or GraphQL failure so the caller retries the same batch.
func (f *Filler) fillBatch(ctx context.Context, ids []string) bool {
	query := subgraph.BuildIDInQuery(ids, "id positionIds")

	body, err := f.client.Post(ctx, f.subgraphID, query)
	if err != nil {
		f.logger.Warn("batch request failed", zap.Error(err))
		return false
	}

	res := subgraph.Classify(body, "conditions")
	if res.Class != subgraph.ClassOK {
		f.logger.Warn("batch response rejected", zap.String("class", res.Class.String()))
		return false
	}

	found := make(map[string]bool, len(res.Items))
	for _, item := range res.Items {
		id, ok := item["id"].(string)
		if !ok {
			continue
		}
		found[id] = true
		positions, ok := item["positionIds"].([]any)
		if !ok || positions == nil {
			continue
		}
		data, err := json.Marshal(positions)
		if err != nil {
			continue
		}
		if err := f.store.UpdateConditionPositionIDs(id, string(data)); err != nil {
			f.logger.Warn("update positionIds", zap.String("id", id), zap.Error(err))
			continue
		}
		f.processed.Add(1)
	}

	// Conditions the PnL subgraph does not know get an empty array so the
	// next batch query moves past them.
	for _, id := range ids {
		if found[id] {
			continue
		}
		if err := f.store.UpdateConditionPositionIDs(id, "[]"); err != nil {
			f.logger.Warn("mark not found", zap.String("id", id), zap.Error(err))
			continue
		}
		f.notFound.Add(1)
	}
	return true
}
