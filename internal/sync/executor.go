// Package sync pulls subgraph entities into the store: a cursor-paginated
// executor per entity, a per-source scheduler, a round coordinator, and the
// token-id filler.
package sync

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"market-pnl-lab/internal/catalog"
	"market-pnl-lab/internal/observability"
	"market-pnl-lab/internal/stats"
	"market-pnl-lab/internal/storage"
	"market-pnl-lab/internal/subgraph"
)

// Retry delays for failed pull attempts. Retries are unbounded; the delay
// doubles from 50ms and caps at 200ms.
const (
	retryInitialDelay = 50 * time.Millisecond
	retryMaxDelay     = 200 * time.Millisecond
)

func newRetryBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialDelay
	bo.MaxInterval = retryMaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Executor pulls one (source, entity) to completion.
type Executor struct {
	store      storage.Store
	client     *subgraph.Client
	stats      *stats.Registry
	logger     *zap.Logger
	source     string
	subgraphID string
	def        *catalog.EntityDef
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Store      storage.Store
	Client     *subgraph.Client
	Stats      *stats.Registry
	Logger     *zap.Logger
	Source     string
	SubgraphID string
	Def        *catalog.EntityDef
}

// NewExecutor creates an executor for one entity pull.
func NewExecutor(opts ExecutorOptions) *Executor {
	return &Executor{
		store:      opts.Store,
		client:     opts.Client,
		stats:      opts.Stats,
		logger:     opts.Logger.Named("executor"),
		source:     opts.Source,
		subgraphID: opts.SubgraphID,
		def:        opts.Def,
	}
}

// Run pulls pages until the entity is caught up. Failed attempts retry
// forever with capped exponential delay; the backoff resets whenever a page
// is processed successfully.
func (e *Executor) Run(ctx context.Context) error {
	cursor, err := e.store.GetCursor(e.source, e.def.Table)
	if err != nil {
		return err
	}

	bo := newRetryBackoff()
	var buffer []string

	for {
		query := subgraph.BuildQuery(e.def, cursor.Value, cursor.Skip)

		e.stats.SetState(e.source, e.def.Table, stats.StateCalling)
		start := time.Now()
		body, postErr := e.client.Post(ctx, e.subgraphID, query)
		latency := time.Since(start).Milliseconds()
		e.stats.SetState(e.source, e.def.Table, stats.StateProcessing)

		var res subgraph.Result
		if postErr != nil {
			res = subgraph.Result{Class: subgraph.ClassNetwork}
		} else {
			res = subgraph.Classify(body, e.def.Plural)
		}

		failed := res.Class != subgraph.ClassOK
		e.stats.ObserveRequest(e.source, e.def.Table, latency, failed)
		observability.RecordSubgraphRequest(e.source, e.def.Table, float64(latency)/1000)
		observability.UpdatePoolSlots(e.client.ActiveCount())

		if failed {
			observability.RecordSubgraphFailure(e.source, e.def.Table, res.Class.String())
			if res.Class == subgraph.ClassGraphQL {
				for _, msg := range res.Errors {
					for _, indexer := range subgraph.ParseIndexerFails(msg) {
						e.stats.ObserveIndexerFail(indexer)
					}
				}
			}
			e.logger.Warn("pull attempt failed",
				zap.String("source", e.source),
				zap.String("entity", e.def.Table),
				zap.String("class", res.Class.String()),
				zap.Error(postErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()

		if len(res.Items) == 0 {
			if len(buffer) > 0 {
				if err := e.flush(buffer, cursor); err != nil {
					return err
				}
			}
			break
		}

		cursor = NextCursor(e.def, cursor, res.Items)
		for _, item := range res.Items {
			buffer = append(buffer, e.def.ToValues(item))
		}

		if len(buffer) >= subgraph.BatchSize || len(res.Items) < subgraph.BatchSize {
			if err := e.flush(buffer, cursor); err != nil {
				return err
			}
			buffer = buffer[:0]
		}

		if len(res.Items) < subgraph.BatchSize {
			break
		}
	}

	if count, err := e.store.TableCount(e.def.Table); err == nil {
		e.stats.SetRowCount(e.source, e.def.Table, count)
	}
	e.stats.SetDone(e.source, e.def.Table, true)
	return nil
}

func (e *Executor) flush(buffer []string, cursor storage.Cursor) error {
	err := e.store.AtomicInsertWithCursor(
		e.def.Table, e.def.Columns, buffer,
		e.source, e.def.Table, cursor.Value, cursor.Skip)
	if err != nil {
		observability.RecordDBError("atomic_insert")
		return err
	}
	observability.RecordRowsSynced(e.source, e.def.Table, len(buffer))
	return nil
}

// NextCursor advances the cursor past a page of items.
//
// A short page pins the cursor to the last order value with skip reset. For
// timestamp ordering a full page whose last value equals the current cursor
// extends skip by the batch size; otherwise the cursor moves to the last
// value with skip covering the trailing run of equal values, so the next
// page resumes past rows already seen.
func NextCursor(def *catalog.EntityDef, cur storage.Cursor, items []map[string]any) storage.Cursor {
	last := orderValue(def, items[len(items)-1])

	if def.SyncMode == catalog.ByID || len(items) < subgraph.BatchSize {
		return storage.Cursor{Value: last, Skip: 0}
	}
	if last == cur.Value {
		return storage.Cursor{Value: cur.Value, Skip: cur.Skip + subgraph.BatchSize}
	}

	trailing := 0
	for i := len(items) - 1; i >= 0; i-- {
		if orderValue(def, items[i]) != last {
			break
		}
		trailing++
	}
	return storage.Cursor{Value: last, Skip: trailing}
}

func orderValue(def *catalog.EntityDef, item map[string]any) string {
	v, ok := item[def.OrderField]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return ""
	}
}
