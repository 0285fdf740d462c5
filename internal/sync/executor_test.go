package sync

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"market-pnl-lab/internal/catalog"
	"market-pnl-lab/internal/storage"
	"market-pnl-lab/internal/subgraph"
)

func tsItems(timestamps ...int64) []map[string]any {
	items := make([]map[string]any, len(timestamps))
	for i, ts := range timestamps {
		items[i] = map[string]any{"timestamp": strconv.FormatInt(ts, 10)}
	}
	return items
}

func fullPage(lastRun int, lastVal int64) []map[string]any {
	items := make([]map[string]any, 0, subgraph.BatchSize)
	for i := 0; i < subgraph.BatchSize-lastRun; i++ {
		items = append(items, map[string]any{"timestamp": strconv.FormatInt(int64(i), 10)})
	}
	for i := 0; i < lastRun; i++ {
		items = append(items, map[string]any{"timestamp": strconv.FormatInt(lastVal, 10)})
	}
	return items
}

func TestNextCursorShortPage(t *testing.T) {
	cur := storage.Cursor{Value: "100", Skip: 500}
	got := NextCursor(catalog.Split, cur, tsItems(100, 150, 200))
	assert.Equal(t, storage.Cursor{Value: "200", Skip: 0}, got)
}

func TestNextCursorByID(t *testing.T) {
	items := make([]map[string]any, subgraph.BatchSize)
	for i := range items {
		items[i] = map[string]any{"id": "0x" + strconv.Itoa(i)}
	}
	got := NextCursor(catalog.PnlCondition, storage.Cursor{}, items)
	assert.Equal(t, storage.Cursor{Value: "0x999", Skip: 0}, got)
}

func TestNextCursorFullPageAdvances(t *testing.T) {
	// full page ending in a run of 3 equal timestamps
	items := fullPage(3, 5000)
	got := NextCursor(catalog.Split, storage.Cursor{Value: "10", Skip: 0}, items)
	assert.Equal(t, storage.Cursor{Value: "5000", Skip: 3}, got)
}

func TestNextCursorFullPageStuckValue(t *testing.T) {
	// every row shares the cursor value, so only skip grows
	items := make([]map[string]any, subgraph.BatchSize)
	for i := range items {
		items[i] = map[string]any{"timestamp": "777"}
	}
	cur := storage.Cursor{Value: "777", Skip: 1000}
	got := NextCursor(catalog.Split, cur, items)
	assert.Equal(t, storage.Cursor{Value: "777", Skip: 2000}, got)
}

func TestRetryBackoffDelays(t *testing.T) {
	bo := newRetryBackoff()
	assert.Equal(t, 50*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 100*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, bo.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, bo.NextBackOff())

	bo.Reset()
	assert.Equal(t, 50*time.Millisecond, bo.NextBackOff())
}

func TestNextCursorNumericOrderValue(t *testing.T) {
	items := []map[string]any{{"timestamp": 1234.0}}
	got := NextCursor(catalog.Split, storage.Cursor{}, items)
	assert.Equal(t, "1234", got.Value)
}
