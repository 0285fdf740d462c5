package rebuild

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market-pnl-lab/internal/storage"
)

func populatedEngine() *Engine {
	e := NewEngine(EngineOptions{Logger: zap.NewNop()})
	e.condIDs = []string{"0xc1", "0xc2"}
	e.conds = []ConditionInfo{
		{OutcomeCount: 2, PayoutNumerators: []int64{1, 0}, PayoutDenominator: 1},
		{OutcomeCount: 2},
	}
	e.tokenIDs = []string{"111", "222", "333", "444"}
	e.tokenRefs = []TokenRef{
		{CondIdx: 0, TokenIdx: 0},
		{CondIdx: 0, TokenIdx: 1},
		{CondIdx: 1, TokenIdx: 0},
		{CondIdx: 1, TokenIdx: 1},
	}
	e.users = []string{"0xalice", "0xbob"}
	e.userStates = []UserState{
		{Conditions: []UserConditionHistory{{
			CondIdx: 0,
			Snapshots: []Snapshot{
				{Timestamp: 100, Delta: 5e6, Price: 400000, CostBasis: 2e6, RealizedPnl: 0, EventType: uint8(Buy), TokenIdx: 0, OutcomeCount: 2},
				{Timestamp: 200, Delta: 5e6, Price: 600000, CostBasis: 0, RealizedPnl: 1e6, EventType: uint8(Sell), TokenIdx: 0, OutcomeCount: 2},
			},
		}}},
		{Conditions: []UserConditionHistory{{
			CondIdx:   1,
			Snapshots: []Snapshot{{Timestamp: 150, Delta: 3e6, EventType: uint8(Split), TokenIdx: AllOutcomes, OutcomeCount: 2}},
		}}},
	}
	e.userStates[0].Conditions[0].Snapshots[0].Positions[0] = 5e6
	return e
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebuild.bin")
	src := populatedEngine()
	require.NoError(t, src.Save(path))

	dst := NewEngine(EngineOptions{Logger: zap.NewNop()})
	require.NoError(t, dst.Load(path))

	assert.Equal(t, src.condIDs, dst.condIDs)
	assert.Equal(t, src.conds, dst.conds)
	assert.Equal(t, src.tokenIDs, dst.tokenIDs)
	assert.Equal(t, src.tokenRefs, dst.tokenRefs)
	assert.Equal(t, src.users, dst.users)
	assert.Equal(t, src.userStates, dst.userStates)

	p := dst.Progress()
	assert.Equal(t, 7, p.Phase)
	assert.Equal(t, int64(2), p.TotalConditions)
	assert.Equal(t, int64(4), p.TotalTokens)
	assert.Equal(t, int64(2), p.TotalUsers)
	assert.False(t, dst.Running())
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rebuild.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot at all"), 0o644))

	e := NewEngine(EngineOptions{Logger: zap.NewNop()})
	err := e.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}

func TestLoadWhileRunningRejected(t *testing.T) {
	e := NewEngine(EngineOptions{Logger: zap.NewNop()})
	e.running.Store(true)
	err := e.Load("irrelevant")
	assert.ErrorIs(t, err, storage.ErrAlreadyRunning)
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rebuild.bin")
	require.NoError(t, populatedEngine().Save(path))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestCheckPersist(t *testing.T) {
	missing := CheckPersist(filepath.Join(t.TempDir(), "nope.bin"))
	assert.False(t, missing.Exists)

	path := filepath.Join(t.TempDir(), "rebuild.bin")
	require.NoError(t, populatedEngine().Save(path))
	info := CheckPersist(path)
	assert.True(t, info.Exists)
	assert.Equal(t, path, info.Path)
	assert.Greater(t, info.SizeMB, float64(0))
	assert.NotZero(t, info.ModTime)
}

func TestSnapshotRecordRoundtrip(t *testing.T) {
	in := Snapshot{
		Timestamp:    1700000000,
		Delta:        -42,
		Price:        123456,
		CostBasis:    99,
		RealizedPnl:  -7,
		EventType:    uint8(Merge),
		TokenIdx:     AllOutcomes,
		OutcomeCount: 4,
	}
	for i := range in.Positions {
		in.Positions[i] = int64(i) * 1e6
	}

	var rec [snapshotRecordSize]byte
	encodeSnapshot(&in, &rec)
	var out Snapshot
	decodeSnapshot(&rec, &out)
	assert.Equal(t, in, out)
}

func TestParseNumerators(t *testing.T) {
	assert.Equal(t, []int64{1, 0}, parseNumerators(`[1,0]`))
	assert.Equal(t, []int64{1, 0}, parseNumerators(`["1","0"]`))
	assert.Nil(t, parseNumerators(""))
	assert.Nil(t, parseNumerators("NULL"))
	assert.Nil(t, parseNumerators(`["x"]`))
	assert.Nil(t, parseNumerators(`[true]`))
}

func TestParseStringArray(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseStringArray(`["a","b"]`))
	assert.Nil(t, parseStringArray(""))
	assert.Nil(t, parseStringArray("NULL"))
	assert.Nil(t, parseStringArray("garbage"))
}
