package rebuild

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func binaryInfo() *ConditionInfo {
	return &ConditionInfo{OutcomeCount: 2}
}

func TestApplyBuyAccumulatesCost(t *testing.T) {
	var s replayState
	s.apply(RawEvent{Type: Buy, TokenIdx: 0, Amount: 10e6, Price: 400000}, binaryInfo())

	assert.Equal(t, int64(10e6), s.Positions[0])
	assert.Equal(t, int64(10e6)*400000, s.Cost[0])
	assert.Equal(t, int64(0), s.RealizedPnl)
}

func TestApplySellRealisesAgainstAverageCost(t *testing.T) {
	var s replayState
	info := binaryInfo()
	// 10 tokens at 0.40
	s.apply(RawEvent{Type: Buy, TokenIdx: 0, Amount: 10e6, Price: 400000}, info)
	// sell 5 at 0.60: proceeds 3.0, cost removed 2.0, pnl +1.0
	s.apply(RawEvent{Type: Sell, TokenIdx: 0, Amount: 5e6, Price: 600000}, info)

	assert.Equal(t, int64(5e6), s.Positions[0])
	assert.Equal(t, int64(5e6)*400000, s.Cost[0])
	assert.Equal(t, int64(1e6), s.RealizedPnl)
}

func TestApplySellWithoutPositionIgnored(t *testing.T) {
	var s replayState
	s.apply(RawEvent{Type: Sell, TokenIdx: 0, Amount: 5e6, Price: 600000}, binaryInfo())
	assert.Equal(t, int64(0), s.RealizedPnl)
	assert.Equal(t, int64(0), s.Positions[0])
}

func TestApplySplitDistributesImpliedPrice(t *testing.T) {
	var s replayState
	s.apply(RawEvent{Type: Split, TokenIdx: AllOutcomes, Amount: 4e6}, binaryInfo())

	for i := 0; i < 2; i++ {
		assert.Equal(t, int64(4e6), s.Positions[i])
		assert.Equal(t, int64(4e6)*500000, s.Cost[i])
	}
	assert.Equal(t, int64(0), s.RealizedPnl)
}

func TestApplySplitThenMergeIsNeutral(t *testing.T) {
	var s replayState
	info := binaryInfo()
	s.apply(RawEvent{Type: Split, TokenIdx: AllOutcomes, Amount: 4e6}, info)
	s.apply(RawEvent{Type: Merge, TokenIdx: AllOutcomes, Amount: 4e6}, info)

	for i := 0; i < 2; i++ {
		assert.Equal(t, int64(0), s.Positions[i])
		assert.Equal(t, int64(0), s.Cost[i])
	}
	assert.Equal(t, int64(0), s.RealizedPnl)
}

func TestApplyRedemptionSettlesWinner(t *testing.T) {
	var s replayState
	info := &ConditionInfo{
		OutcomeCount:      2,
		PayoutNumerators:  []int64{1, 0},
		PayoutDenominator: 1,
	}
	// 10 winning tokens at 0.40 cost
	s.apply(RawEvent{Type: Buy, TokenIdx: 0, Amount: 10e6, Price: 400000}, info)
	// 10 losing tokens at 0.30 cost
	s.apply(RawEvent{Type: Buy, TokenIdx: 1, Amount: 10e6, Price: 300000}, info)
	s.apply(RawEvent{Type: Redemption, TokenIdx: AllOutcomes}, info)

	// winner pays 10 - 4 = +6, loser pays 0 - 3 = -3
	assert.Equal(t, int64(3e6), s.RealizedPnl)
	assert.Equal(t, int64(0), s.Positions[0])
	assert.Equal(t, int64(0), s.Positions[1])
	assert.Equal(t, int64(0), s.Cost[0])
	assert.Equal(t, int64(0), s.Cost[1])
}

func TestApplyRedemptionUnresolvedIgnored(t *testing.T) {
	var s replayState
	info := binaryInfo()
	s.apply(RawEvent{Type: Buy, TokenIdx: 0, Amount: 10e6, Price: 400000}, info)
	s.apply(RawEvent{Type: Redemption, TokenIdx: AllOutcomes}, info)
	assert.Equal(t, int64(10e6), s.Positions[0])
	assert.Equal(t, int64(0), s.RealizedPnl)
}

func TestApplyOutcomeCountGuards(t *testing.T) {
	var s replayState
	s.apply(RawEvent{Type: Buy, TokenIdx: 0, Amount: 1e6, Price: 1}, &ConditionInfo{OutcomeCount: 0})
	s.apply(RawEvent{Type: Buy, TokenIdx: 5, Amount: 1e6, Price: 1}, binaryInfo())
	assert.Equal(t, int64(0), s.Positions[0])
	assert.Equal(t, int64(0), s.Positions[5])
}

func TestSnapshotCostBasis(t *testing.T) {
	var s replayState
	info := binaryInfo()
	s.apply(RawEvent{Type: Buy, TokenIdx: 0, Amount: 10e6, Price: 400000}, info)
	s.apply(RawEvent{Type: Buy, TokenIdx: 1, Amount: 10e6, Price: 300000}, info)

	snap := s.snapshot(RawEvent{Timestamp: 1700000000, Type: Buy, TokenIdx: 1, Amount: 10e6, Price: 300000}, info)
	assert.Equal(t, int64(1700000000), snap.Timestamp)
	assert.Equal(t, int64(7e6), snap.CostBasis)
	assert.Equal(t, uint8(Buy), snap.EventType)
	assert.Equal(t, uint8(2), snap.OutcomeCount)
	assert.Equal(t, int64(10e6), snap.Positions[1])
}
