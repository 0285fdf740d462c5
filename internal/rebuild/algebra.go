package rebuild

import "math/big"

// replayState is the scratch state for one user-condition pair while its
// events are replayed. Cost is tracked per outcome in amount*price units
// (1e12 per dollar-token); RealizedPnl is raw USDC units.
type replayState struct {
	Positions   [MaxOutcomes]int64
	Cost        [MaxOutcomes]int64
	RealizedPnl int64
}

// apply advances the state by one event.
//
// Buys add cost at the fill price. Sells and merges realise PnL against the
// average cost of the touched position. Redemptions settle every open
// position at the payout price and zero the pair out.
func (s *replayState) apply(ev RawEvent, info *ConditionInfo) {
	oc := int(info.OutcomeCount)
	if oc == 0 || oc > MaxOutcomes {
		return
	}

	switch ev.Type {
	case Buy:
		i := int(ev.TokenIdx)
		if i >= oc {
			return
		}
		s.Cost[i] += ev.Amount * ev.Price
		s.Positions[i] += ev.Amount

	case Sell:
		i := int(ev.TokenIdx)
		if i >= oc {
			return
		}
		if s.Positions[i] <= 0 {
			return
		}
		// cost*amount can exceed int64 before the division, so the product is
		// taken at arbitrary precision.
		removed := new(big.Int).Quo(
			new(big.Int).Mul(big.NewInt(s.Cost[i]), big.NewInt(ev.Amount)),
			big.NewInt(s.Positions[i])).Int64()
		s.RealizedPnl += (ev.Amount*ev.Price - removed) / 1e6
		s.Cost[i] -= removed
		s.Positions[i] -= ev.Amount

	case Split:
		impliedPrice := int64(1e6) / int64(oc)
		for i := 0; i < oc; i++ {
			s.Cost[i] += ev.Amount * impliedPrice
			s.Positions[i] += ev.Amount
		}

	case Merge:
		impliedPrice := int64(1e6) / int64(oc)
		for i := 0; i < oc; i++ {
			if s.Positions[i] <= 0 {
				continue
			}
			removed := new(big.Int).Quo(
				new(big.Int).Mul(big.NewInt(s.Cost[i]), big.NewInt(ev.Amount)),
				big.NewInt(s.Positions[i])).Int64()
			s.RealizedPnl += (ev.Amount*impliedPrice - removed) / 1e6
			s.Cost[i] -= removed
			s.Positions[i] -= ev.Amount
		}

	case Redemption:
		if info.PayoutDenominator == 0 {
			return
		}
		for i := 0; i < oc && i < len(info.PayoutNumerators); i++ {
			if s.Positions[i] <= 0 {
				continue
			}
			payoutPrice := info.PayoutNumerators[i] * 1e6 / info.PayoutDenominator
			s.RealizedPnl += (s.Positions[i]*payoutPrice - s.Cost[i]) / 1e6
			s.Cost[i] = 0
			s.Positions[i] = 0
		}
	}
}

// snapshot captures the post-event state.
func (s *replayState) snapshot(ev RawEvent, info *ConditionInfo) Snapshot {
	snap := Snapshot{
		Timestamp:    ev.Timestamp,
		Delta:        ev.Amount,
		Price:        ev.Price,
		Positions:    s.Positions,
		RealizedPnl:  s.RealizedPnl,
		EventType:    uint8(ev.Type),
		TokenIdx:     ev.TokenIdx,
		OutcomeCount: info.OutcomeCount,
	}
	var totalCost int64
	for i := 0; i < int(info.OutcomeCount) && i < MaxOutcomes; i++ {
		totalCost += s.Cost[i]
	}
	snap.CostBasis = totalCost / 1e6
	return snap
}
