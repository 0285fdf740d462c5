// Package replay serialises rebuilt user state into the shapes the frontend
// charts consume: a full PnL timeline, trade windows around a timestamp,
// point-in-time position snapshots, and a most-active-user list.
package replay

import (
	"sort"
	"strconv"

	"market-pnl-lab/internal/rebuild"
	"market-pnl-lab/internal/storage"
)

// DustThreshold is the per-condition position floor, in raw token units
// (1e6 = one token), i.e. $50 face.
// Conditions whose absolute position sum falls below it are treated as closed.
const DustThreshold int64 = 50 * 1e6

// timelineEntry is one flattened snapshot used while building the timeline.
type timelineEntry struct {
	timestamp    int64
	condIdx      uint32
	eventType    uint8
	outcomeCount uint8
	condRpnl     int64
	positions    [rebuild.MaxOutcomes]int64
}

// UserTimeline serialises a user's full event timeline. The per-event body is
// built by direct byte appending; timelines run into the millions of entries
// and generic JSON encoding allocates per event.
func UserTimeline(engine *rebuild.Engine, userID string) ([]byte, error) {
	state := engine.FindUser(userID)
	if state == nil {
		return nil, storage.ErrNotFound
	}

	var timeline []timelineEntry
	for _, ch := range state.Conditions {
		for _, snap := range ch.Snapshots {
			timeline = append(timeline, timelineEntry{
				timestamp:    snap.Timestamp,
				condIdx:      ch.CondIdx,
				eventType:    snap.EventType,
				outcomeCount: snap.OutcomeCount,
				condRpnl:     snap.RealizedPnl,
				positions:    snap.Positions,
			})
		}
	}
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].timestamp < timeline[j].timestamp
	})

	// Global cumulative rpnl is accumulated from per-condition deltas, and the
	// active-condition counter moves only on dust transitions.
	condRpnl := make(map[uint32]int64)
	condNonDust := make(map[uint32]bool)
	var globalRpnl, totalTokens int64

	buf := make([]byte, 0, len(timeline)*40+256)
	buf = append(buf, `{"user":"`...)
	buf = append(buf, userID...)
	buf = append(buf, `","total_events":`...)
	buf = strconv.AppendInt(buf, int64(len(timeline)), 10)
	var firstTS, lastTS int64
	if len(timeline) > 0 {
		firstTS = timeline[0].timestamp
		lastTS = timeline[len(timeline)-1].timestamp
	}
	buf = append(buf, `,"first_ts":`...)
	buf = strconv.AppendInt(buf, firstTS, 10)
	buf = append(buf, `,"last_ts":`...)
	buf = strconv.AppendInt(buf, lastTS, 10)
	buf = append(buf, `,"dust_threshold":`...)
	buf = strconv.AppendInt(buf, DustThreshold, 10)
	buf = append(buf, `,"timeline":[`...)

	for i, e := range timeline {
		globalRpnl += e.condRpnl - condRpnl[e.condIdx]
		condRpnl[e.condIdx] = e.condRpnl

		var absSum int64
		for k := 0; k < int(e.outcomeCount); k++ {
			absSum += abs64(e.positions[k])
		}
		nonDust := absSum >= DustThreshold
		switch {
		case nonDust && !condNonDust[e.condIdx]:
			totalTokens++
		case !nonDust && condNonDust[e.condIdx]:
			totalTokens--
		}
		condNonDust[e.condIdx] = nonDust

		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, `{"ts":`...)
		buf = strconv.AppendInt(buf, e.timestamp, 10)
		buf = append(buf, `,"ty":`...)
		buf = strconv.AppendInt(buf, int64(e.eventType), 10)
		buf = append(buf, `,"rpnl":`...)
		buf = strconv.AppendInt(buf, globalRpnl, 10)
		buf = append(buf, `,"tk":`...)
		buf = strconv.AppendInt(buf, totalTokens, 10)
		buf = append(buf, '}')
	}
	buf = append(buf, `]}`...)
	return buf, nil
}

// TradeEvent is one entry of a trades-around-timestamp window.
type TradeEvent struct {
	Timestamp   int64  `json:"ts"`
	EventType   int    `json:"ty"`
	TokenIdx    int    `json:"ti"`
	CondIdx     uint32 `json:"ci"`
	ConditionID string `json:"cid"`
	Delta       int64  `json:"d"`
	Price       int64  `json:"p"`
}

// TradesResult is the trades-around-timestamp response.
type TradesResult struct {
	Timestamp int64        `json:"ts"`
	Center    int          `json:"center"`
	Events    []TradeEvent `json:"events"`
}

// DefaultTradeRadius is the window half-width used when the caller does not
// give one.
const DefaultTradeRadius = 20

// TradesAt returns the window of events around ts. The centre is the event
// nearest to ts, preferring the earlier one on a tie.
func TradesAt(engine *rebuild.Engine, userID string, ts int64, radius int) (*TradesResult, error) {
	state := engine.FindUser(userID)
	if state == nil {
		return nil, storage.ErrNotFound
	}
	if radius <= 0 {
		radius = DefaultTradeRadius
	}
	condIDs := engine.ConditionIDs()

	type trade struct {
		timestamp int64
		condIdx   uint32
		eventType uint8
		tokenIdx  uint8
		delta     int64
		price     int64
	}
	var trades []trade
	for _, ch := range state.Conditions {
		for _, snap := range ch.Snapshots {
			trades = append(trades, trade{
				timestamp: snap.Timestamp,
				condIdx:   ch.CondIdx,
				eventType: snap.EventType,
				tokenIdx:  snap.TokenIdx,
				delta:     snap.Delta,
				price:     snap.Price,
			})
		}
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].timestamp < trades[j].timestamp
	})

	center := sort.Search(len(trades), func(i int) bool {
		return trades[i].timestamp >= ts
	})
	if center > 0 && center < len(trades) {
		if abs64(trades[center-1].timestamp-ts) <= abs64(trades[center].timestamp-ts) {
			center--
		}
	} else if center >= len(trades) {
		center = len(trades) - 1
	}

	start := center - radius
	if start < 0 {
		start = 0
	}
	end := center + radius
	if end > len(trades)-1 {
		end = len(trades) - 1
	}

	events := make([]TradeEvent, 0, end-start+1)
	for i := start; i <= end && i >= 0; i++ {
		t := trades[i]
		events = append(events, TradeEvent{
			Timestamp:   t.timestamp,
			EventType:   int(t.eventType),
			TokenIdx:    int(t.tokenIdx),
			CondIdx:     t.condIdx,
			ConditionID: condIDs[t.condIdx],
			Delta:       t.delta,
			Price:       t.price,
		})
	}
	return &TradesResult{Timestamp: ts, Center: center - start, Events: events}, nil
}

// Position is one open condition in a point-in-time snapshot.
type Position struct {
	CondIdx      uint32  `json:"ci"`
	ConditionID  string  `json:"id"`
	OutcomeCount int     `json:"oc"`
	Positions    []int64 `json:"pos"`
	CostBasis    int64   `json:"cost"`
	RealizedPnl  int64   `json:"rpnl"`
}

// PositionsResult is the point-in-time positions response.
type PositionsResult struct {
	Timestamp     int64      `json:"ts"`
	Count         int64      `json:"count"`
	DustThreshold int64      `json:"dust_threshold"`
	Positions     []Position `json:"positions"`
}

// PositionsAt returns the user's open positions as of ts: per condition the
// last snapshot at or before ts, dust-filtered, sorted by |rpnl| descending.
func PositionsAt(engine *rebuild.Engine, userID string, ts int64) (*PositionsResult, error) {
	state := engine.FindUser(userID)
	if state == nil {
		return nil, storage.ErrNotFound
	}
	condIDs := engine.ConditionIDs()
	conds := engine.Conditions()

	positions := []Position{}
	for _, ch := range state.Conditions {
		snaps := ch.Snapshots
		if len(snaps) == 0 {
			continue
		}
		// last snapshot with timestamp <= ts
		n := sort.Search(len(snaps), func(i int) bool {
			return snaps[i].Timestamp > ts
		})
		if n == 0 {
			continue
		}
		snap := &snaps[n-1]

		var absSum int64
		for k := 0; k < int(snap.OutcomeCount); k++ {
			absSum += abs64(snap.Positions[k])
		}
		if absSum < DustThreshold {
			continue
		}

		cond := conds[ch.CondIdx]
		pos := make([]int64, cond.OutcomeCount)
		copy(pos, snap.Positions[:cond.OutcomeCount])
		positions = append(positions, Position{
			CondIdx:      ch.CondIdx,
			ConditionID:  condIDs[ch.CondIdx],
			OutcomeCount: int(cond.OutcomeCount),
			Positions:    pos,
			CostBasis:    snap.CostBasis,
			RealizedPnl:  snap.RealizedPnl,
		})
	}

	sort.SliceStable(positions, func(i, j int) bool {
		return abs64(positions[i].RealizedPnl) > abs64(positions[j].RealizedPnl)
	})

	return &PositionsResult{
		Timestamp:     ts,
		Count:         int64(len(positions)),
		DustThreshold: DustThreshold,
		Positions:     positions,
	}, nil
}

// UserEntry is one row of the most-active-user list.
type UserEntry struct {
	UserAddr   string `json:"user_addr"`
	EventCount int64  `json:"event_count"`
}

// UserList returns the top users by total snapshot count.
func UserList(engine *rebuild.Engine, limit int) []UserEntry {
	users := engine.Users()
	states := engine.UserStates()

	entries := make([]UserEntry, 0, len(users))
	for i, u := range users {
		var count int64
		for _, ch := range states[i].Conditions {
			count += int64(len(ch.Snapshots))
		}
		entries = append(entries, UserEntry{UserAddr: u, EventCount: count})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EventCount > entries[j].EventCount
	})
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
