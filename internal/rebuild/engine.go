package rebuild

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"market-pnl-lab/internal/observability"
	"market-pnl-lab/internal/storage"
)

// DefaultWorkers is the replay worker count for phase three.
const DefaultWorkers = 16

// Engine rebuilds all user timelines from the synced tables. Rebuilt state
// is swapped in atomically, so replay queries keep seeing the previous state
// until a rebuild finishes.
type Engine struct {
	store   storage.Store
	logger  *zap.Logger
	workers int

	running atomic.Bool

	phase            atomic.Int32
	totalConditions  atomic.Int64
	totalTokens      atomic.Int64
	totalEvents      atomic.Int64
	totalUsers       atomic.Int64
	processedUsers   atomic.Int64
	phase1Ms         atomic.Int64
	phase2Ms         atomic.Int64
	phase3Ms         atomic.Int64
	fillRows         atomic.Int64
	fillEvents       atomic.Int64
	splitRows        atomic.Int64
	splitEvents      atomic.Int64
	mergeRows        atomic.Int64
	mergeEvents      atomic.Int64
	redemptionRows   atomic.Int64
	redemptionEvents atomic.Int64
	scansDone        atomic.Int32

	mu         sync.RWMutex
	condIDs    []string
	conds      []ConditionInfo
	tokenIDs   []string
	tokenRefs  []TokenRef
	users      []string
	userStates []UserState
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Store   storage.Store
	Logger  *zap.Logger
	Workers int
}

// NewEngine creates a rebuild engine.
func NewEngine(opts EngineOptions) *Engine {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Engine{
		store:   opts.Store,
		logger:  opts.Logger.Named("rebuild"),
		workers: workers,
	}
}

// Progress returns a snapshot of rebuild progress.
func (e *Engine) Progress() Progress {
	return Progress{
		Phase:            int(e.phase.Load()),
		Running:          e.running.Load(),
		TotalConditions:  e.totalConditions.Load(),
		TotalTokens:      e.totalTokens.Load(),
		TotalEvents:      e.totalEvents.Load(),
		TotalUsers:       e.totalUsers.Load(),
		ProcessedUsers:   e.processedUsers.Load(),
		Phase1Ms:         float64(e.phase1Ms.Load()),
		Phase2Ms:         float64(e.phase2Ms.Load()),
		Phase3Ms:         float64(e.phase3Ms.Load()),
		FillRows:         e.fillRows.Load(),
		FillEvents:       e.fillEvents.Load(),
		SplitRows:        e.splitRows.Load(),
		SplitEvents:      e.splitEvents.Load(),
		MergeRows:        e.mergeRows.Load(),
		MergeEvents:      e.mergeEvents.Load(),
		RedemptionRows:   e.redemptionRows.Load(),
		RedemptionEvents: e.redemptionEvents.Load(),
	}
}

// Running reports whether a rebuild or load is in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// RebuildAll runs the three rebuild phases. Only one rebuild (or snapshot
// load) can run at a time.
func (e *Engine) RebuildAll(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return storage.ErrAlreadyRunning
	}
	defer e.running.Store(false)
	e.resetProgress()

	// Phase 1: condition metadata
	e.phase.Store(1)
	start := time.Now()
	meta, err := e.scanConditions(ctx)
	if err != nil {
		e.phase.Store(0)
		observability.RecordRebuild("error", 0, 0, 0)
		return err
	}
	e.phase1Ms.Store(time.Since(start).Milliseconds())
	observability.RecordRebuildPhase("metadata", time.Since(start).Seconds())
	e.totalConditions.Store(int64(len(meta.condIDs)))
	e.totalTokens.Store(int64(len(meta.tokenIDs)))
	e.logger.Info("condition metadata loaded",
		zap.Int("conditions", len(meta.condIDs)),
		zap.Int("tokens", len(meta.tokenIDs)))

	// Phase 2: parallel event scans
	e.phase.Store(2)
	start = time.Now()
	acc := newEventAccumulator()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scanOrderFills(gctx, meta, acc) })
	g.Go(func() error { return e.scanStakeholderEvents(gctx, meta, acc, "split", Split, &e.splitRows, &e.splitEvents) })
	g.Go(func() error { return e.scanStakeholderEvents(gctx, meta, acc, "merge", Merge, &e.mergeRows, &e.mergeEvents) })
	g.Go(func() error { return e.scanRedemptions(gctx, meta, acc) })
	if err := g.Wait(); err != nil {
		e.phase.Store(0)
		observability.RecordRebuild("error", 0, 0, 0)
		return err
	}
	e.phase2Ms.Store(time.Since(start).Milliseconds())
	observability.RecordRebuildPhase("scan", time.Since(start).Seconds())
	e.totalUsers.Store(int64(len(acc.users)))
	e.totalEvents.Store(acc.eventCount())
	e.logger.Info("event scans complete",
		zap.Int("users", len(acc.users)),
		zap.Int64("events", acc.eventCount()))

	// Phase 3: per-user replay
	e.phase.Store(6)
	start = time.Now()
	states := e.replayUsers(ctx, meta, acc)
	e.phase3Ms.Store(time.Since(start).Milliseconds())
	observability.RecordRebuildPhase("replay", time.Since(start).Seconds())

	e.mu.Lock()
	e.condIDs = meta.condIDs
	e.conds = meta.conds
	e.tokenIDs = meta.tokenIDs
	e.tokenRefs = meta.tokenRefs
	e.users = acc.users
	e.userStates = states
	e.mu.Unlock()

	e.phase.Store(7)
	observability.RecordRebuild("ok", e.totalUsers.Load(), e.totalEvents.Load(), e.totalConditions.Load())
	e.logger.Info("rebuild complete",
		zap.Int64("users", e.totalUsers.Load()),
		zap.Int64("events", e.totalEvents.Load()))
	return nil
}

func (e *Engine) resetProgress() {
	e.phase.Store(0)
	e.totalConditions.Store(0)
	e.totalTokens.Store(0)
	e.totalEvents.Store(0)
	e.totalUsers.Store(0)
	e.processedUsers.Store(0)
	e.phase1Ms.Store(0)
	e.phase2Ms.Store(0)
	e.phase3Ms.Store(0)
	e.fillRows.Store(0)
	e.fillEvents.Store(0)
	e.splitRows.Store(0)
	e.splitEvents.Store(0)
	e.mergeRows.Store(0)
	e.mergeEvents.Store(0)
	e.redemptionRows.Store(0)
	e.redemptionEvents.Store(0)
	e.scansDone.Store(0)
}

// scanDone advances the visible phase through 3..5 as parallel scans finish.
func (e *Engine) scanDone() {
	n := e.scansDone.Add(1)
	if n < 4 {
		e.phase.Store(2 + n)
	}
}

// conditionMeta is the phase-one output shared by the scans. tokenIDs and
// tokenRefs are parallel slices; tokenMap indexes the same refs by token id.
type conditionMeta struct {
	condIDs   []string
	conds     []ConditionInfo
	condIndex map[string]uint32
	tokenIDs  []string
	tokenRefs []TokenRef
	tokenMap  map[string]TokenRef
}

func (e *Engine) scanConditions(ctx context.Context) (*conditionMeta, error) {
	meta := &conditionMeta{
		condIndex: make(map[string]uint32),
		tokenMap:  make(map[string]TokenRef),
	}

	query := "SELECT id, outcomeSlotCount, positionIds, payoutNumerators, payoutDenominator FROM condition"
	err := e.store.ScanRows(ctx, query, func(scan storage.RowScanner) error {
		var id string
		var slotCount sql.NullInt32
		var positionIDs, numerators sql.NullString
		var denominator sql.NullInt64
		if err := scan.Scan(&id, &slotCount, &positionIDs, &numerators, &denominator); err != nil {
			return err
		}

		idx := uint32(len(meta.condIDs))
		info := ConditionInfo{
			OutcomeCount:      uint8(min64(int64(slotCount.Int32), MaxOutcomes)),
			PayoutDenominator: denominator.Int64,
			PayoutNumerators:  parseNumerators(numerators.String),
		}
		meta.condIDs = append(meta.condIDs, id)
		meta.conds = append(meta.conds, info)
		meta.condIndex[id] = idx

		for i, token := range parseStringArray(positionIDs.String) {
			if i >= MaxOutcomes {
				break
			}
			ref := TokenRef{CondIdx: idx, TokenIdx: uint8(i)}
			meta.tokenMap[token] = ref
			meta.tokenIDs = append(meta.tokenIDs, token)
			meta.tokenRefs = append(meta.tokenRefs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// eventAccumulator interns users and collects per-user events from the four
// concurrent scans.
type eventAccumulator struct {
	mu        sync.Mutex
	users     []string
	userIndex map[string]uint32
	events    [][]RawEvent
}

func newEventAccumulator() *eventAccumulator {
	return &eventAccumulator{userIndex: make(map[string]uint32)}
}

func (a *eventAccumulator) add(user string, ev RawEvent) {
	a.mu.Lock()
	idx, ok := a.userIndex[user]
	if !ok {
		idx = uint32(len(a.users))
		a.userIndex[user] = idx
		a.users = append(a.users, user)
		a.events = append(a.events, nil)
	}
	a.events[idx] = append(a.events[idx], ev)
	a.mu.Unlock()
}

func (a *eventAccumulator) eventCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int64
	for _, evs := range a.events {
		n += int64(len(evs))
	}
	return n
}

func (e *Engine) scanOrderFills(ctx context.Context, meta *conditionMeta, acc *eventAccumulator) error {
	defer e.scanDone()
	query := "SELECT timestamp, maker, taker, market, side, size, price FROM enriched_order_filled ORDER BY timestamp"
	return e.store.ScanRows(ctx, query, func(scan storage.RowScanner) error {
		var ts sql.NullInt64
		var maker, taker, market, side, size sql.NullString
		var price sql.NullFloat64
		if err := scan.Scan(&ts, &maker, &taker, &market, &side, &size, &price); err != nil {
			return err
		}
		e.fillRows.Add(1)

		ref, ok := meta.tokenMap[market.String]
		if !ok {
			return nil
		}
		amount, err := strconv.ParseInt(size.String, 10, 64)
		if err != nil {
			return nil
		}
		price1e6 := int64(price.Float64 * 1e6)
		isBuy := len(side.String) > 0 && side.String[0] == 'B'

		takerType, makerType := Sell, Buy
		if isBuy {
			takerType, makerType = Buy, Sell
		}
		// maker == taker still emits both sides
		acc.add(taker.String, RawEvent{
			Timestamp: ts.Int64, CondIdx: ref.CondIdx, Type: takerType,
			TokenIdx: ref.TokenIdx, Amount: amount, Price: price1e6,
		})
		acc.add(maker.String, RawEvent{
			Timestamp: ts.Int64, CondIdx: ref.CondIdx, Type: makerType,
			TokenIdx: ref.TokenIdx, Amount: amount, Price: price1e6,
		})
		e.fillEvents.Add(2)
		return nil
	})
}

func (e *Engine) scanStakeholderEvents(ctx context.Context, meta *conditionMeta, acc *eventAccumulator,
	table string, evType EventType, rows, events *atomic.Int64) error {
	defer e.scanDone()
	query := "SELECT timestamp, stakeholder, condition, amount FROM " + table + " ORDER BY timestamp"
	return e.store.ScanRows(ctx, query, func(scan storage.RowScanner) error {
		var ts sql.NullInt64
		var stakeholder, condition, amount sql.NullString
		if err := scan.Scan(&ts, &stakeholder, &condition, &amount); err != nil {
			return err
		}
		rows.Add(1)

		idx, ok := meta.condIndex[condition.String]
		if !ok {
			return nil
		}
		amt, err := strconv.ParseInt(amount.String, 10, 64)
		if err != nil {
			return nil
		}
		acc.add(stakeholder.String, RawEvent{
			Timestamp: ts.Int64, CondIdx: idx, Type: evType,
			TokenIdx: AllOutcomes, Amount: amt,
		})
		events.Add(1)
		return nil
	})
}

func (e *Engine) scanRedemptions(ctx context.Context, meta *conditionMeta, acc *eventAccumulator) error {
	defer e.scanDone()
	query := "SELECT timestamp, redeemer, condition, payout FROM redemption ORDER BY timestamp"
	return e.store.ScanRows(ctx, query, func(scan storage.RowScanner) error {
		var ts sql.NullInt64
		var redeemer, condition, payout sql.NullString
		if err := scan.Scan(&ts, &redeemer, &condition, &payout); err != nil {
			return err
		}
		e.redemptionRows.Add(1)

		idx, ok := meta.condIndex[condition.String]
		if !ok {
			return nil
		}
		amount, err := strconv.ParseInt(payout.String, 10, 64)
		if err != nil {
			return nil
		}
		acc.add(redeemer.String, RawEvent{
			Timestamp: ts.Int64, CondIdx: idx, Type: Redemption,
			TokenIdx: AllOutcomes, Amount: amount,
		})
		e.redemptionEvents.Add(1)
		return nil
	})
}

// replayUsers runs phase three: worker goroutines replay contiguous user
// partitions and build snapshot chains.
func (e *Engine) replayUsers(ctx context.Context, meta *conditionMeta, acc *eventAccumulator) []UserState {
	states := make([]UserState, len(acc.users))
	if len(acc.users) == 0 {
		return states
	}

	workers := e.workers
	if workers > len(acc.users) {
		workers = len(acc.users)
	}
	chunk := (len(acc.users) + workers - 1) / workers

	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(acc.users) {
			hi = len(acc.users)
		}
		if lo >= hi {
			break
		}
		g.Go(func() error {
			for u := lo; u < hi; u++ {
				states[u] = e.replayUser(meta, acc.events[u])
				acc.events[u] = nil
				e.processedUsers.Add(1)
			}
			return nil
		})
	}
	g.Wait()
	return states
}

// replayUser sorts one user's events by timestamp and replays them per
// condition. Equal timestamps keep scan order.
func (e *Engine) replayUser(meta *conditionMeta, events []RawEvent) UserState {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})

	var state UserState
	condSlot := make(map[uint32]int)
	replay := make(map[uint32]*replayState)

	for _, ev := range events {
		info := &meta.conds[ev.CondIdx]
		rs := replay[ev.CondIdx]
		if rs == nil {
			rs = &replayState{}
			replay[ev.CondIdx] = rs
			condSlot[ev.CondIdx] = len(state.Conditions)
			state.Conditions = append(state.Conditions, UserConditionHistory{CondIdx: ev.CondIdx})
		}
		rs.apply(ev, info)
		slot := condSlot[ev.CondIdx]
		state.Conditions[slot].Snapshots = append(state.Conditions[slot].Snapshots, rs.snapshot(ev, info))
	}
	return state
}

// FindUser returns the rebuilt state for a user id, or nil.
func (e *Engine) FindUser(id string) *UserState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i, u := range e.users {
		if u == id {
			return &e.userStates[i]
		}
	}
	return nil
}

// Users returns the interned user id list.
func (e *Engine) Users() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.users
}

// UserStates returns all rebuilt user states, indexed like Users.
func (e *Engine) UserStates() []UserState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.userStates
}

// ConditionIDs returns condition ids indexed by CondIdx.
func (e *Engine) ConditionIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.condIDs
}

// Conditions returns condition metadata indexed by CondIdx.
func (e *Engine) Conditions() []ConditionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.conds
}

// parseStringArray decodes a JSON array of strings; anything else is empty.
func parseStringArray(s string) []string {
	if s == "" || s == "NULL" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// parseNumerators decodes payout numerators, which arrive as a JSON array of
// numbers or decimal strings.
func parseNumerators(s string) []int64 {
	if s == "" || s == "NULL" {
		return nil
	}
	var raw []any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil
	}
	out := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case float64:
			out = append(out, int64(t))
		case string:
			n, err := strconv.ParseInt(t, 10, 64)
			if err != nil {
				return nil
			}
			out = append(out, n)
		default:
			return nil
		}
	}
	return out
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
