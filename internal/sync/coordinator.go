package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-pnl-lab/internal/config"
	"market-pnl-lab/internal/observability"
	"market-pnl-lab/internal/stats"
	"market-pnl-lab/internal/storage"
	"market-pnl-lab/internal/subgraph"
)

// Slot limits. Effectively unbounded; the subgraph client pool is the real
// concurrency brake.
const (
	DefaultParallelTotal     = 9999
	DefaultParallelPerSource = 9999
)

// Progress is a snapshot of round state for the API and websocket push.
type Progress struct {
	Round          int64           `json:"round"`
	Running        bool            `json:"running"`
	SourcesDone    map[string]bool `json:"sources_done"`
	RoundStartedAt int64           `json:"round_started_at"`
	NextRoundAt    int64           `json:"next_round_at"`
}

// Coordinator owns the global slot budget and restarts sync rounds on a
// timer. Schedulers interact with it only through SlotCallbacks.
type Coordinator struct {
	logger     *zap.Logger
	interval   time.Duration
	maxTotal   int
	schedulers []*Scheduler

	mu          sync.Mutex
	slotsInUse  int
	sourcesDone map[string]bool
	round       int64
	roundStart  time.Time
	nextRound   time.Time
	running     bool
	roundDone   chan struct{}

	trigger chan struct{}
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Store         storage.Store
	Client        *subgraph.Client
	Stats         *stats.Registry
	Logger        *zap.Logger
	Sources       []config.Source
	Interval      time.Duration
	ParallelTotal int
}

// NewCoordinator builds one scheduler per source and wires slot callbacks.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	c := &Coordinator{
		logger:      opts.Logger.Named("coordinator"),
		interval:    opts.Interval,
		maxTotal:    opts.ParallelTotal,
		sourcesDone: make(map[string]bool),
		trigger:     make(chan struct{}, 1),
	}
	if c.maxTotal <= 0 {
		c.maxTotal = DefaultParallelTotal
	}

	for _, src := range opts.Sources {
		sched, err := NewScheduler(SchedulerOptions{
			Store:        opts.Store,
			Client:       opts.Client,
			Stats:        opts.Stats,
			Logger:       opts.Logger,
			Source:       src,
			MaxPerSource: DefaultParallelPerSource,
			Slots: SlotCallbacks{
				TryAcquireSlot: c.tryAcquireSlot,
				ReleaseSlot:    c.releaseSlot,
				OnSourceDone:   c.onSourceDone,
			},
		})
		if err != nil {
			return nil, err
		}
		c.schedulers = append(c.schedulers, sched)
		c.sourcesDone[src.Name] = false
	}
	return c, nil
}

// Init prepares tables and stats for every source.
func (c *Coordinator) Init() error {
	for _, sched := range c.schedulers {
		if err := sched.Init(); err != nil {
			return err
		}
	}
	return nil
}

// Run executes sync rounds until the context is cancelled. After each round
// the next one starts when the interval elapses or TriggerNow fires.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		done := c.startRound(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}

		c.mu.Lock()
		c.running = false
		c.nextRound = time.Now().Add(c.interval)
		round := c.round
		roundTook := time.Since(c.roundStart)
		c.mu.Unlock()
		observability.RecordSyncRound(roundTook.Seconds())
		c.logger.Info("round complete", zap.Int64("round", round),
			zap.Duration("took", roundTook),
			zap.Duration("next_in", c.interval))

		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-c.trigger:
			timer.Stop()
		}
	}
}

// TriggerNow restarts the round timer so the next round begins immediately.
func (c *Coordinator) TriggerNow() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Progress returns a snapshot of the current round.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	done := make(map[string]bool, len(c.sourcesDone))
	for k, v := range c.sourcesDone {
		done[k] = v
	}
	p := Progress{
		Round:       c.round,
		Running:     c.running,
		SourcesDone: done,
	}
	if !c.roundStart.IsZero() {
		p.RoundStartedAt = c.roundStart.Unix()
	}
	if !c.nextRound.IsZero() {
		p.NextRoundAt = c.nextRound.Unix()
	}
	return p
}

func (c *Coordinator) startRound(ctx context.Context) chan struct{} {
	c.mu.Lock()
	c.round++
	c.roundStart = time.Now()
	c.running = true
	c.roundDone = make(chan struct{})
	for name := range c.sourcesDone {
		c.sourcesDone[name] = false
	}
	done := c.roundDone
	round := c.round
	c.mu.Unlock()

	c.logger.Info("round started", zap.Int64("round", round))

	if len(c.schedulers) == 0 {
		close(done)
		return done
	}
	for _, sched := range c.schedulers {
		sched.Start(ctx)
	}
	return done
}

func (c *Coordinator) tryAcquireSlot() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slotsInUse >= c.maxTotal {
		return false
	}
	c.slotsInUse++
	return true
}

func (c *Coordinator) releaseSlot() {
	c.mu.Lock()
	c.slotsInUse--
	c.mu.Unlock()
}

func (c *Coordinator) onSourceDone(source string) {
	c.mu.Lock()
	c.sourcesDone[source] = true
	all := true
	for _, v := range c.sourcesDone {
		if !v {
			all = false
			break
		}
	}
	done := c.roundDone
	c.mu.Unlock()

	if all && done != nil {
		close(done)
	}
}
