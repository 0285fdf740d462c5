package sync

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"market-pnl-lab/internal/catalog"
	"market-pnl-lab/internal/config"
	"market-pnl-lab/internal/stats"
	"market-pnl-lab/internal/storage"
	"market-pnl-lab/internal/subgraph"
)

// SlotCallbacks connect a scheduler to the coordinator's slot accounting.
// The scheduler never touches the coordinator directly.
type SlotCallbacks struct {
	TryAcquireSlot func() bool
	ReleaseSlot    func()
	OnSourceDone   func(source string)
}

// Scheduler drives all entity pulls for one source, starting executors while
// slots are available.
type Scheduler struct {
	store  storage.Store
	client *subgraph.Client
	stats  *stats.Registry
	logger *zap.Logger
	source config.Source
	defs   []*catalog.EntityDef
	slots  SlotCallbacks

	maxPerSource int

	mu      sync.Mutex
	next    int
	active  int
	done    int
	started bool
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Store        storage.Store
	Client       *subgraph.Client
	Stats        *stats.Registry
	Logger       *zap.Logger
	Source       config.Source
	Slots        SlotCallbacks
	MaxPerSource int // 0 means unlimited
}

// NewScheduler resolves the source's entities against the catalogue.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	s := &Scheduler{
		store:        opts.Store,
		client:       opts.Client,
		stats:        opts.Stats,
		logger:       opts.Logger.Named("scheduler"),
		source:       opts.Source,
		slots:        opts.Slots,
		maxPerSource: opts.MaxPerSource,
	}
	for name, table := range opts.Source.Entities {
		def, err := catalog.ByName(name, table)
		if err != nil {
			return nil, err
		}
		s.defs = append(s.defs, def)
	}
	return s, nil
}

// Init creates tables and seeds stats entries for every entity.
func (s *Scheduler) Init() error {
	for _, def := range s.defs {
		if err := s.store.InitEntity(def); err != nil {
			return err
		}
		count, err := s.store.TableCount(def.Table)
		if err != nil {
			return err
		}
		s.stats.InitEntity(s.source.Name, def.Table, count, catalog.EstimateRowSize(def.DDL))
	}
	return nil
}

// Start begins the source's round. Executors run in their own goroutines;
// completion of the last entity reports the source as done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.next = 0
	s.done = 0
	s.started = true
	s.mu.Unlock()

	for _, def := range s.defs {
		s.stats.SetDone(s.source.Name, def.Table, false)
	}

	if len(s.defs) == 0 {
		s.slots.OnSourceDone(s.source.Name)
		return
	}
	s.startNext(ctx)
}

// startNext launches executors while entities remain and slots admit.
func (s *Scheduler) startNext(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.next >= len(s.defs) || (s.maxPerSource > 0 && s.active >= s.maxPerSource) {
			s.mu.Unlock()
			return
		}
		if !s.slots.TryAcquireSlot() {
			s.mu.Unlock()
			return
		}
		def := s.defs[s.next]
		s.next++
		s.active++
		s.mu.Unlock()

		go s.runEntity(ctx, def)
	}
}

func (s *Scheduler) runEntity(ctx context.Context, def *catalog.EntityDef) {
	exec := NewExecutor(ExecutorOptions{
		Store:      s.store,
		Client:     s.client,
		Stats:      s.stats,
		Logger:     s.logger,
		Source:     s.source.Name,
		SubgraphID: s.source.SubgraphID,
		Def:        def,
	})
	if err := exec.Run(ctx); err != nil {
		s.logger.Error("entity sync aborted",
			zap.String("source", s.source.Name),
			zap.String("entity", def.Table),
			zap.Error(err))
	}

	s.slots.ReleaseSlot()

	s.mu.Lock()
	s.active--
	s.done++
	finished := s.done == len(s.defs)
	s.mu.Unlock()

	if finished {
		s.slots.OnSourceDone(s.source.Name)
		return
	}
	s.startNext(ctx)
}
