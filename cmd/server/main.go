// Package main runs the full service: periodic subgraph sync rounds, the
// token-id filler, the rebuild engine, and the HTTP API in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"market-pnl-lab/internal/api"
	"market-pnl-lab/internal/config"
	"market-pnl-lab/internal/rebuild"
	"market-pnl-lab/internal/stats"
	duckstore "market-pnl-lab/internal/storage/duckdb"
	"market-pnl-lab/internal/subgraph"
	syncpkg "market-pnl-lab/internal/sync"
)

const shutdownTimeout = 15 * time.Second

type serverOptions struct {
	ConfigPath string
	LoadOnBoot bool
}

func newServerCommand() *cobra.Command {
	opts := &serverOptions{}

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Run the sync service and API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "config.json", "path to config file")
	cmd.Flags().BoolVar(&opts.LoadOnBoot, "load-snapshot", true, "load the rebuild snapshot on startup if present")
	return cmd
}

func runServer(ctx context.Context, opts *serverOptions) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("config loaded",
		zap.String("db", cfg.DBPath),
		zap.String("listen", cfg.ListenAddr),
		zap.Int("sources", len(cfg.Sources)))

	store, err := duckstore.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	client := subgraph.NewClient(cfg.APIKey)
	registry := stats.NewRegistry(store, logger)

	coordinator, err := syncpkg.NewCoordinator(syncpkg.CoordinatorOptions{
		Store:    store,
		Client:   client,
		Stats:    registry,
		Logger:   logger,
		Sources:  cfg.Sources,
		Interval: cfg.SyncInterval,
	})
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	if err := coordinator.Init(); err != nil {
		return fmt.Errorf("init tables: %w", err)
	}

	var filler *syncpkg.Filler
	if pnl, ok := cfg.PnlSource(); ok {
		filler = syncpkg.NewFiller(syncpkg.FillerOptions{
			Store:      store,
			Client:     client,
			Logger:     logger,
			SubgraphID: pnl.SubgraphID,
		})
	} else {
		filler = syncpkg.NewFiller(syncpkg.FillerOptions{
			Store:  store,
			Client: client,
			Logger: logger,
		})
		logger.Warn("no pnl source configured, token-id fill will find nothing")
	}

	engine := rebuild.NewEngine(rebuild.EngineOptions{
		Store:  store,
		Logger: logger,
	})
	if opts.LoadOnBoot && rebuild.CheckPersist(cfg.SnapshotPath).Exists {
		if err := engine.Load(cfg.SnapshotPath); err != nil {
			logger.Warn("snapshot load failed", zap.Error(err))
		}
	}

	server := api.NewServer(api.ServerOptions{
		Store:        store,
		Stats:        registry,
		Coordinator:  coordinator,
		Filler:       filler,
		Engine:       engine,
		Logger:       logger,
		SnapshotPath: cfg.SnapshotPath,
	})
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// After the first signal, restore default handling so a second one
	// terminates the process.
	go func() {
		<-ctx.Done()
		stop()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := coordinator.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func main() {
	if err := newServerCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
