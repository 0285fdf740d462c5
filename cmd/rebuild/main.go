// Package main runs a one-shot offline rebuild: replay every synced event
// into user timelines and write the binary snapshot, without starting the
// sync service or API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"market-pnl-lab/internal/config"
	"market-pnl-lab/internal/rebuild"
	duckstore "market-pnl-lab/internal/storage/duckdb"
)

type rebuildOptions struct {
	ConfigPath string
	Output     string
	Workers    int
}

func newRebuildCommand() *cobra.Command {
	opts := &rebuildOptions{}

	cmd := &cobra.Command{
		Use:           "rebuild",
		Short:         "Rebuild user timelines from the synced tables and write a snapshot",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRebuild(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "config.json", "path to config file")
	cmd.Flags().StringVar(&opts.Output, "output", "", "snapshot output path (defaults to the configured path)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "replay worker count (0 = default)")
	return cmd
}

func runRebuild(ctx context.Context, opts *rebuildOptions) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	output := opts.Output
	if output == "" {
		output = cfg.SnapshotPath
	}

	store, err := duckstore.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	engine := rebuild.NewEngine(rebuild.EngineOptions{
		Store:   store,
		Logger:  logger,
		Workers: opts.Workers,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// After the first signal, restore default handling so a second one
	// terminates the process.
	go func() {
		<-ctx.Done()
		stop()
	}()

	start := time.Now()
	if err := engine.RebuildAll(ctx); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if err := engine.Save(output); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	p := engine.Progress()
	logger.Info("rebuild finished",
		zap.Int64("conditions", p.TotalConditions),
		zap.Int64("tokens", p.TotalTokens),
		zap.Int64("events", p.TotalEvents),
		zap.Int64("users", p.TotalUsers),
		zap.String("snapshot", output),
		zap.Duration("took", time.Since(start)))
	return nil
}

func main() {
	if err := newRebuildCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
