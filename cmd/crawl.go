package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/app"
)

// newApp is the service factory; tests swap in a fake transport through it.
var newApp = app.New

func newCrawlCmd() *cobra.Command {
	var dryRun, progress bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl of the marketplace",
		Long: `Discovers categories on the landing page, collects product links from
every matching category page, scrapes each product page with a pool of workers
and upserts the records in a single transaction.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, dryRun, progress)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "keep records in memory instead of writing to Postgres")
	cmd.Flags().BoolVar(&progress, "progress", false, "render a progress bar over processed products")
	return cmd
}

// runCrawl returns an error only for setup failures. A failed run is logged
// and the process still exits 0 after teardown.
func runCrawl(cmd *cobra.Command, dryRun, progress bool) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := app.Options{DryRun: dryRun}
	var bar *progressbar.ProgressBar
	if progress {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("scraping products"),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
		)
		opts.OnProcessed = func() { _ = bar.Add(1) }
	}

	a, err := newApp(ctx, e.cfg, e.logger, opts)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	stopOps := startOps(ctx, a, e.logger)
	defer stopOps()

	stats, err := a.Orchestrator.Run(ctx)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		e.logger.Error("crawl run failed", zap.Error(err), zap.String("run_id", stats.RunID))
		return nil
	}
	e.logger.Info("crawl command finished",
		zap.String("run_id", stats.RunID),
		zap.Int("products", stats.RefsQueued),
		zap.Int64("written", stats.RecordsWritten),
	)
	return nil
}

// startOps runs the ops server when ops.addr is set and returns a func that
// stops it and waits for shutdown.
func startOps(ctx context.Context, a *app.App, logger *zap.Logger) func() {
	addr := a.Config.Ops.Addr
	if addr == "" {
		return func() {}
	}
	opsCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.OpsServer().ListenAndServe(opsCtx, addr); err != nil {
			logger.Error("ops server failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
