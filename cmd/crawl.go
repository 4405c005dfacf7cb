package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/app"
	"github.com/JakeFAU/corpgraph-crawler/internal/config"
	"github.com/JakeFAU/corpgraph-crawler/internal/logging"
	"github.com/JakeFAU/corpgraph-crawler/internal/telemetry"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run the discovery loop",
		Long: `Restores the pending frontier and crawls until interrupted. SIGHUP
re-reads the config file and applies new page size, page delay, page limit
and retry settings between entities.`,
		RunE: runCrawl,
	}
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	rt, err := fromContext(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			rt.logger.Warn("close application", zap.Error(cerr))
		}
	}()

	if rt.cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, logging.Service, a.RunID())
		if err != nil {
			return err
		}
		defer func() {
			if serr := tp.Shutdown(context.Background()); serr != nil {
				rt.logger.Warn("shutdown tracer provider", zap.Error(serr))
			}
		}()
	}

	go reloadOnHangup(ctx, rt, a)

	if err := a.Run(ctx); err != nil {
		return err
	}
	if a.Status().Disabled {
		rt.logger.Warn("upstream fetcher was disabled during the run, refresh credentials before restarting")
	}
	rt.logger.Info("crawl finished")
	return nil
}

func reloadOnHangup(ctx context.Context, rt *runtime, a *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(rt.cfgPath)
			if err != nil {
				rt.logger.Error("reload config failed, keeping current settings", zap.Error(err))
				continue
			}
			a.Apply(cfg.Settings())
			rt.logger.Info("config reloaded", zap.String("path", rt.cfgPath))
		}
	}
}
