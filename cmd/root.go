// Package cmd defines the corpgraph CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/config"
	"github.com/JakeFAU/corpgraph-crawler/internal/logging"
)

type ctxKey struct{}

// runtime is what PersistentPreRunE hands to subcommands.
type runtime struct {
	cfgPath string
	cfg     config.Config
	logger  *zap.Logger
}

func fromContext(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(ctxKey{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "corpgraph",
		Short: "Breadth-first crawler for corporate ownership graphs.",
		Long: `corpgraph walks investment and shareholder relations of companies
through a paginated upstream API. Every discovered entity is recorded in a
durable frontier so a crawl can be stopped and resumed at any time.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, ctxKey{}, &runtime{cfgPath: cfgPath, cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := fromContext(cmd.Context()); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newSeedCmd())
	cmd.AddCommand(newStatsCmd())
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
