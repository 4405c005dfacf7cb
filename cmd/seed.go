package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/app"
	"github.com/JakeFAU/corpgraph-crawler/internal/clock/system"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
	"github.com/JakeFAU/corpgraph-crawler/internal/seeder"
)

func newSeedCmd() *cobra.Command {
	var (
		source     string
		entityType string
	)
	cmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Add direct-search results to the frontier",
		Long: `Reads seeds from a YAML list of {id, type, source, profile} or a text
file with one id per line and records the unknown ones in the frontier. A
running crawl picks them up on its next idle rescan.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			src := rt.cfg.Source()
			if source != "" {
				src = graph.Source(source)
			}
			typ := graph.EntityCompany
			if entityType != "" {
				typ = graph.ParseEntityType(entityType)
			}
			seeds, err := seeder.LoadFile(args[0], src, typ)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := app.OpenFrontier(ctx, rt.cfg.Frontier, system.New(), rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := store.Close(); cerr != nil {
					rt.logger.Warn("close frontier", zap.Error(cerr))
				}
			}()
			artifacts, closeArtifacts, err := app.OpenArtifacts(ctx, rt.cfg.Artifacts, rt.logger)
			if err != nil {
				return err
			}
			defer func() { _ = closeArtifacts() }()

			report, err := seeder.New(store, nil, artifacts, rt.logger).Seed(ctx, seeds)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "data source for entries without one (default crawl.source)")
	cmd.Flags().StringVar(&entityType, "type", "", "entity type for entries without one (default company)")
	return cmd
}
