package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/corpgraph-crawler/internal/app"
	"github.com/JakeFAU/corpgraph-crawler/internal/clock/system"
	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

func newStatsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print frontier and visit counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := fromContext(cmd.Context())
			if err != nil {
				return err
			}
			store, err := app.OpenFrontier(cmd.Context(), rt.cfg.Frontier, system.New(), rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := store.Close(); cerr != nil {
					rt.logger.Warn("close frontier", zap.Error(cerr))
				}
			}()
			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("load stats: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			return writeStats(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func writeStats(out io.Writer, stats graph.FrontierStats) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "visited\t%d\n", stats.Visited)
	fmt.Fprintf(tw, "pending\t%d\n", stats.Pending)
	for _, w := range graph.RecencyWindows {
		fmt.Fprintf(tw, "visited (%s)\t%d\n", w.Name, stats.VisitedRecently[w.Name])
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "SOURCE\tTYPE\tVISITED\tPENDING")
	for _, row := range statsRows(stats) {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", row.source, row.typ, row.visited, row.pending)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}

type statsRow struct {
	source  graph.Source
	typ     graph.EntityType
	visited int
	pending int
}

func statsRows(stats graph.FrontierStats) []statsRow {
	type rowKey struct {
		source graph.Source
		typ    graph.EntityType
	}
	index := map[rowKey]*statsRow{}
	var rows []*statsRow
	get := func(src graph.Source, typ graph.EntityType) *statsRow {
		k := rowKey{source: src, typ: typ}
		if r, ok := index[k]; ok {
			return r
		}
		r := &statsRow{source: src, typ: typ}
		index[k] = r
		rows = append(rows, r)
		return r
	}
	for src, byType := range stats.VisitedByType {
		for typ, n := range byType {
			get(src, typ).visited = n
		}
	}
	for src, byType := range stats.PendingByType {
		for typ, n := range byType {
			get(src, typ).pending = n
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].source != rows[j].source {
			return rows[i].source < rows[j].source
		}
		return rows[i].typ < rows[j].typ
	})
	out := make([]statsRow, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out
}
