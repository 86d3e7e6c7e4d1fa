package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/pario-ai/llmrace/pkg/history"
	"github.com/pario-ai/llmrace/pkg/models"
	"github.com/pario-ai/llmrace/pkg/orchestrator"
	"github.com/pario-ai/llmrace/pkg/report"
)

func newHistoryCmd(g *globalOptions) *cobra.Command {
	var (
		runID   string
		model   string
		byModel bool
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			if cfg.DBPath == "" {
				return errors.New("history is disabled: db_path is empty")
			}

			store, err := history.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := context.Background()
			out := cmd.OutOrStdout()

			// Run detail view
			if runID != "" {
				rec, results, err := store.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				run := &models.Run{
					ID:         rec.ID,
					Mode:       rec.Mode,
					Stream:     rec.Stream,
					StartedAt:  rec.StartedAt,
					FinishedAt: rec.StartedAt.Add(time.Duration(rec.DurationMs) * time.Millisecond),
					Results:    results,
					Summary:    orchestrator.Summarize(results, rec.Stream),
				}
				fmt.Fprintf(out, "Started %s\n\n", rec.StartedAt.Local().Format("2006-01-02 15:04:05"))
				return report.PrintRun(out, run)
			}

			// Per-model view
			if byModel || model != "" {
				rows, err := store.ModelSummary(ctx, model)
				if err != nil {
					return err
				}
				return report.PrintModelAggregates(out, rows)
			}

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			return report.PrintRunRecords(out, runs)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "show one run by id or id prefix")
	cmd.Flags().StringVar(&model, "model", "", "aggregate results for one model")
	cmd.Flags().BoolVar(&byModel, "by-model", false, "aggregate results per model")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list (0 for all)")
	return cmd
}
