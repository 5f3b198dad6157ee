package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/weightflow/weightflow/pkg/checkpoint"
	"github.com/weightflow/weightflow/pkg/eventstore"
	"github.com/weightflow/weightflow/pkg/partition"
	"github.com/weightflow/weightflow/pkg/storage"
	"github.com/weightflow/weightflow/pkg/storage/s3"
	"github.com/weightflow/weightflow/pkg/testing/generators"
	"github.com/weightflow/weightflow/pkg/tui"
	"github.com/weightflow/weightflow/pkg/writer"
)

// newStore builds a storage store from the loaded configuration.
func newStore() *storage.Store {
	c := cfgManager.Get()
	s3cfg := s3.DefaultConfig(c.Storage.Region)
	s3cfg.Endpoint = c.Storage.Endpoint
	s3cfg.UsePathStyle = c.Storage.UsePathStyle
	if c.Storage.Timeout > 0 {
		s3cfg.OperationTimeout = c.Storage.Timeout
	}
	return storage.NewStore(s3cfg, "", logger)
}

// localTable resolves an event store or weights path to one local Parquet
// file, downloading s3:// objects.
func localTable(ctx context.Context, store *storage.Store, path, table string) (string, error) {
	local, err := store.Localize(ctx, path, table)
	if err != nil {
		return "", err
	}
	return eventstore.ResolvePath(local, table)
}

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the event range of every job step",
		Long: `Split an event table into job steps the way a run does and print every range.

Examples:
  weightflow plan --events 100000 --nsteps 8
  weightflow plan --input events/ --nsteps 8`,
		RunE: runPlan,
	}
	cmd.Flags().Int64Var(&eventCount, "events", 0, "Number of events in the table")
	cmd.Flags().StringVar(&inputPath, "input", "", "Event store to count instead of --events")
	cmd.Flags().StringVar(&chainName, "chain", eventstore.DefaultTable, "Table name within the event store")
	cmd.Flags().IntVar(&nSteps, "nsteps", 0, "Total number of job steps")
	cmd.MarkFlagsMutuallyExclusive("events", "input")
	return cmd
}

func runPlan(cmd *cobra.Command, args []string) error {
	total := eventCount
	if inputPath != "" {
		store := newStore()
		defer store.Cleanup()

		path, err := localTable(cmd.Context(), store, inputPath, chainName)
		if err != nil {
			return err
		}
		insp, err := writer.NewInspector()
		if err != nil {
			return err
		}
		defer insp.Close()
		if total, err = insp.RowCount(cmd.Context(), path); err != nil {
			return err
		}
	}

	ranges, err := partition.All(total, nSteps)
	if err != nil {
		return err
	}
	tui.PrintPlan(cmd.OutOrStdout(), total, ranges)
	return nil
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the weights tables cover every input event",
		Long: `Compare the row count of the whole event table with the total row count of
one or more weights tables. Globs select every step output at once.

Examples:
  weightflow verify --events events/ --weights weights.parquet
  weightflow verify --events events/ --weights 'weights/step-*.parquet'`,
		RunE: runVerify,
	}
	cmd.Flags().StringVar(&eventsPath, "events", "", "Event store (required)")
	cmd.Flags().StringVar(&chainName, "chain", eventstore.DefaultTable, "Table name within the event store")
	cmd.Flags().StringSliceVar(&weightsPaths, "weights", nil, "Weights tables or globs (required)")
	cmd.MarkFlagRequired("events")
	cmd.MarkFlagRequired("weights")
	return cmd
}

// expandWeights resolves local globs. Remote paths are kept as given.
func expandWeights(patterns []string) ([]string, error) {
	var out []string
	for _, p := range patterns {
		if storage.IsRemote(p) {
			out = append(out, p)
			continue
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no weights table matches %q", p)
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out, nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	paths, err := expandWeights(weightsPaths)
	if err != nil {
		return err
	}

	store := newStore()
	defer store.Cleanup()

	insp, err := writer.NewInspector()
	if err != nil {
		return err
	}
	defer insp.Close()

	var inputRows int64
	lines := make([]tui.VerifyLine, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	g.Go(func() error {
		path, err := localTable(gctx, store, eventsPath, chainName)
		if err != nil {
			return err
		}
		inputRows, err = insp.RowCount(gctx, path)
		return err
	})
	for i, p := range paths {
		g.Go(func() error {
			local, err := store.Localize(gctx, p, "")
			if err != nil {
				return err
			}
			n, err := insp.RowCount(gctx, local)
			if err != nil {
				return err
			}
			lines[i] = tui.VerifyLine{Path: p, Rows: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var sum int64
	for _, l := range lines {
		sum += l.Rows
	}
	ok := sum == inputRows
	tui.PrintVerify(cmd.OutOrStdout(), inputRows, lines, ok)
	if !ok {
		logger.Error("row count mismatch", zap.Int64("events", inputRows), zap.Int64("weights", sum))
		return fmt.Errorf("row count mismatch: %d events, %d weight rows", inputRows, sum)
	}
	return nil
}

func newSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print aggregate statistics of a weights table",
		RunE:  runSummary,
	}
	cmd.Flags().StringSliceVar(&weightsPaths, "weights", nil, "Weights table or glob (required)")
	cmd.MarkFlagRequired("weights")
	return cmd
}

func runSummary(cmd *cobra.Command, args []string) error {
	paths, err := expandWeights(weightsPaths)
	if err != nil {
		return err
	}

	store := newStore()
	defer store.Cleanup()

	insp, err := writer.NewInspector()
	if err != nil {
		return err
	}
	defer insp.Close()

	for _, p := range paths {
		local, err := store.Localize(cmd.Context(), p, "")
		if err != nil {
			return err
		}
		s, err := insp.Summarize(cmd.Context(), local)
		if err != nil {
			return err
		}
		tui.PrintSummary(cmd.OutOrStdout(), p, s)
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the step ledger",
		RunE:  runStatus,
	}
	cmd.Flags().StringVar(&ledgerURI, "ledger", "", "Step ledger (defaults to the configured ledger)")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	uri := ledgerURI
	if uri == "" {
		uri = cfgManager.Get().Ledger.URI
	}
	if uri == "" {
		return fmt.Errorf("no ledger configured (use --ledger)")
	}

	store := newStore()
	backend, err := checkpoint.Open(cmd.Context(), uri, store.S3)
	if err != nil {
		return err
	}
	defer backend.Close()

	entries, err := checkpoint.NewLedger(backend, logger).Entries(cmd.Context())
	if err != nil {
		return err
	}
	tui.PrintLedger(cmd.OutOrStdout(), backend.Name(), entries)
	return nil
}

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic event table",
		Long: `Write random, roughly physical events in the event store layout. Useful for
smoke runs with --engine dry-run.

Examples:
  weightflow generate --output events/event_selection/hftree.parquet --events 10000
  weightflow generate --output ll.parquet --events 500 --variant ll --met --seed 7`,
		RunE: runGenerate,
	}
	cmd.Flags().StringVar(&outputPath, "output", "", "Output Parquet file (required)")
	cmd.Flags().Int64Var(&eventCount, "events", 1000, "Number of events")
	cmd.Flags().StringVar(&variantName, "variant", "llbb", "Analysis variant (ll, llbb)")
	cmd.Flags().BoolVar(&readMET, "met", false, "Write the MET columns")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	cmd.Flags().Int64Var(&rowGroup, "row-group", 0, "Rows per Parquet row group (0 = one group)")
	cmd.MarkFlagRequired("output")
	return cmd
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if eventCount < 0 {
		return fmt.Errorf("--events must not be negative")
	}
	variant, err := eventstore.ParseVariant(variantName)
	if err != nil {
		return err
	}
	variant = variant.WithMET(readMET)

	rows := generators.NewEventGenerator(seed).Rows(variant, int(eventCount))
	spec := generators.TableSpec{Variant: variant, RowGroupLength: rowGroup}
	if err := generators.WriteTable(outputPath, spec, rows); err != nil {
		return fmt.Errorf("failed to write events: %w", err)
	}
	logger.Info("generated events",
		zap.String("output", outputPath),
		zap.Int64("events", eventCount),
		zap.String("variant", variant.Name),
	)
	return nil
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := cfgManager.Marshal()
			if err != nil {
				return err
			}
			for _, p := range cfgManager.GetPaths() {
				fmt.Fprintf(cmd.OutOrStdout(), "# loaded %s\n", p)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
