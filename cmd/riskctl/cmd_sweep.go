package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ksred/klear-lending/internal/ledger"
	"github.com/ksred/klear-lending/internal/risk"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a risk sweep once",
		Long: `Run one of the engine's periodic sweeps immediately. Interrupting the
command stops the sweep and reports a partial summary.`,
	}

	run := func(fn func(ctx context.Context, engine *risk.Engine, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, closer, err := openEngine(ctx, opts)
			if err != nil {
				return err
			}
			defer closer()
			return fn(ctx, engine, cmd.OutOrStdout())
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "revaluation",
			Short: "Re-evaluate LTV and margin calls for every active loan",
			RunE: run(func(ctx context.Context, engine *risk.Engine, out io.Writer) error {
				summary, err := engine.RunRevaluationSweep(ctx)
				if err != nil {
					return err
				}
				return printSweep(out, opts.format, summary)
			}),
		},
		&cobra.Command{
			Use:   "due-calls",
			Short: "Re-evaluate loans whose margin calls are past due",
			RunE: run(func(ctx context.Context, engine *risk.Engine, out io.Writer) error {
				summary, err := engine.ProcessDueMarginCalls(ctx)
				if err != nil {
					return err
				}
				return printSweep(out, opts.format, summary)
			}),
		},
		&cobra.Command{
			Use:   "overdue",
			Short: "Mark missed installments overdue and classify NPAs",
			RunE: run(func(ctx context.Context, engine *risk.Engine, out io.Writer) error {
				summary, err := engine.RunOverdueSweep(ctx)
				if err != nil {
					return err
				}
				return printOverdue(out, opts.format, summary)
			}),
		},
	)
	return cmd
}

func printSweep(w io.Writer, format string, s *risk.SweepSummary) error {
	if format == "json" {
		return writeJSON(w, s)
	}
	fmt.Fprintf(w, "sweep %s finished in %s\n", s.Sweep, s.FinishedAt.Sub(s.StartedAt))
	fmt.Fprintf(w, "  considered  %d\n", s.LoansConsidered)
	fmt.Fprintf(w, "  evaluated   %d\n", s.LoansEvaluated)
	fmt.Fprintf(w, "  calls new   %d\n", s.MarginCallsCreated)
	fmt.Fprintf(w, "  resolved    %d\n", s.MarginCallsResolved)
	fmt.Fprintf(w, "  liquidated  %d\n", s.Liquidations)
	fmt.Fprintf(w, "  skipped     %d\n", s.Skipped)
	fmt.Fprintf(w, "  failed      %d\n", s.Failed)
	if s.Partial {
		fmt.Fprintln(w, "  (partial: interrupted before every loan was visited)")
	}
	return nil
}

func printOverdue(w io.Writer, format string, s *ledger.OverdueSummary) error {
	if format == "json" {
		return writeJSON(w, s)
	}
	fmt.Fprintf(w, "overdue sweep as of %s\n", s.AsOf.Format("2006-01-02"))
	fmt.Fprintf(w, "  loans updated   %d\n", s.LoansUpdated)
	fmt.Fprintf(w, "  entries marked  %d\n", s.EntriesMarked)
	fmt.Fprintf(w, "  new NPAs        %d\n", s.NewNPAs)
	fmt.Fprintf(w, "  failed          %d\n", s.Failed)
	return nil
}
