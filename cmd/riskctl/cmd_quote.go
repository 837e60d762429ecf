package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newQuoteCmd(opts *rootOptions) *cobra.Command {
	var asOf string

	cmd := &cobra.Command{
		Use:   "quote <loan-id>",
		Short: "Quote the amount needed to foreclose a loan",
		Long: `Compute the foreclosure settlement for a loan. Quotes are read-only and
never change the loan.

Examples:
  riskctl quote LN_123
  riskctl quote LN_123 --as-of 2025-06-30 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var at time.Time
			if asOf != "" {
				var err error
				if at, err = time.Parse("2006-01-02", asOf); err != nil {
					return fmt.Errorf("invalid --as-of %q: %w", asOf, err)
				}
			}

			engine, closer, err := openEngine(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer closer()

			q, err := engine.QuoteForeclosure(cmd.Context(), args[0], at)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, q)
			}

			fmt.Fprintf(out, "Foreclosure quote for %s as of %s\n\n", q.LoanID, q.AsOf.Format("2006-01-02"))
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			rows := []struct {
				label string
				value string
			}{
				{"Outstanding principal", q.OutstandingPrincipal.StringFixed(2)},
				{"Outstanding interest", q.OutstandingInterest.StringFixed(2)},
				{"Broken period interest", q.BrokenPeriodInterest.StringFixed(2)},
				{"Foreclosure charge", q.ForeclosureCharge.StringFixed(2)},
				{fmt.Sprintf("Penal interest (%d days)", q.OverdueDays), q.PenalInterest.StringFixed(2)},
				{"Processing fee", q.ProcessingFee.StringFixed(2)},
				{"Tax", q.Tax.StringFixed(2)},
				{"Total payable", q.TotalPayable.StringFixed(2)},
				{"Savings vs schedule", q.Savings.StringFixed(2)},
			}
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\n", r.label, r.value)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "Settlement date (YYYY-MM-DD), defaults to now")
	return cmd
}
