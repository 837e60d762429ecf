package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ksred/klear-lending/internal/amortization"
	"github.com/ksred/klear-lending/internal/risk"
)

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	var (
		principal string
		rate      string
		tenure    int
		start     string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Preview an amortization schedule",
		Long: `Generate the EMI schedule for a loan without opening it.

Examples:
  riskctl schedule --principal 100000 --rate 12 --tenure 12
  riskctl schedule --principal 500000 --rate 10.5 --tenure 36 --start 2025-01-15 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := decimal.NewFromString(principal)
			if err != nil {
				return fmt.Errorf("invalid principal %q: %w", principal, err)
			}
			r, err := decimal.NewFromString(rate)
			if err != nil {
				return fmt.Errorf("invalid rate %q: %w", rate, err)
			}
			startDate := time.Now().UTC().Truncate(24 * time.Hour)
			if start != "" {
				if startDate, err = time.Parse("2006-01-02", start); err != nil {
					return fmt.Errorf("invalid start date %q: %w", start, err)
				}
			}

			entries, err := amortization.GenerateSchedule(p, r, tenure, startDate)
			if err != nil {
				return err
			}
			preview := risk.SchedulePreview{Summary: amortization.Summarize(entries), Entries: entries}

			out := cmd.OutOrStdout()
			if opts.format == "json" {
				return writeJSON(out, preview)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(tw, "#\tDUE\tEMI\tPRINCIPAL\tINTEREST\t")
			for _, e := range preview.Entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t\n",
					e.InstallmentNumber,
					e.DueDate.Format("2006-01-02"),
					e.EMIAmount.StringFixed(2),
					e.PrincipalComponent.StringFixed(2),
					e.InterestComponent.StringFixed(2))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nEMI %s  total interest %s  total payable %s\n",
				preview.Summary.EMIAmount.StringFixed(2),
				preview.Summary.TotalInterest.StringFixed(2),
				preview.Summary.TotalPayable.StringFixed(2))
			return nil
		},
	}

	cmd.Flags().StringVar(&principal, "principal", "", "Loan principal")
	cmd.Flags().StringVar(&rate, "rate", "", "Annual interest rate in percent")
	cmd.Flags().IntVar(&tenure, "tenure", 12, "Tenure in months")
	cmd.Flags().StringVar(&start, "start", "", "Disbursal date (YYYY-MM-DD), defaults to today")
	_ = cmd.MarkFlagRequired("principal")
	_ = cmd.MarkFlagRequired("rate")
	return cmd
}
