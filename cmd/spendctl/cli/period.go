package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-spend/internal/budgets"
)

func newPeriodCommand() *cobra.Command {
	var (
		periodType string
		anchor     string
	)
	cmd := &cobra.Command{
		Use:   "period",
		Short: "Show the budget window containing a date",
		Example: `  spendctl period --type quarterly --anchor 2025-05-12
  spendctl period --type monthly`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := budgets.ParsePeriodType(periodType)
			if err != nil {
				return err
			}
			at := time.Now().UTC()
			if anchor != "" {
				at, err = time.Parse(time.DateOnly, anchor)
				if err != nil {
					return fmt.Errorf("anchor must be YYYY-MM-DD: %w", err)
				}
			}
			window, err := budgets.PeriodBounds(pt, at)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "type:  %s\n", pt)
			fmt.Fprintf(out, "start: %s\n", window.Start.Format(time.RFC3339))
			fmt.Fprintf(out, "end:   %s (exclusive)\n", window.End.Format(time.RFC3339))
			fmt.Fprintf(out, "last:  %s\n", window.LastInstant().Format(time.RFC3339Nano))
			return nil
		},
	}
	cmd.Flags().StringVarP(&periodType, "type", "t", string(budgets.PeriodMonthly), "monthly, quarterly or yearly")
	cmd.Flags().StringVarP(&anchor, "anchor", "a", "", "Date inside the period (default today, UTC)")
	return cmd
}
