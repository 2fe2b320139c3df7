package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var (
		flags    addressFlags
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show how rates for an address changed over a period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := flags.query()
			if err != nil {
				return err
			}
			end := time.Now()
			if to != "" {
				if end, err = time.Parse(dateLayout, to); err != nil {
					return fmt.Errorf("invalid --to %q: %w", to, err)
				}
			}
			start := end.AddDate(-1, 0, 0)
			if from != "" {
				if start, err = time.Parse(dateLayout, from); err != nil {
					return fmt.Errorf("invalid --from %q: %w", from, err)
				}
			}

			history, err := rt.service.GetRateHistory(cmd.Context(), q, start, end)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), history)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%d rate components between %s and %s\n\n", len(history), start.Format(dateLayout), end.Format(dateLayout))
			for _, r := range history {
				expires := "-"
				if r.ExpirationDate != nil {
					expires = r.ExpirationDate.Format(dateLayout)
				}
				fmt.Fprintf(w, "  %-28s %-8s %.4f%%  %s → %s  (%s)\n",
					r.Jurisdiction, r.JurisdictionType, r.Rate, r.EffectiveDate.Format(dateLayout), expires, r.Source)
			}
			return nil
		},
	}
	flags.bind(cmd, true)
	cmd.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD), defaults to one year before --to")
	cmd.Flags().StringVar(&to, "to", "", "end date (YYYY-MM-DD), defaults to today")
	return cmd
}
