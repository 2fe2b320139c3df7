package main

import (
	"fmt"

	"pulsegrade/taxrates/models"

	"github.com/spf13/cobra"
)

func watchCmd() *cobra.Command {
	var flags addressFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to rate changes for an address and print them until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := flags.query()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			updates := make(chan models.TaxRateUpdate, 16)

			ids, err := rt.service.SubscribeToUpdates(cmd.Context(), []models.TaxRateQuery{q}, func(u models.TaxRateUpdate) {
				select {
				case updates <- u:
				case <-cmd.Context().Done():
				}
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.service.UnsubscribeFromUpdates(ids); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "unsubscribe: %v\n", err)
				}
			}()
			fmt.Fprintf(w, "Watching %d subscriptions %v, press Ctrl+C to stop\n", len(ids), ids)

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case u := <-updates:
					if jsonOutput {
						if err := printJSON(w, u); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintf(w, "%s  %-24s %-8s %.4f%% → %.4f%%  (%s)\n",
						u.ReceivedAt.Format("15:04:05"), u.Jurisdiction, u.JurisdictionType, u.OldRate, u.NewRate, u.Source)
				}
			}
		},
	}
	flags.bind(cmd, true)
	return cmd
}
