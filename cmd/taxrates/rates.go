package main

import (
	"github.com/spf13/cobra"
)

func ratesCmd() *cobra.Command {
	var flags addressFlags
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Resolve the combined sales tax rate for an address",
		Example: `  taxrates rates --street "1 Main St" --city austin --state tx --zip 78701
  taxrates rates --offline --state ca --city "los angeles" --date 2016-06-01`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := flags.query()
			if err != nil {
				return err
			}
			resp, err := rt.service.GetRates(cmd.Context(), q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printRates(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	flags.bind(cmd, true)
	return cmd
}
