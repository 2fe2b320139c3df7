package main

import (
	"github.com/spf13/cobra"
)

func validateCmd() *cobra.Command {
	var flags addressFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate an address, falling back to local checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			result := rt.service.ValidateAddress(cmd.Context(), flags.address())
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}
			printValidation(cmd.OutOrStdout(), result)
			return nil
		},
	}
	flags.bind(cmd, false)
	return cmd
}
