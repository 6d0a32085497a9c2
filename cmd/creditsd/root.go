package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "creditsd",
		Short: "Prepaid credit ledger with Mercado Pago reconciliation",
		Long: "creditsd serves the credits HTTP API (billable actions, purchases, " +
			"gateway webhooks) and runs ledger maintenance commands.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	bindFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return initConfig(v, cmd.Flags())
	}

	rootCmd.AddCommand(
		newServeCmd(v),
		newMigrateCmd(v),
		newSeedPlansCmd(v),
		newBalanceCmd(v),
		newGrantCmd(v),
	)

	return rootCmd
}
