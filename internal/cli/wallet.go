package cli

import (
	"github.com/spf13/cobra"
)

func newHistoryCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List KESC transactions of the wallet, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.build(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.Wallet.Load(cmd.Context())
			if err != nil {
				newPrinter(opts).flowError(err)
				return err
			}
			newPrinter(opts).history(records)
			return nil
		},
	}
}

func newBalanceCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the KESC balance of the wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.build(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			bal, err := a.Wallet.Balance(cmd.Context())
			if err != nil {
				newPrinter(opts).flowError(err)
				return err
			}
			newPrinter(opts).balance(bal)
			return nil
		},
	}
}
