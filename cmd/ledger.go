package main

import (
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sells-group/recherche-engine/internal/config"
	"github.com/sells-group/recherche-engine/internal/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Manage partner billing accounts",
}

var (
	topupCents int64
	topupRef   string
)

var ledgerTopupCmd = &cobra.Command{
	Use:   "topup <partner-id>",
	Short: "Credit a partner's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeDB)
		if err != nil {
			return err
		}
		defer env.Close()

		ref := topupRef
		if ref == "" {
			ref = "topup:" + uuid.NewString()
		}
		if _, err := env.Ledger.Topup(ctx, args[0], topupCents, ref); err != nil {
			return err
		}
		acct, err := env.Ledger.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		return render(os.Stdout, acct)
	},
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance <partner-id>",
	Short: "Show a partner's billing account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeDB)
		if err != nil {
			return err
		}
		defer env.Close()

		acct, err := env.Ledger.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		return render(os.Stdout, acct)
	},
}

var (
	blockUnblock bool
	blockReason  string
)

var ledgerBlockCmd = &cobra.Command{
	Use:   "block <partner-id>",
	Short: "Block a partner from placing orders",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeDB)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Ledger.SetBlocked(ctx, args[0], !blockUnblock, blockReason); err != nil {
			return err
		}
		acct, err := env.Ledger.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		return render(os.Stdout, acct)
	},
}

var ledgerSetTypeCmd = &cobra.Command{
	Use:       "set-type <partner-id> <credits|invoice|internal>",
	Short:     "Change how a partner is billed",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(ledger.BillingCredits), string(ledger.BillingInvoice), string(ledger.BillingInternal)},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeDB)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Ledger.SetBillingType(ctx, args[0], ledger.BillingType(args[1])); err != nil {
			return err
		}
		acct, err := env.Ledger.Balance(ctx, args[0])
		if err != nil {
			return err
		}
		return render(os.Stdout, acct)
	},
}

func init() {
	ledgerTopupCmd.Flags().Int64Var(&topupCents, "cents", 0, "amount to credit in euro cents")
	ledgerTopupCmd.Flags().StringVar(&topupRef, "ref", "", "external reference, e.g. a payment id")
	_ = ledgerTopupCmd.MarkFlagRequired("cents")

	ledgerBlockCmd.Flags().BoolVar(&blockUnblock, "unblock", false, "lift an existing block instead")
	ledgerBlockCmd.Flags().StringVar(&blockReason, "reason", "", "reason shown to the partner")

	ledgerCmd.AddCommand(ledgerTopupCmd, ledgerBalanceCmd, ledgerBlockCmd, ledgerSetTypeCmd)
	rootCmd.AddCommand(ledgerCmd)
}
