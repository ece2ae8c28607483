package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recherche-engine/internal/config"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Maintain the business catalog",
}

var backfillBatchSize int

var catalogBackfillCmd = &cobra.Command{
	Use:   "backfill-keys",
	Short: "Compute missing phone and domain match keys",
	Long:  "Fills phone_key and domain_key for businesses that predate key maintenance, in batches, until none are left.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeDB)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Catalog.BackfillKeys(ctx, backfillBatchSize)
		if err != nil {
			return err
		}
		zap.L().Info("match keys backfilled", zap.Int("businesses", n))
		return nil
	},
}

func init() {
	catalogBackfillCmd.Flags().IntVar(&backfillBatchSize, "batch-size", 1000, "businesses updated per transaction")
	catalogCmd.AddCommand(catalogBackfillCmd)
	rootCmd.AddCommand(catalogCmd)
}
