package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/recherche-engine/internal/config"
)

var estimateFlags requestFlags

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Price an order without placing it",
	Long:  "Estimates the hit count and cost of an order for the given scope, filter and tier. Nothing is persisted or reserved.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := estimateFlags.request()
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, config.ModeDB)
		if err != nil {
			return err
		}
		defer env.Close()

		est, err := env.Manager.Estimate(ctx, req)
		if err != nil {
			return err
		}
		return render(os.Stdout, est)
	},
}

func init() {
	estimateFlags.bind(estimateCmd)
	rootCmd.AddCommand(estimateCmd)
}
