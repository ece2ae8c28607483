package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/recherche-engine/internal/config"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Release orders whose worker lease has expired",
	Long:  "Returns IN_PROGRESS orders without a heartbeat for worker.stale_after to CONFIRMED, or fails them once their attempts are exhausted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, config.ModeDB)
		if err != nil {
			return err
		}
		defer env.Close()

		reaped, err := env.Manager.ReapStale(ctx, cfg.Worker.StaleAfter)
		if err != nil {
			return err
		}
		return render(os.Stdout, reaped)
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
}
