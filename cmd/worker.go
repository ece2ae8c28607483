package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recherche-engine/internal/config"
	"github.com/sells-group/recherche-engine/internal/worker"
)

var (
	workerPollInterval time.Duration
	workerConcurrency  int
	workerOnce         bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the order fulfilment worker",
	Long: `Claims confirmed orders, searches the providers of their quality tier,
deduplicates the candidates against the catalog and settles the reservation.
Runs until SIGINT or SIGTERM; the order in flight is finished first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		wcfg := cfg.Worker
		if cmd.Flags().Changed("poll-interval") {
			wcfg.PollInterval = workerPollInterval
		}
		if cmd.Flags().Changed("concurrency") {
			wcfg.Concurrency = workerConcurrency
		}
		cfg.Worker = wcfg

		env, err := initEnv(ctx, config.ModeWorker)
		if err != nil {
			return err
		}
		defer env.Close()

		providers := buildProviders(cfg)
		if providers.Empty() {
			zap.L().Warn("no providers configured, orders will wait until credentials are set")
		}

		wcfg.Once = workerOnce
		w := worker.New(worker.Deps{
			Orders:     env.Manager,
			Attempts:   worker.NewPostgresAttempts(env.Pool, worker.BindPostgres(env.Manager, env.Geo, cfg.Dedup)),
			Providers:  providers,
			Geo:        env.Geo,
			Categories: env.Catalog,
		}, wcfg)

		zap.L().Info("providers registered", zap.Strings("providers", providers.Names()))
		return w.Run(ctx)
	},
}

func init() {
	f := workerCmd.Flags()
	f.DurationVar(&workerPollInterval, "poll-interval", 5*time.Second, "wait between claims when the queue is empty")
	f.IntVar(&workerConcurrency, "concurrency", 1, "number of orders processed in parallel")
	f.BoolVar(&workerOnce, "once", false, "process at most one order and exit")
	rootCmd.AddCommand(workerCmd)
}
