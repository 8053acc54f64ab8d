package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"testworker/internal/config"
	"testworker/internal/metrics"
	"testworker/internal/reaper"
	"testworker/internal/server"
	"testworker/internal/store"
)

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Runs the stalled run reaper",
	Long: `Periodically marks runs that stayed in the running status for longer than the
threshold plus buffer as error, and recomputes the status of their jobs.`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running reaper process")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
			}
		}()

		once, _ := cmd.Flags().GetBool("once")
		collector := metrics.NewCollector()
		rp, err := reaper.New(store.New(db), reaper.Options{
			Schedule:  conf.Reaper.Schedule,
			Threshold: conf.Reaper.Threshold,
			Buffer:    conf.Reaper.Buffer,
			BatchSize: conf.Reaper.BatchSize,
		}, reaper.WithObserver(collector))
		if err != nil {
			log.Fatal().Err(err).Msg("Could not create reaper")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if once {
			res, err := rp.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Sweep failed")
				return
			}
			log.Info().
				Int("scanned", res.Scanned).
				Int("stalled", res.Stalled).
				Int64("updated", res.Updated).
				Strs("jobs", res.Jobs).
				Msg("Sweep finished")
			return
		}

		if err := rp.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start reaper")
		}
		defer rp.Stop()

		ops := server.New(&server.Config{Host: conf.Server.Host, Port: conf.Server.Port}, server.Deps{
			Metrics: collector.Handler(),
			Checks:  []server.Check{{Name: "database", Probe: db.PingContext}},
		})
		if err := ops.ListenAndServe(ctx); err != nil {
			log.Error().Err(err).Msg("Ops server stopped")
		}
		log.Info().Msg("Reaper shut down")
	},
}

func init() {
	reaperCmd.Flags().Bool("once", false, "run a single sweep and exit")
}
