package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"testworker/internal/admission"
	"testworker/internal/artifacts"
	"testworker/internal/billing"
	"testworker/internal/cancellation"
	"testworker/internal/config"
	"testworker/internal/metrics"
	"testworker/internal/notify"
	"testworker/internal/sandbox"
	"testworker/internal/server"
	"testworker/internal/store"
	"testworker/internal/usage"
	"testworker/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a worker process",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running worker process")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		queue := mustQueue(conf)
		rdb := queue.Redis()

		runner, docker, err := sandbox.NewDockerRunner(sandbox.Options{
			Image:       conf.Sandbox.Image,
			PullMissing: conf.Sandbox.PullMissing,
			User:        conf.Sandbox.User,
			ShmSizeMB:   conf.Sandbox.ShmSizeMB,
			Command:     conf.Sandbox.Command,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Could not create docker client")
		}

		collector := metrics.NewCollector()
		ctrl, err := admission.New(
			conf.Admission.MaxConcurrent,
			admission.WithStaleAfter(conf.Admission.StaleAfter),
			admission.WithObserver(collector),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not create admission controller")
		}

		cancel := cancellation.New(rdb)
		publisher := notify.NewPublisher(rdb)
		tracker := usage.NewTracker(db)
		runs := store.New(db)

		wrk := worker.New(worker.Config{
			Command: conf.Sandbox.Command,
			Limits: sandbox.Limits{
				MemoryMB:    conf.Sandbox.MemoryMB,
				CPUFraction: conf.Sandbox.CPUFraction,
				PidsLimit:   conf.Sandbox.PidsLimit,
				NetworkMode: conf.Sandbox.NetworkMode,
			},
			TestTimeout:           conf.Sandbox.TestTimeout,
			JobTimeout:            conf.Sandbox.JobTimeout,
			ReportDir:             conf.Sandbox.ReportDir,
			ReportIndex:           conf.Sandbox.ReportIndex,
			ScratchDir:            conf.Worker.ScratchDir,
			CancelPollInterval:    conf.Worker.CancelPollInterval,
			SigkillIsCancellation: conf.Worker.SigkillIsCancellation,
			StatusWriteAttempts:   conf.Worker.StatusWriteAttempts,
			StatusRetryDelay:      conf.Worker.StatusRetryDelay,
		}, worker.Deps{
			Sandbox:   runner,
			Store:     runs,
			Cancel:    cancel,
			Billing:   billing.NewGate(tracker, rdb, publisher, conf.Billing.NotifyWindow),
			Admission: ctrl,
			Uploader:  artifacts.NewDirUploader(conf.Artifacts.Root, conf.Artifacts.BaseURL),
			Usage:     tracker,
			Notifier:  publisher,
			Observer:  collector,
		})

		ops := server.New(&server.Config{
			Host:       conf.Server.Host,
			Port:       conf.Server.Port,
			ReportRoot: conf.Artifacts.Root,
		}, server.Deps{
			Admission: ctrl,
			Queue:     queue,
			Runs:      runs,
			Cancel:    cancel,
			Metrics:   collector.Handler(),
			Checks: []server.Check{
				{Name: "database", Probe: db.PingContext},
				{Name: "redis", Probe: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
				{Name: "docker", Probe: func(ctx context.Context) error {
					_, err := docker.Ping(ctx)
					return err
				}},
			},
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
			}
			if err := queue.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close redis queue cleanly on shutdown")
			}
			if err := docker.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close docker client cleanly on shutdown")
			}
		}()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return wrk.Start(gctx, queue, conf.Worker.Concurrency)
		})
		g.Go(func() error {
			ctrl.StartSweeper(gctx, conf.Admission.SweepInterval)
			return nil
		})
		g.Go(func() error {
			return ops.ListenAndServe(gctx)
		})

		if err := g.Wait(); err != nil {
			log.Error().Err(err).Str("worker_id", wrk.ID).Msg("Ran into problems")
			return
		}
		log.Info().Str("worker_id", wrk.ID).Msg("Worker shut down")
	},
}
