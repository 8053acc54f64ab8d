package runcmd

import (
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"testworker/internal/config"
	"testworker/internal/database"
	"testworker/internal/queue"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(workerCmd)
	Command.AddCommand(reaperCmd)
}

func mustDatabase(conf *config.TWConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}
	return db
}

func mustQueue(conf *config.TWConfig) *queue.RedisClient {
	q, err := queue.NewRedisClient(conf.Redis.Host, conf.Redis.Password, conf.Redis.DB, queue.Options{
		MaxDeliveries: conf.Worker.MaxDeliveries,
		Backoff:       conf.Worker.RedeliveryBackoff,
		BusyBackoff:   conf.Worker.BusyBackoff,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to redis queue")
	}
	return q
}
