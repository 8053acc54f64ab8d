package cli

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"testworker/internal/cancellation"
	"testworker/internal/config"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>...",
	Short: "Asks the workers to cancel one or more job runs",
	Long: `Sets the cancellation signal of each run. A queued run is settled as error without
starting, a running one has its sandbox torn down. Single test runs ignore the signal.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf := config.FromCobraCmd(cmd)

		client := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Host,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		defer func() {
			if err := client.Close(); err != nil {
				log.Warn().Err(err).Msg("Could not close redis connection")
			}
		}()

		svc := cancellation.New(client)
		for _, runID := range args {
			if err := svc.Signal(cmd.Context(), runID); err != nil {
				return fmt.Errorf("could not cancel run %s: %w", runID, err)
			}
			log.Info().Str("run_id", runID).Msg("Cancellation signalled")
		}
		return nil
	},
}
