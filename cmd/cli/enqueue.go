package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"testworker/internal/config"
	"testworker/internal/models"
	"testworker/internal/queue"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <task.json>",
	Short: "Validates a task file and publishes it to the task queue",
	Long: `Reads a task record (use - for stdin), validates it and publishes it for the workers.
A record with a job_id is a job, a record with only a test_id is a single test.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := readTask(args[0])
		if err != nil {
			return err
		}

		conf := config.FromCobraCmd(cmd)
		q, err := queue.NewRedisClient(conf.Redis.Host, conf.Redis.Password, conf.Redis.DB, queue.Options{})
		if err != nil {
			return fmt.Errorf("could not connect to redis queue: %w", err)
		}
		defer func() {
			if err := q.Close(); err != nil {
				log.Warn().Err(err).Msg("Could not close redis queue")
			}
		}()

		id, err := q.Publish(cmd.Context(), task)
		if err != nil {
			return err
		}
		log.Info().
			Str("message_id", id).
			Str("kind", string(task.Kind())).
			Str("run_id", task.Meta().RunID).
			Msg("Task enqueued")
		return nil
	},
}

func readTask(path string) (models.ExecutionTask, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var record models.TaskRecord
	if err := json.NewDecoder(r).Decode(&record); err != nil {
		return nil, fmt.Errorf("could not parse task file: %w", err)
	}
	return record.Resolve()
}
