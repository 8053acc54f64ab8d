package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"testworker/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "twctl",
	Short: "TestWorker - sandboxed test execution for the testing platform",
	Long: `TestWorker consumes execution tasks from the queue and runs each one in a throwaway
Docker sandbox, then settles the run status, report, usage and notifications.

Run at least 1 worker and 1 reaper. The reaper recovers runs left behind by crashed workers.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(cancelCmd)
	RootCmd.AddCommand(enqueueCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
