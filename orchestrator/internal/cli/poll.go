package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

var (
	pollKind string
	pollWait bool
)

func init() {
	rootCmd.AddCommand(pollCmd)
	pollCmd.Flags().StringVar(&pollKind, "kind", models.CGOUnit.Kind, "Job kind: cgo or a2a")
	pollCmd.Flags().BoolVar(&pollWait, "wait", false, "Poll until the job finishes")
}

var pollCmd = &cobra.Command{
	Use:   "poll <job-id>",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoll,
}

func runPoll(cmd *cobra.Command, args []string) error {
	if pollKind != models.CGOUnit.Kind && pollKind != models.A2AUnit.Kind {
		return fmt.Errorf("unknown kind %q", pollKind)
	}
	c, err := newClient(baseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if pollWait {
		st, err := c.Wait(ctx, pollKind, args[0], 0)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	}
	st, err := c.Poll(ctx, pollKind, args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}
