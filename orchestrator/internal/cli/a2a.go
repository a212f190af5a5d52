package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/tasks"
)

var (
	a2aSource  string
	a2aTarget  string
	a2aPayload string
	a2aKey     string
	a2aWait    bool
)

func init() {
	rootCmd.AddCommand(a2aCmd)
	a2aCmd.Flags().StringVar(&a2aSource, "source", "orchestratorctl", "Sending agent")
	a2aCmd.Flags().StringVar(&a2aTarget, "target", "orchestrator", "Receiving agent")
	a2aCmd.Flags().StringVar(&a2aPayload, "payload", "", "Command payload as a JSON object")
	a2aCmd.Flags().StringVar(&a2aKey, "key", "", "Idempotency key (becomes the job id)")
	a2aCmd.Flags().BoolVar(&a2aWait, "wait", false, "Poll until the command finishes")
}

var a2aCmd = &cobra.Command{
	Use:   "a2a <command>",
	Short: "Send an agent-to-agent command",
	Long:  "Sends a signed A2A command. Built-in commands are ping and noop.",
	Args:  cobra.ExactArgs(1),
	RunE:  runA2A,
}

func runA2A(cmd *cobra.Command, args []string) error {
	command := tasks.Command{Source: a2aSource, Target: a2aTarget, Command: args[0], IdempotencyKey: a2aKey}
	if a2aPayload != "" {
		if err := json.Unmarshal([]byte(a2aPayload), &command.Payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	c, err := newClient(baseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	st, err := c.SendCommand(ctx, command)
	if err != nil {
		return err
	}
	if a2aWait {
		if st, err = c.Wait(ctx, models.A2AUnit.Kind, st.JobID, 0); err != nil {
			return err
		}
	}
	return printJSON(cmd.OutOrStdout(), st)
}
