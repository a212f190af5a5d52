package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyPrefix  string
	historySubject string
)

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(guardrailsCmd)
	historyCmd.Flags().StringVar(&historyPrefix, "name", "", "Only events whose name starts with this prefix")
	historyCmd.Flags().StringVar(&historySubject, "subject", "", "Only events about this subject (job id)")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the recent audit history",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, err := newClient(baseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	events, err := c.History(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tNAME\tC_UNIT\tSEVERITY\tSUBJECT\tACTOR")
	for _, ev := range events {
		if historyPrefix != "" && !strings.HasPrefix(ev.Name, historyPrefix) {
			continue
		}
		if historySubject != "" && ev.Subject != historySubject {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Timestamp.Format(time.RFC3339), ev.Name, ev.CUnit, ev.Severity, ev.Subject, ev.Actor)
	}
	return w.Flush()
}

var guardrailsCmd = &cobra.Command{
	Use:   "guardrails",
	Short: "List registered guardrails",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(baseURL)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		rails, err := c.Guardrails(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTRIGGER\tSEVERITY")
		for _, g := range rails {
			fmt.Fprintf(w, "%s\t%s\t%s\n", g.ID, g.TriggerEvent, g.Severity)
		}
		return w.Flush()
	},
}
