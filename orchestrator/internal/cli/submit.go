package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/client"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

var (
	campaignInputs string
	campaignFile   string
	submitKey      string
	submitWait     bool
)

func init() {
	rootCmd.AddCommand(campaignCmd)
	campaignCmd.Flags().StringVar(&campaignInputs, "inputs", "", "Campaign inputs as a JSON object")
	campaignCmd.Flags().StringVarP(&campaignFile, "file", "f", "", "Read campaign inputs from a file (- for stdin)")
	campaignCmd.Flags().StringVar(&submitKey, "key", "", "Idempotency key (becomes the job id)")
	campaignCmd.Flags().BoolVar(&submitWait, "wait", false, "Poll until the job finishes")
}

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Submit a CGO marketing campaign",
	Args:  cobra.NoArgs,
	RunE:  runCampaign,
}

func runCampaign(cmd *cobra.Command, args []string) error {
	inputs, err := readInputs(cmd.InOrStdin())
	if err != nil {
		return err
	}
	c, err := newClient(baseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	st, err := c.RunCampaign(ctx, inputs, submitKey)
	if err != nil {
		return err
	}
	if submitWait {
		if st, err = c.Wait(ctx, models.CGOUnit.Kind, st.JobID, 0); err != nil {
			return err
		}
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func readInputs(stdin io.Reader) (json.RawMessage, error) {
	var raw []byte
	switch {
	case campaignInputs != "" && campaignFile != "":
		return nil, fmt.Errorf("use either --inputs or --file")
	case campaignInputs != "":
		raw = []byte(campaignInputs)
	case campaignFile == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = b
	case campaignFile != "":
		b, err := os.ReadFile(campaignFile)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", campaignFile, err)
		}
		raw = b
	default:
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("campaign inputs are not valid JSON")
	}
	return raw, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, st client.JobStatus) {
	fmt.Fprintf(w, "%s\t%s", st.JobID, st.Status)
	if st.Error != "" {
		fmt.Fprintf(w, "\t%s", st.Error)
	}
	fmt.Fprintln(w)
}
