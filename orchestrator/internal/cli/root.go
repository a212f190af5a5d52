package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/client"
)

var (
	baseURL   string
	token     string
	a2aSecret string
	timeout   time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "orchestratorctl",
	Short:         "Operate the job orchestrator",
	Long:          "Submit CGO campaigns and A2A commands, poll jobs, inspect the audit trail and run the end-to-end self test.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", envOr("ORCH_URL", "http://localhost:8070"), "Orchestrator base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("ORCH_TOKEN"), "Bearer token for submit calls")
	rootCmd.PersistentFlags().StringVar(&a2aSecret, "a2a-secret", os.Getenv("A2A_SECRET"), "Secret used to sign A2A commands")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall deadline for the command")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient(url string) (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:   url,
		Token:     token,
		A2ASecret: a2aSecret,
		Retries:   2,
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
