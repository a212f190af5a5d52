package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/app"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/client"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/config"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/tasks"
)

var selftestLocal bool

func init() {
	rootCmd.AddCommand(selftestCmd)
	selftestCmd.Flags().BoolVar(&selftestLocal, "local", false, "Start an in-memory orchestrator on loopback instead of using --url")
}

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run a CGO campaign and A2A commands end to end",
	Args:  cobra.NoArgs,
	RunE:  runSelftestCmd,
}

func runSelftestCmd(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	url := baseURL
	if selftestLocal {
		local, stop, err := startLocal(ctx)
		if err != nil {
			return err
		}
		defer stop()
		url = local
	}
	c, err := newClient(url)
	if err != nil {
		return err
	}
	if err := runSelftest(ctx, c, cmd.OutOrStdout()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "selftest passed")
	return nil
}

func startLocal(ctx context.Context) (string, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return "", nil, err
	}
	cfg.A2ASecret = a2aSecret
	cfg.JWTSecret = ""
	orch, err := app.Build(ctx, cfg, app.Options{Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		return "", nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{Handler: orch.Handler()}
	go func() { _ = srv.Serve(ln) }()
	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = orch.Close(shutdownCtx)
	}
	return "http://" + ln.Addr().String(), stop, nil
}

// runSelftest checks a successful campaign, a ping round trip, and that a
// failing command is recorded as a guardrail violation.
func runSelftest(ctx context.Context, c *client.Client, out io.Writer) error {
	st, err := c.RunCampaign(ctx, json.RawMessage(`{"campaign":"selftest"}`), "")
	if err != nil {
		return fmt.Errorf("submit campaign: %w", err)
	}
	if st.Status != models.StatusAccepted {
		return fmt.Errorf("campaign %s: expected accepted, got %s", st.JobID, st.Status)
	}
	if st, err = c.Wait(ctx, models.CGOUnit.Kind, st.JobID, 50*time.Millisecond); err != nil {
		return fmt.Errorf("wait campaign: %w", err)
	}
	printStatus(out, st)
	if st.Status != models.StatusDone || resultStatus(st.Result) != "ok" {
		return fmt.Errorf("campaign %s did not complete: %s %s", st.JobID, st.Status, st.Error)
	}

	st, err = c.SendCommand(ctx, tasks.Command{Source: "selftest", Target: "orchestrator", Command: "ping", Payload: map[string]any{"selftest": true}})
	if err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	if st, err = c.Wait(ctx, models.A2AUnit.Kind, st.JobID, 50*time.Millisecond); err != nil {
		return fmt.Errorf("wait ping: %w", err)
	}
	printStatus(out, st)
	if st.Status != models.StatusDone || resultStatus(st.Result) != "pong" {
		return fmt.Errorf("ping %s did not complete: %s %s", st.JobID, st.Status, st.Error)
	}

	st, err = c.SendCommand(ctx, tasks.Command{Source: "selftest", Target: "orchestrator", Command: "selftest-unsupported"})
	if err != nil {
		return fmt.Errorf("send unsupported command: %w", err)
	}
	if st, err = c.Wait(ctx, models.A2AUnit.Kind, st.JobID, 50*time.Millisecond); err != nil {
		return fmt.Errorf("wait unsupported command: %w", err)
	}
	printStatus(out, st)
	if st.Status != models.StatusFailed {
		return fmt.Errorf("unsupported command %s: expected failed, got %s", st.JobID, st.Status)
	}
	return waitForViolation(ctx, c, st.JobID)
}

func waitForViolation(ctx context.Context, c *client.Client, subject string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		events, err := c.History(ctx)
		if err != nil {
			return fmt.Errorf("read history: %w", err)
		}
		for _, ev := range events {
			if ev.Name == models.ViolationEvent && ev.Subject == subject {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no guardrail violation recorded for %s: %w", subject, ctx.Err())
		case <-ticker.C:
		}
	}
}

func resultStatus(raw json.RawMessage) string {
	var r struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(raw, &r)
	return r.Status
}
