package cli

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/app"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/client"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/config"
)

func newLocalServer(t *testing.T) (string, *app.App) {
	t.Helper()
	orch, err := app.Build(context.Background(), config.Config{HistoryLimit: 100}, app.Options{Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	srv := httptest.NewServer(orch.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})
	return srv.URL, orch
}

func settle(t *testing.T, orch *app.App) {
	t.Helper()
	require.Eventually(t, func() bool { return orch.Runner.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, orch.Trail.Flush(ctx))
}

func TestSelftestAgainstInProcessServer(t *testing.T) {
	url, _ := newLocalServer(t)
	c, err := client.New(client.Config{BaseURL: url})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	require.NoError(t, runSelftest(ctx, c, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "\tdone")
	assert.Contains(t, lines[1], "\tdone")
	assert.Contains(t, lines[2], "\tfailed\tUnsupported A2A command: selftest-unsupported")
}

func TestCommandsAgainstServer(t *testing.T) {
	url, orch := newLocalServer(t)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"campaign", "--url", url, "--inputs", `{"campaign":"spring"}`, "--key", "spring-1", "--wait"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), `"job_id": "spring-1"`)
	assert.Contains(t, out.String(), `"status": "done"`)

	out.Reset()
	rootCmd.SetArgs([]string{"poll", "spring-1", "--url", url})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), `"status": "done"`)

	settle(t, orch)
	out.Reset()
	rootCmd.SetArgs([]string{"history", "--url", url, "--subject", "spring-1"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "cgo.job.accepted")
	assert.Contains(t, out.String(), "cgo.job.completed")

	out.Reset()
	rootCmd.SetArgs([]string{"guardrails", "--url", url})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "cgo-job-failure")
}

func TestReadInputs(t *testing.T) {
	t.Cleanup(func() { campaignInputs, campaignFile = "", "" })

	campaignInputs, campaignFile = "", ""
	in, err := readInputs(strings.NewReader(""))
	require.NoError(t, err)
	assert.Nil(t, in)

	campaignInputs = `{"campaign":"x"`
	_, err = readInputs(nil)
	assert.Error(t, err)

	campaignInputs = ""
	path := filepath.Join(t.TempDir(), "in.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"campaign":"file"}`), 0o600))
	campaignFile = path
	in, err = readInputs(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"campaign":"file"}`, string(in))

	campaignFile = "-"
	in, err = readInputs(strings.NewReader(`{"campaign":"stdin"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"campaign":"stdin"}`, string(in))
}
