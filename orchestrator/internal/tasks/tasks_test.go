package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

func TestCampaignWithStubCrew(t *testing.T) {
	fixed := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	c := Campaign{Now: func() time.Time { return fixed }}
	out, err := c.Run(context.Background(), models.Job{ID: "cgo_job_1", Inputs: json.RawMessage(`{"campaign":"spring"}`)})
	require.NoError(t, err)

	var res map[string]any
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "ok", res["status"])
	assert.Equal(t, "cgo_job_1", res["job_id"])
	assert.Equal(t, "2026-04-01T09:00:00Z", res["completed_at"])
	crew := res["crew"].(map[string]any)
	assert.Equal(t, "stub", crew["status"])
	assert.Equal(t, map[string]any{"campaign": "spring"}, crew["inputs"])
}

func TestCampaignPropagatesCrewFailure(t *testing.T) {
	c := Campaign{Crew: CrewFunc(func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		return nil, errors.New("image tools unavailable")
	})}
	_, err := c.Run(context.Background(), models.Job{Inputs: json.RawMessage(`{}`)})
	assert.ErrorContains(t, err, "image tools unavailable")
}

func TestCampaignRejectsNonObjectInputs(t *testing.T) {
	_, err := Campaign{}.Run(context.Background(), models.Job{Inputs: json.RawMessage(`[1,2]`)})
	assert.Error(t, err)
}

func commandJob(t *testing.T, cmd Command) models.Job {
	t.Helper()
	in, err := cmd.Inputs()
	require.NoError(t, err)
	return models.Job{ID: "cmd", Kind: "a2a", Inputs: in}
}

func TestDispatcherBuiltins(t *testing.T) {
	d := NewDispatcher()
	out, err := d.Run(context.Background(), commandJob(t, Command{Source: "a", Target: "b", Command: "ping", Payload: map[string]any{"n": 1}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"pong","echo":{"n":1}}`, string(out))

	out, err = d.Run(context.Background(), commandJob(t, Command{Source: "a", Target: "b", Command: "noop"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"noop"}`, string(out))

	_, err = d.Run(context.Background(), commandJob(t, Command{Source: "a", Target: "b", Command: "dance"}))
	assert.EqualError(t, err, "Unsupported A2A command: dance")
}

func TestDispatcherCustomHandler(t *testing.T) {
	d := NewDispatcher()
	d.Handle("sum", func(ctx context.Context, cmd Command) (map[string]any, error) {
		return map[string]any{"total": cmd.Payload["a"].(float64) + cmd.Payload["b"].(float64)}, nil
	})
	out, err := d.Run(context.Background(), commandJob(t, Command{Source: "a", Target: "b", Command: "sum", Payload: map[string]any{"a": 2, "b": 3}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":5}`, string(out))
}

func TestCommandInputsDropIdempotencyKey(t *testing.T) {
	in, err := Command{Source: "a", Target: "b", Command: "ping", IdempotencyKey: "k1"}.Inputs()
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"a","target":"b","command":"ping","payload":{}}`, string(in))
	assert.Error(t, Command{Source: "a"}.Validate())
}

func TestValidateCommandJSON(t *testing.T) {
	assert.NoError(t, ValidateCommandJSON([]byte(`{"source":"a","target":"b","command":"ping","payload":{"n":1},"idempotency_key":"k"}`)))
	assert.NoError(t, ValidateCommandJSON([]byte(`{"source":"a","target":"b","command":"noop","payload":null}`)))

	for _, body := range []string{
		`{"source":"a","target":"b"}`,
		`{"source":"","target":"b","command":"ping"}`,
		`{"source":"a","target":"b","command":"rm -rf"}`,
		`{"source":"a","target":"b","command":"ping","payload":[1]}`,
		`[]`,
		`{"source":`,
	} {
		assert.Error(t, ValidateCommandJSON([]byte(body)), body)
	}
}
