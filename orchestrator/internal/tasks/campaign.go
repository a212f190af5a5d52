// Package tasks holds the built-in job implementations.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

// Crew runs a marketing campaign. The production crew lives outside this
// service; StubCrew stands in when none is wired.
type Crew interface {
	Kickoff(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

type CrewFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

func (f CrewFunc) Kickoff(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return f(ctx, inputs)
}

// StubCrew echoes the brief back without generating anything.
type StubCrew struct{}

func (StubCrew) Kickoff(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return map[string]any{
		"status": "stub",
		"reason": "crew_unavailable",
		"inputs": inputs,
	}, nil
}

// Campaign runs the CGO marketing crew for one job.
type Campaign struct {
	Crew Crew
	Now  func() time.Time
}

func (c Campaign) Run(ctx context.Context, job models.Job) (json.RawMessage, error) {
	inputs := map[string]any{}
	if len(job.Inputs) > 0 && string(job.Inputs) != "null" {
		if err := json.Unmarshal(job.Inputs, &inputs); err != nil {
			return nil, fmt.Errorf("campaign inputs must be a JSON object: %w", err)
		}
	}
	crew := c.Crew
	if crew == nil {
		crew = StubCrew{}
	}
	output, err := crew.Kickoff(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("crew kickoff: %w", err)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return json.Marshal(map[string]any{
		"status":       "ok",
		"job_id":       job.ID,
		"crew":         output,
		"completed_at": now().UTC().Format(time.RFC3339Nano),
	})
}
