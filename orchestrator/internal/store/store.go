package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/canonical"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicateJob      = errors.New("job id already used with different inputs")
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Store persists job records. Implementations must be safe for concurrent use
// and must never expose a partially written record.
type Store interface {
	// Create inserts a job in the accepted state. When the id already exists
	// with equal inputs the stored record is returned with created=false.
	Create(ctx context.Context, in CreateJobInput) (job models.Job, created bool, err error)
	Get(ctx context.Context, id string) (models.Job, error)
	// Update applies mutate to the current record atomically.
	Update(ctx context.Context, id string, mutate Mutator) (models.Job, error)
	Ping(ctx context.Context) error
}

// Mutator receives a private copy of the current job and returns its next state.
type Mutator func(models.Job) (models.Job, error)

type CreateJobInput struct {
	ID     string
	Kind   string
	Inputs json.RawMessage
}

func (in CreateJobInput) validate() error {
	if in.ID == "" {
		return fmt.Errorf("job id required")
	}
	if in.Kind == "" {
		return fmt.Errorf("job kind required")
	}
	return nil
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

// sameSubmission decides whether a replayed create matches the stored job.
func sameSubmission(existing models.Job, in CreateJobInput) bool {
	return existing.Kind == in.Kind && canonical.Equal(existing.Inputs, copyJSON(in.Inputs, "{}"))
}

// applyMutation runs mutate against current and enforces the lifecycle rules
// shared by every Store implementation.
func applyMutation(current models.Job, mutate Mutator, now time.Time) (models.Job, error) {
	if current.Status.Terminal() {
		return models.Job{}, fmt.Errorf("%w: job %s already %s", ErrInvalidTransition, current.ID, current.Status)
	}
	next, err := mutate(current.Clone())
	if err != nil {
		return models.Job{}, err
	}
	if err := models.CheckTransition(current.Status, next.Status); err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	next.ID = current.ID
	next.Kind = current.Kind
	next.Inputs = current.Inputs
	next.CreatedAt = current.CreatedAt
	if !next.Status.Terminal() {
		next.Result = nil
	}
	if next.Status != models.StatusFailed {
		next.Error = ""
	}
	next.UpdatedAt = advance(current.UpdatedAt, now)
	return next.Clone(), nil
}

// advance keeps updated_at strictly increasing even when the clock stalls.
func advance(prev, now time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
