// Package gateway is the submit/poll façade in front of the store, runner and
// audit trail. Nothing in it waits for a job to finish.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/audit"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/runner"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/store"
)

var ErrUnknownKind = errors.New("unknown job kind")

// Scheduler is the part of the runner the gateway depends on.
type Scheduler interface {
	Submit(ctx context.Context, job models.Job, unit models.Unit, task runner.Task) error
}

type SubmitRequest struct {
	Kind           string
	Inputs         json.RawMessage
	IdempotencyKey string
	Actor          string
}

type SubmitResult struct {
	Job models.Job
	// Replayed is set when the idempotency key matched an existing job.
	Replayed bool
}

type route struct {
	unit models.Unit
	task runner.Task
}

type Config struct {
	Logger *log.Logger
}

type Gateway struct {
	store   store.Store
	runner  Scheduler
	emitter audit.Emitter
	logger  *log.Logger

	mu     sync.RWMutex
	routes map[string]route
	// submitting holds ids with a Submit call in progress.
	submitting map[string]struct{}
}

func New(st store.Store, sched Scheduler, emitter audit.Emitter, cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[gateway] ", log.LstdFlags)
	}
	return &Gateway{
		store:      st,
		runner:     sched,
		emitter:    emitter,
		logger:     logger,
		routes:     map[string]route{},
		submitting: map[string]struct{}{},
	}
}

// Register binds a job kind to the task that executes it.
func (g *Gateway) Register(unit models.Unit, task runner.Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[unit.Kind] = route{unit: unit, task: task}
}

// Submit creates the job and schedules it. A request that repeats an
// idempotency key with the same inputs returns the existing job. If that job
// is still accepted and nothing is running it, an earlier attempt failed to
// schedule it and it is scheduled again.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	g.mu.RLock()
	rt, ok := g.routes[req.Kind]
	g.mu.RUnlock()
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}

	id := req.IdempotencyKey
	if id == "" {
		id = rt.unit.Kind + "_job_" + uuid.New().String()
	}
	owner := g.begin(id)
	if owner {
		defer g.end(id)
	}

	job, created, err := g.store.Create(ctx, store.CreateJobInput{ID: id, Kind: rt.unit.Kind, Inputs: req.Inputs})
	if err != nil {
		return SubmitResult{}, err
	}
	if !created {
		// A concurrent submit of the same id schedules it itself.
		if owner && job.Status == models.StatusAccepted {
			if err := g.schedule(ctx, job, rt); err != nil {
				return SubmitResult{}, err
			}
		}
		return SubmitResult{Job: job, Replayed: true}, nil
	}

	actor := req.Actor
	if actor == "" {
		actor = "api"
	}
	if _, err := g.emitter.Emit(ctx, models.AuditEvent{
		Name:     rt.unit.Event("accepted"),
		CUnit:    rt.unit.CUnit,
		Actor:    actor,
		Subject:  job.ID,
		Severity: models.SeverityInfo,
		Payload:  map[string]any{"job_id": job.ID, "kind": job.Kind},
	}); err != nil {
		g.logger.Printf("audit accepted for %s: %v", job.ID, err)
	}
	if err := g.schedule(ctx, job, rt); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Job: job}, nil
}

// schedule hands job to the runner. The request context only carries values
// here: a client that goes away after the record is written must not leave it
// unscheduled. A job the runner already holds, or has moved past accepted,
// counts as scheduled.
func (g *Gateway) schedule(ctx context.Context, job models.Job, rt route) error {
	err := g.runner.Submit(context.WithoutCancel(ctx), job, rt.unit, rt.task)
	switch {
	case err == nil, errors.Is(err, runner.ErrAlreadyRunning), errors.Is(err, runner.ErrAlreadyExecuted):
		return nil
	default:
		return fmt.Errorf("schedule %s: %w", job.ID, err)
	}
}

func (g *Gateway) begin(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.submitting[id]; busy {
		return false
	}
	g.submitting[id] = struct{}{}
	return true
}

func (g *Gateway) end(id string) {
	g.mu.Lock()
	delete(g.submitting, id)
	g.mu.Unlock()
}

// Poll returns the current job state. A failed job is a normal result.
func (g *Gateway) Poll(ctx context.Context, id string) (models.Job, error) {
	return g.store.Get(ctx, id)
}

// Kinds lists the registered job kinds.
func (g *Gateway) Kinds() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.routes))
	for k := range g.routes {
		out = append(out, k)
	}
	return out
}
