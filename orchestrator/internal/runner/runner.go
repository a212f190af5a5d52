// Package runner executes accepted jobs in the background and records their
// outcome in the job store and the audit trail.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/audit"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/store"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/telemetry"
)

var (
	ErrAlreadyRunning  = errors.New("job already running")
	ErrAlreadyExecuted = errors.New("job already executed")
	ErrShuttingDown    = errors.New("runner shutting down")
)

// Task is the unit of work bound to a job. It receives a copy of the job in
// the running state.
type Task interface {
	Run(ctx context.Context, job models.Job) (json.RawMessage, error)
}

type TaskFunc func(ctx context.Context, job models.Job) (json.RawMessage, error)

func (f TaskFunc) Run(ctx context.Context, job models.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Observer receives execution measurements.
type Observer interface {
	ObserveJob(kind string, status models.JobStatus, d time.Duration)
	ObserveSLOMiss(kind string, d, threshold time.Duration)
}

type Config struct {
	// SLOThreshold enables latency_slo_miss events when positive.
	SLOThreshold   time.Duration
	MaxConcurrency int
	Observer       Observer
	Tracer         trace.Tracer
	Now            func() time.Time
	Logger         *log.Logger
}

type Runner struct {
	store   store.Store
	emitter audit.Emitter

	slo      time.Duration
	slots    chan struct{}
	observer Observer
	tracer   trace.Tracer
	now      func() time.Time
	logger   *log.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func New(st store.Store, emitter audit.Emitter, cfg Config) *Runner {
	maxConc := cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[runner] ", log.LstdFlags)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(telemetry.TracerName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		store:    st,
		emitter:  emitter,
		slo:      cfg.SLOThreshold,
		slots:    make(chan struct{}, maxConc),
		observer: cfg.Observer,
		tracer:   tracer,
		now:      now,
		logger:   logger,
		inflight: map[string]struct{}{},
	}
}

// Submit schedules task for job and returns without waiting for it. Each job
// id gets at most one execution attempt.
func (r *Runner) Submit(ctx context.Context, job models.Job, unit models.Unit, task Task) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	if _, ok := r.inflight[job.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, job.ID)
	}
	r.inflight[job.ID] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	current, err := r.store.Get(ctx, job.ID)
	if err == nil && current.Status != models.StatusAccepted {
		err = fmt.Errorf("%w: %s is %s", ErrAlreadyExecuted, job.ID, current.Status)
	}
	if err != nil {
		r.release(job.ID)
		return err
	}

	go r.execute(current, unit, task)
	return nil
}

// InFlight returns the number of jobs scheduled or running.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Shutdown stops accepting jobs and waits for in-flight ones.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.inflight, id)
	r.mu.Unlock()
	r.wg.Done()
}

var errNotClaimable = errors.New("job is no longer accepted")

func (r *Runner) execute(job models.Job, unit models.Unit, task Task) {
	defer r.release(job.ID)
	r.slots <- struct{}{}
	defer func() { <-r.slots }()

	ctx, span := r.tracer.Start(context.Background(), "job.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(telemetry.AttrJobID.String(job.ID), telemetry.AttrJobKind.String(job.Kind)),
	)
	defer span.End()

	running, err := r.store.Update(ctx, job.ID, func(j models.Job) (models.Job, error) {
		if j.Status != models.StatusAccepted {
			return models.Job{}, errNotClaimable
		}
		j.Status = models.StatusRunning
		return j, nil
	})
	if err != nil {
		r.logger.Printf("claim %s: %v", job.ID, err)
		span.RecordError(err)
		return
	}
	start := r.now()

	result, runErr := r.run(ctx, running, task)
	reason := failureReason(runErr)

	final, err := r.store.Update(ctx, job.ID, func(j models.Job) (models.Job, error) {
		if runErr != nil {
			j.Status = models.StatusFailed
			j.Error = reason
			j.Result = failureResult(reason)
			return j, nil
		}
		j.Status = models.StatusDone
		j.Result = result
		return j, nil
	})
	duration := r.now().Sub(start)
	if err != nil {
		r.logger.Printf("finalize %s: %v", job.ID, err)
		span.RecordError(err)
		return
	}
	span.SetAttributes(telemetry.AttrStatus.String(string(final.Status)))

	payload := map[string]any{"duration_sec": duration.Seconds()}
	ev := models.AuditEvent{
		CUnit:    unit.CUnit,
		Actor:    "runner",
		Subject:  job.ID,
		Severity: models.SeverityInfo,
		Payload:  payload,
	}
	if runErr != nil {
		span.SetStatus(codes.Error, reason)
		ev.Name = unit.Event("failed")
		ev.Severity = models.SeverityWarning
		payload["error"] = reason
	} else {
		ev.Name = unit.Event("completed")
	}
	r.emit(ctx, ev)

	if r.observer != nil {
		r.observer.ObserveJob(job.Kind, final.Status, duration)
	}
	if r.slo > 0 && duration > r.slo {
		r.logger.Printf("job %s took %s, over the %s SLO", job.ID, duration, r.slo)
		r.emit(ctx, models.AuditEvent{
			Name:     unit.Event("latency_slo_miss"),
			CUnit:    unit.CUnit,
			Actor:    "runner",
			Subject:  job.ID,
			Severity: models.SeverityWarning,
			Payload: map[string]any{
				"job_id":        job.ID,
				"status":        string(final.Status),
				"duration_sec":  duration.Seconds(),
				"threshold_sec": r.slo.Seconds(),
			},
		})
		if r.observer != nil {
			r.observer.ObserveSLOMiss(job.Kind, duration, r.slo)
		}
	}
}

// run converts panics and malformed results into errors.
func (r *Runner) run(ctx context.Context, job models.Job, task Task) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Printf("task for %s panicked: %v\n%s", job.ID, p, debug.Stack())
			result, err = nil, fmt.Errorf("task panicked: %v", p)
		}
	}()
	result, err = task.Run(ctx, job.Clone())
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(result) {
		return nil, fmt.Errorf("task returned invalid JSON result")
	}
	return append(json.RawMessage(nil), result...), nil
}

// defaultFailureReason is recorded when a task fails with an empty message.
const defaultFailureReason = "task failed"

func failureReason(err error) string {
	if err == nil {
		return ""
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return defaultFailureReason
}

func failureResult(reason string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": reason})
	return b
}

func (r *Runner) emit(ctx context.Context, ev models.AuditEvent) {
	if _, err := r.emitter.Emit(ctx, ev); err != nil {
		r.logger.Printf("emit %s for %s: %v", ev.Name, ev.Subject, err)
	}
}
