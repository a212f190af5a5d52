// Package guardrail evaluates rules against audit events and emits a
// guardrail.violation event for every breach.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/audit"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

var (
	ErrNotFound         = errors.New("guardrail not found")
	ErrConflict         = errors.New("guardrail already registered")
	ErrRecursiveTrigger = errors.New("guardrail cannot trigger on " + models.ViolationEvent)
	ErrInvalid          = errors.New("invalid guardrail")
)

// Predicate reports whether ev breaches the rule. It must not retain ev.
type Predicate func(ev models.AuditEvent) bool

type Guardrail struct {
	ID           string
	Description  string
	TriggerEvent string
	Severity     models.Severity
	Predicate    Predicate
	// Reason explains a breach. Defaults to FailureReason.
	Reason func(ev models.AuditEvent) string
}

// Info is the serializable view of a registered guardrail.
type Info struct {
	ID           string          `json:"id"`
	Description  string          `json:"description,omitempty"`
	TriggerEvent string          `json:"trigger_event"`
	Severity     models.Severity `json:"severity"`
}

func (g Guardrail) validate() error {
	if g.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalid)
	}
	if g.TriggerEvent == "" {
		return fmt.Errorf("%w: %s has no trigger event", ErrInvalid, g.ID)
	}
	if g.TriggerEvent == models.ViolationEvent {
		return fmt.Errorf("%w: %s", ErrRecursiveTrigger, g.ID)
	}
	if !g.Severity.Valid() {
		return fmt.Errorf("%w: %s has unknown severity %q", ErrInvalid, g.ID, g.Severity)
	}
	if g.Predicate == nil {
		return fmt.Errorf("%w: %s has no predicate", ErrInvalid, g.ID)
	}
	return nil
}

type Config struct {
	Logger *log.Logger
}

type Engine struct {
	mu         sync.RWMutex
	guardrails []Guardrail
	emitter    audit.Emitter
	logger     *log.Logger
}

func NewEngine(emitter audit.Emitter, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[guardrail] ", log.LstdFlags)
	}
	return &Engine{emitter: emitter, logger: logger}
}

// Register adds g after every existing guardrail. Evaluation follows
// registration order.
func (e *Engine) Register(g Guardrail) error {
	if err := g.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.guardrails {
		if existing.ID == g.ID {
			return fmt.Errorf("%w: %s", ErrConflict, g.ID)
		}
	}
	e.guardrails = append(e.guardrails, g)
	return nil
}

func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, g := range e.guardrails {
		if g.ID == id {
			e.guardrails = append(e.guardrails[:i:i], e.guardrails[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (e *Engine) Guardrails() []Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Info, 0, len(e.guardrails))
	for _, g := range e.guardrails {
		out = append(out, Info{ID: g.ID, Description: g.Description, TriggerEvent: g.TriggerEvent, Severity: g.Severity})
	}
	return out
}

// Handle is a bus handler. Violations are emitted back through the trail, so
// they reach every sink after the triggering event.
func (e *Engine) Handle(ctx context.Context, ev models.AuditEvent) error {
	if ev.Name == models.ViolationEvent {
		return nil
	}
	e.mu.RLock()
	var matching []Guardrail
	for _, g := range e.guardrails {
		if g.TriggerEvent == ev.Name {
			matching = append(matching, g)
		}
	}
	e.mu.RUnlock()

	var errs []error
	for _, g := range matching {
		if !e.breached(g, ev) {
			continue
		}
		reason := FailureReason(ev)
		if g.Reason != nil {
			reason = g.Reason(ev)
		}
		_, err := e.emitter.Emit(ctx, models.AuditEvent{
			Name:     models.ViolationEvent,
			CUnit:    models.OpsCUnit,
			Actor:    "guardrail:" + g.ID,
			Subject:  ev.Subject,
			Severity: g.Severity,
			Payload: map[string]any{
				"guardrail_id": g.ID,
				"reason":       reason,
				"event":        ev.Name,
				"subject":      ev.Subject,
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("emit violation for %s: %w", g.ID, err))
		}
	}
	return errors.Join(errs...)
}

// breached treats a panicking predicate as no breach.
func (e *Engine) breached(g Guardrail, ev models.AuditEvent) (hit bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("predicate %s panicked on %s: %v", g.ID, ev.ID, r)
			hit = false
		}
	}()
	return g.Predicate(ev.Clone())
}

// Always breaches unconditionally.
func Always(models.AuditEvent) bool { return true }

// FailureReason pulls the failure message out of a job event payload.
func FailureReason(ev models.AuditEvent) string {
	for _, key := range []string{"error", "reason"} {
		if v := ev.PayloadString(key); v != "" {
			return v
		}
	}
	return "Unknown failure"
}

// Defaults returns the guardrails registered at startup.
func Defaults() []Guardrail {
	return []Guardrail{
		{
			ID:           "cgo-job-failure",
			Description:  "Alert when a CGO crew job fails.",
			TriggerEvent: models.CGOUnit.Event("failed"),
			Severity:     models.SeverityHigh,
			Predicate:    Always,
		},
		{
			ID:           "a2a-command-failure",
			Description:  "Alert when an A2A command fails to execute.",
			TriggerEvent: models.A2AUnit.Event("failed"),
			Severity:     models.SeverityHigh,
			Predicate:    Always,
		},
	}
}
