package guardrail

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/audit"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/bus"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

type captureEmitter struct {
	events []models.AuditEvent
	err    error
}

func (c *captureEmitter) Emit(ctx context.Context, ev models.AuditEvent) (models.AuditEvent, error) {
	if c.err != nil {
		return models.AuditEvent{}, c.err
	}
	c.events = append(c.events, ev)
	return ev, nil
}

var quiet = Config{Logger: log.New(io.Discard, "", 0)}

func TestRegisterValidation(t *testing.T) {
	e := NewEngine(&captureEmitter{}, quiet)
	for _, g := range Defaults() {
		require.NoError(t, e.Register(g))
	}

	err := e.Register(Defaults()[0])
	assert.ErrorIs(t, err, ErrConflict)

	err = e.Register(Guardrail{ID: "loop", TriggerEvent: models.ViolationEvent, Severity: models.SeverityHigh, Predicate: Always})
	assert.ErrorIs(t, err, ErrRecursiveTrigger)

	err = e.Register(Guardrail{ID: "no-trigger", Severity: models.SeverityHigh, Predicate: Always})
	assert.ErrorIs(t, err, ErrInvalid)

	err = e.Register(Guardrail{ID: "bad-sev", TriggerEvent: "a.b", Severity: "meh", Predicate: Always})
	assert.ErrorIs(t, err, ErrInvalid)

	assert.Len(t, e.Guardrails(), 2)
}

func TestRemove(t *testing.T) {
	e := NewEngine(&captureEmitter{}, quiet)
	require.NoError(t, e.Register(Defaults()[0]))
	require.NoError(t, e.Remove("cgo-job-failure"))
	assert.ErrorIs(t, e.Remove("cgo-job-failure"), ErrNotFound)
	assert.Empty(t, e.Guardrails())
}

func TestHandleEmitsViolation(t *testing.T) {
	em := &captureEmitter{}
	e := NewEngine(em, quiet)
	for _, g := range Defaults() {
		require.NoError(t, e.Register(g))
	}

	trigger := models.AuditEvent{
		ID: "e1", Name: "cgo.job.failed", CUnit: "core.cgo", Subject: "cgo_job_7",
		Severity: models.SeverityWarning, Payload: map[string]any{"error": "crew exploded"},
	}
	require.NoError(t, e.Handle(context.Background(), trigger))
	require.Len(t, em.events, 1)

	v := em.events[0]
	assert.Equal(t, models.ViolationEvent, v.Name)
	assert.Equal(t, models.OpsCUnit, v.CUnit)
	assert.Equal(t, "cgo_job_7", v.Subject)
	assert.Equal(t, models.SeverityHigh, v.Severity)
	assert.Equal(t, map[string]any{
		"guardrail_id": "cgo-job-failure",
		"reason":       "crew exploded",
		"event":        "cgo.job.failed",
		"subject":      "cgo_job_7",
	}, v.Payload)
}

func TestHandleIgnoresViolationsAndNonMatching(t *testing.T) {
	em := &captureEmitter{}
	e := NewEngine(em, quiet)
	require.NoError(t, e.Register(Defaults()[1]))

	require.NoError(t, e.Handle(context.Background(), models.AuditEvent{Name: models.ViolationEvent}))
	require.NoError(t, e.Handle(context.Background(), models.AuditEvent{Name: "a2a.command.completed"}))
	assert.Empty(t, em.events)

	require.NoError(t, e.Handle(context.Background(), models.AuditEvent{Name: "a2a.command.failed", Subject: "cmd-1"}))
	require.Len(t, em.events, 1)
	assert.Equal(t, "Unknown failure", em.events[0].Payload["reason"])
}

func TestPredicatePanicIsNoBreach(t *testing.T) {
	em := &captureEmitter{}
	e := NewEngine(em, quiet)
	require.NoError(t, e.Register(Guardrail{
		ID: "fragile", TriggerEvent: "cgo.job.failed", Severity: models.SeverityCritical,
		Predicate: func(ev models.AuditEvent) bool { panic("nil map") },
	}))
	require.NoError(t, e.Register(Defaults()[0]))

	require.NoError(t, e.Handle(context.Background(), models.AuditEvent{Name: "cgo.job.failed", Subject: "j"}))
	require.Len(t, em.events, 1)
	assert.Equal(t, "cgo-job-failure", em.events[0].Payload["guardrail_id"])
}

func TestHandleReportsEmitFailure(t *testing.T) {
	em := &captureEmitter{err: errors.New("bus closed")}
	e := NewEngine(em, quiet)
	require.NoError(t, e.Register(Defaults()[0]))
	err := e.Handle(context.Background(), models.AuditEvent{Name: "cgo.job.failed"})
	assert.ErrorContains(t, err, "cgo-job-failure")
}

func TestFromSpecMatchesPayload(t *testing.T) {
	g, err := FromSpec(Spec{
		ID: "ping-fail", Trigger: "a2a.command.failed", Severity: "critical",
		Match: map[string]string{"command": "ping"}, Reason: "ping broke",
	})
	require.NoError(t, err)
	assert.True(t, g.Predicate(models.AuditEvent{Payload: map[string]any{"command": "ping"}}))
	assert.False(t, g.Predicate(models.AuditEvent{Payload: map[string]any{"command": "noop"}}))
	assert.False(t, g.Predicate(models.AuditEvent{}))
	assert.Equal(t, "ping broke", g.Reason(models.AuditEvent{}))

	_, err = FromSpec(Spec{ID: "loop", Trigger: models.ViolationEvent, Severity: "high"})
	assert.ErrorIs(t, err, ErrRecursiveTrigger)
}

func TestRegisterSpecs(t *testing.T) {
	e := NewEngine(&captureEmitter{}, quiet)
	err := e.RegisterSpecs([]Spec{
		{ID: "slo", Trigger: "cgo.job.latency_slo_miss", Severity: "high"},
		{ID: "bad", Trigger: "", Severity: "high"},
	})
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Len(t, e.Guardrails(), 1)
}

// One failure produces exactly one violation, delivered to sinks after the
// failure itself.
func TestCascadeThroughTrail(t *testing.T) {
	b := bus.New(bus.Config{HandlerTimeout: time.Second, Logger: log.New(io.Discard, "", 0)})
	defer b.Close(context.Background())
	tr := audit.NewTrail(audit.Config{Bus: b})
	for _, u := range audit.DefaultCUnits() {
		require.NoError(t, tr.RegisterCUnit(u))
	}
	e := NewEngine(tr, quiet)
	for _, g := range Defaults() {
		require.NoError(t, e.Register(g))
	}
	tr.Subscribe("guardrails", e.Handle)

	var seen []string
	tr.Subscribe("sink", func(ctx context.Context, ev models.AuditEvent) error {
		seen = append(seen, ev.Name)
		return nil
	})

	_, err := tr.Emit(context.Background(), models.AuditEvent{
		Name: "a2a.command.failed", CUnit: "core.a2a", Subject: "cmd-9",
		Severity: models.SeverityWarning, Payload: map[string]any{"reason": "Unsupported A2A command: dance"},
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Flush(ctx))

	assert.Equal(t, []string{"a2a.command.failed", models.ViolationEvent}, seen)
	var violations []models.AuditEvent
	for _, ev := range tr.History() {
		if ev.Name == models.ViolationEvent {
			violations = append(violations, ev)
		}
	}
	require.Len(t, violations, 1)
	assert.Equal(t, "cmd-9", violations[0].Subject)
	assert.Equal(t, "Unsupported A2A command: dance", violations[0].Payload["reason"])
}
