// Package audit records orchestrator events. The Trail validates the emitting
// C-Unit, keeps a bounded history for diagnostics and hands each event to the
// bus for delivery to sinks.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/bus"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

var (
	ErrUnknownCUnit = errors.New("unknown c_unit")
	ErrConflict     = errors.New("c_unit already registered with different metadata")
	ErrInvalidEvent = errors.New("invalid audit event")
)

// Emitter is the write side of the trail used by the runner, gateway and
// guardrail engine.
type Emitter interface {
	Emit(ctx context.Context, ev models.AuditEvent) (models.AuditEvent, error)
}

type Config struct {
	HistoryLimit int
	Bus          *bus.Bus
	Now          func() time.Time
}

type Trail struct {
	mu      sync.Mutex
	units   map[string]models.CUnit
	history *Ring
	subs    []*bus.Subscription

	bus *bus.Bus
	now func() time.Time
}

func NewTrail(cfg Config) *Trail {
	b := cfg.Bus
	if b == nil {
		b = bus.New(bus.Config{})
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Trail{
		units:   map[string]models.CUnit{},
		history: NewRing(cfg.HistoryLimit),
		bus:     b,
		now:     now,
	}
}

// DefaultCUnits lists the subsystems registered at startup.
func DefaultCUnits() []models.CUnit {
	return []models.CUnit{
		{ID: models.CGOUnit.CUnit, Name: "CGO Marketing", Owners: []string{"cgo", "ops"}},
		{ID: models.A2AUnit.CUnit, Name: "Agent-to-Agent Gateway", Owners: []string{"platform"}},
		{ID: models.OpsCUnit, Name: "Operations", Owners: []string{"ops"}},
	}
}

// RegisterCUnit is idempotent for identical metadata.
func (t *Trail) RegisterCUnit(u models.CUnit) error {
	if u.ID == "" {
		return fmt.Errorf("%w: c_unit id required", ErrInvalidEvent)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.units[u.ID]; ok {
		if !existing.Equal(u) {
			return fmt.Errorf("%w: %s", ErrConflict, u.ID)
		}
		return nil
	}
	t.units[u.ID] = u.Clone()
	return nil
}

// Emit stamps ev with an id and timestamp, appends it to history and queues
// it on the bus. Both happen under one lock so history order is delivery
// order. The caller's payload is copied, not retained.
func (t *Trail) Emit(ctx context.Context, ev models.AuditEvent) (models.AuditEvent, error) {
	if err := ev.Validate(); err != nil {
		return models.AuditEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	ev = ev.Clone()
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.units[ev.CUnit]; !ok {
		return models.AuditEvent{}, fmt.Errorf("%w: %q (event %s)", ErrUnknownCUnit, ev.CUnit, ev.Name)
	}
	ev.ID = uuid.New().String()
	ev.Timestamp = t.now()
	if err := t.bus.Publish(ev); err != nil {
		return models.AuditEvent{}, fmt.Errorf("publish %s: %w", ev.Name, err)
	}
	t.history.Push(ev)
	return ev.Clone(), nil
}

// Subscribe attaches a sink to the trail's bus.
func (t *Trail) Subscribe(name string, handler bus.Handler) *bus.Subscription {
	sub := t.bus.Subscribe(name, handler)
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return sub
}

// Subscriptions lists the names of sinks attached through the trail,
// including cancelled ones.
func (t *Trail) Subscriptions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.subs))
	for _, s := range t.subs {
		names = append(names, s.Name())
	}
	return names
}

// History returns the rolling buffer, oldest first.
func (t *Trail) History() []models.AuditEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.Snapshot()
}

func (t *Trail) CUnits() []models.CUnit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.CUnit, 0, len(t.units))
	for _, u := range t.units {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Flush waits until every emitted event has reached all sinks.
func (t *Trail) Flush(ctx context.Context) error {
	return t.bus.Flush(ctx)
}
