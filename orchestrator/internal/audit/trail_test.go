package audit

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/bus"
	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

func newTestTrail(t *testing.T, limit int) *Trail {
	t.Helper()
	b := bus.New(bus.Config{HandlerTimeout: time.Second, Logger: log.New(io.Discard, "", 0)})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	tr := NewTrail(Config{HistoryLimit: limit, Bus: b})
	for _, u := range DefaultCUnits() {
		require.NoError(t, tr.RegisterCUnit(u))
	}
	return tr
}

func TestRegisterCUnitIdempotentAndConflict(t *testing.T) {
	tr := newTestTrail(t, 10)
	require.NoError(t, tr.RegisterCUnit(models.CUnit{ID: "core.cgo", Name: "CGO Marketing", Owners: []string{"cgo", "ops"}}))

	err := tr.RegisterCUnit(models.CUnit{ID: "core.cgo", Name: "Renamed", Owners: []string{"cgo", "ops"}})
	assert.ErrorIs(t, err, ErrConflict)

	assert.Len(t, tr.CUnits(), 3)
}

func TestEmitUnknownCUnitNeverRecorded(t *testing.T) {
	tr := newTestTrail(t, 10)
	delivered := make(chan struct{}, 1)
	tr.Subscribe("watcher", func(ctx context.Context, ev models.AuditEvent) error {
		delivered <- struct{}{}
		return nil
	})

	_, err := tr.Emit(context.Background(), models.AuditEvent{Name: "rogue.event", CUnit: "core.rogue", Severity: models.SeverityInfo})
	assert.ErrorIs(t, err, ErrUnknownCUnit)
	require.NoError(t, tr.Flush(context.Background()))
	assert.Empty(t, tr.History())
	select {
	case <-delivered:
		t.Fatalf("rejected event reached a subscriber")
	default:
	}
}

func TestEmitRejectsMalformedEvents(t *testing.T) {
	tr := newTestTrail(t, 10)
	_, err := tr.Emit(context.Background(), models.AuditEvent{Name: "nodots", CUnit: "core.ops", Severity: models.SeverityInfo})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = tr.Emit(context.Background(), models.AuditEvent{Name: "a.b", CUnit: "core.ops", Severity: "loud"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Empty(t, tr.History())
}

func TestEmitStampsAndDelivers(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := bus.New(bus.Config{Logger: log.New(io.Discard, "", 0)})
	tr := NewTrail(Config{Bus: b, Now: func() time.Time { return fixed }})
	require.NoError(t, tr.RegisterCUnit(models.CUnit{ID: "core.cgo", Name: "CGO"}))

	var (
		mu  sync.Mutex
		got []models.AuditEvent
	)
	tr.Subscribe("collect", func(ctx context.Context, ev models.AuditEvent) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})

	payload := map[string]any{"campaign": "spring"}
	ev, err := tr.Emit(context.Background(), models.AuditEvent{
		Name: "cgo.job.accepted", CUnit: "core.cgo", Actor: "api", Subject: "cgo_job_1",
		Severity: models.SeverityInfo, Payload: payload,
	})
	require.NoError(t, err)
	payload["campaign"] = "mutated after emit"

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, fixed, ev.Timestamp)
	require.NoError(t, tr.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.Equal(t, "spring", got[0].Payload["campaign"])
	assert.Equal(t, []string{"collect"}, tr.Subscriptions())
}

func TestHistoryEvictsOldestFirst(t *testing.T) {
	tr := newTestTrail(t, 3)
	for i := 0; i < 5; i++ {
		_, err := tr.Emit(context.Background(), models.AuditEvent{
			Name: "cgo.job.accepted", CUnit: "core.cgo", Subject: fmt.Sprintf("job-%d", i), Severity: models.SeverityInfo,
		})
		require.NoError(t, err)
	}
	h := tr.History()
	require.Len(t, h, 3)
	assert.Equal(t, "job-2", h[0].Subject)
	assert.Equal(t, "job-3", h[1].Subject)
	assert.Equal(t, "job-4", h[2].Subject)
}

func TestHistoryMatchesDeliveryOrderUnderConcurrency(t *testing.T) {
	tr := newTestTrail(t, 500)
	var (
		mu        sync.Mutex
		delivered []string
	)
	tr.Subscribe("order", func(ctx context.Context, ev models.AuditEvent) error {
		mu.Lock()
		delivered = append(delivered, ev.ID)
		mu.Unlock()
		return nil
	})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := tr.Emit(context.Background(), models.AuditEvent{
					Name: "a2a.command.accepted", CUnit: "core.a2a", Subject: fmt.Sprintf("g%d-%d", g, i), Severity: models.SeverityInfo,
				})
				if err != nil {
					t.Errorf("emit: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, tr.Flush(context.Background()))

	h := tr.History()
	require.Len(t, h, 200)
	ids := make([]string, len(h))
	for i, ev := range h {
		ids[i] = ev.ID
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, delivered)
}

func TestRing(t *testing.T) {
	r := NewRing(2)
	assert.Equal(t, 2, r.Cap())
	assert.False(t, r.Push(models.AuditEvent{Name: "a.one"}))
	assert.False(t, r.Push(models.AuditEvent{Name: "a.two"}))
	assert.True(t, r.Push(models.AuditEvent{Name: "a.three"}))
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a.two", snap[0].Name)
	assert.Equal(t, "a.three", snap[1].Name)
	assert.Equal(t, 2, r.Len())

	assert.Equal(t, defaultHistoryLimit, NewRing(0).Cap())
}
