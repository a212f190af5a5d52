package store

import (
	"context"
	"sync"
	"time"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]models.Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: map[string]models.Job{},
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(ctx context.Context, in CreateJobInput) (models.Job, bool, error) {
	if err := in.validate(); err != nil {
		return models.Job{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[in.ID]; ok {
		if !sameSubmission(existing, in) {
			return models.Job{}, false, ErrDuplicateJob
		}
		return existing.Clone(), false, nil
	}
	now := m.now()
	job := models.Job{
		ID:        in.ID,
		Kind:      in.Kind,
		Status:    models.StatusAccepted,
		Inputs:    copyJSON(in.Inputs, "{}"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[job.ID] = job
	return job.Clone(), true, nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, mutate Mutator) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	next, err := applyMutation(current, mutate, m.now())
	if err != nil {
		return models.Job{}, err
	}
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}
