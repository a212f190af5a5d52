package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sodmaster111/sodmaster/orchestrator/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const jobColumns = `id, kind, status, inputs, result, error, created_at, updated_at`

// PGStore keeps jobs in Postgres. Row locks serialize concurrent updates of
// the same job across connections.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the jobs table when missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job    models.Job
		status string
		inputs []byte
		result []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&status,
		&inputs,
		&result,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return models.Job{}, err
	}
	job.Status = models.JobStatus(status)
	job.Inputs = append(json.RawMessage(nil), inputs...)
	if len(result) > 0 {
		job.Result = append(json.RawMessage(nil), result...)
	}
	return job, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *PGStore) Create(ctx context.Context, in CreateJobInput) (models.Job, bool, error) {
	if err := in.validate(); err != nil {
		return models.Job{}, false, err
	}
	now := s.now()
	query := `
		INSERT INTO orchestrator_jobs (id, kind, status, inputs, result, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,NULL,'',$5,$5)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + jobColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, in.Kind, string(models.StatusAccepted), string(copyJSON(in.Inputs, "{}")), now)
	job, err := scanJob(row)
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	existing, err := s.Get(ctx, in.ID)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("load conflicting job: %w", err)
	}
	if !sameSubmission(existing, in) {
		return models.Job{}, false, ErrDuplicateJob
	}
	return existing, false, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM orchestrator_jobs WHERE id=$1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PGStore) Update(ctx context.Context, id string, mutate Mutator) (models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `SELECT ` + jobColumns + ` FROM orchestrator_jobs WHERE id=$1 FOR UPDATE`
	current, err := scanJob(tx.QueryRowContext(ctx, selectQuery, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}
	next, err := applyMutation(current, mutate, s.now())
	if err != nil {
		return models.Job{}, err
	}

	updateQuery := `
		UPDATE orchestrator_jobs
		SET status=$2, result=$3, error=$4, updated_at=$5
		WHERE id=$1
		RETURNING ` + jobColumns
	saved, err := scanJob(tx.QueryRowContext(ctx, updateQuery, id, string(next.Status), nullableJSON(next.Result), next.Error, next.UpdatedAt))
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("commit update: %w", err)
	}
	return saved, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
