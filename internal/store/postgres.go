package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"clipmix/internal/models"
)

// ErrNotFound is returned when a job ID has no row.
var ErrNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence of the job registry.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job. ID may be
// pre-minted by the caller so the uploaded video can be stored under the
// job's prefix before the row exists; when empty a new ID is generated.
type CreateJobParams struct {
	ID          string
	VideoPath   string
	SourceURLs  []string
	RequestedBy string
}

// CreateJob inserts the row in the queued state.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	urlsJSON, err := json.Marshal(p.SourceURLs)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal source urls: %w", err)
	}

	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, video_path, source_urls, status, requested_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, id, p.VideoPath, urlsJSON, models.StatusQueued, p.RequestedBy, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		VideoPath:   p.VideoPath,
		SourceURLs:  p.SourceURLs,
		Status:      models.StatusQueued,
		RequestedBy: p.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, video_path, source_urls, status, output_name, last_error, requested_by, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var urlsJSON []byte
	var outputName pgtype.Text
	var lastErr pgtype.Text

	if err := row.Scan(&job.ID, &job.VideoPath, &urlsJSON, &job.Status, &outputName, &lastErr, &job.RequestedBy, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(urlsJSON, &job.SourceURLs); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal source urls: %w", err)
	}
	job.OutputName = textPtr(outputName)
	job.LastError = textPtr(lastErr)
	return job, nil
}

// SetStage advances a job to a non-terminal pipeline stage. Terminal rows are
// left untouched so a late worker can never resurrect a finished job.
func (s *Store) SetStage(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4, $5)
	`, id, status, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	return err
}

// MarkCompleted records the output artifact and transitions to completed.
func (s *Store) MarkCompleted(ctx context.Context, id, outputName string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, output_name = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($2, $4, $5)
	`, id, models.StatusCompleted, outputName, models.StatusFailed, models.StatusCancelled)
	return err
}

// MarkFailed records the failure cause and transitions to failed.
func (s *Store) MarkFailed(ctx context.Context, id, cause string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($2, $4, $5)
	`, id, models.StatusFailed, cause, models.StatusCompleted, models.StatusCancelled)
	return err
}

// MarkCancelled transitions a still-queued job to cancelled.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusCancelled, models.StatusQueued)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("job is not queued")
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
