package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"analysis-jobs/internal/models"
)

const jobColumns = `id, correlation_id, title, description, status,
	file_name, file_size, file_content_type, file_path, file_kind,
	archive_manifest, results_payload, results_parsed_at,
	owner_id, created_at, updated_at, completed_at`

// Postgres implements JobStore on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Create inserts a pending job with a fresh correlation id.
func (s *Postgres) Create(ctx context.Context, ownerID int64, title, description *string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (correlation_id, title, description, status, owner_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING `+jobColumns+`
	`, uuid.New(), title, description, models.StatusPending, ownerID)
	return scanJob(row)
}

// AttachFile records artifact metadata. Legal only while the job is still
// pending or queued; later the file fields belong to the completion callback.
func (s *Postgres) AttachFile(ctx context.Context, jobID int64, meta models.FileMeta, manifest []models.ManifestEntry) (models.Job, error) {
	var manifestJSON []byte
	if meta.Kind == models.FileKindArchive {
		var err error
		manifestJSON, err = json.Marshal(manifest)
		if err != nil {
			return models.Job{}, fmt.Errorf("marshal manifest: %w", err)
		}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET file_name = $2, file_size = $3, file_content_type = $4,
		    file_path = $5, file_kind = $6, archive_manifest = $7, updated_at = NOW()
		WHERE id = $1 AND status = ANY($8)
		RETURNING `+jobColumns+`
	`, jobID, meta.Name, meta.SizeBytes, meta.ContentType, meta.Path, meta.Kind,
		manifestJSON, []string{models.StatusPending, models.StatusQueued})
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, jobID); getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, ErrFileNotAttachable
	}
	return job, err
}

// SetStatus moves the job along a legal edge, setting completed_at on entry
// into succeeded. The edge is enforced in the UPDATE's WHERE clause so the
// check and the write are one atomic row operation.
func (s *Postgres) SetStatus(ctx context.Context, jobID int64, status string) (models.Job, error) {
	status = models.NormalizeStatus(status)
	if !models.KnownStatus(status) {
		return models.Job{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2,
		    completed_at = CASE WHEN $2 = $3 THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+jobColumns+`
	`, jobID, status, models.StatusSucceeded, models.AllowedFrom(status))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, jobID)
		if getErr != nil {
			return models.Job{}, getErr
		}
		return models.Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}
	return job, err
}

// UpdateDetails sets title/description; nil fields are left untouched.
func (s *Postgres) UpdateDetails(ctx context.Context, jobID int64, title, description *string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET title = COALESCE($2, title),
		    description = COALESCE($3, description),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns+`
	`, jobID, title, description)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// SetOutput overwrites the informational file fields from a completion
// callback. It carries no status guard: terminal jobs absorb repeated
// callbacks idempotently.
func (s *Postgres) SetOutput(ctx context.Context, jobID int64, outputObject *string, fileSize *int64, fileName *string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET file_path = COALESCE($2, file_path),
		    file_size = COALESCE($3, file_size),
		    file_name = COALESCE($4, file_name),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns+`
	`, jobID, outputObject, fileSize, fileName)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// SaveResults caches the parsed results payload.
func (s *Postgres) SaveResults(ctx context.Context, jobID int64, payload []byte, parsedAt time.Time) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET results_payload = $2, results_parsed_at = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns+`
	`, jobID, payload, parsedAt)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// Get fetches a job by its internal identity.
func (s *Postgres) Get(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// GetByCorrelationID fetches a job by its external identifier. A malformed
// identifier is a plain not-found, never a driver error.
func (s *Postgres) GetByCorrelationID(ctx context.Context, correlationID string) (models.Job, error) {
	cid, err := uuid.Parse(correlationID)
	if err != nil {
		return models.Job{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE correlation_id = $1`, cid)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// Resolve accepts a correlation id or, for backward compatibility, the
// numeric identity.
func (s *Postgres) Resolve(ctx context.Context, ref string) (models.Job, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return s.GetByCorrelationID(ctx, ref)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return s.Get(ctx, id)
	}
	return models.Job{}, ErrNotFound
}

// ListByOwner returns the owner's jobs, newest first.
func (s *Postgres) ListByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Delete removes the job row. The caller is responsible for deleting the
// blob first.
func (s *Postgres) Delete(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job          models.Job
		manifestJSON []byte
	)
	err := row.Scan(
		&job.ID, &job.CorrelationID, &job.Title, &job.Description, &job.Status,
		&job.FileName, &job.FileSizeBytes, &job.FileContentType, &job.FilePath, &job.FileKind,
		&manifestJSON, &job.ResultsPayload, &job.ResultsParsedAt,
		&job.OwnerID, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(manifestJSON) > 0 {
		if err := json.Unmarshal(manifestJSON, &job.ArchiveManifest); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal manifest: %w", err)
		}
	}
	return job, nil
}

var _ JobStore = (*Postgres)(nil)
