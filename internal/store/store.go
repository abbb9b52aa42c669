package store

import (
	"context"
	"errors"
	"time"

	"analysis-jobs/internal/models"
)

// Sentinel errors surfaced to the API boundary.
var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrFileNotAttachable = errors.New("job no longer accepts a file")
)

// JobStore is the persistence contract the coordinator, materializer, and
// HTTP layer depend on. All mutating operations are atomic per job row.
type JobStore interface {
	Create(ctx context.Context, ownerID int64, title, description *string) (models.Job, error)
	AttachFile(ctx context.Context, jobID int64, meta models.FileMeta, manifest []models.ManifestEntry) (models.Job, error)
	SetStatus(ctx context.Context, jobID int64, status string) (models.Job, error)
	UpdateDetails(ctx context.Context, jobID int64, title, description *string) (models.Job, error)
	SetOutput(ctx context.Context, jobID int64, outputObject *string, fileSize *int64, fileName *string) (models.Job, error)
	SaveResults(ctx context.Context, jobID int64, payload []byte, parsedAt time.Time) (models.Job, error)
	Get(ctx context.Context, id int64) (models.Job, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (models.Job, error)
	Resolve(ctx context.Context, ref string) (models.Job, error)
	ListByOwner(ctx context.Context, ownerID int64, limit, offset int) ([]models.Job, error)
	Delete(ctx context.Context, id int64) (bool, error)
}
