package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"analysis-jobs/internal/models"
)

// Memory is an in-memory JobStore with the same transition semantics as the
// Postgres implementation. Used by tests and local experiments.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*models.Job
}

func NewMemory() *Memory {
	return &Memory{jobs: map[int64]*models.Job{}}
}

func (m *Memory) Create(_ context.Context, ownerID int64, title, description *string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	job := models.Job{
		ID:            m.nextID,
		CorrelationID: uuid.New(),
		Title:         title,
		Description:   description,
		Status:        models.StatusPending,
		OwnerID:       ownerID,
		CreatedAt:     time.Now().UTC(),
	}
	m.jobs[job.ID] = &job
	return job, nil
}

func (m *Memory) AttachFile(_ context.Context, jobID int64, meta models.FileMeta, manifest []models.ManifestEntry) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.Status != models.StatusPending && job.Status != models.StatusQueued {
		return models.Job{}, ErrFileNotAttachable
	}
	job.FileName = &meta.Name
	job.FileSizeBytes = &meta.SizeBytes
	job.FileContentType = &meta.ContentType
	job.FilePath = &meta.Path
	job.FileKind = &meta.Kind
	if meta.Kind == models.FileKindArchive {
		job.ArchiveManifest = append([]models.ManifestEntry(nil), manifest...)
	}
	touch(job)
	return *job, nil
}

func (m *Memory) SetStatus(_ context.Context, jobID int64, status string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	status = models.NormalizeStatus(status)
	if !models.KnownStatus(status) {
		return models.Job{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	if !models.CanTransition(job.Status, status) {
		return models.Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, status)
	}
	job.Status = status
	if status == models.StatusSucceeded {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	touch(job)
	return *job, nil
}

func (m *Memory) UpdateDetails(_ context.Context, jobID int64, title, description *string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if title != nil {
		job.Title = title
	}
	if description != nil {
		job.Description = description
	}
	touch(job)
	return *job, nil
}

func (m *Memory) SetOutput(_ context.Context, jobID int64, outputObject *string, fileSize *int64, fileName *string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if outputObject != nil {
		job.FilePath = outputObject
	}
	if fileSize != nil {
		job.FileSizeBytes = fileSize
	}
	if fileName != nil {
		job.FileName = fileName
	}
	touch(job)
	return *job, nil
}

func (m *Memory) SaveResults(_ context.Context, jobID int64, payload []byte, parsedAt time.Time) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	job.ResultsPayload = json.RawMessage(append([]byte(nil), payload...))
	job.ResultsParsedAt = &parsedAt
	touch(job)
	return *job, nil
}

func (m *Memory) Get(_ context.Context, id int64) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *job, nil
}

func (m *Memory) GetByCorrelationID(_ context.Context, correlationID string) (models.Job, error) {
	cid, err := uuid.Parse(correlationID)
	if err != nil {
		return models.Job{}, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.CorrelationID == cid {
			return *job, nil
		}
	}
	return models.Job{}, ErrNotFound
}

func (m *Memory) Resolve(ctx context.Context, ref string) (models.Job, error) {
	if _, err := uuid.Parse(ref); err == nil {
		return m.GetByCorrelationID(ctx, ref)
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return m.Get(ctx, id)
	}
	return models.Job{}, ErrNotFound
}

func (m *Memory) ListByOwner(_ context.Context, ownerID int64, limit, offset int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []models.Job
	for _, job := range m.jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit <= 0 {
		limit = 100
	}
	if offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[offset:]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *Memory) Delete(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return false, nil
	}
	delete(m.jobs, id)
	return true, nil
}

func touch(job *models.Job) {
	now := time.Now().UTC()
	job.UpdatedAt = &now
}

var _ JobStore = (*Memory)(nil)
