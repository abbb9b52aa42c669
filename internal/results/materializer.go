package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"analysis-jobs/internal/blob"
	"analysis-jobs/internal/models"
	"analysis-jobs/internal/store"
	"analysis-jobs/internal/telemetry"
)

// ErrNotReady means the job has no stored output artifact to parse yet.
var ErrNotReady = errors.New("results not ready")

// Sources tag where a response's payload came from.
const (
	SourceCached = "cached"
	SourceFresh  = "fresh"
)

// Response is the results endpoint body.
type Response struct {
	JobID    string          `json:"job_id"`
	ParsedAt *time.Time      `json:"parsed_at"`
	Results  json.RawMessage `json:"results"`
	Source   string          `json:"source"`
}

// Materializer serves parsed job results, parsing the stored workbook on the
// first request and the cached payload afterwards. Concurrent first requests
// may both parse; the parse is a pure function of the stored artifact, so both
// writers persist equivalent content.
type Materializer struct {
	store     store.JobStore
	blobs     blob.Store
	broadcast func(models.Job)
	log       *zap.Logger
}

func NewMaterializer(st store.JobStore, blobs blob.Store, broadcast func(models.Job), log *zap.Logger) *Materializer {
	if broadcast == nil {
		broadcast = func(models.Job) {}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Materializer{store: st, blobs: blobs, broadcast: broadcast, log: log.Named("results")}
}

// Get returns the job's structured results, tagged with whether they were
// served from the cache or parsed fresh from the blob store.
func (m *Materializer) Get(ctx context.Context, job models.Job) (Response, error) {
	if len(job.ResultsPayload) > 0 {
		if !json.Valid(job.ResultsPayload) {
			return Response{}, fmt.Errorf("corrupt cached results for job %s", job.CorrelationID)
		}
		return Response{
			JobID:    job.CorrelationID.String(),
			ParsedAt: job.ResultsParsedAt,
			Results:  job.ResultsPayload,
			Source:   SourceCached,
		}, nil
	}

	if job.FilePath == nil || *job.FilePath == "" {
		return Response{}, ErrNotReady
	}

	raw, err := m.blobs.Get(ctx, *job.FilePath)
	if err != nil {
		return Response{}, fmt.Errorf("fetch artifact %s: %w", *job.FilePath, err)
	}

	parsed, err := Parse(raw)
	if err != nil {
		return Response{}, fmt.Errorf("parse artifact %s: %w", *job.FilePath, err)
	}
	payload, err := json.Marshal(parsed)
	if err != nil {
		return Response{}, fmt.Errorf("encode results: %w", err)
	}

	parsedAt := time.Now().UTC()
	updated, err := m.store.SaveResults(ctx, job.ID, payload, parsedAt)
	if err != nil {
		return Response{}, fmt.Errorf("persist results: %w", err)
	}
	telemetry.ResultsParsed.Inc()
	m.log.Info("results parsed",
		zap.String("job_id", job.CorrelationID.String()),
		zap.Int("records", parsed.Count))
	m.broadcast(updated)

	return Response{
		JobID:    updated.CorrelationID.String(),
		ParsedAt: updated.ResultsParsedAt,
		Results:  updated.ResultsPayload,
		Source:   SourceFresh,
	}, nil
}
