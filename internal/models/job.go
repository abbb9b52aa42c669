package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// File kinds attached to a job.
const (
	FileKindSingle  = "single"
	FileKindArchive = "archive"
)

// statusSynonyms maps accepted boundary spellings onto canonical statuses.
var statusSynonyms = map[string]string{
	"completed": StatusSucceeded,
	"success":   StatusSucceeded,
}

// transitions defines the legal status edges. Terminal states have no entry.
var transitions = map[string][]string{
	StatusPending:    {StatusQueued, StatusSucceeded, StatusFailed},
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusSucceeded, StatusFailed},
}

// NormalizeStatus folds synonyms onto canonical status names. Unknown values
// are returned lowercased for the caller to reject.
func NormalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if canon, ok := statusSynonyms[s]; ok {
		return canon
	}
	return s
}

// KnownStatus reports whether s (after normalization) is a lifecycle state.
func KnownStatus(s string) bool {
	switch NormalizeStatus(s) {
	case StatusPending, StatusQueued, StatusProcessing, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether a status (or one of its synonyms) admits no
// further transitions.
func IsTerminal(s string) bool {
	switch NormalizeStatus(s) {
	case StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to string) bool {
	for _, next := range transitions[NormalizeStatus(from)] {
		if next == NormalizeStatus(to) {
			return true
		}
	}
	return false
}

// AllowedFrom returns the set of states from which `to` is reachable. The
// store uses it to guard conditional status updates.
func AllowedFrom(to string) []string {
	to = NormalizeStatus(to)
	var from []string
	for state, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				from = append(from, state)
			}
		}
	}
	return from
}

// ManifestEntry describes one archive member, recorded at ingestion time
// without extracting the member.
type ManifestEntry struct {
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	CompressedSize int64  `json:"compressed_size"`
}

// FileMeta carries artifact metadata produced by the ingestion pipeline.
type FileMeta struct {
	Name        string
	SizeBytes   int64
	ContentType string
	Path        string
	Kind        string
}

// Job is the central entity: one user-submitted analysis job.
type Job struct {
	ID              int64
	CorrelationID   uuid.UUID
	Title           *string
	Description     *string
	Status          string
	FileName        *string
	FileSizeBytes   *int64
	FileContentType *string
	FilePath        *string
	FileKind        *string
	ArchiveManifest []ManifestEntry
	ResultsPayload  json.RawMessage
	ResultsParsedAt *time.Time
	OwnerID         int64
	CreatedAt       time.Time
	UpdatedAt       *time.Time
	CompletedAt     *time.Time
}

// Terminal reports whether the job reached a terminal status.
func (j Job) Terminal() bool { return IsTerminal(j.Status) }

// Snapshot is the client-facing view of a job. Jobs are addressed externally
// by correlation id, so that is what the wire `id` carries.
type Snapshot struct {
	ID              string          `json:"id"`
	Title           *string         `json:"title"`
	Description     *string         `json:"description"`
	Status          string          `json:"status"`
	FileName        *string         `json:"file_name"`
	FileSizeBytes   *int64          `json:"file_size"`
	FileKind        *string         `json:"file_kind"`
	OwnerID         int64           `json:"owner_id"`
	ResultsPayload  json.RawMessage `json:"results_payload,omitempty"`
	ResultsParsedAt *time.Time      `json:"results_parsed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       *time.Time      `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
}

// Snapshot builds the externally addressable view.
func (j Job) Snapshot() Snapshot {
	return Snapshot{
		ID:              j.CorrelationID.String(),
		Title:           j.Title,
		Description:     j.Description,
		Status:          j.Status,
		FileName:        j.FileName,
		FileSizeBytes:   j.FileSizeBytes,
		FileKind:        j.FileKind,
		OwnerID:         j.OwnerID,
		ResultsPayload:  j.ResultsPayload,
		ResultsParsedAt: j.ResultsParsedAt,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		CompletedAt:     j.CompletedAt,
	}
}

// Message types pushed over the live channel.
const (
	MessageJobUpdate   = "job.update"
	MessageJobNotFound = "job.not_found"
)

// UpdateMessage is the envelope broadcast to subscribers on every job change.
type UpdateMessage struct {
	Type string   `json:"type"`
	Job  Snapshot `json:"job"`
}

// NotFoundMessage is pushed once when a subscriber addresses an unknown job.
type NotFoundMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// CompletionPayload is the body of the inference service's completion
// callback.
type CompletionPayload struct {
	Status       string  `json:"status"`
	OutputObject *string `json:"output_object,omitempty"`
	FileSize     *int64  `json:"file_size,omitempty"`
	FileName     *string `json:"file_name,omitempty"`
}
