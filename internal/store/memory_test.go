package store

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysis-jobs/internal/models"
)

func meta(kind string) models.FileMeta {
	return models.FileMeta{
		Name: "study.zip", SizeBytes: 10, ContentType: "application/zip",
		Path: "jobs/in.zip", Kind: kind,
	}
}

func TestCreateStartsPending(t *testing.T) {
	m := NewMemory()
	title := "ct chest"
	job, err := m.Create(context.Background(), 1, &title, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, "ct chest", *job.Title)
	assert.Nil(t, job.FileKind)
	assert.NotEqual(t, job.CorrelationID.String(), "00000000-0000-0000-0000-000000000000")
}

func TestAttachFileOnlyWhilePendingOrQueued(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job, err := m.Create(ctx, 1, nil, nil)
	require.NoError(t, err)

	job, err = m.AttachFile(ctx, job.ID, meta(models.FileKindArchive), []models.ManifestEntry{{Name: "a.dcm", Size: 4, CompressedSize: 4}})
	require.NoError(t, err)
	assert.Equal(t, models.FileKindArchive, *job.FileKind)
	assert.Len(t, job.ArchiveManifest, 1)

	_, err = m.SetStatus(ctx, job.ID, models.StatusQueued)
	require.NoError(t, err)
	_, err = m.SetStatus(ctx, job.ID, models.StatusProcessing)
	require.NoError(t, err)

	_, err = m.AttachFile(ctx, job.ID, meta(models.FileKindSingle), nil)
	assert.ErrorIs(t, err, ErrFileNotAttachable)
}

func TestSetStatusEnforcesEdges(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job, err := m.Create(ctx, 1, nil, nil)
	require.NoError(t, err)

	// pending cannot jump straight to processing.
	_, err = m.SetStatus(ctx, job.ID, models.StatusProcessing)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.SetStatus(ctx, job.ID, models.StatusQueued)
	require.NoError(t, err)
	_, err = m.SetStatus(ctx, job.ID, models.StatusProcessing)
	require.NoError(t, err)
	job, err = m.SetStatus(ctx, job.ID, models.StatusSucceeded)
	require.NoError(t, err)
	assert.NotNil(t, job.CompletedAt)

	// Terminal states accept nothing further.
	_, err = m.SetStatus(ctx, job.ID, models.StatusFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSetStatusDirectTerminalForFilelessJob(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job, err := m.Create(ctx, 1, nil, nil)
	require.NoError(t, err)

	job, err = m.SetStatus(ctx, job.ID, models.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.Nil(t, job.CompletedAt)
}

func TestSetStatusRejectsUnknown(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job, err := m.Create(ctx, 1, nil, nil)
	require.NoError(t, err)

	_, err = m.SetStatus(ctx, job.ID, "paused")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestResolveAcceptsBothIdentities(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job, err := m.Create(ctx, 1, nil, nil)
	require.NoError(t, err)

	byUUID, err := m.Resolve(ctx, job.CorrelationID.String())
	require.NoError(t, err)
	assert.Equal(t, job.ID, byUUID.ID)

	byNumeric, err := m.Resolve(ctx, strconv.FormatInt(job.ID, 10))
	require.NoError(t, err)
	assert.Equal(t, job.CorrelationID, byNumeric.CorrelationID)

	_, err = m.Resolve(ctx, "not-an-identifier")
	assert.ErrorIs(t, err, ErrNotFound)

	// A well-formed but unknown uuid is a plain not-found, never a panic.
	_, err = m.Resolve(ctx, "11111111-2222-3333-4444-555555555555")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteReportsPresence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	job, err := m.Create(ctx, 1, nil, nil)
	require.NoError(t, err)

	deleted, err := m.Delete(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = m.Delete(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListByOwnerPaginates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.Create(ctx, 1, nil, nil)
		require.NoError(t, err)
	}
	_, err := m.Create(ctx, 2, nil, nil)
	require.NoError(t, err)

	jobs, err := m.ListByOwner(ctx, 1, 3, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	rest, err := m.ListByOwner(ctx, 1, 3, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	none, err := m.ListByOwner(ctx, 1, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
