package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"analysis-jobs/internal/blob"
	"analysis-jobs/internal/models"
)

// zip local-file, empty-archive, and spanned-marker signatures.
var zipSignatures = [][]byte{
	{'P', 'K', 0x03, 0x04},
	{'P', 'K', 0x05, 0x06},
	{'P', 'K', 0x07, 0x08},
}

// Upload is the stream shape the pipeline consumes. multipart.File satisfies
// it for both memory- and disk-backed uploads.
type Upload interface {
	io.Reader
	io.ReaderAt
	io.Seeker
}

// ValidationError marks client-fixable rejections: malformed or unsafe
// archives. No blob is written when one is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Limits bound what an uploaded archive may declare.
type Limits struct {
	MaxEntries    int
	MaxRatio      int64
	MaxTotalBytes int64
}

// Pipeline classifies an uploaded stream, validates archive safety, and
// streams the raw bytes to the blob store. It never extracts archive members.
type Pipeline struct {
	blobs  blob.Store
	limits Limits
	prefix string
	log    *zap.Logger
}

func New(blobs blob.Store, limits Limits, prefix string, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{blobs: blobs, limits: limits, prefix: prefix, log: log.Named("ingest")}
}

// Ingest sniffs the stream's true format, validates it, and writes exactly
// one blob object on success. size may be <= 0, in which case it is derived
// by seeking to the end of the stream. On any failure nothing is written; the
// caller owns discarding the job record it created beforehand.
func (p *Pipeline) Ingest(ctx context.Context, file Upload, fileName, contentType string) (models.FileMeta, []models.ManifestEntry, error) {
	size, err := streamSize(file)
	if err != nil {
		return models.FileMeta{}, nil, fmt.Errorf("determine upload size: %w", err)
	}

	isArchive, err := sniffArchive(file)
	if err != nil {
		return models.FileMeta{}, nil, fmt.Errorf("sniff upload: %w", err)
	}

	var manifest []models.ManifestEntry
	kind := models.FileKindSingle
	if isArchive {
		kind = models.FileKindArchive
		manifest, err = p.validateArchive(file, size)
		if err != nil {
			return models.FileMeta{}, nil, err
		}
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return models.FileMeta{}, nil, fmt.Errorf("rewind upload: %w", err)
	}

	key := p.prefix + uuid.New().String() + strings.ToLower(filepath.Ext(fileName))
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(fileName))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
	}

	if err := p.blobs.Put(ctx, key, file, size, contentType); err != nil {
		return models.FileMeta{}, nil, fmt.Errorf("store upload: %w", err)
	}
	p.log.Info("stored upload",
		zap.String("key", key),
		zap.String("kind", kind),
		zap.Int64("size", size),
	)

	return models.FileMeta{
		Name:        fileName,
		SizeBytes:   size,
		ContentType: contentType,
		Path:        key,
		Kind:        kind,
	}, manifest, nil
}

// validateArchive reads the central directory and enforces the configured
// ceilings: entry count, per-entry compression ratio, and cumulative
// uncompressed size. The manifest is built from entry metadata only.
func (p *Pipeline) validateArchive(file Upload, size int64) ([]models.ManifestEntry, error) {
	r, err := zip.NewReader(file, size)
	if err != nil {
		return nil, &ValidationError{Reason: "archive central directory is unreadable"}
	}

	if p.limits.MaxEntries > 0 && len(r.File) > p.limits.MaxEntries {
		return nil, &ValidationError{Reason: fmt.Sprintf("archive has %d entries, limit is %d", len(r.File), p.limits.MaxEntries)}
	}

	var total int64
	manifest := make([]models.ManifestEntry, 0, len(r.File))
	for _, f := range r.File {
		uncompressed := int64(f.UncompressedSize64)
		compressed := int64(f.CompressedSize64)

		if p.limits.MaxRatio > 0 && uncompressed > 0 {
			if compressed == 0 || uncompressed/compressed > p.limits.MaxRatio {
				return nil, &ValidationError{Reason: fmt.Sprintf("entry %q exceeds compression ratio limit %d", f.Name, p.limits.MaxRatio)}
			}
		}

		total += uncompressed
		if p.limits.MaxTotalBytes > 0 && total > p.limits.MaxTotalBytes {
			return nil, &ValidationError{Reason: fmt.Sprintf("archive declares more than %d uncompressed bytes", p.limits.MaxTotalBytes)}
		}

		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		manifest = append(manifest, models.ManifestEntry{
			Name:           f.Name,
			Size:           uncompressed,
			CompressedSize: compressed,
		})
	}
	return manifest, nil
}

// sniffArchive inspects the leading bytes; the claimed file name is never
// trusted. The read position is restored afterwards.
func sniffArchive(file Upload) (bool, error) {
	var head [4]byte
	n, err := file.ReadAt(head[:], 0)
	if err != nil && err != io.EOF {
		return false, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	if n < 4 {
		return false, nil
	}
	for _, sig := range zipSignatures {
		if bytes.Equal(head[:], sig) {
			return true, nil
		}
	}
	return false, nil
}

func streamSize(file Upload) (int64, error) {
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}
