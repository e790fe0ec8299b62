package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// multipartThreshold is the payload size above which archives are uploaded
// with the multipart manager.
const multipartThreshold = 16 * 1024 * 1024

// ActionArchiveStore is the part of the action record store the archiver
// needs.
type ActionArchiveStore interface {
	// ListBefore returns all records created strictly before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.ActionRecord, error)
	// Delete removes records by id.
	Delete(ctx context.Context, ids []string) (int64, error)
}

// ArchiveImpl implements domain.Archiver by moving old action records to
// S3 as JSONL. Records leave the primary store only after the upload and
// the audit entry succeeded, so a failed run is retried in full.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	actions ActionArchiveStore
	audit   domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, actions ActionArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:  writer,
		actions: actions,
		audit:   audit,
	}
}

// WithReader lets the archiver detect existing archive files. A run whose
// target already exists is written under a numbered suffix instead.
func (a *ArchiveImpl) WithReader(r domain.BlobReader) *ArchiveImpl {
	a.reader = r
	return a
}

// ArchiveActions uploads every action record created before the cutoff to
// archive/actions/YYYY-MM.jsonl and records the run in the audit log.
func (a *ArchiveImpl) ArchiveActions(ctx context.Context, before time.Time) (int64, error) {
	records, err := a.actions.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive actions query: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive actions marshal: %w", err)
	}

	path, err := a.freePath(ctx, archivePath("actions", before))
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive actions path: %w", err)
	}
	if len(buf) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive actions upload: %w", err)
	}

	count := int64(len(records))
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.actions", map[string]any{
			"path":   path,
			"count":  count,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			return 0, fmt.Errorf("s3blob: archive actions audit log: %w", err)
		}
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	if _, err := a.actions.Delete(ctx, ids); err != nil {
		return count, fmt.Errorf("s3blob: delete archived actions: %w", err)
	}
	return count, nil
}

// freePath returns path, or the first numbered variant of it that does not
// exist yet.
func (a *ArchiveImpl) freePath(ctx context.Context, path string) (string, error) {
	if a.reader == nil {
		return path, nil
	}
	base := strings.TrimSuffix(path, ".jsonl")
	candidate := path
	for n := 1; ; n++ {
		exists, err := a.reader.Exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s.%d.jsonl", base, n)
	}
}

// ListArchives returns the archive files of one kind, e.g. "actions".
func ListArchives(ctx context.Context, r domain.BlobReader, kind string) ([]domain.BlobInfo, error) {
	infos, err := r.List(ctx, "archive/"+kind+"/")
	if err != nil {
		return nil, fmt.Errorf("s3blob: list archives %s: %w", kind, err)
	}
	return infos, nil
}

// ReadActions decodes an archived JSONL file back into action records.
func ReadActions(ctx context.Context, r domain.BlobReader, path string) ([]domain.ActionRecord, error) {
	body, err := r.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []domain.ActionRecord
	dec := json.NewDecoder(body)
	for {
		var rec domain.ActionRecord
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("s3blob: decode archive %s: %w", path, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time, e.g. archive/actions/2025-01.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
