package handler

import (
	"log/slog"
	"net/http"
	"strings"

	s3blob "github.com/alanyoungcy/marketnode/internal/blob/s3"
	"github.com/alanyoungcy/marketnode/internal/domain"
)

// ArchiveHandler browses the cold-storage archive of action records.
type ArchiveHandler struct {
	reader domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler.
func NewArchiveHandler(reader domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{reader: reader, logger: logHandler(logger, "archive")}
}

// ListArchives lists archived action files.
// GET /api/archives
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	infos, err := s3blob.ListArchives(r.Context(), h.reader, "actions")
	if err != nil {
		writeServiceError(w, r, h.logger, "archives", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": emptyIfNil(infos)})
}

// ReadArchive decodes one archive file.
// GET /api/archives/records?path=archive/actions/2025-01.jsonl
func (h *ArchiveHandler) ReadArchive(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if !strings.HasPrefix(path, "archive/actions/") || strings.Contains(path, "..") {
		writeError(w, http.StatusBadRequest, "path must name an action archive")
		return
	}
	recs, err := s3blob.ReadActions(r.Context(), h.reader, path)
	if err != nil {
		writeServiceError(w, r, h.logger, "archive", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": emptyIfNil(recs)})
}
