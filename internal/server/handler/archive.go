package handler

import (
	"io"
	"net/http"
	"strings"

	"log/slog"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

// ArchiveHandler exposes the cold-storage archive files over HTTP so
// dashboards can browse exported history without S3 credentials.
type ArchiveHandler struct {
	reader domain.BlobReader
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler with the given reader and logger.
func NewArchiveHandler(reader domain.BlobReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		reader: reader,
		logger: logger,
	}
}

type listFilesResponse struct {
	Files []domain.BlobInfo `json:"files"`
}

// ListFiles enumerates archive files under a prefix.
// GET /api/archive/files?prefix=positions
func (h *ArchiveHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	prefix := "archive/"
	if p := r.URL.Query().Get("prefix"); p != "" {
		prefix += strings.TrimPrefix(p, "/")
	}

	files, err := h.reader.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: archive list failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archive files")
		return
	}
	if files == nil {
		files = []domain.BlobInfo{}
	}

	writeJSON(w, http.StatusOK, listFilesResponse{Files: files})
}

// GetFile streams one archive file.
// GET /api/archive/files/{path...}
func (h *ArchiveHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if path == "" || strings.Contains(path, "..") {
		writeError(w, http.StatusBadRequest, "invalid archive path")
		return
	}
	path = "archive/" + path

	body, err := h.reader.Get(r.Context(), path)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive stream interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
