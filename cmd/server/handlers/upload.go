package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/kimhsiao/chatvault/backend/internal/assembler"
	"github.com/kimhsiao/chatvault/backend/internal/db"
	apperrors "github.com/kimhsiao/chatvault/backend/internal/errors"
)

// UploadHandler handles chunked and single-shot uploads.
type UploadHandler struct {
	repo               *db.Repository
	uploads            *assembler.Service
	singleShotMaxBytes int64
}

// NewUploadHandler creates an UploadHandler.
func NewUploadHandler(repo *db.Repository, uploads *assembler.Service, singleShotMaxBytes int64) *UploadHandler {
	return &UploadHandler{repo: repo, uploads: uploads, singleShotMaxBytes: singleShotMaxBytes}
}

// Register wires routes onto the mux.
func (h *UploadHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/uploads", h.initUpload)
	mux.HandleFunc("PUT /api/uploads/{id}/chunks/{index}", h.receiveChunk)
	mux.HandleFunc("POST /api/uploads/simple", h.uploadSimple)
	mux.HandleFunc("GET /api/uploads/{id}", h.getUpload)
}

// initUpload handles POST /api/uploads
// Registers a chunked upload and returns the job to send chunks against.
func (h *UploadHandler) initUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename   string `json:"filename"`
		FileSize   int64  `json:"file_size"`
		ChunkCount int    `json:"chunk_count"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	job, err := h.uploads.InitUpload(req.Filename, req.FileSize, req.ChunkCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// receiveChunk handles PUT /api/uploads/{id}/chunks/{index}
// The request body is the raw chunk bytes.
func (h *UploadHandler) receiveChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "chunk index must be an integer"))
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.singleShotMaxBytes))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "failed to read chunk body", err))
		return
	}

	job, err := h.uploads.ReceiveChunk(r.Context(), r.PathValue("id"), index, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// uploadSimple handles POST /api/uploads/simple
// Accepts a whole file in one multipart request, for uploads small enough
// to skip chunking.
func (h *UploadHandler) uploadSimple(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.singleShotMaxBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "multipart field 'file' is required", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "failed to read upload", err))
		return
	}

	job, err := h.uploads.UploadDirect(r.Context(), header.Filename, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// getUpload handles GET /api/uploads/{id}
func (h *UploadHandler) getUpload(w http.ResponseWriter, r *http.Request) {
	job, err := h.repo.GetUploadJob(r.PathValue("id"))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrNotFound, "upload job not found", err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}
