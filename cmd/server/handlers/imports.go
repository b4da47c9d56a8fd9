package handlers

import (
	"net/http"

	"github.com/kimhsiao/chatvault/backend/internal/importer"
	"github.com/kimhsiao/chatvault/backend/internal/models"
)

// defaultJobListLimit bounds the job listing endpoint.
const defaultJobListLimit = 50

// ImportHandler exposes import orchestration over REST.
type ImportHandler struct {
	imports *importer.Service
}

// NewImportHandler creates an ImportHandler.
func NewImportHandler(imports *importer.Service) *ImportHandler {
	return &ImportHandler{imports: imports}
}

// Register wires routes onto the mux.
func (h *ImportHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/imports", h.startImport)
	mux.HandleFunc("GET /api/imports", h.listImports)
	mux.HandleFunc("GET /api/imports/{id}", h.getImport)
	mux.HandleFunc("POST /api/imports/{id}/cancel", h.cancelImport)
}

// startImport handles POST /api/imports
// Kicks off ingestion of an assembled upload; processing continues in the
// background and the pending job is returned immediately.
func (h *ImportHandler) startImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadJobID string `json:"upload_job_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	job, err := h.imports.Start(req.UploadJobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// listImports handles GET /api/imports
func (h *ImportHandler) listImports(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.imports.List(defaultJobListLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.ImportJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// getImport handles GET /api/imports/{id}
func (h *ImportHandler) getImport(w http.ResponseWriter, r *http.Request) {
	job, err := h.imports.Progress(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":      job,
		"progress": job.ProgressPercent(),
	})
}

// cancelImport handles POST /api/imports/{id}/cancel
func (h *ImportHandler) cancelImport(w http.ResponseWriter, r *http.Request) {
	if err := h.imports.Cancel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
