package handlers

import (
	"net/http"

	"github.com/kimhsiao/chatvault/backend/internal/merge"
)

// MergeHandler exposes merge analysis and execution over REST.
type MergeHandler struct {
	engine *merge.Engine
}

// NewMergeHandler creates a MergeHandler.
func NewMergeHandler(engine *merge.Engine) *MergeHandler {
	return &MergeHandler{engine: engine}
}

// Register wires routes onto the mux.
func (h *MergeHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/uploads/{id}/merge-targets", h.listTargets)
	mux.HandleFunc("POST /api/merges", h.analyze)
	mux.HandleFunc("POST /api/merges/{id}/execute", h.execute)
	mux.HandleFunc("GET /api/merges/{id}", h.getMerge)
	mux.HandleFunc("POST /api/merges/{id}/cancel", h.cancelMerge)
}

// listTargets handles GET /api/uploads/{id}/merge-targets
// Scores existing conversations against the uploaded export.
func (h *MergeHandler) listTargets(w http.ResponseWriter, r *http.Request) {
	candidates, err := h.engine.AnalyzeTargets(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if candidates == nil {
		candidates = []*merge.Candidate{}
	}
	writeJSON(w, http.StatusOK, candidates)
}

// analyze handles POST /api/merges
// Runs the dry-run comparison and returns the analyzed job; nothing is
// written to the target until execute is called.
func (h *MergeHandler) analyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UploadJobID          string `json:"upload_job_id"`
		TargetConversationID string `json:"target_conversation_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	job, err := h.engine.Analyze(r.Context(), req.UploadJobID, req.TargetConversationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// execute handles POST /api/merges/{id}/execute
// Confirms an analyzed merge. A conversation already merging yields 409.
func (h *MergeHandler) execute(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.Execute(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// getMerge handles GET /api/merges/{id}
func (h *MergeHandler) getMerge(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.Progress(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":      job,
		"progress": job.ProgressPercent(),
	})
}

// cancelMerge handles POST /api/merges/{id}/cancel
func (h *MergeHandler) cancelMerge(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Cancel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
