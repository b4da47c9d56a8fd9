package handlers

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/kimhsiao/chatvault/backend/internal/blob"
	"github.com/kimhsiao/chatvault/backend/internal/db"
	apperrors "github.com/kimhsiao/chatvault/backend/internal/errors"
	"github.com/kimhsiao/chatvault/backend/internal/models"
)

// Paging bounds for message listing.
const (
	defaultMessagePage = 100
	maxMessagePage     = 500
)

// mediaURLExpiry is how long attachment access links stay valid.
const mediaURLExpiry = 15 * time.Minute

// ConversationHandler exposes archived conversations over REST.
type ConversationHandler struct {
	repo  *db.Repository
	store blob.ObjectStore
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(repo *db.Repository, store blob.ObjectStore) *ConversationHandler {
	return &ConversationHandler{repo: repo, store: store}
}

// Register wires routes onto the mux.
func (h *ConversationHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conversations", h.listConversations)
	mux.HandleFunc("GET /api/conversations/{id}", h.getConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", h.listMessages)
	mux.HandleFunc("GET /api/conversations/{id}/participants", h.listParticipants)
	mux.HandleFunc("POST /api/conversations/{id}/share", h.createShareToken)
	mux.HandleFunc("DELETE /api/conversations/{id}/share", h.revokeShareToken)
	mux.HandleFunc("GET /api/messages/{id}/attachments", h.listAttachments)
}

// listConversations handles GET /api/conversations
func (h *ConversationHandler) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, defaultMessagePage, maxMessagePage)
	convs, err := h.repo.ListConversations(limit, offset)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrDatabase, "failed to list conversations", err))
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// getConversation handles GET /api/conversations/{id}
func (h *ConversationHandler) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.loadConversation(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// listMessages handles GET /api/conversations/{id}/messages
// Messages come back in timestamp order; paging keeps responses bounded.
func (h *ConversationHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	conv, err := h.loadConversation(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	limit, offset := pageParams(r, defaultMessagePage, maxMessagePage)
	msgs, err := h.repo.ListMessages(string(conv.ID), limit, offset)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrDatabase, "failed to list messages", err))
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": conv.ID,
		"messages":        msgs,
		"limit":           limit,
		"offset":          offset,
	})
}

// listParticipants handles GET /api/conversations/{id}/participants
func (h *ConversationHandler) listParticipants(w http.ResponseWriter, r *http.Request) {
	conv, err := h.loadConversation(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	participants, err := h.repo.ListParticipants(string(conv.ID))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrDatabase, "failed to list participants", err))
		return
	}
	if participants == nil {
		participants = []*models.Participant{}
	}
	writeJSON(w, http.StatusOK, participants)
}

// createShareToken handles POST /api/conversations/{id}/share
// Rotates the conversation's read-only share token.
func (h *ConversationHandler) createShareToken(w http.ResponseWriter, r *http.Request) {
	conv, err := h.loadConversation(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	token := conv.GenerateShareToken()
	if err := h.repo.SetShareToken(string(conv.ID), token); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrDatabase, "failed to store share token", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"share_token": token})
}

// revokeShareToken handles DELETE /api/conversations/{id}/share
func (h *ConversationHandler) revokeShareToken(w http.ResponseWriter, r *http.Request) {
	conv, err := h.loadConversation(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	conv.RevokeShareToken()
	if err := h.repo.SetShareToken(string(conv.ID), ""); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrDatabase, "failed to revoke share token", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listAttachments handles GET /api/messages/{id}/attachments
// Each attachment carries temporary access URLs for its blob and thumbnail.
func (h *ConversationHandler) listAttachments(w http.ResponseWriter, r *http.Request) {
	attachments, err := h.repo.ListAttachments(r.PathValue("id"))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrDatabase, "failed to list attachments", err))
		return
	}

	type attachmentView struct {
		*models.Attachment
		URL          string `json:"url,omitempty"`
		ThumbnailURL string `json:"thumbnail_url,omitempty"`
	}
	views := make([]*attachmentView, 0, len(attachments))
	for _, a := range attachments {
		v := &attachmentView{Attachment: a}
		if url, err := h.store.PresignedURL(r.Context(), a.StorageKey, mediaURLExpiry); err == nil {
			v.URL = url
		}
		if a.ThumbnailKey != "" {
			if url, err := h.store.PresignedURL(r.Context(), a.ThumbnailKey, mediaURLExpiry); err == nil {
				v.ThumbnailURL = url
			}
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// loadConversation resolves a conversation id, translating a miss into a
// NOT_FOUND error.
func (h *ConversationHandler) loadConversation(id string) (*models.Conversation, error) {
	conv, err := h.repo.GetConversation(id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.New(apperrors.ErrNotFound, "conversation not found")
		}
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to load conversation", err)
	}
	return conv, nil
}

// pageParams reads limit/offset query parameters with sane bounds.
func pageParams(r *http.Request, def, max int) (limit, offset int) {
	limit = def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= max {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
