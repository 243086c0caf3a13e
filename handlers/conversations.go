package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"duochat/chat"
	"duochat/database"
	"duochat/logger"
	"duochat/middleware"
)

type createConversationRequest struct {
	Username string `json:"username"`
}

type selectRequest struct {
	ConversationID string `json:"conversation_id"`
}

// CreateConversation opens the conversation between the current user and
// another user, found by username. An existing conversation is returned as is.
func (a *API) CreateConversation(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	peer, err := a.store.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	if peer.ID == user.ID {
		writeError(w, http.StatusBadRequest, "You cannot start a conversation with yourself")
		return
	}

	conv, created, err := a.store.CreateConversation(r.Context(), user.ID, peer.ID)
	if err != nil {
		logger.L.Error("create conversation failed", "user", user.ID, "peer", peer.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		logger.L.Info("conversation created", "conversation", conv.ID, "user", user.ID, "peer", peer.ID)
		a.pushChats(r.Context(), user.ID)
		a.pushChats(r.Context(), peer.ID)
	}

	peerResp := peer.ToResponse()
	peerResp.Online = a.hub.IsUserOnline(peer.ID)
	writeJSON(w, status, map[string]interface{}{
		"conversation": conv,
		"peer":         peerResp,
	})
}

// GetChats returns the current user's conversation list, newest first
func (a *API) GetChats(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	items, err := a.chatList(r.Context(), user.ID)
	if err != nil {
		logger.L.Error("load chat list failed", "user", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get chats")
		return
	}

	writeJSON(w, http.StatusOK, items)
}

// MarkSeen flags a conversation as seen in the current user's list
func (a *API) MarkSeen(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id := mux.Vars(r)["id"]
	err := a.chat.Summaries().MarkSeen(r.Context(), user.ID, id)
	if errors.Is(err, chat.ErrNoSummaryEntry) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		logger.L.Error("mark seen failed", "user", user.ID, "conversation", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to mark as seen")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SelectConversation makes a conversation active in the caller's chat
// session. Its messages are pushed over the websocket from then on.
func (a *API) SelectConversation(w http.ResponseWriter, r *http.Request) {
	session, _ := a.chatSession(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	if err := session.SelectConversation(r.Context(), req.ConversationID); err != nil {
		status, msg := conversationErrorStatus(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"conversation_id": req.ConversationID,
	})
}

// Unsubscribe clears the caller's active conversation
func (a *API) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	session, _ := a.chatSession(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	session.Unsubscribe()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// conversationErrorStatus maps conversation lookup errors to HTTP responses
func conversationErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, database.ErrConversationNotFound):
		return http.StatusNotFound, "Conversation not found"
	case errors.Is(err, chat.ErrNotMember):
		return http.StatusForbidden, "Not a member of this conversation"
	default:
		logger.L.Error("conversation lookup failed", "error", err)
		return http.StatusInternalServerError, "Failed to load conversation"
	}
}

