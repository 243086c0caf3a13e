package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"

	"github.com/gorilla/mux"

	"duochat/chat"
	"duochat/database"
	"duochat/logger"
	"duochat/middleware"
	"duochat/models"
)

type sendMessageRequest struct {
	Text string `json:"text"`
}

// multipartOverhead is slack allowed on top of the attachment limit for form headers
const multipartOverhead = 1 << 20

// GetMessages returns the full message log of a conversation
func (a *API) GetMessages(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := a.chat.Conversation(r.Context(), id, user.ID); err != nil {
		status, msg := conversationErrorStatus(err)
		writeError(w, status, msg)
		return
	}

	messages, err := a.chat.Log().Messages(r.Context(), id)
	if err != nil {
		logger.L.Error("read conversation log failed", "conversation", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to get messages")
		return
	}

	if messages == nil {
		messages = []models.Message{}
	}

	writeJSON(w, http.StatusOK, models.ConversationState{ConversationID: id, Messages: messages})
}

// StageAttachment holds the uploaded multipart "file" for the caller's next send
func (a *API) StageAttachment(w http.ResponseWriter, r *http.Request) {
	session, _ := a.chatSession(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	max := a.chat.MaxAttachmentBytes()
	limit := max + multipartOverhead
	if limit < max {
		limit = math.MaxInt64
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, chat.SizeNotice(max))
			return
		}
		writeError(w, http.StatusBadRequest, "A file is required")
		return
	}
	defer file.Close()

	if header.Size > max {
		writeError(w, http.StatusRequestEntityTooLarge, chat.SizeNotice(max))
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, max+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read file")
		return
	}

	preview, err := session.StageAttachment(chat.Blob{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	switch {
	case errors.Is(err, chat.ErrAttachmentTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, chat.SizeNotice(max))
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, preview)
}

// ClearAttachment drops the caller's staged attachment
func (a *API) ClearAttachment(w http.ResponseWriter, r *http.Request) {
	session, _ := a.chatSession(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	session.ClearStagedAttachment()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SendMessage sends the draft (text plus any staged attachment) to the
// caller's selected conversation
func (a *API) SendMessage(w http.ResponseWriter, r *http.Request) {
	session, user := a.chatSession(r)
	if session == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	outcome, err := session.Send(r.Context(), req.Text)
	if err != nil {
		status, msg := sendErrorStatus(err, a.chat.MaxAttachmentBytes())
		if status >= http.StatusInternalServerError {
			logger.L.Warn("send failed", "user", user.ID, "conversation", session.Selected(), "error", err)
		}
		writeJSON(w, status, map[string]interface{}{
			"error":  msg,
			"status": outcome.Status,
		})
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// sendErrorStatus maps a failed send to an HTTP status and user-facing text
func sendErrorStatus(err error, maxAttachment int64) (int, string) {
	var uploadErr *chat.UploadError
	var appendErr *chat.AppendError
	switch {
	case errors.Is(err, chat.ErrNoConversationSelected):
		return http.StatusConflict, "Select a conversation first"
	case errors.Is(err, chat.ErrAttachmentTooLarge):
		return http.StatusRequestEntityTooLarge, chat.SizeNotice(maxAttachment)
	case errors.Is(err, chat.ErrNothingToSend):
		return http.StatusBadRequest, "Message is empty"
	case chat.IsValidation(err):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &uploadErr):
		return http.StatusBadGateway, "Failed to upload attachment"
	case errors.Is(err, database.ErrConversationNotFound):
		return http.StatusNotFound, "Conversation not found"
	case errors.As(err, &appendErr):
		return http.StatusBadGateway, "Failed to send message"
	default:
		return http.StatusInternalServerError, "Failed to send message"
	}
}
