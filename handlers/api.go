package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"duochat/chat"
	"duochat/config"
	"duochat/database"
	"duochat/logger"
	"duochat/metrics"
	"duochat/middleware"
	"duochat/models"
)

// API holds everything the HTTP and websocket handlers need
type API struct {
	store *database.Store
	chat  *chat.Service
	hub   *Hub
	cfg   *config.Config
}

// NewAPI wires the handlers to store and svc. Conversation list changes are
// pushed to connected clients through hub.
func NewAPI(store *database.Store, svc *chat.Service, hub *Hub, cfg *config.Config) *API {
	a := &API{store: store, chat: svc, hub: hub, cfg: cfg}
	svc.Summaries().OnUpdate(func(userID string) {
		a.pushChats(context.Background(), userID)
	})
	return a
}

// NewRouter registers every route on a gorilla/mux router
func NewRouter(a *API, uploadDir string) *mux.Router {
	r := mux.NewRouter()
	auth := middleware.Auth(a.store)
	limited := middleware.RateLimit(a.cfg.SendRatePerSec, a.cfg.SendBurst)

	r.HandleFunc("/api/signup", a.Signup).Methods(http.MethodPost)
	r.HandleFunc("/api/login", a.Login).Methods(http.MethodPost)
	r.HandleFunc("/api/logout", a.Logout).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth)
	api.HandleFunc("/me", a.Me).Methods(http.MethodGet)
	api.HandleFunc("/conversations", a.CreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", a.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/chats", a.GetChats).Methods(http.MethodGet)
	api.HandleFunc("/chats/{id}/seen", a.MarkSeen).Methods(http.MethodPost)
	api.HandleFunc("/session/select", a.SelectConversation).Methods(http.MethodPost)
	api.HandleFunc("/session/unsubscribe", a.Unsubscribe).Methods(http.MethodPost)
	api.Handle("/session/attachment", limited(http.HandlerFunc(a.StageAttachment))).Methods(http.MethodPost)
	api.HandleFunc("/session/attachment", a.ClearAttachment).Methods(http.MethodDelete)
	api.Handle("/session/send", limited(http.HandlerFunc(a.SendMessage))).Methods(http.MethodPost)

	r.Handle("/ws", auth(http.HandlerFunc(a.HandleWebSocket)))
	r.Handle("/metrics", metrics.Handler())
	r.PathPrefix("/files/").Handler(http.StripPrefix("/files/", http.FileServer(http.Dir(uploadDir))))
	if a.cfg.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(a.cfg.StaticDir)))
	}

	return r
}

// chatSession returns the chat session of the logged-in user
func (a *API) chatSession(r *http.Request) (*chat.Session, *models.User) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		return nil, nil
	}
	return a.chat.Session(middleware.GetSessionID(r), user.ID), user
}

// chatList builds the user's conversation list with peer details
func (a *API) chatList(ctx context.Context, userID string) ([]models.ChatListItem, error) {
	entries, err := a.chat.Summaries().List(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]models.ChatListItem, 0, len(entries))
	for _, e := range entries {
		item := models.ChatListItem{SummaryEntry: e}
		if peer, err := a.store.GetUserByID(ctx, e.PeerID); err == nil {
			item.Peer = peer.ToResponse()
			item.Peer.Online = a.hub.IsUserOnline(peer.ID)
		} else {
			logger.L.Warn("chat list peer lookup failed", "user", userID, "peer", e.PeerID, "error", err)
			item.Peer = models.UserResponse{ID: e.PeerID}
		}
		items = append(items, item)
	}
	return items, nil
}

// pushChats sends the user's current conversation list to their open connections
func (a *API) pushChats(ctx context.Context, userID string) {
	if !a.hub.IsUserOnline(userID) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	items, err := a.chatList(ctx, userID)
	if err != nil {
		logger.L.Warn("chat list push failed", "user", userID, "error", err)
		return
	}
	a.hub.SendToUser(userID, models.WebSocketMessage{Type: "chats", Payload: items})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Debug("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
