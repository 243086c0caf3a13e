package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"duochat/database"
	"duochat/logger"
	"duochat/middleware"
	"duochat/models"
)

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Signup handles user registration
func (a *API) Signup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	if len(req.Username) < 3 || len(req.Username) > 20 {
		http.Error(w, `{"error": "Username must be 3-20 characters"}`, http.StatusBadRequest)
		return
	}

	if !strings.Contains(req.Email, "@") {
		http.Error(w, `{"error": "Invalid email address"}`, http.StatusBadRequest)
		return
	}

	if len(req.Password) < 6 {
		http.Error(w, `{"error": "Password must be at least 6 characters"}`, http.StatusBadRequest)
		return
	}

	if _, err := a.store.GetUserByUsername(r.Context(), req.Username); err == nil {
		http.Error(w, `{"error": "Username already taken"}`, http.StatusConflict)
		return
	}

	if _, err := a.store.GetUserByEmail(r.Context(), req.Email); err == nil {
		http.Error(w, `{"error": "Email already registered"}`, http.StatusConflict)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, `{"error": "Server error"}`, http.StatusInternalServerError)
		return
	}

	user, err := a.store.CreateUser(r.Context(), req.Username, req.Email, string(hashedPassword))
	if err != nil {
		logger.L.Error("create user failed", "username", req.Username, "error", err)
		http.Error(w, `{"error": "Failed to create user"}`, http.StatusInternalServerError)
		return
	}

	if !a.startSession(w, r, user) {
		return
	}

	logger.L.Info("user signed up", "user", user.ID, "username", user.Username)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user":    user.ToResponse(),
	})
}

// Login handles user authentication
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	req.Username = strings.TrimSpace(req.Username)

	user, err := a.store.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, database.ErrNotFound) {
		// Try email
		user, err = a.store.GetUserByEmail(r.Context(), strings.ToLower(req.Username))
	}
	if err != nil {
		http.Error(w, `{"error": "Invalid username or password"}`, http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		http.Error(w, `{"error": "Invalid username or password"}`, http.StatusUnauthorized)
		return
	}

	if !a.startSession(w, r, user) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"user":    user.ToResponse(),
	})
}

// Logout ends the login session and the chat session bound to it
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(middleware.SessionCookie)
	if err == nil {
		if err := a.store.DeleteSession(r.Context(), cookie.Value); err != nil {
			logger.L.Warn("delete session failed", "error", err)
		}
		a.chat.EndSession(cookie.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
	})

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me returns the current authenticated user
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r)
	if user == nil {
		writeError(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	resp := user.ToResponse()
	resp.Online = a.hub.IsUserOnline(user.ID)
	writeJSON(w, http.StatusOK, resp)
}

// startSession creates a login session for user and sets the cookie
func (a *API) startSession(w http.ResponseWriter, r *http.Request, user *models.User) bool {
	sessionID, err := generateSessionID()
	if err != nil {
		logger.L.Error("generate session id failed", "user", user.ID, "error", err)
		http.Error(w, `{"error": "Failed to create session"}`, http.StatusInternalServerError)
		return false
	}
	expiresAt := time.Now().Add(a.cfg.SessionTTL)
	if err := a.store.CreateSession(r.Context(), sessionID, user.ID, expiresAt); err != nil {
		logger.L.Error("create session failed", "user", user.ID, "error", err)
		http.Error(w, `{"error": "Failed to create session"}`, http.StatusInternalServerError)
		return false
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    sessionID,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return true
}

func generateSessionID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
