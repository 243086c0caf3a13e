package middleware

import (
	"context"
	"net/http"

	"duochat/models"
)

type contextKey string

const (
	UserContextKey    contextKey = "user"
	SessionContextKey contextKey = "session"
)

// SessionCookie is the name of the login cookie
const SessionCookie = "session"

// SessionStore resolves login sessions to users
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// Auth returns middleware that checks for a valid session and adds the user
// and session id to the request context
func Auth(store SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err != nil {
				http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
				return
			}

			session, err := store.GetSession(r.Context(), cookie.Value)
			if err != nil {
				http.Error(w, `{"error": "Invalid session"}`, http.StatusUnauthorized)
				return
			}

			user, err := store.GetUserByID(r.Context(), session.UserID)
			if err != nil {
				http.Error(w, `{"error": "User not found"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			ctx = context.WithValue(ctx, SessionContextKey, session.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserFromContext retrieves the user from the request context
func GetUserFromContext(r *http.Request) *models.User {
	user, ok := r.Context().Value(UserContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

// GetSessionID retrieves the login session id from the request context
func GetSessionID(r *http.Request) string {
	id, _ := r.Context().Value(SessionContextKey).(string)
	return id
}
