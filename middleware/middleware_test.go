package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duochat/models"
)

type fakeSessions struct {
	GetSessionFunc  func(id string) (*models.Session, error)
	GetUserByIDFunc func(id string) (*models.User, error)
}

func (f *fakeSessions) GetSession(ctx context.Context, id string) (*models.Session, error) {
	return f.GetSessionFunc(id)
}

func (f *fakeSessions) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return f.GetUserByIDFunc(id)
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		GetSessionFunc: func(id string) (*models.Session, error) {
			if id != "good" {
				return nil, errors.New("not found")
			}
			return &models.Session{ID: id, UserID: "u1"}, nil
		},
		GetUserByIDFunc: func(id string) (*models.User, error) {
			return &models.User{ID: id, Username: "alice"}, nil
		},
	}
}

func TestAuth(t *testing.T) {
	var gotUser *models.User
	var gotSession string
	h := Auth(newFakeSessions())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUserFromContext(r)
		gotSession = GetSessionID(r)
	}))

	tests := []struct {
		name   string
		cookie *http.Cookie
		want   int
	}{
		{name: "no cookie", want: http.StatusUnauthorized},
		{name: "bad session", cookie: &http.Cookie{Name: SessionCookie, Value: "bad"}, want: http.StatusUnauthorized},
		{name: "valid", cookie: &http.Cookie{Name: SessionCookie, Value: "good"}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser, gotSession = nil, ""
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				require.NotNil(t, gotUser)
				require.Equal(t, "u1", gotUser.ID)
				require.Equal(t, "good", gotSession)
			} else {
				require.Nil(t, gotUser)
			}
		})
	}
}

func TestAuthUnknownUser(t *testing.T) {
	store := newFakeSessions()
	store.GetUserByIDFunc = func(id string) (*models.User, error) { return nil, errors.New("gone") }
	h := Auth(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "good"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitPerUser(t *testing.T) {
	h := RateLimit(1, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(userID string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/session/send", nil)
		req = req.WithContext(context.WithValue(req.Context(), UserContextKey, &models.User{ID: userID}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusOK, do("alice"))
	require.Equal(t, http.StatusOK, do("alice"))
	require.Equal(t, http.StatusTooManyRequests, do("alice"))
	require.Equal(t, http.StatusOK, do("bob"))
}

func TestLimiterPoolDropsIdleBuckets(t *testing.T) {
	p := newLimiterPool(1, 1)
	now := time.Unix(0, 0)
	p.now = func() time.Time { return now }

	require.True(t, p.Allow("alice"))
	require.False(t, p.Allow("alice"))

	now = now.Add(time.Hour)
	require.True(t, p.Allow("bob"))
	p.mu.Lock()
	_, ok := p.m["alice"]
	p.mu.Unlock()
	require.False(t, ok)
}
