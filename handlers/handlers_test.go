package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"duochat/chat"
	"duochat/config"
	"duochat/database"
	"duochat/models"
	"duochat/storage"
)

type testServer struct {
	*httptest.Server
	store *database.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()

	store, err := database.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	uploader, err := storage.NewDiskUploader(filepath.Join(dir, "uploads"), "/files")
	require.NoError(t, err)

	svc := chat.NewService(store, uploader, chat.Config{
		MaxAttachmentBytes: 64,
		FeedRetry:          20 * time.Millisecond,
	})
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub()
	go hub.Run(ctx)

	cfg := &config.Config{
		SendRatePerSec: 1000,
		SendBurst:      1000,
		SessionTTL:     time.Hour,
	}
	srv := httptest.NewServer(NewRouter(NewAPI(store, svc, hub, cfg), uploader.Dir()))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store}
}

type testUser struct {
	t      *testing.T
	srv    *testServer
	client *http.Client
	jar    http.CookieJar
}

func (s *testServer) signup(t *testing.T, username string) *testUser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u := &testUser{t: t, srv: s, client: &http.Client{Jar: jar}, jar: jar}

	code, _ := u.do(http.MethodPost, "/api/signup", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "secret123",
	})
	require.Equal(t, http.StatusOK, code)
	return u
}

func (u *testUser) do(method, path string, body any) (int, []byte) {
	u.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(u.t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, u.srv.URL+path, rd)
	require.NoError(u.t, err)
	req.Header.Set("Content-Type", "application/json")
	return u.send(req)
}

func (u *testUser) send(req *http.Request) (int, []byte) {
	u.t.Helper()
	resp, err := u.client.Do(req)
	require.NoError(u.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(u.t, err)
	return resp.StatusCode, data
}

func (u *testUser) upload(name string, content []byte) (int, []byte) {
	u.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(u.t, err)
	_, err = fw.Write(content)
	require.NoError(u.t, err)
	require.NoError(u.t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, u.srv.URL+"/api/session/attachment", &buf)
	require.NoError(u.t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return u.send(req)
}

func (u *testUser) dial() *websocket.Conn {
	u.t.Helper()
	dialer := websocket.Dialer{Jar: u.jar, HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(u.srv.URL, "http")+"/ws", nil)
	require.NoError(u.t, err)
	u.t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// readUntil reads frames until one of type typ satisfies match
func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == typ && (match == nil || match(f.Payload)) {
			return f.Payload
		}
	}
}

func stateWith(n int) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var st models.ConversationState
		return json.Unmarshal(raw, &st) == nil && len(st.Messages) == n
	}
}

func createConversation(t *testing.T, from *testUser, username string) string {
	t.Helper()
	code, body := from.do(http.MethodPost, "/api/conversations", map[string]string{"username": username})
	require.Equal(t, http.StatusCreated, code, string(body))
	var resp struct {
		Conversation models.Conversation `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp.Conversation.ID
}

func TestUnauthenticated(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/me")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignupLoginLogout(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.signup(t, "alice")

	code, body := alice.do(http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, code)
	var me models.UserResponse
	require.NoError(t, json.Unmarshal(body, &me))
	require.Equal(t, "alice", me.Username)

	code, _ = alice.do(http.MethodPost, "/api/signup", map[string]string{
		"username": "alice", "email": "other@example.com", "password": "secret123",
	})
	require.Equal(t, http.StatusConflict, code)

	code, _ = alice.do(http.MethodPost, "/api/logout", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = alice.do(http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = alice.do(http.MethodPost, "/api/login", map[string]string{"username": "alice", "password": "wrong"})
	require.Equal(t, http.StatusUnauthorized, code)
	code, _ = alice.do(http.MethodPost, "/api/login", map[string]string{"username": "alice@example.com", "password": "secret123"})
	require.Equal(t, http.StatusOK, code)
	code, _ = alice.do(http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestCreateConversation(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.signup(t, "alice")
	bob := srv.signup(t, "bob")

	id := createConversation(t, alice, "bob")

	code, _ := bob.do(http.MethodPost, "/api/conversations", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusOK, code)
	code, _ = alice.do(http.MethodPost, "/api/conversations", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = alice.do(http.MethodPost, "/api/conversations", map[string]string{"username": "nobody"})
	require.Equal(t, http.StatusNotFound, code)

	code, body := bob.do(http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, code)
	var items []models.ChatListItem
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 1)
	require.Equal(t, id, items[0].ConversationID)
	require.Equal(t, "alice", items[0].Peer.Username)
	require.Equal(t, "", items[0].LastMessage)
}

func TestSendAndLiveDelivery(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.signup(t, "alice")
	bob := srv.signup(t, "bob")
	id := createConversation(t, alice, "bob")

	ws := bob.dial()
	readUntil(t, ws, "chats", nil)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "select", "payload": map[string]string{"conversation_id": id}}))
	readUntil(t, ws, "messages", stateWith(0))

	code, body := alice.do(http.MethodPost, "/api/session/send", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusConflict, code, string(body))

	code, _ = alice.do(http.MethodPost, "/api/session/select", map[string]string{"conversation_id": id})
	require.Equal(t, http.StatusOK, code)

	code, body = alice.do(http.MethodPost, "/api/session/send", map[string]string{"text": "  hello  "})
	require.Equal(t, http.StatusOK, code, string(body))
	var out chat.Outcome
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, chat.StatusSent, out.Status)

	// the log delivery and the list push race each other
	var st models.ConversationState
	var gotState, gotChats bool
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for !gotState || !gotChats {
		var f frame
		require.NoError(t, ws.ReadJSON(&f))
		switch f.Type {
		case "messages":
			if stateWith(1)(f.Payload) {
				require.NoError(t, json.Unmarshal(f.Payload, &st))
				gotState = true
			}
		case "chats":
			var items []models.ChatListItem
			if json.Unmarshal(f.Payload, &items) == nil && len(items) == 1 && items[0].LastMessage == "hello" {
				gotChats = true
			}
		}
	}
	require.Equal(t, id, st.ConversationID)
	require.Equal(t, "hello", st.Messages[0].Text)

	code, body = bob.do(http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, code)
	var items []models.ChatListItem
	require.NoError(t, json.Unmarshal(body, &items))
	require.Equal(t, "hello", items[0].LastMessage)
	require.False(t, items[0].IsSeen)

	code, _ = bob.do(http.MethodPost, "/api/chats/"+id+"/seen", nil)
	require.Equal(t, http.StatusOK, code)
	_, body = bob.do(http.MethodGet, "/api/chats", nil)
	require.NoError(t, json.Unmarshal(body, &items))
	require.True(t, items[0].IsSeen)

	code, body = alice.do(http.MethodPost, "/api/session/send", map[string]string{"text": "   "})
	require.Equal(t, http.StatusBadRequest, code, string(body))

	code, body = bob.do(http.MethodGet, "/api/conversations/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &st))
	require.Len(t, st.Messages, 1)
}

func TestConversationAccessControl(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.signup(t, "alice")
	srv.signup(t, "bob")
	carol := srv.signup(t, "carol")
	id := createConversation(t, alice, "bob")

	code, _ := carol.do(http.MethodGet, "/api/conversations/"+id+"/messages", nil)
	require.Equal(t, http.StatusForbidden, code)
	code, _ = carol.do(http.MethodPost, "/api/session/select", map[string]string{"conversation_id": id})
	require.Equal(t, http.StatusForbidden, code)
	code, _ = carol.do(http.MethodPost, "/api/session/select", map[string]string{"conversation_id": "missing"})
	require.Equal(t, http.StatusNotFound, code)
	code, _ = carol.do(http.MethodPost, "/api/chats/"+id+"/seen", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestAttachmentFlow(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.signup(t, "alice")
	srv.signup(t, "bob")
	id := createConversation(t, alice, "bob")

	code, _ := alice.do(http.MethodPost, "/api/session/select", map[string]string{"conversation_id": id})
	require.Equal(t, http.StatusOK, code)

	code, body := alice.upload("big.bin", bytes.Repeat([]byte("x"), 100))
	require.Equal(t, http.StatusRequestEntityTooLarge, code)
	require.Contains(t, string(body), "File size should not exceed 64 B.")

	code, body = alice.upload("note.txt", []byte("hello file"))
	require.Equal(t, http.StatusOK, code, string(body))
	var preview chat.PreviewHandle
	require.NoError(t, json.Unmarshal(body, &preview))
	require.Equal(t, "note.txt", preview.Name)
	require.Equal(t, int64(10), preview.Size)

	code, body = alice.do(http.MethodPost, "/api/session/send", map[string]string{"text": ""})
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = alice.do(http.MethodGet, "/api/conversations/"+id+"/messages", nil)
	require.Equal(t, http.StatusOK, code)
	var st models.ConversationState
	require.NoError(t, json.Unmarshal(body, &st))
	require.Len(t, st.Messages, 1)
	att := st.Messages[0].Attachment
	require.NotNil(t, att)
	require.Equal(t, "note.txt", att.Name)
	require.True(t, strings.HasPrefix(att.URL, "/files/"))

	resp, err := http.Get(srv.URL + att.URL)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "hello file", string(data))

	// the draft was consumed by the send
	code, _ = alice.do(http.MethodPost, "/api/session/send", map[string]string{"text": ""})
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = alice.upload("again.txt", []byte("x"))
	require.Equal(t, http.StatusOK, code)
	code, _ = alice.do(http.MethodDelete, "/api/session/attachment", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = alice.do(http.MethodPost, "/api/session/send", map[string]string{"text": ""})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestSwitchingConversationStopsOldFeed(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.signup(t, "alice")
	bob := srv.signup(t, "bob")
	carol := srv.signup(t, "carol")
	ab := createConversation(t, alice, "bob")
	ac := createConversation(t, alice, "carol")

	ws := alice.dial()
	readUntil(t, ws, "chats", nil)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "select", "payload": map[string]string{"conversation_id": ab}}))
	readUntil(t, ws, "messages", stateWith(0))
	require.NoError(t, ws.WriteJSON(map[string]any{"type": "select", "payload": map[string]string{"conversation_id": ac}}))
	readUntil(t, ws, "messages", func(raw json.RawMessage) bool {
		var st models.ConversationState
		return json.Unmarshal(raw, &st) == nil && st.ConversationID == ac
	})

	code, _ := bob.do(http.MethodPost, "/api/session/select", map[string]string{"conversation_id": ab})
	require.Equal(t, http.StatusOK, code)
	code, _ = bob.do(http.MethodPost, "/api/session/send", map[string]string{"text": "from bob"})
	require.Equal(t, http.StatusOK, code)

	code, _ = carol.do(http.MethodPost, "/api/session/select", map[string]string{"conversation_id": ac})
	require.Equal(t, http.StatusOK, code)
	code, _ = carol.do(http.MethodPost, "/api/session/send", map[string]string{"text": "from carol"})
	require.Equal(t, http.StatusOK, code)

	raw := readUntil(t, ws, "messages", stateWith(1))
	var st models.ConversationState
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Equal(t, ac, st.ConversationID)
	require.Equal(t, "from carol", st.Messages[0].Text)
}

func TestSecondSocketTakesOverLiveUpdates(t *testing.T) {
	srv := newTestServer(t)
	alice := srv.signup(t, "alice")
	bob := srv.signup(t, "bob")
	ab := createConversation(t, alice, "bob")

	first := alice.dial()
	readUntil(t, first, "chats", nil)
	require.NoError(t, first.WriteJSON(map[string]any{"type": "select", "payload": map[string]string{"conversation_id": ab}}))
	readUntil(t, first, "messages", stateWith(0))

	second := alice.dial()
	raw := readUntil(t, first, "notice", nil)
	var notice map[string]string
	require.NoError(t, json.Unmarshal(raw, &notice))
	require.Equal(t, viewReplacedNotice, notice["message"])

	readUntil(t, second, "messages", stateWith(0))
	code, _ := bob.do(http.MethodPost, "/api/session/select", map[string]string{"conversation_id": ab})
	require.Equal(t, http.StatusOK, code)
	code, _ = bob.do(http.MethodPost, "/api/session/send", map[string]string{"text": "hi"})
	require.Equal(t, http.StatusOK, code)
	readUntil(t, second, "messages", stateWith(1))
}

func TestGenerateSessionID(t *testing.T) {
	a, err := generateSessionID()
	require.NoError(t, err)
	require.Len(t, a, 64)
	b, err := generateSessionID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
