package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"duochat/models"
)

// memStore is an in-memory Store with error injection hooks
type memStore struct {
	mu    sync.Mutex
	convs map[string]*models.Conversation
	msgs  map[string][]models.Message
	chats map[string][]models.SummaryEntry

	AppendFunc    func(msg models.Message) error
	MessagesFunc  func(conversationID string) error
	SaveChatsFunc func(userID string, chats []models.SummaryEntry) error
}

func newMemStore() *memStore {
	return &memStore{
		convs: make(map[string]*models.Conversation),
		msgs:  make(map[string][]models.Message),
		chats: make(map[string][]models.SummaryEntry),
	}
}

// addConversation registers a conversation and seeds both members' lists
func (m *memStore) addConversation(id, a, b string) *models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := &models.Conversation{ID: id, Members: [2]string{a, b}}
	m.convs[id] = conv
	m.chats[a] = append(m.chats[a], models.SummaryEntry{ConversationID: id, PeerID: b, IsSeen: true})
	m.chats[b] = append(m.chats[b], models.SummaryEntry{ConversationID: id, PeerID: a, IsSeen: true})
	return conv
}

func (m *memStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.convs[id]
	if !ok {
		return nil, errUnknownConversation
	}
	cp := *conv
	return &cp, nil
}

func (m *memStore) AppendMessage(ctx context.Context, msg models.Message) error {
	if m.AppendFunc != nil {
		if err := m.AppendFunc(msg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[msg.ConversationID]; !ok {
		return errUnknownConversation
	}
	m.msgs[msg.ConversationID] = append(m.msgs[msg.ConversationID], msg)
	return nil
}

func (m *memStore) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if m.MessagesFunc != nil {
		if err := m.MessagesFunc(conversationID); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[conversationID]; !ok {
		return nil, errUnknownConversation
	}
	out := make([]models.Message, len(m.msgs[conversationID]))
	copy(out, m.msgs[conversationID])
	return out, nil
}

func (m *memStore) LoadChats(ctx context.Context, userID string) ([]models.SummaryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SummaryEntry, len(m.chats[userID]))
	copy(out, m.chats[userID])
	return out, nil
}

func (m *memStore) SaveChats(ctx context.Context, userID string, chats []models.SummaryEntry) error {
	if m.SaveChatsFunc != nil {
		if err := m.SaveChatsFunc(userID, chats); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chats[userID] = append([]models.SummaryEntry(nil), chats...)
	return nil
}

func (m *memStore) entry(userID, conversationID string) models.SummaryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.chats[userID] {
		if e.ConversationID == conversationID {
			return e
		}
	}
	return models.SummaryEntry{}
}

func (m *memStore) count(conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs[conversationID])
}

type testError string

func (e testError) Error() string { return string(e) }

const (
	errUnknownConversation = testError("unknown conversation")
	errUnreachable         = testError("log unreachable")
)

type mockUploader struct {
	mu         sync.Mutex
	calls      int
	UploadFunc func(ctx context.Context, blob Blob) (models.Attachment, error)
}

func (u *mockUploader) Upload(ctx context.Context, blob Blob) (models.Attachment, error) {
	u.mu.Lock()
	u.calls++
	u.mu.Unlock()
	if u.UploadFunc != nil {
		return u.UploadFunc(ctx, blob)
	}
	return models.Attachment{URL: "/files/" + blob.Name, Kind: models.KindFromContentType(blob.ContentType), Name: blob.Name}, nil
}

func (u *mockUploader) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type delivery struct {
	conversationID string
	messages       []models.Message
}

// channelView forwards every delivery to a buffered channel
type channelView chan delivery

func (v channelView) ShowConversation(conversationID string, messages []models.Message) {
	select {
	case v <- delivery{conversationID: conversationID, messages: messages}:
	default:
	}
}

func nextDelivery(t *testing.T, ch <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
	return delivery{}
}

// waitForLen reads deliveries until one carries n messages
func waitForLen(t *testing.T, ch <-chan delivery, n int) delivery {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case d := <-ch:
			if len(d.messages) == n {
				return d
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a delivery with %d messages", n)
			return delivery{}
		}
	}
}

func expectNoDelivery(t *testing.T, ch <-chan delivery, wait time.Duration) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery for %s with %d messages", d.conversationID, len(d.messages))
	case <-time.After(wait):
	}
}
