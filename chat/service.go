package chat

import (
	"context"
	"sync"
	"time"

	"duochat/models"
)

// Store is everything the chat service needs from persistence
type Store interface {
	ConversationLookup
	MessageStore
	SummaryStore
}

// Config tunes a Service
type Config struct {
	MaxAttachmentBytes int64
	AttachmentPreview  string
	FeedRetry          time.Duration
}

// Service wires the conversation log, feed, conversation lists and send
// coordinator together, and keeps one Session per login.
type Service struct {
	conversations ConversationLookup
	log           *ConversationLog
	feed          *Feed
	summaries     *SummaryIndex
	coordinator   *Coordinator
	maxAttachment int64

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewService builds a service on store and uploader
func NewService(store Store, uploader Uploader, cfg Config) *Service {
	feed := NewFeed(store, cfg.FeedRetry)
	log := NewConversationLog(store, feed)
	summaries := NewSummaryIndex(store)
	return &Service{
		conversations: store,
		log:           log,
		feed:          feed,
		summaries:     summaries,
		coordinator: NewCoordinator(log, summaries, uploader, CoordinatorConfig{
			MaxAttachmentBytes: cfg.MaxAttachmentBytes,
			AttachmentPreview:  cfg.AttachmentPreview,
		}),
		maxAttachment: cfg.MaxAttachmentBytes,
		sessions:      make(map[string]*Session),
	}
}

// Log returns the conversation log
func (svc *Service) Log() *ConversationLog { return svc.log }

// Feed returns the live conversation feed
func (svc *Service) Feed() *Feed { return svc.feed }

// Summaries returns the conversation list index
func (svc *Service) Summaries() *SummaryIndex { return svc.summaries }

// MaxAttachmentBytes returns the attachment ceiling
func (svc *Service) MaxAttachmentBytes() int64 { return svc.maxAttachment }

// Session returns the session registered under key, creating it for userID
// if needed. A key reused by a different user gets a fresh session.
func (svc *Service) Session(key, userID string) *Session {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if s, ok := svc.sessions[key]; ok {
		if s.userID == userID {
			return s
		}
		s.Close()
	}
	s := &Session{userID: userID, svc: svc}
	svc.sessions[key] = s
	return s
}

// EndSession closes and forgets the session registered under key
func (svc *Service) EndSession(key string) {
	svc.mu.Lock()
	s, ok := svc.sessions[key]
	delete(svc.sessions, key)
	svc.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Conversation returns id if userID is one of its members
func (svc *Service) Conversation(ctx context.Context, id, userID string) (*models.Conversation, error) {
	conv, err := svc.conversations.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(userID) {
		return nil, ErrNotMember
	}
	return conv, nil
}

// Close ends every session and subscription
func (svc *Service) Close() {
	svc.mu.Lock()
	sessions := svc.sessions
	svc.sessions = make(map[string]*Session)
	svc.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	svc.feed.Close()
}
