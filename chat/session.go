package chat

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/dustin/go-humanize"

	"duochat/logger"
	"duochat/models"
)

// View receives conversation state for display. It is called with the
// session lock held and must not block or call back into the session.
type View interface {
	ShowConversation(conversationID string, messages []models.Message)
}

// ViewFunc adapts a function to View
type ViewFunc func(conversationID string, messages []models.Message)

// ShowConversation calls f
func (f ViewFunc) ShowConversation(conversationID string, messages []models.Message) {
	f(conversationID, messages)
}

// ConversationLookup resolves conversation membership
type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
}

// PreviewHandle describes a staged attachment to the user before it is sent
type PreviewHandle struct {
	Name        string                `json:"name"`
	ContentType string                `json:"content_type"`
	Kind        models.AttachmentKind `json:"kind"`
	Size        int64                 `json:"size"`
}

// SizeNotice is the user-facing text shown when an attachment is over the limit
func SizeNotice(maxBytes int64) string {
	return fmt.Sprintf("File size should not exceed %s.", humanize.IBytes(uint64(maxBytes)))
}

// Session is one user's chat surface: the selected conversation, its live
// subscription, and the compose draft.
type Session struct {
	userID string
	svc    *Service

	mu       sync.Mutex
	view     View
	selected *models.Conversation
	sub      *Subscription
	staged   *Blob
}

// UserID returns the user the session acts for
func (s *Session) UserID() string {
	return s.userID
}

// SetView routes deliveries to v and returns the view it replaced, which
// receives nothing from now on. A nil view drops deliveries.
func (s *Session) SetView(v View) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.view
	s.view = v
	return prev
}

// DetachView clears the view if it is still v. v must be comparable.
func (s *Session) DetachView(v View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == v {
		s.view = nil
	}
}

// SelectConversation makes id the active conversation. The previous
// subscription is cancelled before the new one starts, and deliveries for
// any other conversation are dropped.
func (s *Session) SelectConversation(ctx context.Context, id string) error {
	conv, err := s.svc.conversations.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if !conv.HasMember(s.userID) {
		return ErrNotMember
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.selected = conv

	var sub *Subscription
	sub = s.svc.feed.Subscribe(conv.ID, func(msgs []models.Message) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.sub != sub || s.selected == nil || s.selected.ID != conv.ID {
			return
		}
		if s.view != nil {
			s.view.ShowConversation(conv.ID, msgs)
		}
	})
	s.sub = sub

	logger.L.Debug("conversation selected", "user", s.userID, "conversation", conv.ID)
	return nil
}

// Selected returns the active conversation id, or ""
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return ""
	}
	return s.selected.ID
}

// Unsubscribe cancels the active subscription and clears the selection
func (s *Session) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.selected = nil
}

// StageAttachment holds blob for the next send. Blobs over the size limit
// are refused here so no upload is ever attempted for them.
func (s *Session) StageAttachment(blob Blob) (PreviewHandle, error) {
	if blob.Size() == 0 {
		return PreviewHandle{}, ErrEmptyAttachment
	}
	if max := s.svc.maxAttachment; max > 0 && blob.Size() > max {
		return PreviewHandle{}, fmt.Errorf("%w: %s", ErrAttachmentTooLarge, SizeNotice(max))
	}
	if blob.ContentType == "" {
		blob.ContentType = http.DetectContentType(blob.Data)
	}

	s.mu.Lock()
	s.staged = &blob
	s.mu.Unlock()

	return PreviewHandle{
		Name:        blob.Name,
		ContentType: blob.ContentType,
		Kind:        models.KindFromContentType(blob.ContentType),
		Size:        blob.Size(),
	}, nil
}

// ClearStagedAttachment drops the staged attachment, if any
func (s *Session) ClearStagedAttachment() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged = nil
}

// Staged returns the preview of the staged attachment
func (s *Session) Staged() (PreviewHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil {
		return PreviewHandle{}, false
	}
	return PreviewHandle{
		Name:        s.staged.Name,
		ContentType: s.staged.ContentType,
		Kind:        models.KindFromContentType(s.staged.ContentType),
		Size:        s.staged.Size(),
	}, true
}

// Send sends text and the staged attachment to the selected conversation.
// The draft is taken when the attempt starts, so it is empty once the
// attempt finishes whatever the outcome; an attachment staged while the
// send is in flight belongs to the next send.
func (s *Session) Send(ctx context.Context, text string) (Outcome, error) {
	s.mu.Lock()
	conv := s.selected
	blob := s.staged
	s.staged = nil
	s.mu.Unlock()

	if conv == nil {
		return Outcome{Status: StatusRejected}, ErrNoConversationSelected
	}

	return s.svc.coordinator.Send(ctx, SendRequest{
		ConversationID: conv.ID,
		SenderID:       s.userID,
		RecipientID:    conv.Peer(s.userID),
		Text:           text,
		Attachment:     blob,
	})
}

// Close cancels the subscription and detaches the view
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		s.sub.Cancel()
		s.sub = nil
	}
	s.selected = nil
	s.view = nil
	s.staged = nil
}
