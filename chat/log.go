package chat

import (
	"context"

	"duochat/models"
)

// MessageStore is the persistence behind a ConversationLog. AppendMessage
// must be atomic and must fail for an unknown conversation.
type MessageStore interface {
	MessageReader
	AppendMessage(ctx context.Context, msg models.Message) error
}

// ConversationLog is the append-only source of truth for conversation messages
type ConversationLog struct {
	store MessageStore
	feed  *Feed
}

// NewConversationLog wraps store; successful appends are published to feed
func NewConversationLog(store MessageStore, feed *Feed) *ConversationLog {
	return &ConversationLog{store: store, feed: feed}
}

// Append commits msg to the end of the conversation. It is the only mutation
// the log offers.
func (l *ConversationLog) Append(ctx context.Context, conversationID string, msg models.Message) error {
	msg.ConversationID = conversationID
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	if l.feed != nil {
		l.feed.Publish(conversationID)
	}
	return nil
}

// Messages returns the full ordered message sequence of a conversation
func (l *ConversationLog) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return l.store.Messages(ctx, conversationID)
}
