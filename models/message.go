package models

import (
	"errors"
	"strings"
)

// AttachmentKind is the coarse media category of an attachment
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentOther AttachmentKind = "other"
)

// KindFromContentType maps a MIME type such as "image/png" to its AttachmentKind
func KindFromContentType(contentType string) AttachmentKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image"):
		return AttachmentImage
	case strings.HasPrefix(ct, "video"):
		return AttachmentVideo
	case strings.HasPrefix(ct, "audio"):
		return AttachmentAudio
	default:
		return AttachmentOther
	}
}

// Attachment references an uploaded file
type Attachment struct {
	URL  string         `json:"url"`
	Kind AttachmentKind `json:"kind"`
	Name string         `json:"name"`
}

// ErrEmptyMessage is returned by Validate for a message with neither text nor attachment
var ErrEmptyMessage = errors.New("message has neither text nor attachment")

// Message is one entry of a conversation log. It is never mutated once appended.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Text           string      `json:"text,omitempty"`
	CreatedAt      int64       `json:"created_at"` // milliseconds since epoch
	Attachment     *Attachment `json:"attachment,omitempty"`
}

// Validate checks that the message carries at least one of text or attachment.
func (m *Message) Validate() error {
	if m.SenderID == "" {
		return errors.New("message has no sender")
	}
	if strings.TrimSpace(m.Text) == "" && m.Attachment == nil {
		return ErrEmptyMessage
	}
	return nil
}

// WebSocketMessage is the format for real-time frames
type WebSocketMessage struct {
	Type    string      `json:"type"` // "messages", "chats", "notice", "select", "unsubscribe"
	Payload interface{} `json:"payload"`
}

// ConversationState is the payload of a "messages" frame: the full current log
type ConversationState struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}
