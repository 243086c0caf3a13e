package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNothingToSend rejects a send with blank text and no staged attachment.
	ErrNothingToSend = errors.New("nothing to send")
	// ErrAttachmentTooLarge rejects an attachment above the configured ceiling before any upload.
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")
	// ErrEmptyAttachment rejects a zero-length blob.
	ErrEmptyAttachment = errors.New("attachment is empty")
	// ErrNoConversationSelected is returned by Session.Send before SelectConversation.
	ErrNoConversationSelected = errors.New("no conversation selected")
	// ErrNotMember is returned when a user acts on a conversation they are not part of.
	ErrNotMember = errors.New("user is not a member of the conversation")
	// ErrNoSummaryEntry is returned when a user's list has no entry for the conversation.
	ErrNoSummaryEntry = errors.New("conversation missing from user's chat list")
)

// IsValidation reports whether err is a local validation failure that
// aborted a send before anything was uploaded or written.
func IsValidation(err error) bool {
	return errors.Is(err, ErrNothingToSend) ||
		errors.Is(err, ErrAttachmentTooLarge) ||
		errors.Is(err, ErrEmptyAttachment)
}

// UploadError is a failed attachment upload. The send was aborted and no
// message was appended.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %q: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// AppendError is a rejected or failed conversation log append. The send was
// aborted and no message is visible to subscribers.
type AppendError struct {
	ConversationID string
	Err            error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append to conversation %s: %v", e.ConversationID, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// SummaryUpdateError is a failed conversation-list update. The message it
// describes is already committed; only the preview is stale.
type SummaryUpdateError struct {
	UserID         string
	ConversationID string
	Err            error
}

func (e *SummaryUpdateError) Error() string {
	return fmt.Sprintf("update chat list of %s for conversation %s: %v", e.UserID, e.ConversationID, e.Err)
}

func (e *SummaryUpdateError) Unwrap() error { return e.Err }
