package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"duochat/logger"
	"duochat/metrics"
	"duochat/models"
)

// Send states
const (
	StateIdle              = "Idle"
	StateValidating        = "Validating"
	StateUploading         = "UploadingAttachment"
	StateAppending         = "Appending"
	StateUpdatingSummaries = "UpdatingSummaries"
	StateFailed            = "Failed"
)

// Send triggers
const (
	triggerSubmit      = "Submit"
	triggerReject      = "Reject"
	triggerNeedsUpload = "NeedsUpload"
	triggerReady       = "Ready"
	triggerAppended    = "Appended"
	triggerFail        = "Fail"
	triggerFinish      = "Finish"
)

// Blob is a file staged for upload
type Blob struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the blob length in bytes
func (b *Blob) Size() int64 {
	return int64(len(b.Data))
}

// Uploader stores an attachment out of band and returns a reference every
// participant can resolve immediately. It is never called with an empty blob
// and does not enforce a size policy.
type Uploader interface {
	Upload(ctx context.Context, blob Blob) (models.Attachment, error)
}

// SendRequest is one send attempt
type SendRequest struct {
	ConversationID string
	SenderID       string
	RecipientID    string
	Text           string
	Attachment     *Blob
}

// Status summarises how far a send attempt got
type Status string

const (
	// StatusSent: message committed and both conversation lists updated.
	StatusSent Status = "sent"
	// StatusSummaryStale: message committed, at least one list update failed.
	StatusSummaryStale Status = "summary_stale"
	// StatusRejected: nothing to send or attachment over the limit; nothing written.
	StatusRejected Status = "rejected"
	// StatusFailed: upload or append failed; no message exists.
	StatusFailed Status = "failed"
)

// Outcome describes the result of a send attempt
type Outcome struct {
	Status        Status          `json:"status"`
	Message       *models.Message `json:"message,omitempty"`
	SummaryErrors []error         `json:"-"`
}

// CoordinatorConfig tunes a Coordinator
type CoordinatorConfig struct {
	// MaxAttachmentBytes rejects larger attachments before upload. Zero disables the check.
	MaxAttachmentBytes int64
	// AttachmentPreview is the list preview of a message without text.
	AttachmentPreview string
}

// Coordinator runs send attempts: validate, upload the attachment if any,
// append to the conversation log, then update both members' conversation
// lists. Each of the three writes is independent; once the append has
// succeeded the message stands regardless of what happens to the lists.
type Coordinator struct {
	log       *ConversationLog
	summaries *SummaryIndex
	uploader  Uploader
	cfg       CoordinatorConfig

	now          func() time.Time
	newID        func() string
	onTransition func(from, to string)
}

// NewCoordinator wires a coordinator
func NewCoordinator(log *ConversationLog, summaries *SummaryIndex, uploader Uploader, cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		log:       log,
		summaries: summaries,
		uploader:  uploader,
		cfg:       cfg,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// attempt is the per-send context carried through the state machine
type attempt struct {
	req        SendRequest
	attachment *models.Attachment
	message    models.Message
	outcome    Outcome
	err        error
	next       stateless.Trigger
}

func (a *attempt) reject(err error) {
	a.outcome = Outcome{Status: StatusRejected}
	a.err = err
	a.next = triggerReject
}

func (a *attempt) fail(err error) {
	a.outcome = Outcome{Status: StatusFailed}
	a.err = err
	a.next = triggerFail
}

func (c *Coordinator) machine(a *attempt) *stateless.StateMachine {
	sm := stateless.NewStateMachine(StateIdle)

	sm.Configure(StateIdle).
		Permit(triggerSubmit, StateValidating)

	sm.Configure(StateValidating).
		OnEntry(func(ctx context.Context, args ...any) error {
			c.validate(a)
			return nil
		}).
		Permit(triggerReject, StateIdle).
		Permit(triggerNeedsUpload, StateUploading).
		Permit(triggerReady, StateAppending)

	sm.Configure(StateUploading).
		OnEntry(func(ctx context.Context, args ...any) error {
			c.upload(ctx, a)
			return nil
		}).
		Permit(triggerReady, StateAppending).
		Permit(triggerFail, StateFailed)

	sm.Configure(StateAppending).
		OnEntry(func(ctx context.Context, args ...any) error {
			c.appendMessage(ctx, a)
			return nil
		}).
		Permit(triggerAppended, StateUpdatingSummaries).
		Permit(triggerFail, StateFailed)

	sm.Configure(StateUpdatingSummaries).
		OnEntry(func(ctx context.Context, args ...any) error {
			c.updateSummaries(ctx, a)
			return nil
		}).
		Permit(triggerFinish, StateIdle)

	sm.Configure(StateFailed).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Warn("send failed", "conversation", a.req.ConversationID, "sender", a.req.SenderID, "error", a.err)
			a.next = triggerFinish
			return nil
		}).
		Permit(triggerFinish, StateIdle)

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		logger.L.Debug("send transition", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
		if c.onTransition != nil {
			c.onTransition(fmt.Sprint(t.Source), fmt.Sprint(t.Destination))
		}
	})

	return sm
}

// Send runs one attempt to completion. A send is not cancelled when ctx is:
// once started it finishes or fails on its own.
//
// The returned error is nil for StatusSent and StatusSummaryStale; list
// update failures are reported in Outcome.SummaryErrors only. Validation
// failures wrap ErrNothingToSend, ErrEmptyAttachment or ErrAttachmentTooLarge;
// later failures are *UploadError or *AppendError.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	a := &attempt{req: req}
	sm := c.machine(a)

	var trigger stateless.Trigger = triggerSubmit
	for trigger != nil {
		a.next = nil
		if err := sm.FireCtx(ctx, trigger); err != nil {
			metrics.Sends.WithLabelValues(metrics.OutcomeFailed).Inc()
			return Outcome{Status: StatusFailed}, fmt.Errorf("send state machine: %w", err)
		}
		trigger = a.next
	}

	switch a.outcome.Status {
	case StatusSent:
		metrics.Sends.WithLabelValues(metrics.OutcomeSent).Inc()
	case StatusSummaryStale:
		metrics.Sends.WithLabelValues(metrics.OutcomePartial).Inc()
	case StatusRejected:
		metrics.Sends.WithLabelValues(metrics.OutcomeRejected).Inc()
	default:
		metrics.Sends.WithLabelValues(metrics.OutcomeFailed).Inc()
	}
	return a.outcome, a.err
}

func (c *Coordinator) validate(a *attempt) {
	req := a.req
	if req.ConversationID == "" || req.SenderID == "" || req.RecipientID == "" {
		a.reject(errors.New("send request needs conversation, sender and recipient"))
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" && req.Attachment == nil {
		logger.L.Debug("nothing to send", "conversation", req.ConversationID, "sender", req.SenderID)
		a.reject(ErrNothingToSend)
		return
	}

	if req.Attachment == nil {
		a.next = triggerReady
		return
	}
	if req.Attachment.Size() == 0 {
		a.reject(ErrEmptyAttachment)
		return
	}
	if c.cfg.MaxAttachmentBytes > 0 && req.Attachment.Size() > c.cfg.MaxAttachmentBytes {
		a.reject(fmt.Errorf("%w: %s is over %s", ErrAttachmentTooLarge,
			humanize.IBytes(uint64(req.Attachment.Size())), humanize.IBytes(uint64(c.cfg.MaxAttachmentBytes))))
		return
	}
	a.next = triggerNeedsUpload
}

func (c *Coordinator) upload(ctx context.Context, a *attempt) {
	blob := a.req.Attachment
	att, err := c.uploader.Upload(ctx, *blob)
	if err != nil {
		metrics.Uploads.WithLabelValues(metrics.ResultError).Inc()
		a.fail(&UploadError{Name: blob.Name, Err: err})
		return
	}
	metrics.Uploads.WithLabelValues(metrics.ResultOK).Inc()

	if att.Kind == "" {
		att.Kind = models.KindFromContentType(blob.ContentType)
	}
	if att.Name == "" {
		att.Name = blob.Name
	}
	a.attachment = &att
	a.next = triggerReady
}

func (c *Coordinator) appendMessage(ctx context.Context, a *attempt) {
	msg := models.Message{
		ID:             c.newID(),
		ConversationID: a.req.ConversationID,
		SenderID:       a.req.SenderID,
		Text:           strings.TrimSpace(a.req.Text),
		CreatedAt:      c.now().UnixMilli(),
		Attachment:     a.attachment,
	}
	if err := c.log.Append(ctx, a.req.ConversationID, msg); err != nil {
		a.fail(&AppendError{ConversationID: a.req.ConversationID, Err: err})
		return
	}
	a.message = msg
	a.next = triggerAppended
}

func (c *Coordinator) updateSummaries(ctx context.Context, a *attempt) {
	msg := a.message
	preview := msg.Text
	if preview == "" && msg.Attachment != nil {
		preview = c.cfg.AttachmentPreview
	}

	a.outcome = Outcome{Status: StatusSent, Message: &a.message}
	for _, userID := range []string{a.req.SenderID, a.req.RecipientID} {
		err := c.summaries.UpdateSummary(ctx, userID, msg.ConversationID, preview, msg.CreatedAt, userID == a.req.SenderID)
		if err == nil {
			continue
		}
		serr := &SummaryUpdateError{UserID: userID, ConversationID: msg.ConversationID, Err: err}
		logger.L.Error("chat list update failed", "user", userID, "conversation", msg.ConversationID, "message", msg.ID, "error", err)
		metrics.SummaryUpdateFailures.Inc()
		a.outcome.Status = StatusSummaryStale
		a.outcome.SummaryErrors = append(a.outcome.SummaryErrors, serr)
	}
	a.next = triggerFinish
}
