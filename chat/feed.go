package chat

import (
	"context"
	"sync"
	"time"

	"duochat/logger"
	"duochat/metrics"
	"duochat/models"
)

// MessageReader reads the full message sequence of a conversation
type MessageReader interface {
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Feed delivers conversation state to live subscriptions.
//
// A delivery is always the full current message sequence, read fresh from
// the store by the subscription's own goroutine. Change notifications are
// coalesced: several appends in quick succession may produce one delivery,
// but that delivery contains all of them, and a subscriber never observes a
// state older than one it has already seen.
type Feed struct {
	reader MessageReader
	retry  time.Duration

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewFeed creates a feed reading from reader. When a read fails the
// subscription tries again after retry.
func NewFeed(reader MessageReader, retry time.Duration) *Feed {
	if retry <= 0 {
		retry = 2 * time.Second
	}
	return &Feed{
		reader: reader,
		retry:  retry,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription is one live observer of a conversation
type Subscription struct {
	feed           *Feed
	conversationID string
	onChange       func([]models.Message)

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts delivering the state of conversationID to onChange. The
// current state is delivered once right away, then again after every change.
// onChange is called from a single goroutine, one delivery at a time.
func (f *Feed) Subscribe(conversationID string, onChange func([]models.Message)) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		feed:           f,
		conversationID: conversationID,
		onChange:       onChange,
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	f.mu.Lock()
	set, ok := f.subs[conversationID]
	if !ok {
		set = make(map[*Subscription]struct{})
		f.subs[conversationID] = set
	}
	set[s] = struct{}{}
	f.mu.Unlock()

	metrics.LiveSubscriptions.Inc()
	s.signal()
	go s.run()
	return s
}

// Publish notifies every subscription of conversationID that its state changed
func (f *Feed) Publish(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs[conversationID] {
		s.signal()
	}
}

// Subscribers returns the number of live subscriptions for a conversation
func (f *Feed) Subscribers(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[conversationID])
}

// Close cancels every subscription
func (f *Feed) Close() {
	f.mu.Lock()
	var all []*Subscription
	for _, set := range f.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	f.mu.Unlock()

	for _, s := range all {
		s.Cancel()
	}
}

func (f *Feed) remove(s *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.subs[s.conversationID]
	delete(set, s)
	if len(set) == 0 {
		delete(f.subs, s.conversationID)
	}
}

// ConversationID returns the conversation this subscription observes
func (s *Subscription) ConversationID() string {
	return s.conversationID
}

// Cancel stops delivery. It is safe to call more than once, and from
// inside onChange. A delivery already running when Cancel is called may
// still complete; wait on Done to be sure none is in progress.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.feed.remove(s)
		s.cancel()
		metrics.LiveSubscriptions.Dec()
	})
}

// Done is closed once the delivery goroutine has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.done)

	var retry <-chan time.Time
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		case <-retry:
		}
		retry = nil

		msgs, err := s.feed.reader.Messages(s.ctx, s.conversationID)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.L.Warn("conversation feed read failed", "conversation", s.conversationID, "error", err)
			retry = time.After(s.feed.retry)
			continue
		}
		s.onChange(msgs)
	}
}
