package chat

import (
	"context"
	"slices"
	"sort"
	"sync"

	"duochat/models"
)

// SummaryStore holds each user's conversation list as one document. There
// is no per-field update: callers load the whole list and save it back.
type SummaryStore interface {
	LoadChats(ctx context.Context, userID string) ([]models.SummaryEntry, error)
	SaveChats(ctx context.Context, userID string, chats []models.SummaryEntry) error
}

// SummaryIndex maintains the per-user "last message" view of conversations.
//
// Updates are read-modify-write, not compare-and-swap. Rewrites of one
// user's list are serialized in this process, so updates to different
// conversations never drop each other. Two updates racing on the same
// conversation entry can still leave the older preview in place; the
// conversation log stays authoritative and the next send repairs the entry.
type SummaryIndex struct {
	store    SummaryStore
	onUpdate func(userID string)

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSummaryIndex creates an index backed by store
func NewSummaryIndex(store SummaryStore) *SummaryIndex {
	return &SummaryIndex{store: store, locks: make(map[string]*sync.Mutex)}
}

// userLock returns the mutex guarding userID's list, creating it if needed
func (x *SummaryIndex) userLock(userID string) *sync.Mutex {
	x.locksMu.Lock()
	defer x.locksMu.Unlock()
	if l, ok := x.locks[userID]; ok {
		return l
	}
	l := &sync.Mutex{}
	x.locks[userID] = l
	return l
}

// OnUpdate registers fn to be called after a user's list was written.
// It must be set before the index is shared.
func (x *SummaryIndex) OnUpdate(fn func(userID string)) {
	x.onUpdate = fn
}

// UpdateSummary rewrites the entry for conversationID in userID's list and
// leaves every other entry untouched.
func (x *SummaryIndex) UpdateSummary(ctx context.Context, userID, conversationID, preview string, timestamp int64, seen bool) error {
	return x.rewrite(ctx, userID, conversationID, func(e *models.SummaryEntry) {
		e.LastMessage = preview
		e.UpdatedAt = timestamp
		e.IsSeen = seen
	})
}

// MarkSeen flags the user's entry for conversationID as seen
func (x *SummaryIndex) MarkSeen(ctx context.Context, userID, conversationID string) error {
	return x.rewrite(ctx, userID, conversationID, func(e *models.SummaryEntry) {
		e.IsSeen = true
	})
}

// List returns the user's conversation list, most recently updated first
func (x *SummaryIndex) List(ctx context.Context, userID string) ([]models.SummaryEntry, error) {
	chats, err := x.store.LoadChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(chats, func(i, j int) bool { return chats[i].UpdatedAt > chats[j].UpdatedAt })
	return chats, nil
}

func (x *SummaryIndex) rewrite(ctx context.Context, userID, conversationID string, fn func(*models.SummaryEntry)) error {
	if err := x.rewriteLocked(ctx, userID, conversationID, fn); err != nil {
		return err
	}
	if x.onUpdate != nil {
		x.onUpdate(userID)
	}
	return nil
}

func (x *SummaryIndex) rewriteLocked(ctx context.Context, userID, conversationID string, fn func(*models.SummaryEntry)) error {
	lock := x.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	chats, err := x.store.LoadChats(ctx, userID)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(chats, func(e models.SummaryEntry) bool { return e.ConversationID == conversationID })
	if i < 0 {
		return ErrNoSummaryEntry
	}
	fn(&chats[i])
	return x.store.SaveChats(ctx, userID, chats)
}
