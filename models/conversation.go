package models

import "time"

// Conversation is a chat thread between exactly two users
type Conversation struct {
	ID        string    `json:"id"`
	Members   [2]string `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Peer returns the other member of the conversation, or "" if userID is not a member
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.Members[0]:
		return c.Members[1]
	case c.Members[1]:
		return c.Members[0]
	}
	return ""
}

// HasMember reports whether userID takes part in the conversation
func (c *Conversation) HasMember(userID string) bool {
	return c.Peer(userID) != ""
}

// SummaryEntry is one row of a user's conversation list
type SummaryEntry struct {
	ConversationID string `json:"conversation_id"`
	PeerID         string `json:"peer_id"`
	LastMessage    string `json:"last_message"`
	UpdatedAt      int64  `json:"updated_at"` // milliseconds since epoch
	IsSeen         bool   `json:"is_seen"`
}

// ChatListItem includes the peer's user info for display
type ChatListItem struct {
	SummaryEntry
	Peer UserResponse `json:"peer"`
}
