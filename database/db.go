package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"duochat/logger"
	"duochat/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist
	ErrNotFound = errors.New("not found")
	// ErrConversationNotFound is returned for operations on an unknown conversation
	ErrConversationNotFound = errors.New("conversation not found")
)

// Store is the SQLite-backed persistence for users, sessions, conversation
// logs and per-user conversation lists.
type Store struct {
	db *sql.DB
}

// Open sets up the database connection and creates tables
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=10000&_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite has a single writer; one connection keeps appends serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	logger.L.Info("database initialized", "path", path)
	return s, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	tables := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		avatar TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		member_a TEXT NOT NULL,
		member_b TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(member_a, member_b)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		sender_id TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		attachment_url TEXT,
		attachment_kind TEXT,
		attachment_name TEXT,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
		UNIQUE(conversation_id, seq)
	);

	CREATE TABLE IF NOT EXISTS userchats (
		user_id TEXT PRIMARY KEY,
		chats TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_b ON conversations(member_b);
	`

	_, err := s.db.Exec(tables)
	return err
}

// User queries

// CreateUser inserts a new user into the database
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	user := &models.User{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		Password:  passwordHash,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, email, password, created_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Username, user.Email, user.Password, user.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	user := &models.User{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, email, password, avatar, created_at FROM users WHERE "+where+" = ?",
		arg,
	).Scan(&user.ID, &user.Username, &user.Email, &user.Password, &user.Avatar, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByID retrieves a user by their ID
func (s *Store) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id", id)
}

// GetUserByUsername retrieves a user by their username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUser(ctx, "username", username)
}

// GetUserByEmail retrieves a user by their email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return s.getUser(ctx, "email", email)
}

// Session queries

// CreateSession creates a new session for a user
func (s *Store) CreateSession(ctx context.Context, sessionID, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
		sessionID, userID, time.Now().UTC(), expiresAt.UTC(),
	)
	return err
}

// GetSession retrieves an unexpired session by its ID
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session := &models.Session{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = ?",
		sessionID,
	).Scan(&session.ID, &session.UserID, &session.CreatedAt, &session.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !session.ExpiresAt.After(time.Now()) {
		return nil, ErrNotFound
	}
	return session, nil
}

// DeleteSession removes a session
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	return err
}

// DeleteExpiredSessions removes every session that expired before now and
// returns the removed ids
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id, expires_at FROM sessions")
	if err != nil {
		return nil, err
	}
	var expired []string
	for rows.Next() {
		var id string
		var expiresAt time.Time
		if err := rows.Scan(&id, &expiresAt); err != nil {
			rows.Close()
			return nil, err
		}
		if !expiresAt.After(now) {
			expired = append(expired, id)
		}
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range expired {
		if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

// Conversation queries

// CreateConversation establishes the conversation between two users and adds
// an entry for it to both users' conversation lists. If the pair already has
// a conversation it is returned with created == false.
func (s *Store) CreateConversation(ctx context.Context, userA, userB string) (conv *models.Conversation, created bool, err error) {
	if userA == userB {
		return nil, false, errors.New("a conversation needs two distinct users")
	}
	a, b := userA, userB
	if b < a {
		a, b = b, a
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	conv = &models.Conversation{}
	err = tx.QueryRowContext(ctx,
		"SELECT id, member_a, member_b, created_at FROM conversations WHERE member_a = ? AND member_b = ?",
		a, b,
	).Scan(&conv.ID, &conv.Members[0], &conv.Members[1], &conv.CreatedAt)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	conv = &models.Conversation{
		ID:        uuid.NewString(),
		Members:   [2]string{a, b},
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO conversations (id, member_a, member_b, created_at) VALUES (?, ?, ?, ?)",
		conv.ID, a, b, conv.CreatedAt,
	); err != nil {
		return nil, false, err
	}

	now := conv.CreatedAt.UnixMilli()
	for _, member := range conv.Members {
		chats, err := loadChats(ctx, tx, member)
		if err != nil {
			return nil, false, err
		}
		chats = append(chats, models.SummaryEntry{
			ConversationID: conv.ID,
			PeerID:         conv.Peer(member),
			UpdatedAt:      now,
			IsSeen:         true,
		})
		if err := saveChats(ctx, tx, member, chats); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// GetConversation retrieves a conversation by its ID
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.db.QueryRowContext(ctx,
		"SELECT id, member_a, member_b, created_at FROM conversations WHERE id = ?",
		id,
	).Scan(&conv.ID, &conv.Members[0], &conv.Members[1], &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Message queries

// AppendMessage adds msg to the end of its conversation's log. The position
// is assigned inside the transaction, so the log order is commit order.
func (s *Store) AppendMessage(ctx context.Context, msg models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT MAX(seq) FROM messages WHERE conversation_id = c.id), 0)
		FROM conversations c WHERE c.id = ?`,
		msg.ConversationID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConversationNotFound
	}
	if err != nil {
		return err
	}

	var url, kind, name sql.NullString
	if msg.Attachment != nil {
		url = sql.NullString{String: msg.Attachment.URL, Valid: true}
		kind = sql.NullString{String: string(msg.Attachment.Kind), Valid: true}
		name = sql.NullString{String: msg.Attachment.Name, Valid: true}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, sender_id, text, created_at, attachment_url, attachment_kind, attachment_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, seq+1, msg.SenderID, msg.Text, msg.CreatedAt, url, kind, name,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Messages returns the full log of a conversation in append order
func (s *Store) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM conversations WHERE id = ?", conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, text, created_at, attachment_url, attachment_kind, attachment_name
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		var url, kind, name sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text, &msg.CreatedAt, &url, &kind, &name); err != nil {
			return nil, err
		}
		if url.Valid {
			msg.Attachment = &models.Attachment{
				URL:  url.String,
				Kind: models.AttachmentKind(kind.String),
				Name: name.String,
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Conversation list queries. A user's list is stored as a single document,
// so callers read the whole list and write the whole list back.

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func loadChats(ctx context.Context, q queryer, userID string) ([]models.SummaryEntry, error) {
	var raw string
	err := q.QueryRowContext(ctx, "SELECT chats FROM userchats WHERE user_id = ?", userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []models.SummaryEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	chats := []models.SummaryEntry{}
	if err := json.Unmarshal([]byte(raw), &chats); err != nil {
		return nil, fmt.Errorf("corrupt chat list for user %s: %w", userID, err)
	}
	return chats, nil
}

func saveChats(ctx context.Context, q queryer, userID string, chats []models.SummaryEntry) error {
	if chats == nil {
		chats = []models.SummaryEntry{}
	}
	raw, err := json.Marshal(chats)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO userchats (user_id, chats) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET chats = excluded.chats`,
		userID, string(raw),
	)
	return err
}

// LoadChats returns the conversation list of a user
func (s *Store) LoadChats(ctx context.Context, userID string) ([]models.SummaryEntry, error) {
	return loadChats(ctx, s.db, userID)
}

// SaveChats replaces the conversation list of a user
func (s *Store) SaveChats(ctx context.Context, userID string, chats []models.SummaryEntry) error {
	return saveChats(ctx, s.db, userID, chats)
}
