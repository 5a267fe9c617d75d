// Package conversations is the durable per-session message log. Records
// are append-only; concurrent appends to one conversation are serialized
// through a single writer connection and a transactional read-modify-write.
package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vitwit/agentpay/logger"
	"github.com/vitwit/agentpay/types"
	"github.com/vitwit/agentpay/utils"
)

// titleBound is the rune limit for titles derived from a seed message.
const titleBound = 50

const defaultTitle = "New Chat"

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	owner      TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq             INTEGER NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	tool_call       TEXT,
	payment_ref     TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	UNIQUE (conversation_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
`

// Store is a SQLite-backed conversation log.
type Store struct {
	db  *sql.DB
	log logger.Logger
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l.Named("conversations") }
}

// Open creates or opens the store at path. The pool is limited to a
// single connection: SQLite allows one writer, and funnelling every
// transaction through one connection makes appends serializable without
// application-level locks.
func Open(path string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init conversation schema: %w", err)
	}

	s := &Store{db: db, log: logger.NoopLogger{}, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create starts a new conversation. The title is derived from the seed
// message, truncated with an ellipsis past the bound; with no seed the
// conversation is named "New Chat". The seed is a title source only, it
// is not appended as a message.
func (s *Store) Create(ctx context.Context, owner, seedMessage string) (*types.Conversation, error) {
	title := defaultTitle
	if strings.TrimSpace(seedMessage) != "" {
		title = utils.TruncateWithEllipsis(seedMessage, titleBound)
	}

	conv := &types.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Owner:     owner,
		CreatedAt: s.now().UTC(),
		UpdatedAt: s.now().UTC(),
		Messages:  []types.Message{},
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, owner, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.Owner, conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.log.Debug("conversation created", map[string]any{"id": conv.ID, "owner": owner})
	return conv, nil
}

// Get loads a conversation with its full message log in insertion order.
func (s *Store) Get(ctx context.Context, id string) (*types.Conversation, error) {
	conv, err := s.getMeta(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, tool_call, payment_ref, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m        types.Message
			toolCall sql.NullString
			created  int64
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolCall, &m.PaymentRef, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCall.Valid && toolCall.String != "" {
			var tc types.ToolCall
			if err := json.Unmarshal([]byte(toolCall.String), &tc); err != nil {
				return nil, fmt.Errorf("decode tool call: %w", err)
			}
			m.ToolCall = &tc
		}
		m.CreatedAt = time.UnixMilli(created).UTC()
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return conv, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getMeta(ctx context.Context, q querier, id string) (*types.Conversation, error) {
	var (
		conv             types.Conversation
		created, updated int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, title, owner, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Title, &conv.Owner, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.Error{Code: types.ErrNotFound, Message: fmt.Sprintf("conversation %s not found", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	conv.CreatedAt = time.UnixMilli(created).UTC()
	conv.UpdatedAt = time.UnixMilli(updated).UTC()
	conv.Messages = []types.Message{}
	return &conv, nil
}

// AppendMessages appends msgs to the conversation as one transaction.
// Either every message lands, in order, or none do. Sequence numbers are
// assigned inside the transaction, so concurrent appenders on the same
// conversation cannot collide or interleave.
func (s *Store) AppendMessages(ctx context.Context, id string, msgs []types.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.getMeta(ctx, tx, id); err != nil {
		return err
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE conversation_id = ?`, id,
	).Scan(&next); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	now := s.now().UTC()
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		var toolCall any
		if m.ToolCall != nil {
			raw, err := json.Marshal(m.ToolCall)
			if err != nil {
				return fmt.Errorf("encode tool call: %w", err)
			}
			toolCall = string(raw)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, seq, role, content, tool_call, payment_ref, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, id, next+int64(i), m.Role, m.Content, toolCall, m.PaymentRef, m.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now.UnixMilli(), id,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

// List returns summaries sorted newest-first. With an owner, only that
// owner's conversations match, compared case-insensitively. With no
// owner every conversation is returned; callers gate that path.
func (s *Store) List(ctx context.Context, owner string) ([]types.ConversationSummary, error) {
	query := `SELECT c.id, c.title, c.owner, c.created_at, c.updated_at,
	                 (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
	          FROM conversations c`
	args := []any{}
	if owner != "" {
		query += ` WHERE LOWER(c.owner) = LOWER(?)`
		args = append(args, owner)
	}
	query += ` ORDER BY c.updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := []types.ConversationSummary{}
	for rows.Next() {
		var (
			sum              types.ConversationSummary
			created, updated int64
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.Owner, &created, &updated, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.CreatedAt = time.UnixMilli(created).UTC()
		sum.UpdatedAt = time.UnixMilli(updated).UTC()
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// UpdateTitle renames a conversation.
func (s *Store) UpdateTitle(ctx context.Context, id, title string) error {
	if strings.TrimSpace(title) == "" {
		return &types.Error{Code: types.ErrValidation, Message: "title must not be empty"}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, s.now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.Error{Code: types.ErrNotFound, Message: fmt.Sprintf("conversation %s not found", id)}
	}
	return nil
}

// Delete removes a conversation and its messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.Error{Code: types.ErrNotFound, Message: fmt.Sprintf("conversation %s not found", id)}
	}
	return nil
}

// Cleanup deletes conversations idle for more than daysOld days and
// returns how many were removed.
func (s *Store) Cleanup(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		return 0, &types.Error{Code: types.ErrValidation, Message: "daysOld must be positive"}
	}
	threshold := s.now().UTC().AddDate(0, 0, -daysOld).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup conversations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup conversations: %w", err)
	}
	if n > 0 {
		s.log.Info("cleaned up stale conversations", map[string]any{"deleted": n, "days": daysOld})
	}
	return n, nil
}
