package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"polychat/internal/conversation"
	"polychat/internal/models"
)

// DefaultListLimit caps conversation listings.
const DefaultListLimit = 50

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Summary is one entry of a conversation listing.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// New wraps an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveConversation writes the record, replacing any earlier snapshot of it.
func (s *Store) SaveConversation(ctx context.Context, rec conversation.Record) error {
	settings, err := json.Marshal(rec.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, owner, title, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			settings = excluded.settings,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Owner, rec.Title, string(settings), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt)); err != nil {
		return fmt.Errorf("upsert conversation %s: %w", rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear messages of %s: %w", rec.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, dispatch_id, seq, role, provider, content,
			ordinal, state, error_kind, error_message, feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer stmt.Close()

	for i, msg := range rec.Messages {
		var errKind, errMessage string
		if failure := msg.State.Failure(); failure != nil {
			errKind, errMessage = string(failure.Kind), failure.Message
		}
		if _, err := stmt.ExecContext(ctx,
			msg.ID, rec.ID, msg.DispatchID, i, string(msg.Role), msg.Provider, msg.Content,
			msg.Ordinal, string(msg.State.Kind()), errKind, errMessage, msg.Feedback, formatTime(msg.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.ID, err)
		}
	}

	return tx.Commit()
}

// LoadConversation reads a conversation with its messages in ledger order.
func (s *Store) LoadConversation(ctx context.Context, id string) (conversation.Record, error) {
	var (
		rec                  conversation.Record
		settings             string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, title, settings, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Owner, &rec.Title, &settings, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.Record{}, models.ErrConversationNotFound
	}
	if err != nil {
		return conversation.Record{}, fmt.Errorf("query conversation %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(settings), &rec.Settings); err != nil {
		return conversation.Record{}, fmt.Errorf("decode settings of %s: %w", id, err)
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dispatch_id, role, provider, content, ordinal, state, error_kind,
			error_message, feedback, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return conversation.Record{}, fmt.Errorf("query messages of %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg                                 models.Message
			role, state, kind, errText, created string
		)
		if err := rows.Scan(&msg.ID, &msg.DispatchID, &role, &msg.Provider, &msg.Content, &msg.Ordinal,
			&state, &kind, &errText, &msg.Feedback, &created); err != nil {
			return conversation.Record{}, fmt.Errorf("scan message: %w", err)
		}
		msg.ConversationID = id
		msg.Role = models.MessageRole(role)
		msg.CreatedAt = parseTime(created)
		switch models.StateKind(state) {
		case models.StateFinal:
			msg.State = models.Final()
		case models.StateFinalWithError:
			msg.State = models.Failed(&models.ProviderError{Kind: models.ErrorKind(kind), Message: errText})
		default:
			msg.State = models.Streaming()
		}
		rec.Messages = append(rec.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return conversation.Record{}, fmt.Errorf("iterate messages: %w", err)
	}
	return rec, nil
}

// ListConversations returns up to limit conversations of owner, most recently updated
// first. A limit of zero or less uses DefaultListLimit.
func (s *Store) ListConversations(ctx context.Context, owner string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		FROM conversations c
		WHERE c.owner = ?
		ORDER BY c.updated_at DESC
		LIMIT ?
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			sum                  Summary
			createdAt, updatedAt string
		)
		if err := rows.Scan(&sum.ID, &sum.Title, &createdAt, &updatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		sum.CreatedAt = parseTime(createdAt)
		sum.UpdatedAt = parseTime(updatedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation of owner and its messages.
func (s *Store) DeleteConversation(ctx context.Context, owner, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrConversationNotFound
	}
	return nil
}

// SetFeedback stores feedback on a message owned by owner and returns its conversation id.
func (s *Store) SetFeedback(ctx context.Context, owner, messageID, feedback string) (string, error) {
	var conversationID string
	err := s.db.QueryRowContext(ctx, `
		SELECT m.conversation_id FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.id = ? AND c.owner = ?
	`, messageID, owner).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", models.ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find message %s: %w", messageID, err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET feedback = ? WHERE id = ?`, feedback, messageID); err != nil {
		return "", fmt.Errorf("update feedback of %s: %w", messageID, err)
	}
	return conversationID, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
