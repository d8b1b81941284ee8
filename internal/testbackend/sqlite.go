package testbackend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/mimir/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// costPerReply is what one finished assistant reply adds to the monthly cost.
const costPerReply = 0.002

// Repository persists conversations, messages and prompts in SQLite.
type Repository struct {
	db *sql.DB
}

// NewRepository opens a SQLite database and migrates it.
func NewRepository(dsn string) (*Repository, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to an in-memory database is a separate database.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return repo, nil
}

func (r *Repository) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			stream_id TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_stream ON messages(stream_id) WHERE stream_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS prompts (
			prompt_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			text TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := r.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateConversation inserts a conversation titled after its first message.
func (r *Repository) CreateConversation(ctx context.Context, title string) (*domain.Conversation, error) {
	conv := &domain.Conversation{ID: uuid.New().String(), Title: title}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, title) VALUES (?, ?)`,
		conv.ID, conv.Title)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns conversations, newest first.
func (r *Repository) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT conversation_id, title FROM conversations ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	items := []domain.Conversation{}
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.Title); err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// ConversationExists reports whether a conversation id is known.
func (r *Repository) ConversationExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversations WHERE conversation_id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to get conversation: %w", err)
	}
	return n > 0, nil
}

// AppendMessage stores a message. A non-empty streamID marks it as still
// receiving content.
func (r *Repository) AppendMessage(ctx context.Context, conversationID string, role domain.Role, content, streamID string) (*domain.Message, error) {
	msg := &domain.Message{
		Role:        role,
		Content:     content,
		CreatedAt:   time.Now().UnixMilli(),
		StreamID:    streamID,
		IsStreaming: streamID != "",
	}
	var sid any
	if streamID != "" {
		sid = streamID
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at, stream_id) VALUES (?, ?, ?, ?, ?)`,
		conversationID, string(role), content, msg.CreatedAt, sid)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return msg, nil
}

// AppendStreamContent adds a chunk to the message owned by an open stream.
func (r *Repository) AppendStreamContent(ctx context.Context, streamID, chunk string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET content = content || ? WHERE stream_id = ?`, chunk, streamID)
	if err != nil {
		return fmt.Errorf("failed to append stream content: %w", err)
	}
	return expectRow(res)
}

// FinishStream clears the stream id, committing the message content.
func (r *Repository) FinishStream(ctx context.Context, streamID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET stream_id = NULL WHERE stream_id = ?`, streamID)
	if err != nil {
		return fmt.Errorf("failed to finish stream: %w", err)
	}
	return expectRow(res)
}

// ListMessages returns a conversation's messages in insertion order.
func (r *Repository) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT role, content, created_at, stream_id FROM messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	items := []domain.Message{}
	for rows.Next() {
		var (
			m        domain.Message
			role     string
			streamID sql.NullString
		)
		if err := rows.Scan(&role, &m.Content, &m.CreatedAt, &streamID); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		if streamID.Valid {
			m.StreamID = streamID.String
			m.IsStreaming = true
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// CreatePrompt inserts a prompt.
func (r *Repository) CreatePrompt(ctx context.Context, title, text string) (*domain.Prompt, error) {
	p := &domain.Prompt{ID: uuid.New().String(), Title: title, Text: text}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO prompts (prompt_id, title, text) VALUES (?, ?, ?)`, p.ID, p.Title, p.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt: %w", err)
	}
	return p, nil
}

// ListPrompts returns all prompts ordered by title.
func (r *Repository) ListPrompts(ctx context.Context) ([]domain.Prompt, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT prompt_id, title, text FROM prompts ORDER BY title, prompt_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	defer rows.Close()

	items := []domain.Prompt{}
	for rows.Next() {
		var p domain.Prompt
		if err := rows.Scan(&p.ID, &p.Title, &p.Text); err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// GetPrompt returns one prompt or ErrNotFound.
func (r *Repository) GetPrompt(ctx context.Context, id string) (*domain.Prompt, error) {
	var p domain.Prompt
	err := r.db.QueryRowContext(ctx,
		`SELECT prompt_id, title, text FROM prompts WHERE prompt_id = ?`, id).Scan(&p.ID, &p.Title, &p.Text)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	return &p, nil
}

// UpdatePrompt replaces a prompt's title and text.
func (r *Repository) UpdatePrompt(ctx context.Context, p *domain.Prompt) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE prompts SET title = ?, text = ? WHERE prompt_id = ?`, p.Title, p.Text, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update prompt: %w", err)
	}
	return expectRow(res)
}

// DeletePrompt removes a prompt.
func (r *Repository) DeletePrompt(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM prompts WHERE prompt_id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete prompt: %w", err)
	}
	return expectRow(res)
}

// CurrentMonthCost prices every finished assistant reply.
func (r *Repository) CurrentMonthCost(ctx context.Context) (*domain.Cost, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE role = ? AND stream_id IS NULL`,
		string(domain.RoleAssistant)).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("failed to compute cost: %w", err)
	}
	return &domain.Cost{Amount: float64(n) * costPerReply, Unit: domain.CostUnitUSD}, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
