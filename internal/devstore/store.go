// Package devstore persists conversations for the local development server.
// Messages are stored in their wire form so history reads return exactly
// what was sent.
package devstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"pmchat/internal/remote"
)

// Conversation is a stored conversation row.
type Conversation struct {
	ID        string
	AgentRole string
	ProjectID *int64
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageMeta is completion metadata kept alongside a message.
type MessageMeta struct {
	Model     string
	WebSearch bool
}

// SQLiteStore keeps conversations and their messages in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if logger == nil {
		logger = slog.Default()
	}
	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// UpsertConversation creates the conversation or updates its role and project.
// An empty title never overwrites a stored one.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv Conversation) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, agent_role, project_id, title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   agent_role = excluded.agent_role,
		   project_id = excluded.project_id,
		   title      = CASE WHEN excluded.title != '' THEN excluded.title ELSE conversations.title END,
		   updated_at = excluded.updated_at`,
		conv.ID, conv.AgentRole, nullInt64(conv.ProjectID), conv.Title, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", conv.ID, err)
	}
	return nil
}

// GetConversation returns nil, nil when id is unknown.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var (
		conv      Conversation
		projectID sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_role, project_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.AgentRole, &projectID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if projectID.Valid {
		conv.ProjectID = &projectID.Int64
	}
	return &conv, nil
}

// SetTitleIfEmpty stores title only when the conversation has none yet.
func (s *SQLiteStore) SetTitleIfEmpty(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ? AND title = ''`, title, id,
	)
	return err
}

func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_role, project_id, title, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var (
			c         Conversation
			projectID sql.NullInt64
		)
		if err := rows.Scan(&c.ID, &c.AgentRole, &projectID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if projectID.Valid {
			id := projectID.Int64
			c.ProjectID = &id
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// AddMessage stores msg under convID. A message id already present is left
// untouched and reported as not inserted.
func (s *SQLiteStore) AddMessage(ctx context.Context, convID string, msg remote.WireMessage, meta MessageMeta) (inserted bool, err error) {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return false, fmt.Errorf("encode parts of %s: %w", msg.ID, err)
	}

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, conversation_id, role, parts, model, web_search, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, convID, msg.Role, string(parts), meta.Model, meta.WebSearch, now,
	)
	if err != nil {
		return false, fmt.Errorf("add message %s: %w", msg.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		s.logger.Debug("duplicate message ignored", "conv", convID, "id", msg.ID)
		return false, nil
	}

	_, _ = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, convID,
	)
	return true, nil
}

// Messages returns every message of convID, oldest first.
func (s *SQLiteStore) Messages(ctx context.Context, convID string) ([]remote.WireMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, parts FROM messages WHERE conversation_id = ? ORDER BY seq`, convID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []remote.WireMessage{}
	for rows.Next() {
		var (
			m     remote.WireMessage
			parts string
		)
		if err := rows.Scan(&m.ID, &m.Role, &parts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
			s.logger.Warn("unreadable message parts", "conv", convID, "id", m.ID, "err", err)
			m.Parts = nil
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteConversation removes a conversation and its messages.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
