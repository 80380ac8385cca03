// Package sqlite persists transcripts in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/edumind/backend/internal/model/chat"
	chatservice "github.com/edumind/backend/internal/service/chat"
)

// TranscriptStore is a TranscriptSink backed by SQLite.
type TranscriptStore struct {
	db *sql.DB
}

var _ chatservice.TranscriptSink = &TranscriptStore{}

func NewTranscriptStore(dsn string) (*TranscriptStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite transcript store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &TranscriptStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DSNForFile builds a WAL-mode DSN for a database file.
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite transcript store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *TranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *TranscriptStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			model_id TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS turns_by_conversation ON turns(conversation_id, seq);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite transcript store: migrate")
		}
	}
	return nil
}

func (s *TranscriptStore) CreateConversation(ctx context.Context, title string) (chat.Conversation, error) {
	conv := chat.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at_ms) VALUES (?, ?, ?)`,
		conv.ID, conv.Title, conv.CreatedAt.UnixMilli())
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "sqlite transcript store: insert conversation")
	}
	return conv, nil
}

func (s *TranscriptStore) GetConversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	var (
		conv      chat.Conversation
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at_ms FROM conversations WHERE id = ?`, conversationID,
	).Scan(&conv.ID, &conv.Title, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, chatservice.ErrConversationNotFound
	}
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "sqlite transcript store: get conversation")
	}
	conv.CreatedAt = time.UnixMilli(createdMs).UTC()
	return conv, nil
}

func (s *TranscriptStore) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at_ms FROM conversations ORDER BY created_at_ms DESC, rowid DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Conversation
	for rows.Next() {
		var (
			conv      chat.Conversation
			createdMs int64
		)
		if err := rows.Scan(&conv.ID, &conv.Title, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan conversation")
		}
		conv.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, conv)
	}
	return out, errors.Wrap(rows.Err(), "sqlite transcript store: list conversations")
}

func (s *TranscriptStore) Append(ctx context.Context, conversationID string, turn chat.Turn) (chat.Turn, error) {
	if conversationID == "" {
		return chat.Turn{}, chatservice.ErrConversationRequired
	}
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return chat.Turn{}, err
	}

	turn.ID = uuid.NewString()
	turn.ConversationID = conversationID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, role, content, model_id, reasoning, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, turn.ID, conversationID, string(turn.Role), turn.Text, turn.ModelID, turn.HiddenReasoning, turn.CreatedAt.UnixMilli())
	if err != nil {
		return chat.Turn{}, errors.Wrap(err, "sqlite transcript store: insert turn")
	}
	return turn, nil
}

func (s *TranscriptStore) History(ctx context.Context, conversationID string, limit int) ([]chat.Turn, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, model_id, reasoning, created_at_ms FROM (
			SELECT seq, id, role, content, model_id, reasoning, created_at_ms
			FROM turns
			WHERE conversation_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, conversationID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: query history")
	}
	defer func() { _ = rows.Close() }()

	turns := []chat.Turn{}
	for rows.Next() {
		var (
			turn      chat.Turn
			role      string
			createdMs int64
		)
		if err := rows.Scan(&turn.ID, &role, &turn.Text, &turn.ModelID, &turn.HiddenReasoning, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite transcript store: scan turn")
		}
		turn.ConversationID = conversationID
		turn.Role = chat.Role(role)
		turn.CreatedAt = time.UnixMilli(createdMs).UTC()
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite transcript store: query history")
	}
	return turns, nil
}
