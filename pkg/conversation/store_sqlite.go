// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schema is created one statement at a time; SQLite's driver does not
// reliably support multiple statements in a single Exec call.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		message_count INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		last_model TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_messages (
		conversation_id TEXT NOT NULL,
		sequence_num INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		token_estimate INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (conversation_id, sequence_num)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conversation
		ON conversation_messages(conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at
		ON conversations(updated_at)`,
}

// SQLiteStore is a durable Store backed by a SQLite database, modeled on
// the project's table-plus-ordered-child-rows session persistence
// pattern: one row per conversation and one row per message, ordered by
// an explicit sequence_num rather than relying on insertion order.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a SQLite database at
// path and ensures its schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("conversation: open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: serialize writers, avoid SQLITE_BUSY

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("conversation: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	rec := &Record{ConversationID: id}

	row := s.db.QueryRowContext(ctx,
		`SELECT message_count, total_tokens, last_model, updated_at FROM conversations WHERE id = ?`, id)
	err := row.Scan(&rec.Metadata.MessageCount, &rec.Metadata.TotalTokens, &rec.Metadata.LastModel, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: load %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, token_estimate, created_at FROM conversation_messages
		 WHERE conversation_id = ? ORDER BY sequence_num ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("conversation: load messages for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.TokenEstimate, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("conversation: scan message row for %s: %w", id, err)
		}
		m.Role = Role(role)
		rec.Messages = append(rec.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation: iterate messages for %s: %w", id, err)
	}

	return rec, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, id string, msg Message, model string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conversation: begin append tx: %w", err)
	}
	defer tx.Rollback()

	var count int
	var totalTokens int64
	var lastModel string
	row := tx.QueryRowContext(ctx,
		`SELECT message_count, total_tokens, last_model FROM conversations WHERE id = ?`, id)
	switch err := row.Scan(&count, &totalTokens, &lastModel); err {
	case sql.ErrNoRows:
		count, totalTokens, lastModel = 0, 0, ""
	case nil:
	default:
		return fmt.Errorf("conversation: read metadata for %s: %w", id, err)
	}

	if model != "" {
		lastModel = model
	}
	count++
	totalTokens += msg.TokenEstimate

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, message_count, total_tokens, last_model, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			message_count = excluded.message_count,
			total_tokens = excluded.total_tokens,
			last_model = excluded.last_model,
			updated_at = excluded.updated_at`,
		id, count, totalTokens, lastModel, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("conversation: upsert metadata for %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversation_messages (conversation_id, sequence_num, role, content, token_estimate, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, count, string(msg.Role), msg.Content, msg.TokenEstimate, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("conversation: insert message for %s: %w", id, err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("conversation: begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("conversation: delete messages for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("conversation: delete conversation %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("conversation: begin sweep tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM conversations WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("conversation: query expired conversations: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("conversation: scan expired id: %w", err)
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("conversation: iterate expired conversations: %w", err)
	}

	for _, id := range expired {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE conversation_id = ?`, id); err != nil {
			return 0, fmt.Errorf("conversation: sweep messages for %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("conversation: sweep conversation %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("conversation: commit sweep: %w", err)
	}
	return len(expired), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
