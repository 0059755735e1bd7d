package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/capitalize-ai/intake-agent/internal/model"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// :memory: databases are per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS schemas (
			schema_id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			schema_id TEXT NOT NULL,
			visitor_key TEXT,
			status TEXT NOT NULL,
			completion_rate INTEGER NOT NULL DEFAULT 0,
			extracted TEXT,
			error_reason TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			validation_state TEXT,
			partial INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutSchema stores or replaces a schema.
func (s *SQLiteStore) PutSchema(ctx context.Context, schema *model.Schema) error {
	body, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schemas (schema_id, body, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(schema_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		schema.ID, string(body), time.Now().UTC())
	return err
}

// GetSchema retrieves a schema by id.
func (s *SQLiteStore) GetSchema(ctx context.Context, schemaID string) (*model.Schema, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM schemas WHERE schema_id = ?`, schemaID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schema %s: %w", schemaID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var schema model.Schema
	if err := json.Unmarshal([]byte(body), &schema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
	}
	return &schema, nil
}

// ListSchemas returns all schemas ordered by id.
func (s *SQLiteStore) ListSchemas(ctx context.Context) ([]model.Schema, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM schemas ORDER BY schema_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Schema
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var schema model.Schema
		if err := json.Unmarshal([]byte(body), &schema); err != nil {
			return nil, fmt.Errorf("failed to unmarshal schema: %w", err)
		}
		out = append(out, schema)
	}
	return out, rows.Err()
}

// CreateSession inserts a session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *model.Session) error {
	extracted, err := json.Marshal(session.Extracted)
	if err != nil {
		return fmt.Errorf("failed to marshal extracted fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, schema_id, visitor_key, status, completion_rate, extracted, error_reason, created_at, updated_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.SchemaID, session.VisitorKey, string(session.Status), session.CompletionRate,
		string(extracted), session.ErrorReason, session.CreatedAt, session.UpdatedAt, nullTime(session.EndedAt))
	return err
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var (
		session     model.Session
		status      string
		visitorKey  sql.NullString
		extracted   sql.NullString
		errorReason sql.NullString
		endedAt     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, schema_id, visitor_key, status, completion_rate, extracted, error_reason, created_at, updated_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&session.ID, &session.SchemaID, &visitorKey, &status, &session.CompletionRate,
			&extracted, &errorReason, &session.CreatedAt, &session.UpdatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	session.Status = model.SessionStatus(status)
	session.VisitorKey = visitorKey.String
	session.ErrorReason = errorReason.String
	if endedAt.Valid {
		t := endedAt.Time
		session.EndedAt = &t
	}
	session.Extracted = make(map[string]model.ExtractedField)
	if extracted.Valid && extracted.String != "" && extracted.String != "null" {
		if err := json.Unmarshal([]byte(extracted.String), &session.Extracted); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extracted fields: %w", err)
		}
	}
	return &session, nil
}

// UpdateSession writes the mutable session columns.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *model.Session) error {
	extracted, err := json.Marshal(session.Extracted)
	if err != nil {
		return fmt.Errorf("failed to marshal extracted fields: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, completion_rate = ?, extracted = ?, error_reason = ?, updated_at = ?, ended_at = ?
		 WHERE session_id = ?`,
		string(session.Status), session.CompletionRate, string(extracted), session.ErrorReason,
		session.UpdatedAt, nullTime(session.EndedAt), session.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", session.ID, model.ErrNotFound)
	}
	return nil
}

// AppendMessage inserts a message and records its sequence.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, session_id, role, content, validation_state, partial, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, string(msg.ValidationState), msg.Partial, msg.Timestamp)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		msg.Sequence = uint64(seq)
	}
	return nil
}

// ListMessages returns a session transcript in append order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, message_id, session_id, role, content, validation_state, partial, created_at
		 FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			msg   model.Message
			role  string
			state sql.NullString
		)
		if err := rows.Scan(&msg.Sequence, &msg.ID, &msg.SessionID, &role, &msg.Content, &state, &msg.Partial, &msg.Timestamp); err != nil {
			return nil, err
		}
		msg.Role = model.Role(role)
		msg.ValidationState = model.ValidationState(state.String)
		out = append(out, msg)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
