package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/models"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	last_updated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	timestamp       INTEGER NOT NULL,
	streaming       INTEGER NOT NULL DEFAULT 0,
	rating          TEXT NOT NULL DEFAULT '',
	related_sources TEXT
);

CREATE TABLE IF NOT EXISTS sources (
	id          TEXT NOT NULL,
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	title       TEXT NOT NULL,
	url         TEXT NOT NULL,
	snippet     TEXT NOT NULL,
	date        TEXT NOT NULL,
	source_type TEXT NOT NULL,
	selected    INTEGER,
	PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(last_updated);
`

// SQLiteStore implements the conversation store on a relational backend,
// for deployments that outgrow the single-document layout. Messages keep
// insertion order via rowid; related sources are stored as a JSON snapshot
// on the message row, matching the by-value copy semantics of finalization.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the database at path and creates the schema if it does
// not exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sessionRow struct {
	ID          string `db:"id"`
	Title       string `db:"title"`
	LastUpdated int64  `db:"last_updated"`
}

type messageRow struct {
	ID             string         `db:"id"`
	SessionID      string         `db:"session_id"`
	Role           string         `db:"role"`
	Content        string         `db:"content"`
	Timestamp      int64          `db:"timestamp"`
	Streaming      bool           `db:"streaming"`
	Rating         string         `db:"rating"`
	RelatedSources sql.NullString `db:"related_sources"`
}

type sourceRow struct {
	ID         string        `db:"id"`
	SessionID  string        `db:"session_id"`
	Title      string        `db:"title"`
	URL        string        `db:"url"`
	Snippet    string        `db:"snippet"`
	Date       string        `db:"date"`
	SourceType string        `db:"source_type"`
	Selected   sql.NullInt64 `db:"selected"`
}

func (r messageRow) toModel() (models.Message, error) {
	msg := models.Message{
		ID:        r.ID,
		Role:      models.Role(r.Role),
		Content:   r.Content,
		Timestamp: r.Timestamp,
		Streaming: r.Streaming,
		Rating:    models.Rating(r.Rating),
	}
	if r.RelatedSources.Valid && r.RelatedSources.String != "" {
		if err := json.Unmarshal([]byte(r.RelatedSources.String), &msg.RelatedSources); err != nil {
			return models.Message{}, fmt.Errorf("failed to unmarshal related sources: %w", err)
		}
	}
	return msg, nil
}

func (r sourceRow) toModel() (models.Source, error) {
	date, err := time.Parse(time.RFC3339Nano, r.Date)
	if err != nil {
		return models.Source{}, fmt.Errorf("failed to parse source date: %w", err)
	}
	src := models.Source{
		ID:         r.ID,
		Title:      r.Title,
		URL:        r.URL,
		Snippet:    r.Snippet,
		Date:       date,
		SourceType: models.SourceType(r.SourceType),
	}
	if r.Selected.Valid {
		selected := r.Selected.Int64 != 0
		src.Selected = &selected
	}
	return src, nil
}

func insertMessage(tx *sqlx.Tx, sessionID string, msg models.Message) error {
	var related sql.NullString
	if msg.RelatedSources != nil {
		raw, err := json.Marshal(msg.RelatedSources)
		if err != nil {
			return fmt.Errorf("failed to marshal related sources: %w", err)
		}
		related = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := tx.Exec(`INSERT INTO messages
		(id, session_id, role, content, timestamp, streaming, rating, related_sources)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, msg.Timestamp,
		msg.Streaming, string(msg.Rating), related)
	return err
}

func insertSources(tx *sqlx.Tx, sessionID string, sources []models.Source) error {
	for _, src := range sources {
		var selected sql.NullInt64
		if src.Selected != nil {
			v := int64(0)
			if *src.Selected {
				v = 1
			}
			selected = sql.NullInt64{Int64: v, Valid: true}
		}
		_, err := tx.Exec(`INSERT INTO sources
			(id, session_id, title, url, snippet, date, source_type, selected)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			src.ID, sessionID, src.Title, src.URL, src.Snippet,
			src.Date.Format(time.RFC3339Nano), string(src.SourceType), selected)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) loadSession(ctx context.Context, row sessionRow) (models.Session, error) {
	session := models.Session{
		ID:          row.ID,
		Title:       row.Title,
		LastUpdated: row.LastUpdated,
		Messages:    []models.Message{},
	}

	var msgRows []messageRow
	err := s.db.SelectContext(ctx, &msgRows,
		`SELECT id, session_id, role, content, timestamp, streaming, rating, related_sources
		 FROM messages WHERE session_id = ? ORDER BY rowid`, row.ID)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to load messages: %w", err)
	}
	for _, mr := range msgRows {
		msg, err := mr.toModel()
		if err != nil {
			return models.Session{}, err
		}
		session.Messages = append(session.Messages, msg)
	}

	var srcRows []sourceRow
	err = s.db.SelectContext(ctx, &srcRows,
		`SELECT id, session_id, title, url, snippet, date, source_type, selected
		 FROM sources WHERE session_id = ? ORDER BY rowid`, row.ID)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to load sources: %w", err)
	}
	for _, sr := range srcRows {
		src, err := sr.toModel()
		if err != nil {
			return models.Session{}, err
		}
		session.Sources = append(session.Sources, src)
	}

	return session, nil
}

// Sessions returns all sessions ordered by last-updated descending.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]models.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, title, last_updated FROM sessions ORDER BY last_updated DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make([]models.Session, 0, len(rows))
	for _, row := range rows {
		session, err := s.loadSession(ctx, row)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// Session returns the session with the given id, or models.ErrSessionNotFound.
func (s *SQLiteStore) Session(ctx context.Context, id string) (models.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, title, last_updated FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, models.ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	return s.loadSession(ctx, row)
}

// CreateSession inserts the session with its messages and sources; a
// duplicate id is a silent no-op.
func (s *SQLiteStore) CreateSession(ctx context.Context, session models.Session) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT OR IGNORE INTO sessions (id, title, last_updated) VALUES (?, ?, ?)`,
		session.ID, session.Title, session.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	for _, msg := range session.Messages {
		if err := insertMessage(tx, session.ID, msg); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}
	if err := insertSources(tx, session.ID, session.Sources); err != nil {
		return fmt.Errorf("failed to insert sources: %w", err)
	}

	return tx.Commit()
}

// UpdateSession merges the supplied fields and bumps last-updated. Sources,
// when supplied, replace the stored set wholesale.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, update models.SessionUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.Get(&exists, `SELECT COUNT(1) FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return models.ErrSessionNotFound
	}

	if update.Title != nil {
		if _, err := tx.Exec(`UPDATE sessions SET title = ? WHERE id = ?`, *update.Title, id); err != nil {
			return fmt.Errorf("failed to update title: %w", err)
		}
	}
	if update.Sources != nil {
		if _, err := tx.Exec(`DELETE FROM sources WHERE session_id = ?`, id); err != nil {
			return fmt.Errorf("failed to replace sources: %w", err)
		}
		if err := insertSources(tx, id, update.Sources); err != nil {
			return fmt.Errorf("failed to insert sources: %w", err)
		}
	}

	if _, err := tx.Exec(`UPDATE sessions SET last_updated = ? WHERE id = ?`,
		time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("failed to bump last_updated: %w", err)
	}

	return tx.Commit()
}

// DeleteSession removes the session and, via cascade, its messages and
// sources. An absent id is a silent no-op.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// AppendMessage pushes the message onto the session's message sequence and
// bumps last-updated. A missing session is a silent no-op.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, message models.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.Get(&exists, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return nil
	}

	if err := insertMessage(tx, sessionID, message); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET last_updated = ? WHERE id = ?`,
		time.Now().UnixMilli(), sessionID); err != nil {
		return fmt.Errorf("failed to bump last_updated: %w", err)
	}

	return tx.Commit()
}

// UpdateMessage replaces a message in place, matched by id. Missing rows are
// silently ignored.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, sessionID string, message models.Message) error {
	var related sql.NullString
	if message.RelatedSources != nil {
		raw, err := json.Marshal(message.RelatedSources)
		if err != nil {
			return fmt.Errorf("failed to marshal related sources: %w", err)
		}
		related = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `UPDATE messages
		SET content = ?, streaming = ?, rating = ?, related_sources = ?
		WHERE id = ? AND session_id = ?`,
		message.Content, message.Streaming, string(message.Rating), related,
		message.ID, sessionID)
	return err
}
