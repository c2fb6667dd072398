package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/models"
)

// documentVersion is the current schema version of the persisted document.
const documentVersion = 1

// documentSchema is the single persisted JSON document: a version field and
// the full session list.
type documentSchema struct {
	Version  int              `json:"version"`
	Sessions []models.Session `json:"sessions"`
}

// documentMigrations upgrades a loaded document from its recorded version to
// the next one. Migrations are applied in order on load until the document
// reaches documentVersion.
var documentMigrations = map[int]func(*documentSchema){
	// Version 0 documents predate the version field.
	0: func(doc *documentSchema) {
		doc.Version = 1
	},
}

// DocumentStore persists all sessions as one JSON document in a single file.
// Unreadable or corrupt payloads degrade to an empty store rather than
// failing; this is a deliberate availability-over-consistency choice so the
// interface stays usable when persistence does not.
//
// Access is single-writer read-modify-write per call, serialized by a mutex.
// The store does not defend against separate processes sharing the file.
type DocumentStore struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewDocumentStore creates a DocumentStore backed by the file at path. The
// file is created on first write.
func NewDocumentStore(path string, logger *slog.Logger) *DocumentStore {
	return &DocumentStore{
		path:   path,
		logger: logger.With(slog.String("module", "documentstore")),
	}
}

// load reads and migrates the document. Every failure mode degrades to an
// empty document.
func (d *DocumentStore) load() documentSchema {
	doc := documentSchema{Version: documentVersion}

	raw, err := os.ReadFile(d.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.logger.Error("Failed to read store document, treating as empty",
				slog.String("path", d.path),
				slog.String("err", err.Error()))
		}
		return doc
	}

	if err := json.Unmarshal(raw, &doc); err != nil {
		d.logger.Error("Corrupt store document, treating as empty",
			slog.String("path", d.path),
			slog.String("err", err.Error()))
		return documentSchema{Version: documentVersion}
	}

	for doc.Version < documentVersion {
		migrate, ok := documentMigrations[doc.Version]
		if !ok {
			d.logger.Error("No migration for document version, treating as empty",
				slog.Int("version", doc.Version))
			return documentSchema{Version: documentVersion}
		}
		migrate(&doc)
	}
	return doc
}

func (d *DocumentStore) save(doc documentSchema) error {
	doc.Version = documentVersion
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(d.path, raw, 0600)
}

// Sessions returns all sessions ordered by last-updated descending.
func (d *DocumentStore) Sessions(context.Context) ([]models.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := d.load()
	slices.SortStableFunc(doc.Sessions, func(a, b models.Session) int {
		switch {
		case a.LastUpdated > b.LastUpdated:
			return -1
		case a.LastUpdated < b.LastUpdated:
			return 1
		default:
			return 0
		}
	})
	return doc.Sessions, nil
}

// Session returns the session with the given id, or models.ErrSessionNotFound.
func (d *DocumentStore) Session(_ context.Context, id string) (models.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := d.load()
	idx := slices.IndexFunc(doc.Sessions, func(s models.Session) bool { return s.ID == id })
	if idx == -1 {
		return models.Session{}, models.ErrSessionNotFound
	}
	return doc.Sessions[idx], nil
}

// CreateSession inserts the session unless its id already exists; a duplicate
// create is a silent no-op.
func (d *DocumentStore) CreateSession(_ context.Context, session models.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := d.load()
	if slices.ContainsFunc(doc.Sessions, func(s models.Session) bool { return s.ID == session.ID }) {
		return nil
	}
	doc.Sessions = append(doc.Sessions, session)
	return d.save(doc)
}

// UpdateSession merges the supplied fields into the session and bumps its
// last-updated timestamp.
func (d *DocumentStore) UpdateSession(_ context.Context, id string, update models.SessionUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := d.load()
	idx := slices.IndexFunc(doc.Sessions, func(s models.Session) bool { return s.ID == id })
	if idx == -1 {
		return models.ErrSessionNotFound
	}

	if update.Title != nil {
		doc.Sessions[idx].Title = *update.Title
	}
	if update.Sources != nil {
		doc.Sessions[idx].Sources = update.Sources
	}
	doc.Sessions[idx].LastUpdated = time.Now().UnixMilli()
	return d.save(doc)
}

// DeleteSession removes the session if present; an absent id is a silent
// no-op.
func (d *DocumentStore) DeleteSession(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := d.load()
	filtered := slices.DeleteFunc(doc.Sessions, func(s models.Session) bool { return s.ID == id })
	doc.Sessions = filtered
	return d.save(doc)
}

// AppendMessage pushes the message onto the session's message sequence and
// bumps its last-updated timestamp. A missing session is a silent no-op.
func (d *DocumentStore) AppendMessage(_ context.Context, sessionID string, message models.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := d.load()
	idx := slices.IndexFunc(doc.Sessions, func(s models.Session) bool { return s.ID == sessionID })
	if idx == -1 {
		return nil
	}
	doc.Sessions[idx].Messages = append(doc.Sessions[idx].Messages, message)
	doc.Sessions[idx].LastUpdated = time.Now().UnixMilli()
	return d.save(doc)
}

// UpdateMessage replaces a message in place, matched by id. It does not bump
// the session's last-updated timestamp; rating changes should not reorder the
// session list. A missing session or message is a silent no-op.
func (d *DocumentStore) UpdateMessage(_ context.Context, sessionID string, message models.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc := d.load()
	idx := slices.IndexFunc(doc.Sessions, func(s models.Session) bool { return s.ID == sessionID })
	if idx == -1 {
		return nil
	}
	msgs := doc.Sessions[idx].Messages
	msgIdx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == message.ID })
	if msgIdx == -1 {
		return nil
	}
	msgs[msgIdx] = message
	return d.save(doc)
}
