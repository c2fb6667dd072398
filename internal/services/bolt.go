package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/models"
	bolt "go.etcd.io/bbolt"
)

const sessionsBucket = "sessions"

// BoltDB implements the conversation store on a bbolt backend. Each session
// is stored as one marshaled document keyed by its id; ordering by
// last-updated is applied on read.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (or creates, with 0600 permissions) the database at the
// given path and initializes the sessions bucket.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Sessions retrieves all stored sessions ordered by last-updated descending.
func (b BoltDB) Sessions(context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var session models.Session
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(sessions, func(a, b models.Session) int {
		switch {
		case a.LastUpdated > b.LastUpdated:
			return -1
		case a.LastUpdated < b.LastUpdated:
			return 1
		default:
			return 0
		}
	})
	return sessions, nil
}

// Session returns the session with the given id, or models.ErrSessionNotFound.
func (b BoltDB) Session(_ context.Context, id string) (models.Session, error) {
	var session models.Session
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return nil
		}

		v := bkt.Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &session)
	})
	if err != nil {
		return models.Session{}, err
	}
	if !found {
		return models.Session{}, models.ErrSessionNotFound
	}
	return session, nil
}

// CreateSession stores a new session record. If the id already exists, the
// operation is silently ignored.
func (b BoltDB) CreateSession(_ context.Context, session models.Session) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return nil
		}

		if bkt.Get([]byte(session.ID)) != nil {
			return nil
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return bkt.Put([]byte(session.ID), v)
	})
}

// UpdateSession merges the supplied fields into an existing session and bumps
// its last-updated timestamp. A missing id yields models.ErrSessionNotFound.
func (b BoltDB) UpdateSession(_ context.Context, id string, update models.SessionUpdate) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return nil
		}

		v := bkt.Get([]byte(id))
		if v == nil {
			return models.ErrSessionNotFound
		}

		var session models.Session
		if err := json.Unmarshal(v, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}

		if update.Title != nil {
			session.Title = *update.Title
		}
		if update.Sources != nil {
			session.Sources = update.Sources
		}
		session.LastUpdated = time.Now().UnixMilli()

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return bkt.Put([]byte(id), v)
	})
}

// DeleteSession removes the session record if present.
func (b BoltDB) DeleteSession(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(id))
	})
}

// AppendMessage pushes a message onto the session's message sequence and
// bumps its last-updated timestamp. A missing session is silently ignored.
func (b BoltDB) AppendMessage(_ context.Context, sessionID string, message models.Message) error {
	return b.mutateSession(sessionID, func(session *models.Session) {
		session.Messages = append(session.Messages, message)
		session.LastUpdated = time.Now().UnixMilli()
	})
}

// UpdateMessage replaces a message in place, matched by id. Missing sessions
// or messages are silently ignored.
func (b BoltDB) UpdateMessage(_ context.Context, sessionID string, message models.Message) error {
	return b.mutateSession(sessionID, func(session *models.Session) {
		idx := slices.IndexFunc(session.Messages, func(m models.Message) bool { return m.ID == message.ID })
		if idx == -1 {
			return
		}
		session.Messages[idx] = message
	})
}

func (b BoltDB) mutateSession(sessionID string, mutate func(*models.Session)) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		if bkt == nil {
			return nil
		}

		v := bkt.Get([]byte(sessionID))
		if v == nil {
			return nil
		}

		var session models.Session
		if err := json.Unmarshal(v, &session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}

		mutate(&session)

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return bkt.Put([]byte(sessionID), v)
	})
}
