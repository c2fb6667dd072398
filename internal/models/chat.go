package models

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrSessionNotFound is returned by stores when a session id has no record.
var ErrSessionNotFound = errors.New("session not found")

// ErrMessageNotFound is returned when a message id is absent from the
// conversation it was looked up in.
var ErrMessageNotFound = errors.New("message not found")

// ErrSourceNotFound is returned when a source id is absent from the session
// it was looked up in.
var ErrSourceNotFound = errors.New("source not found")

// Session is a persisted conversation: an ordered message sequence plus the
// set of sources retrieved for it. Sessions are owned by the store; callers
// work on copies.
type Session struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	LastUpdated int64     `json:"lastUpdated"`
	Messages    []Message `json:"messages"`
	Sources     []Source  `json:"sources"`
}

// SessionUpdate carries the fields merged into a session by UpdateSession.
// Nil fields are left untouched. The store bumps LastUpdated on every update,
// so it is not part of this struct.
type SessionUpdate struct {
	Title   *string
	Sources []Source
}

const maxTitleLen = 80

// SessionTitle derives a session title from the first query of the
// conversation, truncating overly long queries.
func SessionTitle(query string) string {
	title := strings.TrimSpace(query)
	if utf8.RuneCountInString(title) <= maxTitleLen {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleLen])) + "…"
}
