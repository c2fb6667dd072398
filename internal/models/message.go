package models

// Message represents a single entry in a conversation. Content is mutable
// only while Streaming is true; once a message is finalized its content and
// related sources are fixed. Role never changes after creation.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`

	// RelatedSources is set once, at finalization, for assistant messages:
	// a by-value snapshot of the sources selected at that moment. Later edits
	// to the session's source list do not affect it.
	RelatedSources []Source `json:"relatedSources,omitempty"`

	// Streaming is true only between creation and finalization.
	Streaming bool `json:"isStreaming,omitempty"`

	Rating Rating `json:"rating,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
)

// Rating is a user judgement on an assistant message. The zero value means
// no rating.
type Rating string

const (
	RatingNone Rating = ""
	RatingUp   Rating = "up"
	RatingDown Rating = "down"
)

// ApplyRating sets the message rating, clearing it when the new rating equals
// the current one.
func (m *Message) ApplyRating(r Rating) {
	if m.Rating == r {
		m.Rating = RatingNone
		return
	}
	m.Rating = r
}
