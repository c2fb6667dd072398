package models

import "time"

// Source is a retrieved reference document surfaced to support an answer.
// Ids are minted client-side when search results arrive and are not stable
// across repeated searches. Only the selection flag is ever mutated.
type Source struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	URL        string     `json:"url"`
	Snippet    string     `json:"snippet"`
	Date       time.Time  `json:"date"`
	SourceType SourceType `json:"sourceType"`

	// Selected defaults to true when absent: nil and true are equivalent.
	Selected *bool `json:"selected,omitempty"`
}

// SourceType tags a source with the kind of publication it came from.
type SourceType string

const (
	SourceTypeBlog     SourceType = "blog"
	SourceTypeNews     SourceType = "news"
	SourceTypeAcademic SourceType = "academic"
	SourceTypeForum    SourceType = "forum"
	SourceTypeWeb      SourceType = "web"
)

// SourceTypes lists every known source type, in display order.
func SourceTypes() []SourceType {
	return []SourceType{SourceTypeBlog, SourceTypeNews, SourceTypeAcademic, SourceTypeForum, SourceTypeWeb}
}

// IsSelected reports whether the source participates in generation context.
func (s Source) IsSelected() bool {
	return s.Selected == nil || *s.Selected
}

// ToggleSelected flips the selection flag.
func (s *Source) ToggleSelected() {
	selected := !s.IsSelected()
	s.Selected = &selected
}

// SelectedSources returns a copy of the sources whose selection flag is not
// explicitly false. The copy decouples finalized messages from later edits to
// the session's source list.
func SelectedSources(sources []Source) []Source {
	var selected []Source
	for _, s := range sources {
		if s.IsSelected() {
			selected = append(selected, s)
		}
	}
	return selected
}

// SearchResult is one record returned by the external retrieval service. The
// service supplies neither a date nor a type; the conversation layer stamps
// those when mapping results to sources.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// GenerateRequest carries one user turn to a generation provider.
type GenerateRequest struct {
	Prompt    string
	SessionID string

	// History is the conversation up to and including the prompt message.
	History []Message
	// Sources are the currently selected sources, provided as context for
	// providers that build their own prompt.
	Sources []Source
}
