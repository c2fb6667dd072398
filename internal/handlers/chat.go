package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/conversation"
	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/models"
	"github.com/tmaxmax/go-sse"
)

// HandleChats accepts a user submission through an HTTP POST, begins a
// conversation turn, and runs the generation asynchronously while streaming
// the answer over SSE.
//
// The handler expects a "message" form field and an optional "session_id"
// field; a mismatched or empty session id starts from whatever session is
// active, and a fresh session is created when none is. For new sessions the
// whole chatbox is re-rendered; for existing ones only the new message pair
// is returned.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	// Switch the active session when the form targets another one.
	if sessionID := r.FormValue("session_id"); sessionID != "" && sessionID != m.conv.ActiveSessionID() {
		if _, err := m.conv.Open(r.Context(), sessionID); err != nil {
			m.logger.Error("Failed to open session",
				slog.String("sessionID", sessionID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}

	turn, err := m.conv.Begin(r.Context(), msg)
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrTurnInFlight):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, conversation.ErrEmptyQuery):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			m.logger.Error("Failed to begin turn", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	go m.runTurn(turn)

	if turn.NewSession {
		m.renderChatbox(w)
		return
	}

	views, err := m.messageViews([]models.Message{turn.UserMessage, turn.AssistantMessage})
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "user_message", views[0]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", views[1]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// runTurn drives one turn to completion on its own goroutine and closes the
// message stream afterwards.
func (m *Main) runTurn(turn conversation.Turn) {
	defer func() {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e)
	}()

	m.conv.Run(context.Background(), turn)
}

// HandleRegenerate rolls the conversation back to the user message preceding
// the target assistant message and re-runs the turn. Invalid targets are
// silently rejected; a turn already in flight yields 409.
func (m *Main) HandleRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	messageID := r.FormValue("message_id")
	if messageID == "" {
		http.Error(w, "Message id is required", http.StatusBadRequest)
		return
	}

	turn, err := m.conv.Regenerate(r.Context(), messageID)
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrTurnInFlight):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, conversation.ErrNoUserTurn):
			w.WriteHeader(http.StatusNoContent)
		default:
			m.logger.Error("Failed to regenerate", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	go m.runTurn(turn)

	m.renderChatbox(w)
}

// HandleRate applies toggle-to-none rating semantics to a message and returns
// the re-rendered message.
func (m *Main) HandleRate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	messageID := r.FormValue("message_id")
	rating := models.Rating(r.FormValue("rating"))
	if messageID == "" || (rating != models.RatingUp && rating != models.RatingDown) {
		http.Error(w, "Message id and rating are required", http.StatusBadRequest)
		return
	}

	updated, err := m.conv.Rate(r.Context(), messageID, rating)
	if err != nil {
		if errors.Is(err, models.ErrMessageNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to rate message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	views, err := m.messageViews([]models.Message{updated})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", views[0]); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSourceToggle flips one source's selection flag and returns the
// re-rendered sources panel under the current filters.
func (m *Main) HandleSourceToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sourceID := r.FormValue("source_id")
	if sourceID == "" {
		http.Error(w, "Source id is required", http.StatusBadRequest)
		return
	}

	if _, err := m.conv.ToggleSource(r.Context(), sourceID); err != nil {
		switch {
		case errors.Is(err, models.ErrSourceNotFound), errors.Is(err, conversation.ErrNoActiveSession):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			m.logger.Error("Failed to toggle source", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	m.renderSourcesPanel(w, parseSourceFilter(r))
}

// HandleSelectAllSources marks every source selected and returns the
// re-rendered panel.
func (m *Main) HandleSelectAllSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := m.conv.SelectAllSources(r.Context()); err != nil {
		if errors.Is(err, conversation.ErrNoActiveSession) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		m.logger.Error("Failed to select sources", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	m.renderSourcesPanel(w, parseSourceFilter(r))
}

// HandleSources renders the sources panel for the current filter parameters.
// Filters are a derived view; nothing here is persisted.
func (m *Main) HandleSources(w http.ResponseWriter, r *http.Request) {
	m.renderSourcesPanel(w, parseSourceFilter(r))
}

// HandleNewSession detaches the view from the active session so the next
// submission starts a fresh one.
func (m *Main) HandleNewSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.conv.Reset()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleDeleteSession removes a session; deleting an absent id is a no-op.
func (m *Main) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		http.Error(w, "Session id is required", http.StatusBadRequest)
		return
	}

	if err := m.conv.DeleteSession(r.Context(), sessionID); err != nil {
		m.logger.Error("Failed to delete session",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (m *Main) renderChatbox(w http.ResponseWriter) {
	views, err := m.messageViews(m.conv.Messages())
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		CurrentSessionID: m.conv.ActiveSessionID(),
		Messages:         views,
		Generating:       m.conv.Generating(),
	}
	if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Main) renderSourcesPanel(w http.ResponseWriter, filter models.SourceFilter) {
	filtered := m.conv.FilteredSources(filter)

	data := homePageData{
		CurrentSessionID: m.conv.ActiveSessionID(),
		Sources:          sourceViews(filtered),
		SelectedCount:    len(models.SelectedSources(filtered)),
		Filter:           filterViewOf(filter),
	}
	if err := m.templates.ExecuteTemplate(w, "sources_panel", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// parseSourceFilter reads the derived-view filter from query or form values.
// Missing values fall back to the defaults: every type, any time, retrieval
// order.
func parseSourceFilter(r *http.Request) models.SourceFilter {
	filter := models.DefaultSourceFilter()

	if err := r.ParseForm(); err != nil {
		return filter
	}

	if types, ok := r.Form["type"]; ok {
		filter.Types = nil
		for _, t := range types {
			filter.Types = append(filter.Types, models.SourceType(t))
		}
	}

	switch t := models.TimeFilter(r.Form.Get("time")); t {
	case models.TimeFilterDay, models.TimeFilterWeek, models.TimeFilterMonth, models.TimeFilterYear:
		filter.Time = t
	}

	if models.SortOption(r.Form.Get("sort")) == models.SortByDate {
		filter.Sort = models.SortByDate
	}

	return filter
}
