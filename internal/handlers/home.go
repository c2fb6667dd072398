package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/models"
)

// HandleHome renders the full conversation page: the session sidebar, the
// active session's message thread, and the filtered sources panel. An
// explicit session_id query parameter opens that session; otherwise the most
// recently updated session is opened when none is active yet.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		if _, err := m.conv.Open(ctx, sessionID); err != nil {
			if errors.Is(err, models.ErrSessionNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			m.logger.Error("Failed to open session",
				slog.String("sessionID", sessionID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	sessions, err := m.conv.Sessions(ctx)
	if err != nil {
		m.logger.Error("Failed to list sessions", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if m.conv.ActiveSessionID() == "" && len(sessions) > 0 {
		if _, err := m.conv.Open(ctx, sessions[0].ID); err != nil && !errors.Is(err, models.ErrSessionNotFound) {
			m.logger.Error("Failed to open most recent session",
				slog.String(errLoggerKey, err.Error()))
		}
	}

	activeID := m.conv.ActiveSessionID()
	sessionViews := make([]sessionView, len(sessions))
	for i, s := range sessions {
		sessionViews[i] = sessionView{
			ID:     s.ID,
			Title:  s.Title,
			Active: s.ID == activeID,
		}
	}

	messageViews, err := m.messageViews(m.conv.Messages())
	if err != nil {
		m.logger.Error("Failed to render messages", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	filter := parseSourceFilter(r)
	filtered := m.conv.FilteredSources(filter)

	data := homePageData{
		CurrentSessionID: activeID,
		Sessions:         sessionViews,
		Messages:         messageViews,
		Sources:          sourceViews(filtered),
		SelectedCount:    len(models.SelectedSources(filtered)),
		Filter:           filterViewOf(filter),
		Generating:       m.conv.Generating(),
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
