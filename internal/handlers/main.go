package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	researchengine "github.com/Caeser-Zhang/AI-research-engine-with-backend"
	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/conversation"
	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Main handles the web interface of the research assistant: it renders the
// conversation view from embedded templates, forwards interactions to the
// conversation controller, and streams view updates to the browser over
// Server-Sent Events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	conv *conversation.Controller

	logger *slog.Logger
}

const sessionsSSETopic = "sessions"

const errLoggerKey = "err"

// SSE event types for real-time updates.
var (
	sessionsSSEType = sse.Type("sessions")
	messagesSSEType = sse.Type("messages")
)

// NewMain creates a Main instance around the conversation controller. It
// parses the embedded templates, configures the SSE server topics, and
// installs itself as the controller's view notifier.
func NewMain(conv *conversation.Controller, logger *slog.Logger) (*Main, error) {
	tmpl, err := template.ParseFS(
		researchengine.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, err
	}

	m := &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, sessionsSSETopic}

				// Message-specific topic when the client follows one
				// streaming answer.
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		conv:      conv,
		logger:    logger.With(slog.String("module", "handlers")),
	}

	conv.SetNotifier(m)
	return m, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// MessageUpdated implements conversation.Notifier: every merged chunk and the
// finalization publish the message's rendered content to its SSE topic.
func (m *Main) MessageUpdated(message models.Message) {
	content, err := models.RenderMarkdown(message.Content)
	if err != nil {
		m.logger.Error("Failed to render message content",
			slog.String("messageID", message.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(string(content))
	if err := m.sseSrv.Publish(&msg, messageIDTopic(message.ID)); err != nil {
		m.logger.Error("Failed to publish message update",
			slog.String("messageID", message.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// SessionsChanged implements conversation.Notifier: the sidebar list is
// re-rendered and broadcast whenever session ordering or membership changed.
func (m *Main) SessionsChanged() {
	divs, err := m.sessionDivs(m.conv.ActiveSessionID())
	if err != nil {
		m.logger.Error("Failed to render session list",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: sessionsSSEType}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, sessionsSSETopic); err != nil {
		m.logger.Error("Failed to publish session list",
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) sessionDivs(activeID string) (string, error) {
	sessions, err := m.conv.Sessions(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get sessions: %w", err)
	}

	var sb strings.Builder
	for _, s := range sessions {
		err := m.templates.ExecuteTemplate(&sb, "session_title", sessionView{
			ID:     s.ID,
			Title:  s.Title,
			Active: s.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute session_title template: %w", err)
		}
	}
	return sb.String(), nil
}

// HandleSSE serves the event stream endpoints.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the SSE server, broadcasting a close event
// and waiting up to 5 seconds for clients to disconnect.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// The SSE spec requires data on every event.
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// View models handed to the templates.

type sessionView struct {
	ID    string
	Title string

	Active bool
}

type messageView struct {
	ID             string
	Role           string
	Content        template.HTML
	Timestamp      time.Time
	Streaming      bool
	Rating         string
	RelatedSources []sourceView
}

type sourceView struct {
	ID         string
	Title      string
	URL        string
	Snippet    string
	Date       time.Time
	SourceType string
	Selected   bool
}

type typeOption struct {
	Name    string
	Enabled bool
}

type filterView struct {
	Types []typeOption
	Time  string
	Sort  string
}

type homePageData struct {
	CurrentSessionID string
	Sessions         []sessionView
	Messages         []messageView
	Sources          []sourceView
	SelectedCount    int
	Filter           filterView
	Generating       bool
}

func (m *Main) messageViews(messages []models.Message) ([]messageView, error) {
	views := make([]messageView, len(messages))
	for i, msg := range messages {
		content, err := models.RenderMarkdown(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to render message %s: %w", msg.ID, err)
		}
		views[i] = messageView{
			ID:             msg.ID,
			Role:           string(msg.Role),
			Content:        content,
			Timestamp:      time.UnixMilli(msg.Timestamp),
			Streaming:      msg.Streaming,
			Rating:         string(msg.Rating),
			RelatedSources: sourceViews(msg.RelatedSources),
		}
	}
	return views, nil
}

func sourceViews(sources []models.Source) []sourceView {
	views := make([]sourceView, len(sources))
	for i, src := range sources {
		views[i] = sourceView{
			ID:         src.ID,
			Title:      src.Title,
			URL:        src.URL,
			Snippet:    src.Snippet,
			Date:       src.Date,
			SourceType: string(src.SourceType),
			Selected:   src.IsSelected(),
		}
	}
	return views
}

func filterViewOf(filter models.SourceFilter) filterView {
	options := make([]typeOption, 0, len(models.SourceTypes()))
	for _, t := range models.SourceTypes() {
		enabled := false
		for _, enabledType := range filter.Types {
			if t == enabledType {
				enabled = true
				break
			}
		}
		options = append(options, typeOption{Name: string(t), Enabled: enabled})
	}
	return filterView{
		Types: options,
		Time:  string(filter.Time),
		Sort:  string(filter.Sort),
	}
}
