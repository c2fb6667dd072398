package conversation

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/models"
	"github.com/google/uuid"
)

// Searcher retrieves reference documents for a query from the external
// retrieval service.
type Searcher interface {
	Search(ctx context.Context, query string) ([]models.SearchResult, error)
}

// Generator produces an answer for one user turn. The returned iterator
// yields content chunks in delivery order and potential errors.
type Generator interface {
	Generate(ctx context.Context, req models.GenerateRequest) iter.Seq2[string, error]
}

// Store defines the interface for session persistence. Implementations treat
// unreadable or corrupt storage as an empty store; write failures are
// returned so the controller can log them and carry on with its in-memory
// view.
type Store interface {
	Sessions(ctx context.Context) ([]models.Session, error)
	Session(ctx context.Context, id string) (models.Session, error)
	CreateSession(ctx context.Context, session models.Session) error
	UpdateSession(ctx context.Context, id string, update models.SessionUpdate) error
	DeleteSession(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, sessionID string, message models.Message) error
	UpdateMessage(ctx context.Context, sessionID string, message models.Message) error
}

// Notifier receives view-update events as a turn progresses. Implementations
// must be safe for use from the goroutine running the turn.
type Notifier interface {
	// MessageUpdated fires for every merged chunk and once more at
	// finalization.
	MessageUpdated(message models.Message)
	// SessionsChanged fires when the session list or its ordering changed.
	SessionsChanged()
}

// ErrTurnInFlight is returned when a submission or regeneration arrives while
// a turn is already generating. There is no queuing and no cancellation.
var ErrTurnInFlight = errors.New("a turn is already in flight")

// ErrNoUserTurn is returned when regeneration targets a message with no
// preceding user message.
var ErrNoUserTurn = errors.New("no preceding user message to regenerate from")

// ErrEmptyQuery is returned when a submission contains only whitespace.
var ErrEmptyQuery = errors.New("query is empty")

// ErrNoActiveSession is returned by operations that need an active session
// when none is loaded.
var ErrNoActiveSession = errors.New("no active session")

const backendUnreachableNotice = "\n\n[System Error: Unable to reach the generation backend. Please try again later.]"

// Turn describes one user submission from acceptance to finalization. The
// assistant message starts as a streaming placeholder and is finalized by
// Run.
type Turn struct {
	SessionID        string
	NewSession       bool
	UserMessage      models.Message
	AssistantMessage models.Message
}

// Controller orchestrates the lifecycle of conversation turns: session
// resolution, outbound search, generation with incremental delivery,
// persistence, and regeneration. It holds a transient view-state copy of the
// active session's messages and sources; the store remains the source of
// truth, reconciled after append and after finalization.
//
// At most one turn is in flight at a time. The design assumes a single active
// view and does not guard against concurrent views sharing the store.
type Controller struct {
	store     Store
	searcher  Searcher
	generator Generator
	notifier  Notifier

	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	messages  []models.Message
	sources   []models.Source
	inFlight  bool
}

// New creates a Controller over the given collaborators.
func New(store Store, searcher Searcher, generator Generator, logger *slog.Logger) *Controller {
	return &Controller{
		store:     store,
		searcher:  searcher,
		generator: generator,
		notifier:  noopNotifier{},
		logger:    logger.With(slog.String("module", "conversation")),
	}
}

// SetNotifier installs the view-update sink. Passing nil restores the no-op
// notifier.
func (c *Controller) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	c.notifier = n
}

type noopNotifier struct{}

func (noopNotifier) MessageUpdated(models.Message) {}
func (noopNotifier) SessionsChanged()              {}

// Begin accepts a user submission: it resolves or creates the active session,
// appends the user message, and creates the streaming assistant placeholder.
// The returned turn must be completed with Run, typically on its own
// goroutine. Begin fails with ErrTurnInFlight while another turn is
// generating.
func (c *Controller) Begin(ctx context.Context, text string) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyQuery
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return Turn{}, ErrTurnInFlight
	}
	c.inFlight = true
	c.mu.Unlock()

	turn, err := c.begin(ctx, text)
	if err != nil {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
		return Turn{}, err
	}
	return turn, nil
}

func (c *Controller) begin(ctx context.Context, text string) (Turn, error) {
	newSession := false

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	// A fresh session is persisted, with its seed source set, before any
	// message is recorded.
	if sessionID == "" {
		newSession = true
		sessionID = uuid.New().String()

		sources := c.seedSources(ctx, text)

		session := models.Session{
			ID:          sessionID,
			Title:       models.SessionTitle(text),
			LastUpdated: time.Now().UnixMilli(),
			Messages:    []models.Message{},
			Sources:     sources,
		}
		if err := c.store.CreateSession(ctx, session); err != nil {
			c.logger.Error("Failed to persist new session",
				slog.String("sessionID", sessionID),
				slog.String("err", err.Error()))
		}

		c.mu.Lock()
		c.sessionID = sessionID
		c.messages = nil
		c.sources = sources
		c.mu.Unlock()

		c.notifier.SessionsChanged()
	}

	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
	}

	// Optimistic view update first, then persistence.
	c.mu.Lock()
	c.messages = append(c.messages, userMsg)
	c.mu.Unlock()

	if err := c.store.AppendMessage(ctx, sessionID, userMsg); err != nil {
		c.logger.Error("Failed to persist user message",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
	}

	// The placeholder stays in memory until finalization persists it.
	assistantMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: time.Now().UnixMilli(),
		Streaming: true,
	}

	c.mu.Lock()
	c.messages = append(c.messages, assistantMsg)
	c.mu.Unlock()

	return Turn{
		SessionID:        sessionID,
		NewSession:       newSession,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
	}, nil
}

// seedSources issues the initial search for a new session. A transport
// failure or non-success response yields zero sources, not an error.
func (c *Controller) seedSources(ctx context.Context, query string) []models.Source {
	results, err := c.searcher.Search(ctx, query)
	if err != nil {
		c.logger.Error("Search failed, continuing with zero sources",
			slog.String("query", query),
			slog.String("err", err.Error()))
		return nil
	}

	now := time.Now()
	sources := make([]models.Source, len(results))
	for i, r := range results {
		// The retrieval service supplies neither a date nor a type; stamp
		// the arrival time and the default type here.
		sources[i] = models.Source{
			ID:         uuid.New().String(),
			Title:      r.Title,
			URL:        r.URL,
			Snippet:    r.Snippet,
			Date:       now,
			SourceType: models.SourceTypeWeb,
		}
	}
	return sources
}

// Run drives the turn to completion: it consumes the generator stream,
// merging chunks into the placeholder in arrival order, then finalizes the
// assistant message with a snapshot of the currently selected sources and
// persists it. A generation failure is delivered as a single in-band fallback
// chunk; the turn still finalizes. Run returns the finalized message.
func (c *Controller) Run(ctx context.Context, turn Turn) models.Message {
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	c.mu.Lock()
	// Exclude the placeholder from the history handed to the provider.
	history := slices.Clone(c.messages)
	if n := len(history); n > 0 && history[n-1].ID == turn.AssistantMessage.ID {
		history = history[:n-1]
	}
	selected := models.SelectedSources(c.sources)
	c.mu.Unlock()

	req := models.GenerateRequest{
		Prompt:    turn.UserMessage.Content,
		SessionID: turn.SessionID,
		History:   history,
		Sources:   selected,
	}

	for chunk, err := range c.generator.Generate(ctx, req) {
		if err != nil {
			c.logger.Error("Generation failed, delivering fallback notice",
				slog.String("sessionID", turn.SessionID),
				slog.String("err", err.Error()))
			c.mergeChunk(turn.AssistantMessage.ID, backendUnreachableNotice)
			break
		}
		c.mergeChunk(turn.AssistantMessage.ID, chunk)
	}

	final := c.finalize(turn, selected)

	if err := c.store.AppendMessage(ctx, turn.SessionID, final); err != nil {
		c.logger.Error("Failed to persist assistant message",
			slog.String("sessionID", turn.SessionID),
			slog.String("err", err.Error()))
	}

	c.notifier.MessageUpdated(final)
	c.notifier.SessionsChanged()

	return final
}

// mergeChunk appends chunk content to the streaming message. Content only
// grows until finalization.
func (c *Controller) mergeChunk(messageID, chunk string) {
	c.mu.Lock()
	idx := slices.IndexFunc(c.messages, func(m models.Message) bool { return m.ID == messageID })
	if idx == -1 {
		c.mu.Unlock()
		return
	}
	c.messages[idx].Content += chunk
	updated := c.messages[idx]
	c.mu.Unlock()

	c.notifier.MessageUpdated(updated)
}

func (c *Controller) finalize(turn Turn, selected []models.Source) models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := slices.IndexFunc(c.messages, func(m models.Message) bool { return m.ID == turn.AssistantMessage.ID })
	if idx == -1 {
		// The view moved to another session mid-stream; finalize the
		// detached copy so the store still records the turn.
		final := turn.AssistantMessage
		final.Streaming = false
		final.RelatedSources = selected
		return final
	}

	c.messages[idx].Streaming = false
	c.messages[idx].RelatedSources = selected
	return c.messages[idx]
}

// Regenerate rolls the in-memory message list back to just before the user
// message preceding the target assistant message, then re-runs the turn with
// that user message's original text and the current source selection. The
// rollback is not applied to the store; the new branch is appended after it.
// Regeneration of the first message, or of a non-assistant target, is
// rejected.
func (c *Controller) Regenerate(ctx context.Context, messageID string) (Turn, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return Turn{}, ErrTurnInFlight
	}

	idx := slices.IndexFunc(c.messages, func(m models.Message) bool { return m.ID == messageID })
	if idx <= 0 || c.messages[idx].Role != models.RoleAssistant || c.messages[idx-1].Role != models.RoleUser {
		c.mu.Unlock()
		return Turn{}, ErrNoUserTurn
	}

	text := c.messages[idx-1].Content
	c.messages = c.messages[:idx-1]
	c.mu.Unlock()

	return c.Begin(ctx, text)
}

// Rate applies toggle-to-none rating semantics to a message in the active
// session and persists the result.
func (c *Controller) Rate(ctx context.Context, messageID string, rating models.Rating) (models.Message, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	idx := slices.IndexFunc(c.messages, func(m models.Message) bool { return m.ID == messageID })
	if idx == -1 {
		c.mu.Unlock()
		return models.Message{}, models.ErrMessageNotFound
	}
	c.messages[idx].ApplyRating(rating)
	updated := c.messages[idx]
	c.mu.Unlock()

	if err := c.store.UpdateMessage(ctx, sessionID, updated); err != nil {
		c.logger.Error("Failed to persist rating",
			slog.String("messageID", messageID),
			slog.String("err", err.Error()))
	}
	return updated, nil
}

// ToggleSource flips the selection flag of one source and persists the
// session's source list. It returns the updated list.
func (c *Controller) ToggleSource(ctx context.Context, sourceID string) ([]models.Source, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	if sessionID == "" {
		c.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	idx := slices.IndexFunc(c.sources, func(s models.Source) bool { return s.ID == sourceID })
	if idx == -1 {
		c.mu.Unlock()
		return nil, models.ErrSourceNotFound
	}
	c.sources[idx].ToggleSelected()
	updated := slices.Clone(c.sources)
	c.mu.Unlock()

	if err := c.store.UpdateSession(ctx, sessionID, models.SessionUpdate{Sources: updated}); err != nil {
		c.logger.Error("Failed to persist source selection",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
	}
	return updated, nil
}

// SelectAllSources marks every source in the active session selected and
// persists the list.
func (c *Controller) SelectAllSources(ctx context.Context) ([]models.Source, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	if sessionID == "" {
		c.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	for i := range c.sources {
		c.sources[i].Selected = nil
	}
	updated := slices.Clone(c.sources)
	c.mu.Unlock()

	if err := c.store.UpdateSession(ctx, sessionID, models.SessionUpdate{Sources: updated}); err != nil {
		c.logger.Error("Failed to persist source selection",
			slog.String("sessionID", sessionID),
			slog.String("err", err.Error()))
	}
	return updated, nil
}

// Sessions lists all sessions, most recently updated first.
func (c *Controller) Sessions(ctx context.Context) ([]models.Session, error) {
	return c.store.Sessions(ctx)
}

// Open loads a session from the store into the controller's view state.
func (c *Controller) Open(ctx context.Context, sessionID string) (models.Session, error) {
	session, err := c.store.Session(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}

	c.mu.Lock()
	c.sessionID = session.ID
	c.messages = slices.Clone(session.Messages)
	c.sources = slices.Clone(session.Sources)
	c.mu.Unlock()

	return session, nil
}

// Reset detaches the controller from the active session so the next
// submission starts a fresh one.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.sessionID = ""
	c.messages = nil
	c.sources = nil
	c.mu.Unlock()
}

// DeleteSession removes a session from the store. Deleting the active session
// also resets the view state. Absent ids are a silent no-op.
func (c *Controller) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	c.mu.Lock()
	if c.sessionID == sessionID {
		c.sessionID = ""
		c.messages = nil
		c.sources = nil
	}
	c.mu.Unlock()

	c.notifier.SessionsChanged()
	return nil
}

// ActiveSessionID returns the id of the loaded session, or empty when none is
// active.
func (c *Controller) ActiveSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Messages returns a snapshot of the active session's message list.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Sources returns a snapshot of the active session's source list.
func (c *Controller) Sources() []models.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sources)
}

// FilteredSources applies a derived view filter over the active session's
// sources, evaluated at the current moment.
func (c *Controller) FilteredSources(filter models.SourceFilter) []models.Source {
	return models.FilterSources(c.Sources(), filter, time.Now())
}

// Generating reports whether a turn is currently in flight.
func (c *Controller) Generating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}
