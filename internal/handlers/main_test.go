package handlers_test

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/conversation"
	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/handlers"
	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/models"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	order    []string
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]*models.Session{}}
}

func (s *memStore) Sessions(context.Context) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]models.Session, 0, len(s.order))
	for _, id := range s.order {
		sessions = append(sessions, *s.sessions[id])
	}
	return sessions, nil
}

func (s *memStore) Session(_ context.Context, id string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.Session{}, models.ErrSessionNotFound
	}
	return *session, nil
}

func (s *memStore) CreateSession(_ context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return nil
	}
	s.sessions[session.ID] = &session
	s.order = append(s.order, session.ID)
	return nil
}

func (s *memStore) UpdateSession(_ context.Context, id string, update models.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.ErrSessionNotFound
	}
	if update.Title != nil {
		session.Title = *update.Title
	}
	if update.Sources != nil {
		session.Sources = update.Sources
	}
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memStore) AppendMessage(_ context.Context, sessionID string, message models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok {
		session.Messages = append(session.Messages, message)
	}
	return nil
}

func (s *memStore) UpdateMessage(_ context.Context, sessionID string, message models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	for i := range session.Messages {
		if session.Messages[i].ID == message.ID {
			session.Messages[i] = message
		}
	}
	return nil
}

type stubSearcher struct {
	results []models.SearchResult
}

func (s *stubSearcher) Search(context.Context, string) ([]models.SearchResult, error) {
	return s.results, nil
}

type stubGenerator struct {
	chunks  []string
	release chan struct{}
	done    chan struct{}
}

func (g *stubGenerator) Generate(context.Context, models.GenerateRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if g.release != nil {
			<-g.release
		}
		for _, chunk := range g.chunks {
			if !yield(chunk, nil) {
				return
			}
		}
		if g.done != nil {
			close(g.done)
		}
	}
}

func newTestHandlers(t *testing.T, store conversation.Store, searcher conversation.Searcher, generator conversation.Generator) (*handlers.Main, *conversation.Controller) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conv := conversation.New(store, searcher, generator, logger)
	m, err := handlers.NewMain(conv, logger)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	return m, conv
}

func postForm(t *testing.T, handler http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

// runTurn submits a message and waits for the generation to finish so the
// controller is idle for the next step.
func runTurn(t *testing.T, m *handlers.Main, conv *conversation.Controller, generator *stubGenerator, message string) {
	t.Helper()
	generator.done = make(chan struct{})

	w := postForm(t, m.HandleChats, "/chats", url.Values{"message": {message}})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats status = %d, body: %s", w.Code, w.Body.String())
	}

	select {
	case <-generator.done:
	case <-time.After(time.Second):
		t.Fatal("generation did not finish")
	}
	// Run persists and notifies shortly after the last chunk.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		if !conv.Generating() {
			return
		}
	}
	t.Fatal("turn did not finalize")
}

func TestHandleHome(t *testing.T) {
	store := newMemStore()
	session := models.Session{
		ID:          "s1",
		Title:       "Quantum entanglement",
		LastUpdated: time.Now().UnixMilli(),
		Messages: []models.Message{
			{ID: "m1", Role: models.RoleUser, Content: "What is it?", Timestamp: time.Now().UnixMilli()},
			{ID: "m2", Role: models.RoleAssistant, Content: "A correlation.", Timestamp: time.Now().UnixMilli()},
		},
		Sources: []models.Source{
			{ID: "src1", Title: "EPR paper", URL: "https://example.com", Date: time.Now(), SourceType: models.SourceTypeAcademic},
		},
	}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatal(err)
	}

	m, conv := newTestHandlers(t, store, &stubSearcher{}, &stubGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	m.HandleHome(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleHome status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"Quantum entanglement", "What is it?", "A correlation.", "EPR paper"} {
		if !strings.Contains(body, want) {
			t.Errorf("home page missing %q", want)
		}
	}

	// With no explicit session the most recent one is opened.
	if conv.ActiveSessionID() != "s1" {
		t.Errorf("ActiveSessionID() = %q, want s1", conv.ActiveSessionID())
	}
}

func TestHandleHomeUnknownSession(t *testing.T) {
	m, _ := newTestHandlers(t, newMemStore(), &stubSearcher{}, &stubGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/?session_id=missing", nil)
	w := httptest.NewRecorder()
	m.HandleHome(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("HandleHome status = %d, want 404", w.Code)
	}
}

func TestHandleChatsValidation(t *testing.T) {
	m, _ := newTestHandlers(t, newMemStore(), &stubSearcher{}, &stubGenerator{})

	req := httptest.NewRequest(http.MethodGet, "/chats", nil)
	w := httptest.NewRecorder()
	m.HandleChats(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /chats status = %d, want 405", w.Code)
	}

	w = postForm(t, m.HandleChats, "/chats", url.Values{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("POST /chats without message status = %d, want 400", w.Code)
	}
}

func TestHandleChatsNewSession(t *testing.T) {
	store := newMemStore()
	searcher := &stubSearcher{results: []models.SearchResult{
		{Title: "EPR paper", URL: "https://example.com", Snippet: "..."},
	}}
	generator := &stubGenerator{chunks: []string{"An answer."}}

	m, conv := newTestHandlers(t, store, searcher, generator)

	runTurn(t, m, conv, generator, "What is quantum entanglement?")

	sessionID := conv.ActiveSessionID()
	if sessionID == "" {
		t.Fatal("no session was created")
	}

	stored, err := store.Session(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("session was not persisted: %v", err)
	}
	if len(stored.Messages) != 2 {
		t.Errorf("store has %d messages, want 2", len(stored.Messages))
	}
	if len(stored.Sources) != 1 {
		t.Errorf("store has %d sources, want 1", len(stored.Sources))
	}
}

func TestHandleChatsExistingSession(t *testing.T) {
	store := newMemStore()
	generator := &stubGenerator{chunks: []string{"First."}}

	m, conv := newTestHandlers(t, store, &stubSearcher{}, generator)

	runTurn(t, m, conv, generator, "first question")

	generator.chunks = []string{"Second."}
	generator.done = make(chan struct{})

	w := postForm(t, m.HandleChats, "/chats", url.Values{
		"message":    {"second question"},
		"session_id": {conv.ActiveSessionID()},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats status = %d, body: %s", w.Code, w.Body.String())
	}
	// The existing-session response carries just the new message pair.
	if !strings.Contains(w.Body.String(), "second question") {
		t.Errorf("response missing the submitted message: %s", w.Body.String())
	}

	select {
	case <-generator.done:
	case <-time.After(time.Second):
		t.Fatal("generation did not finish")
	}
}

func TestHandleChatsInFlight(t *testing.T) {
	store := newMemStore()
	generator := &stubGenerator{chunks: []string{"slow"}, release: make(chan struct{})}

	m, _ := newTestHandlers(t, store, &stubSearcher{}, generator)

	w := postForm(t, m.HandleChats, "/chats", url.Values{"message": {"first"}})
	if w.Code != http.StatusOK {
		t.Fatalf("first HandleChats status = %d", w.Code)
	}

	w = postForm(t, m.HandleChats, "/chats", url.Values{"message": {"second"}})
	if w.Code != http.StatusConflict {
		t.Errorf("second HandleChats status = %d, want 409", w.Code)
	}

	close(generator.release)
}

func TestHandleRate(t *testing.T) {
	store := newMemStore()
	generator := &stubGenerator{chunks: []string{"An answer."}}

	m, conv := newTestHandlers(t, store, &stubSearcher{}, generator)

	runTurn(t, m, conv, generator, "question")

	msgs := conv.Messages()
	assistantID := msgs[1].ID

	w := postForm(t, m.HandleRate, "/messages/rate", url.Values{
		"message_id": {assistantID},
		"rating":     {"up"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("HandleRate status = %d, body: %s", w.Code, w.Body.String())
	}

	if conv.Messages()[1].Rating != models.RatingUp {
		t.Errorf("rating = %q, want up", conv.Messages()[1].Rating)
	}

	w = postForm(t, m.HandleRate, "/messages/rate", url.Values{
		"message_id": {assistantID},
		"rating":     {"sideways"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid rating status = %d, want 400", w.Code)
	}

	w = postForm(t, m.HandleRate, "/messages/rate", url.Values{
		"message_id": {"unknown"},
		"rating":     {"up"},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown message status = %d, want 404", w.Code)
	}
}

func TestHandleRegenerateRejectsUserMessage(t *testing.T) {
	store := newMemStore()
	generator := &stubGenerator{chunks: []string{"An answer."}}

	m, conv := newTestHandlers(t, store, &stubSearcher{}, generator)

	runTurn(t, m, conv, generator, "question")

	userID := conv.Messages()[0].ID
	w := postForm(t, m.HandleRegenerate, "/chats/regenerate", url.Values{"message_id": {userID}})
	if w.Code != http.StatusNoContent {
		t.Errorf("HandleRegenerate status = %d, want 204", w.Code)
	}
}

func TestHandleSources(t *testing.T) {
	store := newMemStore()
	searcher := &stubSearcher{results: []models.SearchResult{
		{Title: "EPR paper", URL: "https://example.com", Snippet: "spooky action"},
	}}
	generator := &stubGenerator{chunks: []string{"An answer."}}

	m, conv := newTestHandlers(t, store, searcher, generator)

	runTurn(t, m, conv, generator, "question")

	req := httptest.NewRequest(http.MethodGet, "/sources?time=week&sort=date", nil)
	w := httptest.NewRecorder()
	m.HandleSources(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleSources status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "EPR paper") {
		t.Errorf("sources panel missing the seeded source: %s", w.Body.String())
	}
}

func TestHandleSourceToggleWithoutSession(t *testing.T) {
	m, _ := newTestHandlers(t, newMemStore(), &stubSearcher{}, &stubGenerator{})

	w := postForm(t, m.HandleSourceToggle, "/sources/toggle", url.Values{"source_id": {"x"}})
	if w.Code != http.StatusNotFound {
		t.Errorf("HandleSourceToggle status = %d, want 404", w.Code)
	}
}

func TestHandleNewSession(t *testing.T) {
	store := newMemStore()
	generator := &stubGenerator{chunks: []string{"An answer."}}

	m, conv := newTestHandlers(t, store, &stubSearcher{}, generator)

	runTurn(t, m, conv, generator, "question")
	if conv.ActiveSessionID() == "" {
		t.Fatal("no session was created")
	}

	w := postForm(t, m.HandleNewSession, "/sessions/new", url.Values{})
	if w.Code != http.StatusSeeOther {
		t.Errorf("HandleNewSession status = %d, want 303", w.Code)
	}
	if conv.ActiveSessionID() != "" {
		t.Error("HandleNewSession did not detach the session")
	}
}

func TestHandleDeleteSession(t *testing.T) {
	store := newMemStore()
	generator := &stubGenerator{chunks: []string{"An answer."}}

	m, conv := newTestHandlers(t, store, &stubSearcher{}, generator)

	runTurn(t, m, conv, generator, "question")
	sessionID := conv.ActiveSessionID()

	w := postForm(t, m.HandleDeleteSession, "/sessions/delete", url.Values{"session_id": {sessionID}})
	if w.Code != http.StatusSeeOther {
		t.Errorf("HandleDeleteSession status = %d, want 303", w.Code)
	}
	if _, err := store.Session(context.Background(), sessionID); err != models.ErrSessionNotFound {
		t.Errorf("session still in store after delete: %v", err)
	}
}
