package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/models"
)

// Backend is the client for the external research service, which exposes the
// retrieval endpoint and the answer-generation endpoint over a plain JSON
// request/response API. It implements both the Searcher and Generator
// interfaces of the conversation layer.
type Backend struct {
	baseURL string

	client *http.Client

	logger *slog.Logger
}

// NewBackend creates a Backend client for the service at baseURL. A zero
// timeout leaves request lifetimes to the caller's context.
func NewBackend(baseURL string, timeout time.Duration, logger *slog.Logger) Backend {
	return Backend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("module", "backend")),
	}
}

type searchRequest struct {
	Query string `json:"query"`
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

type chatResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}

func (b Backend) post(ctx context.Context, path string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s from %s", resp.Status, path)
	}
	return resp, nil
}

// Search sends the query to the retrieval endpoint and returns the ordered
// result records. Any transport or non-success failure is returned as an
// error; the caller degrades it to zero results.
func (b Backend) Search(ctx context.Context, query string) ([]models.SearchResult, error) {
	resp, err := b.post(ctx, "/api/search", searchRequest{Query: query})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var results []models.SearchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	b.logger.Debug("Search results",
		slog.String("query", query),
		slog.Int("count", len(results)))
	return results, nil
}

// Generate sends the user's message to the chat endpoint. The service returns
// one complete answer, which is delivered as a single chunk through the
// iterator; incremental delivery happens at the transport boundary only when
// a streaming provider is configured instead.
func (b Backend) Generate(ctx context.Context, req models.GenerateRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := b.post(ctx, "/api/chat", chatRequest{
			Message:        req.Prompt,
			ConversationID: req.SessionID,
		})
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			yield("", fmt.Errorf("error reading response: %w", err))
			return
		}

		var chat chatResponse
		if err := json.Unmarshal(raw, &chat); err != nil {
			yield("", fmt.Errorf("error decoding response: %w", err))
			return
		}

		yield(chat.Response, nil)
	}
}
