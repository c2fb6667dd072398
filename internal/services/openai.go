package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/Caeser-Zhang/AI-research-engine-with-backend/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI implements the Generator interface against an OpenAI-compatible
// chat-completion API, streaming real incremental chunks. It is an
// alternative to the research backend's single-response generation; retrieval
// context is folded into the system prompt.
type OpenAI struct {
	model        string
	systemPrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates an OpenAI generator with the given API key, model name,
// and system prompt. An empty baseURL targets the official API.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// sourceContext renders the selected sources into a context block appended to
// the system prompt, so providers without their own retrieval can still
// ground the answer.
func sourceContext(sources []models.Source) string {
	if len(sources) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("\n\nContext:\n")
	for _, src := range sources {
		fmt.Fprintf(&sb, "Source: %s\nURL: %s\nContent: %s\n\n", src.Title, src.URL, src.Snippet)
	}
	return sb.String()
}

// Generate streams a chat completion for the given turn. The returned
// iterator yields content deltas in arrival order.
func (o OpenAI) Generate(ctx context.Context, req models.GenerateRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.History)+1)
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.systemPrompt + sourceContext(req.Sources),
		})
		for _, msg := range req.History {
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}

		chatReq := goopenai.ChatCompletionRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   true,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}
