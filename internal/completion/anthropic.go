package completion

import (
	"context"
	"errors"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 2048

type anthropicClient struct {
	client anthropic.Client
}

func newAnthropicClient(apiKey string, baseURL string) *anthropicClient {
	opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicClient{client: anthropic.NewClient(opts...)}
}

func (c *anthropicClient) Generate(ctx context.Context, req Request) (Result, error) {
	if c == nil {
		return Result{}, errors.New("nil client")
	}
	if strings.TrimSpace(req.Model) == "" {
		return Result{}, errors.New("missing model")
	}
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, errors.New("missing text")
	}

	msgs := make([]anthropic.MessageParam, 0, maxHistoryTurns+1)
	for _, t := range clampHistory(req.History) {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		if strings.TrimSpace(strings.ToLower(t.Role)) == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
			continue
		}
		msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(strings.TrimSpace(req.Text))))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: anthropicDefaultMaxTokens,
		Messages:  msgs,
		System:    []anthropic.TextBlockParam{{Text: buildSystemPrompt(req)}},
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	started := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Result{}, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	return Result{
		Text:  strings.TrimSpace(text.String()),
		Model: string(msg.Model),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
		ProcessingMs: time.Since(started).Milliseconds(),
	}, nil
}
