package completion

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

type openAIClient struct {
	client openai.Client
}

func newOpenAIClient(apiKey string, baseURL string) *openAIClient {
	opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIClient{client: openai.NewClient(opts...)}
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (Result, error) {
	if c == nil {
		return Result{}, errors.New("nil client")
	}
	if strings.TrimSpace(req.Model) == "" {
		return Result{}, errors.New("missing model")
	}
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, errors.New("missing text")
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, maxHistoryTurns+2)
	msgs = append(msgs, openai.SystemMessage(buildSystemPrompt(req)))
	for _, t := range clampHistory(req.History) {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		if strings.TrimSpace(strings.ToLower(t.Role)) == "assistant" {
			msgs = append(msgs, openai.AssistantMessage(text))
			continue
		}
		msgs = append(msgs, openai.UserMessage(text))
	}
	msgs = append(msgs, openai.UserMessage(strings.TrimSpace(req.Text)))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(strings.TrimSpace(req.Model)),
		Messages: msgs,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	started := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Result{}, err
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("empty completion response")
	}

	return Result{
		Text:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		ProcessingMs: time.Since(started).Milliseconds(),
	}, nil
}
