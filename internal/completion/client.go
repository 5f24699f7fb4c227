// Package completion is the assistant's client for the completion service:
// it turns a user message plus a short trailing history into a generated
// reply with token-usage counters.
package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// maxHistoryTurns caps the trailing conversation window sent to a provider.
const maxHistoryTurns = 10

type Turn struct {
	Role string `json:"role"` // user|assistant
	Text string `json:"text"`
}

type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url"`
}

type Request struct {
	Model    string `json:"model"`
	ThreadID string `json:"thread_id"`

	Text     string `json:"text"`
	Mode     string `json:"mode,omitempty"`
	Language string `json:"language,omitempty"`

	// Role is the caller's marketplace role (engineer|client|enterprise|admin),
	// folded into the system context.
	Role string `json:"role,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// History is the trailing window of prior turns, oldest first. Providers
	// clamp it to the last ten turns.
	History []Turn `json:"history,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type Result struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	Usage        Usage  `json:"usage"`
	ProcessingMs int64  `json:"processing_ms"`
}

// Client generates one assistant reply per call. Implementations must honor
// context cancellation.
type Client interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// New builds a provider client. Supported providers: anthropic, openai.
func New(provider string, apiKey string, baseURL string) (Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("missing api key")
	}
	switch strings.TrimSpace(strings.ToLower(provider)) {
	case "anthropic":
		return newAnthropicClient(apiKey, baseURL), nil
	case "openai":
		return newOpenAIClient(apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

func clampHistory(history []Turn) []Turn {
	if len(history) <= maxHistoryTurns {
		return history
	}
	return history[len(history)-maxHistoryTurns:]
}

// buildSystemPrompt folds the caller's role, language and mode into the
// provider system context. Arabic sessions get an Arabic reply instruction.
func buildSystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are the nbcon assistant for an engineering-services marketplace covering Saudi Arabia.")

	role := strings.TrimSpace(strings.ToLower(req.Role))
	switch role {
	case "engineer":
		b.WriteString(" The user is a licensed engineer offering services on the platform.")
	case "enterprise":
		b.WriteString(" The user manages an enterprise account procuring engineering services.")
	case "admin":
		b.WriteString(" The user is a platform administrator.")
	default:
		b.WriteString(" The user is a client procuring engineering services.")
	}

	if mode := strings.TrimSpace(strings.ToLower(req.Mode)); mode != "" && mode != "chat" {
		fmt.Fprintf(&b, " The conversation mode is %q; keep answers focused on that task.", mode)
	}
	if strings.TrimSpace(strings.ToLower(req.Language)) == "ar" {
		b.WriteString(" Reply in Arabic unless the user writes in another language.")
	}
	if len(req.Attachments) > 0 {
		b.WriteString(" The user referenced these attachments:")
		for _, a := range req.Attachments {
			fmt.Fprintf(&b, " %s (%s)", strings.TrimSpace(a.Name), strings.TrimSpace(a.URL))
		}
		b.WriteString(".")
	}
	return b.String()
}
