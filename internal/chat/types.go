package chat

// This package implements the assistant's thread session cache: a
// single-writer view of the caller's conversations, with optimistic sends and
// real-time reconciliation against the conversation store's change feed.

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/nbcon/assistant/internal/chat/feed"
)

// Mode is the functional context of a thread. Beyond the built-in modes, any
// service mode configured in the mode catalog is a valid value.
type Mode string

const (
	ModeChat       Mode = "chat"
	ModeResearch   Mode = "research"
	ModeImage      Mode = "image"
	ModeAgent      Mode = "agent"
	ModeConnectors Mode = "connectors"
)

func (m Mode) IsBuiltin() bool {
	switch m {
	case ModeChat, ModeResearch, ModeImage, ModeAgent, ModeConnectors:
		return true
	default:
		return false
	}
}

// NormalizeMode trims the raw value and falls back to chat when empty.
func NormalizeMode(raw string) Mode {
	v := strings.TrimSpace(strings.ToLower(raw))
	if v == "" {
		return ModeChat
	}
	return Mode(v)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultThreadTitle is the title the store assigns to threads created
// without an explicit title.
const DefaultThreadTitle = "New Conversation"

// previewMaxChars caps the cached last-message preview on a thread.
const previewMaxChars = 100

// Thread is one conversation. IDs are store-assigned; the cache never mints
// thread ids.
type Thread struct {
	ID                  string `json:"thread_id"`
	Title               string `json:"title"`
	Mode                Mode   `json:"mode"`
	Language            string `json:"language,omitempty"`
	Starred             bool   `json:"starred"`
	Archived            bool   `json:"archived"`
	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
	MessageCount        int    `json:"message_count"`
}

type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url"`
}

// Message is one turn in a thread. Optimistic local messages carry a
// client-generated id (msg_<unixms>_<random>) that is replaced by the
// store-assigned id once persistence succeeds.
type Message struct {
	ID          string       `json:"message_id"`
	ThreadID    string       `json:"thread_id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Mode        Mode         `json:"mode,omitempty"`
	Language    string       `json:"language,omitempty"`
	AtUnixMs    int64        `json:"at_unix_ms"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Streaming is true only while an assistant placeholder awaits its
	// completion; the placeholder is mutated in place, never replaced.
	Streaming bool `json:"streaming,omitempty"`

	// Unsent marks an optimistic user message whose persistence failed.
	Unsent bool `json:"unsent,omitempty"`

	// ErrorText is the user-facing failure string; ErrorDetail keeps the
	// underlying error for diagnostics.
	ErrorText   string `json:"error,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// MessageUpdate is a partial, merged into a message by UpdateMessage.
type MessageUpdate struct {
	Content     *string
	Streaming   *bool
	Unsent      *bool
	ErrorText   *string
	ErrorDetail *string
}

// Composer is the transient input-box state, owned exclusively by the cache.
type Composer struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`

	IsRecording         bool   `json:"is_recording,omitempty"`
	RecordingDurationMs int64  `json:"recording_duration_ms,omitempty"`
	Transcript          string `json:"transcript,omitempty"`

	Language  string `json:"language"`
	Translate bool   `json:"translate,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// Settings are process-wide UI preferences, initialized once at cache
// construction and mutated by explicit toggles.
type Settings struct {
	RTL           bool    `json:"rtl"`
	Calendar      string  `json:"calendar"` // gregorian|hijri
	Temperature   float64 `json:"temperature"`
	VoiceEnabled  bool    `json:"voice_enabled"`
	AutoTranslate bool    `json:"auto_translate"`
}

// ConversationStore is the remote conversation store contract consumed by the
// cache. The store is the durable source of truth and is authoritative on
// conflict; create-or-reuse dedup of empty threads per mode is a store-side
// guarantee.
type ConversationStore interface {
	ListThreads(ctx context.Context) ([]Thread, error)

	// CreateOrReuseThread returns an existing empty thread of the same mode
	// when one exists, rather than creating a second one.
	CreateOrReuseThread(ctx context.Context, title string, mode Mode) (Thread, error)

	ListMessages(ctx context.Context, threadID string) ([]Message, error)

	// AppendMessage persists a message and returns the store-assigned id.
	AppendMessage(ctx context.Context, m Message) (string, error)

	SetThreadStarred(ctx context.Context, threadID string, starred bool) error
	SetThreadArchived(ctx context.Context, threadID string, archived bool) error
	DeleteThread(ctx context.Context, threadID string) error

	// Subscribe opens a live change-feed subscription.
	Subscribe() *feed.Subscription
}

// NewLocalMessageID generates a client-side optimistic message id. It is a
// temporary key only and is never sent to the store as authoritative.
func NewLocalMessageID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("msg_%d_0", time.Now().UnixMilli())
	}
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), base64.RawURLEncoding.EncodeToString(b))
}

func buildPreview(content string) string {
	content = strings.ReplaceAll(content, "\n", " ")
	content = strings.ReplaceAll(content, "\r", " ")
	content = strings.TrimSpace(content)
	return truncateRunes(content, previewMaxChars)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
