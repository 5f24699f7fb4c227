package threadstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/nbcon/assistant/internal/chat"
	"github.com/nbcon/assistant/internal/chat/feed"
	"github.com/nbcon/assistant/internal/session"
)

// Conversations binds a user session to the store and implements the
// conversation-store contract the session cache consumes.
type Conversations struct {
	store *Store
	meta  *session.Meta
}

var _ chat.ConversationStore = (*Conversations)(nil)

func NewConversations(store *Store, meta *session.Meta) (*Conversations, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if !meta.Valid() {
		return nil, errors.New("missing session metadata")
	}
	return &Conversations{store: store, meta: meta}, nil
}

func (c *Conversations) userID() string {
	return strings.TrimSpace(c.meta.UserPublicID)
}

func (c *Conversations) ListThreads(ctx context.Context) ([]chat.Thread, error) {
	if c == nil {
		return nil, errors.New("nil conversations")
	}
	rows, err := c.store.ListThreads(ctx, c.userID())
	if err != nil {
		return nil, err
	}
	out := make([]chat.Thread, 0, len(rows))
	for _, r := range rows {
		out = append(out, threadView(r))
	}
	return out, nil
}

func (c *Conversations) CreateOrReuseThread(ctx context.Context, title string, mode chat.Mode) (chat.Thread, error) {
	if c == nil {
		return chat.Thread{}, errors.New("nil conversations")
	}
	row, _, err := c.store.CreateOrReuseThread(ctx, c.userID(), title, string(mode), c.meta.NormalizedLanguage())
	if err != nil {
		return chat.Thread{}, err
	}
	return threadView(row), nil
}

func (c *Conversations) ListMessages(ctx context.Context, threadID string) ([]chat.Message, error) {
	if c == nil {
		return nil, errors.New("nil conversations")
	}
	rows, err := c.store.ListMessages(ctx, c.userID(), threadID)
	if err != nil {
		return nil, err
	}
	out := make([]chat.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, messageView(r))
	}
	return out, nil
}

func (c *Conversations) AppendMessage(ctx context.Context, m chat.Message) (string, error) {
	if c == nil {
		return "", errors.New("nil conversations")
	}
	attachments := ""
	if len(m.Attachments) > 0 {
		b, err := json.Marshal(m.Attachments)
		if err != nil {
			return "", err
		}
		attachments = string(b)
	}
	// The optimistic local id is not authoritative; the store assigns its own.
	return c.store.AppendMessage(ctx, c.userID(), Message{
		ThreadID:        m.ThreadID,
		Role:            string(m.Role),
		Content:         m.Content,
		Mode:            string(m.Mode),
		Language:        m.Language,
		AttachmentsJSON: attachments,
		CreatedAtUnixMs: m.AtUnixMs,
	})
}

func (c *Conversations) SetThreadStarred(ctx context.Context, threadID string, starred bool) error {
	if c == nil {
		return errors.New("nil conversations")
	}
	return c.store.SetThreadStarred(ctx, c.userID(), threadID, starred)
}

func (c *Conversations) SetThreadArchived(ctx context.Context, threadID string, archived bool) error {
	if c == nil {
		return errors.New("nil conversations")
	}
	return c.store.SetThreadArchived(ctx, c.userID(), threadID, archived)
}

func (c *Conversations) DeleteThread(ctx context.Context, threadID string) error {
	if c == nil {
		return errors.New("nil conversations")
	}
	return c.store.DeleteThread(ctx, c.userID(), threadID)
}

func (c *Conversations) Subscribe() *feed.Subscription {
	if c == nil {
		return nil
	}
	return c.store.Feed().Subscribe()
}

func threadView(r Thread) chat.Thread {
	return chat.Thread{
		ID:                  strings.TrimSpace(r.ThreadID),
		Title:               strings.TrimSpace(r.Title),
		Mode:                chat.NormalizeMode(r.Mode),
		Language:            strings.TrimSpace(r.Language),
		Starred:             r.Starred,
		Archived:            r.Archived,
		CreatedAtUnixMs:     r.CreatedAtUnixMs,
		UpdatedAtUnixMs:     r.UpdatedAtUnixMs,
		LastMessageAtUnixMs: r.LastMessageAtUnixMs,
		LastMessagePreview:  strings.TrimSpace(r.LastMessagePreview),
		MessageCount:        r.MessageCount,
	}
}

func messageView(r Message) chat.Message {
	m := chat.Message{
		ID:       strings.TrimSpace(r.MessageID),
		ThreadID: strings.TrimSpace(r.ThreadID),
		Role:     chat.Role(strings.TrimSpace(r.Role)),
		Content:  r.Content,
		Mode:     chat.Mode(strings.TrimSpace(r.Mode)),
		Language: strings.TrimSpace(r.Language),
		AtUnixMs: r.CreatedAtUnixMs,
	}
	if raw := strings.TrimSpace(r.AttachmentsJSON); raw != "" {
		_ = json.Unmarshal([]byte(raw), &m.Attachments)
	}
	return m
}
