package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nbcon/assistant/internal/completion"
)

// genericCompletionError is the user-facing text on a failed generation; the
// underlying error goes to ErrorDetail and the log.
const genericCompletionError = "Something went wrong while generating a reply. Please try again."

// SendMessage runs the full optimistic send: the user's message appears
// immediately, a streaming assistant placeholder follows, and the completion
// result settles the placeholder in place. The call blocks until the
// completion settles or fails; persistence of the user message happens in the
// background and never delays the send.
func (c *SessionCache) SendMessage(ctx context.Context, content string, attachments []Attachment) error {
	if c == nil {
		return errors.New("nil cache")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return errors.New("empty message")
	}

	c.mu.Lock()
	active := c.activeThreadID
	mode := c.mode
	c.mu.Unlock()

	// Sending without a selected thread creates one in the current mode.
	if active == "" {
		th, err := c.NewThread(ctx, mode)
		if err != nil {
			return err
		}
		active = th.ID
		mode = th.Mode
	}

	lang := c.meta.NormalizedLanguage()
	now := time.Now().UnixMilli()

	userMsg := &Message{
		ID:          NewLocalMessageID(),
		ThreadID:    active,
		Role:        RoleUser,
		Content:     content,
		Mode:        mode,
		Language:    lang,
		AtUnixMs:    now,
		Attachments: attachments,
	}
	placeholder := &Message{
		ID:        NewLocalMessageID(),
		ThreadID:  active,
		Role:      RoleAssistant,
		Mode:      mode,
		Language:  lang,
		AtUnixMs:  now,
		Streaming: true,
	}

	sendCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.addMessageLocked(userMsg)
	c.composer.Text = ""
	c.composer.Attachments = nil
	c.composer.Transcript = ""
	history := c.historyLocked(active, userMsg.ID)
	c.addMessageLocked(placeholder)
	c.generating = true
	c.cancels[placeholder.ID] = cancel
	temp := c.settings.Temperature
	c.mu.Unlock()

	go c.persistUserMessage(active, userMsg.ID, *userMsg)

	req := completion.Request{
		Model:    c.modelFor(mode),
		ThreadID: active,
		Text:     content,
		Mode:     string(mode),
		Language: lang,
		Role:     c.meta.NormalizedRole(),
		History:  history,
	}
	for _, a := range attachments {
		req.Attachments = append(req.Attachments, completion.Attachment{
			Name:     a.Name,
			MimeType: a.MimeType,
			URL:      a.URL,
		})
	}
	if temp > 0 {
		t := temp
		req.Temperature = &t
	}

	res, genErr := c.completion.Generate(sendCtx, req)
	cancel()

	c.mu.Lock()
	delete(c.cancels, placeholder.ID)
	settled := !c.isStreamingLocked(active, placeholder.ID)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.generating = false
		c.mu.Unlock()
	}()

	// A stop while we waited already settled the placeholder; the late
	// result is discarded.
	if settled {
		return nil
	}

	if genErr != nil {
		c.log.Warn("completion failed", "thread_id", active, "mode", string(mode), "error", genErr)
		c.settlePlaceholderError(placeholder.ID, genErr)
		return genErr
	}
	if strings.TrimSpace(res.Text) == "" {
		err := errors.New("empty completion response")
		c.log.Warn("completion failed", "thread_id", active, "mode", string(mode), "error", err)
		c.settlePlaceholderError(placeholder.ID, err)
		return err
	}

	assistantID := c.persistAssistantMessage(active, placeholder.ID, res, mode, lang)

	text := res.Text
	streaming := false
	c.UpdateMessage(assistantID, MessageUpdate{Content: &text, Streaming: &streaming})

	if c.usage != nil {
		c.usage.RecordCompletion(context.Background(), active, res.Model, string(mode), res.Usage, res.ProcessingMs)
	}
	return nil
}

// persistUserMessage writes the optimistic user message in the background.
// On success the local id is rewritten to the store-assigned one; on failure
// the message is marked unsent and kept visible.
func (c *SessionCache) persistUserMessage(threadID string, localID string, m Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.persistTO)
	defer cancel()

	id, err := c.store.AppendMessage(ctx, m)
	if err != nil {
		c.log.Warn("user message persistence failed", "thread_id", threadID, "error", err)
		unsent := true
		c.UpdateMessage(localID, MessageUpdate{Unsent: &unsent})
		return
	}
	c.rewriteMessageID(threadID, localID, id)
}

// persistAssistantMessage writes the completed reply before the placeholder
// settles, so the feed echo carries an id the cache already knows. Returns
// the id the placeholder now carries.
func (c *SessionCache) persistAssistantMessage(threadID string, placeholderID string, res completion.Result, mode Mode, lang string) string {
	ctx, cancel := context.WithTimeout(context.Background(), c.persistTO)
	defer cancel()

	id, err := c.store.AppendMessage(ctx, Message{
		ThreadID: threadID,
		Role:     RoleAssistant,
		Content:  res.Text,
		Mode:     mode,
		Language: lang,
		AtUnixMs: time.Now().UnixMilli(),
	})
	if err != nil {
		c.log.Warn("assistant message persistence failed", "thread_id", threadID, "error", err)
		return placeholderID
	}
	c.rewriteMessageID(threadID, placeholderID, id)
	return id
}

func (c *SessionCache) settlePlaceholderError(placeholderID string, cause error) {
	streaming := false
	errText := genericCompletionError
	detail := cause.Error()
	c.UpdateMessage(placeholderID, MessageUpdate{
		Streaming:   &streaming,
		ErrorText:   &errText,
		ErrorDetail: &detail,
	})
}

// historyLocked builds the trailing conversation window for the completion
// request: settled turns only, oldest first, capped at the provider window.
func (c *SessionCache) historyLocked(threadID string, excludeID string) []completion.Turn {
	list := c.messages[threadID]
	turns := make([]completion.Turn, 0, len(list))
	for _, m := range list {
		if m.ID == excludeID || m.Streaming || m.ErrorText != "" {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		turns = append(turns, completion.Turn{Role: string(m.Role), Text: text})
	}
	const window = 10
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	return turns
}

func (c *SessionCache) isStreamingLocked(threadID string, messageID string) bool {
	for _, m := range c.messages[threadID] {
		if m.ID == messageID {
			return m.Streaming
		}
	}
	return false
}

func (c *SessionCache) modelFor(mode Mode) string {
	if m := c.modes.DefaultModel(string(mode)); strings.TrimSpace(m) != "" {
		return m
	}
	return c.model
}
