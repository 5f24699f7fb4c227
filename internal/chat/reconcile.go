package chat

import (
	"strings"

	"github.com/nbcon/assistant/internal/chat/feed"
)

// applyFeedEvent folds one change-feed event into the cache. The feed is the
// store's authoritative echo, so its view wins over optimistic local state;
// inserts dedup by message id against messages the cache already holds.
func (c *SessionCache) applyFeedEvent(ev feed.Event) {
	if c == nil {
		return
	}
	switch ev.Type {
	case feed.EventTypeMessageInsert:
		if ev.Insert != nil {
			c.applyMessageInsert(ev.Insert)
		}
	case feed.EventTypeThreadUpdate:
		if ev.Update != nil {
			c.applyThreadUpdate(ev.Update)
		}
	case feed.EventTypeThreadDelete:
		if ev.Delete != nil {
			c.applyThreadDelete(ev.Delete)
		}
	}
}

func (c *SessionCache) applyMessageInsert(in *feed.MessageInsert) {
	threadID := strings.TrimSpace(in.ThreadID)
	messageID := strings.TrimSpace(in.MessageID)
	if threadID == "" || messageID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Messages for threads never opened locally are not cached; they load on
	// selection. Thread-level derived fields still arrive via thread_update.
	list, ok := c.messages[threadID]
	if !ok {
		return
	}
	for _, m := range list {
		if m.ID == messageID {
			return
		}
	}
	c.messages[threadID] = append(list, &Message{
		ID:       messageID,
		ThreadID: threadID,
		Role:     Role(strings.TrimSpace(in.Role)),
		Content:  in.Content,
		Mode:     NormalizeMode(in.Mode),
		Language: strings.TrimSpace(in.Language),
		AtUnixMs: in.CreatedAtMs,
	})
}

func (c *SessionCache) applyThreadUpdate(up *feed.ThreadUpdate) {
	threadID := strings.TrimSpace(up.ThreadID)
	if threadID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	th := c.findThreadLocked(threadID)
	if th == nil {
		// A thread created elsewhere in the session shows up at the front.
		t := &Thread{ID: threadID}
		applyThreadFields(t, up)
		c.threads = append([]*Thread{t}, c.threads...)
		return
	}
	applyThreadFields(th, up)
}

func applyThreadFields(t *Thread, up *feed.ThreadUpdate) {
	t.Title = strings.TrimSpace(up.Title)
	t.Mode = NormalizeMode(up.Mode)
	t.Starred = up.Starred
	t.Archived = up.Archived
	t.CreatedAtUnixMs = up.CreatedAtMs
	t.UpdatedAtUnixMs = up.UpdatedAtMs
	t.LastMessageAtUnixMs = up.LastMessageAtMs
	t.LastMessagePreview = strings.TrimSpace(up.Preview)
	t.MessageCount = up.MessageCount
}

func (c *SessionCache) applyThreadDelete(del *feed.ThreadDelete) {
	threadID := strings.TrimSpace(del.ThreadID)
	if threadID == "" {
		return
	}
	c.removeThread(threadID)
}
