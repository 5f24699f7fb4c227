package chat

import (
	"context"

	"github.com/nbcon/assistant/internal/chat/feed"
)

// Hydrate populates the cache from the store exactly once: the thread list,
// the most recent thread's messages, and a live feed subscription. Concurrent
// and repeated calls are no-ops; a store failure still marks the cache
// hydrated so the caller lands on an empty session instead of a retry loop.
func (c *SessionCache) Hydrate(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.hydrated || c.hydrating || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.hydrating = true
	c.mu.Unlock()

	threads, err := c.store.ListThreads(ctx)
	if err != nil {
		c.log.Warn("hydration failed", "error", err)
		c.mu.Lock()
		c.hydrating = false
		c.hydrated = true
		c.mu.Unlock()
		return nil
	}

	// Only the most recent thread's messages are fetched eagerly; the rest
	// load lazily on selection.
	var first []Message
	if len(threads) > 0 {
		first, err = c.store.ListMessages(ctx, threads[0].ID)
		if err != nil {
			c.log.Warn("initial message fetch failed", "thread_id", threads[0].ID, "error", err)
			first = nil
		}
	}

	lang := c.meta.NormalizedLanguage()

	c.mu.Lock()
	c.threads = make([]*Thread, 0, len(threads))
	for i := range threads {
		t := threads[i]
		c.threads = append(c.threads, &t)
	}
	c.messages = make(map[string][]*Message)
	if len(threads) > 0 {
		list := make([]*Message, 0, len(first))
		for i := range first {
			m := first[i]
			list = append(list, &m)
		}
		c.messages[threads[0].ID] = list
		c.activeThreadID = threads[0].ID
		c.mode = threads[0].Mode
	} else {
		c.activeThreadID = ""
		c.mode = ModeChat
	}
	c.composer.Language = lang
	c.composer.Hint = c.modes.Hint(string(c.mode), lang)
	c.hydrating = false
	c.hydrated = true
	c.mu.Unlock()

	c.resubscribe()
	c.log.Info("session hydrated", "threads", len(threads), "user", c.meta.UserPublicID)
	return nil
}

// resubscribe tears down any existing feed subscription before opening a new
// one, so at most one reconcile loop runs per cache.
func (c *SessionCache) resubscribe() {
	c.mu.Lock()
	old := c.sub
	c.sub = nil
	closed := c.closed
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if closed {
		return
	}

	sub := c.store.Subscribe()
	if sub == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Close()
		return
	}
	c.sub = sub
	c.mu.Unlock()
	go c.feedLoop(sub)
}

func (c *SessionCache) feedLoop(sub *feed.Subscription) {
	for ev := range sub.Events() {
		c.applyFeedEvent(ev)
	}
}
