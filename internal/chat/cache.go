package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nbcon/assistant/internal/chat/feed"
	"github.com/nbcon/assistant/internal/completion"
	"github.com/nbcon/assistant/internal/config"
	"github.com/nbcon/assistant/internal/session"
)

const defaultPersistTimeout = 10 * time.Second

// UsageRecorder receives token counters after each successful completion.
// Optional; quota decisions live with the caller, not the cache.
type UsageRecorder interface {
	RecordCompletion(ctx context.Context, threadID string, model string, mode string, usage completion.Usage, processingMs int64)
}

type Options struct {
	Log        *slog.Logger
	Store      ConversationStore
	Completion completion.Client
	Modes      *config.ModeCatalog
	Meta       *session.Meta

	// Model is the default completion model; per-mode overrides from the
	// catalog take precedence.
	Model string

	// Usage is optional.
	Usage UsageRecorder

	Settings Settings

	// PersistTimeout bounds background store writes (optimistic message
	// persistence, star/archive toggles).
	PersistTimeout time.Duration
}

// SessionCache presents a consistent, deduplicated view of one user's
// conversations. It owns the Thread and Message collections in memory,
// brokers all reads and writes to the conversation store, applies optimistic
// updates, and reconciles against the store's change feed.
//
// All mutations are short critical sections under a single mutex; network
// calls happen outside the lock. The store remains authoritative on conflict.
type SessionCache struct {
	log        *slog.Logger
	store      ConversationStore
	completion completion.Client
	modes      *config.ModeCatalog
	meta       *session.Meta
	model      string
	usage      UsageRecorder
	persistTO  time.Duration

	mu        sync.Mutex
	hydrated  bool
	hydrating bool
	loading   bool

	threads  []*Thread
	messages map[string][]*Message

	activeThreadID string
	mode           Mode
	generating     bool

	composer Composer
	settings Settings

	creating map[Mode]*createCall
	cancels  map[string]context.CancelFunc // placeholder id -> in-flight completion cancel

	sub    *feed.Subscription
	closed bool
}

type createCall struct {
	done   chan struct{}
	thread Thread
	err    error
}

func NewSessionCache(opts Options) (*SessionCache, error) {
	if opts.Store == nil {
		return nil, errors.New("nil conversation store")
	}
	if opts.Completion == nil {
		return nil, errors.New("nil completion client")
	}
	if !opts.Meta.Valid() {
		return nil, errors.New("missing session metadata")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	persistTO := opts.PersistTimeout
	if persistTO <= 0 {
		persistTO = defaultPersistTimeout
	}
	settings := opts.Settings
	if settings.Calendar == "" {
		settings.Calendar = "gregorian"
	}
	lang := opts.Meta.NormalizedLanguage()
	if lang == "ar" {
		settings.RTL = true
		settings.Calendar = "hijri"
	}

	c := &SessionCache{
		log:        log,
		store:      opts.Store,
		completion: opts.Completion,
		modes:      opts.Modes,
		meta:       opts.Meta,
		model:      strings.TrimSpace(opts.Model),
		usage:      opts.Usage,
		persistTO:  persistTO,
		messages:   make(map[string][]*Message),
		mode:       ModeChat,
		settings:   settings,
		creating:   make(map[Mode]*createCall),
		cancels:    make(map[string]context.CancelFunc),
	}
	c.composer.Language = lang
	c.composer.Hint = c.modes.Hint(string(ModeChat), lang)
	return c, nil
}

// Close tears down the feed subscription. The cache is not usable afterwards.
func (c *SessionCache) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.cancels = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
}

// --- snapshot accessors ---

func (c *SessionCache) Hydrated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydrated
}

func (c *SessionCache) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydrating || c.loading
}

func (c *SessionCache) Generating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generating
}

func (c *SessionCache) ActiveThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeThreadID
}

func (c *SessionCache) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Threads returns a copy of the thread list, most recent first.
func (c *SessionCache) Threads() []Thread {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Thread, 0, len(c.threads))
	for _, t := range c.threads {
		out = append(out, *t)
	}
	return out
}

// Messages returns a copy of a thread's cached messages in insertion order.
// It never triggers a fetch.
func (c *SessionCache) Messages(threadID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.messages[strings.TrimSpace(threadID)]
	out := make([]Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m)
	}
	return out
}

func (c *SessionCache) ComposerState() Composer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.composer
}

func (c *SessionCache) SettingsState() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// --- composer & settings ---

func (c *SessionCache) SetComposerText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.composer.Text = text
}

func (c *SessionCache) AddComposerAttachment(a Attachment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.composer.Attachments = append(c.composer.Attachments, a)
}

func (c *SessionCache) SetComposerTranslate(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.composer.Translate = on
}

func (c *SessionCache) StartRecording() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.composer.IsRecording = true
	c.composer.RecordingDurationMs = 0
	c.composer.Transcript = ""
}

// StopRecording ends voice capture and folds the transcript into the
// composer text.
func (c *SessionCache) StopRecording(durationMs int64, transcript string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.composer.IsRecording = false
	c.composer.RecordingDurationMs = durationMs
	c.composer.Transcript = transcript
	if t := strings.TrimSpace(transcript); t != "" {
		if c.composer.Text != "" {
			c.composer.Text += " "
		}
		c.composer.Text += t
	}
}

func (c *SessionCache) UpdateSettings(s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Calendar != "gregorian" && s.Calendar != "hijri" {
		s.Calendar = c.settings.Calendar
	}
	c.settings = s
}

// --- thread operations ---

// NewThread issues one create-or-reuse call to the store and activates the
// returned thread. Concurrent calls for the same mode share a single store
// call; the store additionally guarantees that an existing empty thread of
// the same mode is returned instead of a second one being created.
func (c *SessionCache) NewThread(ctx context.Context, mode Mode) (Thread, error) {
	if c == nil {
		return Thread{}, errors.New("nil cache")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	mode = NormalizeMode(string(mode))

	c.mu.Lock()
	if call := c.creating[mode]; call != nil {
		c.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return Thread{}, ctx.Err()
		}
		if call.err != nil {
			return Thread{}, call.err
		}
		c.adoptThread(call.thread)
		return call.thread, nil
	}
	call := &createCall{done: make(chan struct{})}
	c.creating[mode] = call
	c.mu.Unlock()

	th, err := c.store.CreateOrReuseThread(ctx, DefaultThreadTitle, mode)
	call.thread, call.err = th, err
	c.mu.Lock()
	delete(c.creating, mode)
	c.mu.Unlock()
	close(call.done)

	if err != nil {
		c.log.Warn("thread create failed", "mode", string(mode), "error", err)
		return Thread{}, err
	}
	c.adoptThread(th)
	return th, nil
}

// adoptThread inserts the thread at the front when unknown and makes it
// active.
func (c *SessionCache) adoptThread(th Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findThreadLocked(th.ID) == nil {
		t := th
		c.threads = append([]*Thread{&t}, c.threads...)
	}
	if _, ok := c.messages[th.ID]; !ok {
		c.messages[th.ID] = []*Message{}
	}
	c.activeThreadID = th.ID
	c.mode = th.Mode
	c.composer.Hint = c.modes.Hint(string(th.Mode), c.meta.NormalizedLanguage())
}

// SetActiveThread switches to a thread already present in the local list.
// Unknown ids are a no-op with a logged warning; switching never creates.
func (c *SessionCache) SetActiveThread(ctx context.Context, threadID string) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)

	c.mu.Lock()
	th := c.findThreadLocked(threadID)
	if th == nil {
		c.mu.Unlock()
		c.log.Warn("select of unknown thread ignored", "thread_id", threadID)
		return
	}
	mode := th.Mode
	_, cached := c.messages[threadID]
	if !cached {
		c.loading = true
	}
	c.mu.Unlock()

	var fetched []Message
	fetchOK := cached
	if !cached {
		msgs, err := c.store.ListMessages(ctx, threadID)
		if err != nil {
			c.log.Warn("message fetch failed", "thread_id", threadID, "error", err)
		} else {
			fetched = msgs
			fetchOK = true
		}
	}

	c.mu.Lock()
	if !cached {
		c.loading = false
		if fetchOK {
			list := make([]*Message, 0, len(fetched))
			for i := range fetched {
				m := fetched[i]
				list = append(list, &m)
			}
			c.messages[threadID] = list
		}
	}
	c.activeThreadID = threadID
	c.mode = mode
	c.composer.Hint = c.modes.Hint(string(mode), c.meta.NormalizedLanguage())
	c.mu.Unlock()
}

// DeleteThread removes the thread from the store, then from the local list.
// The active pointer is cleared only when it pointed at the deleted thread;
// no replacement is auto-selected.
func (c *SessionCache) DeleteThread(ctx context.Context, threadID string) error {
	if c == nil {
		return errors.New("nil cache")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread_id")
	}
	if err := c.store.DeleteThread(ctx, threadID); err != nil {
		c.log.Warn("thread delete failed", "thread_id", threadID, "error", err)
		return err
	}
	c.removeThread(threadID)
	return nil
}

func (c *SessionCache) removeThread(threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.threads[:0]
	for _, t := range c.threads {
		if t.ID != threadID {
			kept = append(kept, t)
		}
	}
	c.threads = kept
	delete(c.messages, threadID)
	if c.activeThreadID == threadID {
		c.activeThreadID = ""
	}
}

// ToggleStar flips the star locally first, then writes to the store
// best-effort. A failed write is logged, not reverted.
func (c *SessionCache) ToggleStar(threadID string) {
	c.toggleFlag(threadID, "star")
}

// ToggleArchive flips the archive flag with the same local-first policy.
func (c *SessionCache) ToggleArchive(threadID string) {
	c.toggleFlag(threadID, "archive")
}

func (c *SessionCache) toggleFlag(threadID string, kind string) {
	if c == nil {
		return
	}
	threadID = strings.TrimSpace(threadID)

	c.mu.Lock()
	th := c.findThreadLocked(threadID)
	if th == nil {
		c.mu.Unlock()
		c.log.Warn("toggle on unknown thread ignored", "thread_id", threadID, "kind", kind)
		return
	}
	var value bool
	if kind == "star" {
		th.Starred = !th.Starred
		value = th.Starred
	} else {
		th.Archived = !th.Archived
		value = th.Archived
	}
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.persistTO)
		defer cancel()
		var err error
		if kind == "star" {
			err = c.store.SetThreadStarred(ctx, threadID, value)
		} else {
			err = c.store.SetThreadArchived(ctx, threadID, value)
		}
		if err != nil {
			c.log.Warn("thread flag write failed", "thread_id", threadID, "kind", kind, "error", err)
		}
	}()
}

// --- message primitives ---

// AddMessage appends to the named thread's message list, assigning an id and
// timestamp when missing, and updates the parent thread's derived fields.
func (c *SessionCache) AddMessage(m Message) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addMessageLocked(&m)
}

func (c *SessionCache) addMessageLocked(m *Message) string {
	if strings.TrimSpace(m.ID) == "" {
		m.ID = NewLocalMessageID()
	}
	if m.AtUnixMs <= 0 {
		m.AtUnixMs = time.Now().UnixMilli()
	}
	threadID := strings.TrimSpace(m.ThreadID)
	c.messages[threadID] = append(c.messages[threadID], m)

	if th := c.findThreadLocked(threadID); th != nil {
		th.UpdatedAtUnixMs = m.AtUnixMs
		th.LastMessageAtUnixMs = m.AtUnixMs
		th.LastMessagePreview = buildPreview(m.Content)
		th.MessageCount++
	}
	return m.ID
}

// UpdateMessage merges a partial update into the first message matching the
// id in each thread's list. Message ids are globally unique, so a well-formed
// cache finds at most one match.
func (c *SessionCache) UpdateMessage(messageID string, u MessageUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateMessageLocked(messageID, u)
}

func (c *SessionCache) updateMessageLocked(messageID string, u MessageUpdate) bool {
	found := false
	for _, list := range c.messages {
		for _, m := range list {
			if m.ID != messageID {
				continue
			}
			if u.Content != nil {
				m.Content = *u.Content
			}
			if u.Streaming != nil {
				m.Streaming = *u.Streaming
			}
			if u.Unsent != nil {
				m.Unsent = *u.Unsent
			}
			if u.ErrorText != nil {
				m.ErrorText = *u.ErrorText
			}
			if u.ErrorDetail != nil {
				m.ErrorDetail = *u.ErrorDetail
			}
			found = true
			break
		}
	}
	return found
}

// rewriteMessageID swaps an optimistic local id for the store-assigned one.
// If the authoritative id already landed via the feed, the optimistic copy is
// dropped instead; the next thread-update event corrects derived counts.
func (c *SessionCache) rewriteMessageID(threadID string, oldID string, newID string) {
	if oldID == "" || newID == "" || oldID == newID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.messages[threadID]
	exists := false
	for _, m := range list {
		if m.ID == newID {
			exists = true
			break
		}
	}
	if exists {
		kept := list[:0]
		for _, m := range list {
			if m.ID != oldID {
				kept = append(kept, m)
			}
		}
		c.messages[threadID] = kept
		return
	}
	for _, m := range list {
		if m.ID == oldID {
			m.ID = newID
			return
		}
	}
}

// StopGeneration clears the generating flag and settles every streaming
// placeholder in place. In-flight completion calls are canceled; a response
// that still arrives observes its placeholder already settled and becomes a
// no-op.
func (c *SessionCache) StopGeneration() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.generating = false
	for _, list := range c.messages {
		for _, m := range list {
			if m.Streaming {
				m.Streaming = false
			}
		}
	}
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.cancels = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (c *SessionCache) findThreadLocked(threadID string) *Thread {
	for _, t := range c.threads {
		if t.ID == threadID {
			return t
		}
	}
	return nil
}
