package feed

import (
	"strings"
	"sync"
	"time"
)

// EventType is the change-feed event category.
type EventType string

const (
	EventTypeMessageInsert EventType = "message_insert"
	EventTypeThreadUpdate  EventType = "thread_update"
	EventTypeThreadDelete  EventType = "thread_delete"
)

// MessageInsert carries an authoritative message row pushed by the store.
type MessageInsert struct {
	MessageID   string `json:"message_id"`
	ThreadID    string `json:"thread_id"`
	Role        string `json:"role"`
	Content     string `json:"content"`
	Mode        string `json:"mode,omitempty"`
	Language    string `json:"language,omitempty"`
	CreatedAtMs int64  `json:"created_at_unix_ms"`
}

// ThreadUpdate carries the authoritative derived fields of a thread row.
// The feed's view wins over any optimistic local copy for these fields.
type ThreadUpdate struct {
	ThreadID        string `json:"thread_id"`
	Title           string `json:"title"`
	Mode            string `json:"mode"`
	Starred         bool   `json:"starred"`
	Archived        bool   `json:"archived"`
	CreatedAtMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtMs int64  `json:"last_message_at_unix_ms"`
	Preview         string `json:"last_message_preview"`
	MessageCount    int    `json:"message_count"`
}

// ThreadDelete names a removed thread. Cascade deletion of its messages is
// the store's responsibility; subscribers only see the thread id.
type ThreadDelete struct {
	ThreadID string `json:"thread_id"`
}

type Event struct {
	Type     EventType      `json:"event_type"`
	AtUnixMs int64          `json:"at_unix_ms"`
	Insert   *MessageInsert `json:"message,omitempty"`
	Update   *ThreadUpdate  `json:"thread,omitempty"`
	Delete   *ThreadDelete  `json:"deleted,omitempty"`
}

func (e Event) threadID() string {
	switch e.Type {
	case EventTypeMessageInsert:
		if e.Insert != nil {
			return e.Insert.ThreadID
		}
	case EventTypeThreadUpdate:
		if e.Update != nil {
			return e.Update.ThreadID
		}
	case EventTypeThreadDelete:
		if e.Delete != nil {
			return e.Delete.ThreadID
		}
	}
	return ""
}

type priority uint8

const (
	priorityHigh priority = iota
	priorityLow
)

// classifyPriority keeps lifecycle events (delete, update) ahead of message
// inserts so terminal state changes are never starved by message floods.
func classifyPriority(e Event) priority {
	if e.Type == EventTypeMessageInsert {
		return priorityLow
	}
	return priorityHigh
}

// Hub fans change events out to subscribers. Each subscriber owns a writer
// goroutine with two bounded lanes; a slow subscriber drops events instead of
// backpressuring the store's commit path.
type Hub struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	dropped uint64
	closed  bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber. The caller must Close the returned
// subscription; events arrive on Events().
func (h *Hub) Subscribe() *Subscription {
	if h == nil {
		return nil
	}
	s := &Subscription{
		hub:  h,
		hiCh: make(chan Event, 256),
		loCh: make(chan Event, 1024),
		out:  make(chan Event, 64),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.out)
		close(s.done)
		return s
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	go s.loop()
	return s
}

// Publish delivers the event to all current subscribers.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	if strings.TrimSpace(e.threadID()) == "" {
		return
	}
	if e.AtUnixMs <= 0 {
		e.AtUnixMs = time.Now().UnixMilli()
	}
	p := classifyPriority(e)

	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		if !s.trySend(p, e) {
			h.mu.Lock()
			h.dropped++
			h.mu.Unlock()
		}
	}
}

// Dropped reports how many events were discarded because a subscriber lane
// was full.
func (h *Hub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) remove(s *Subscription) {
	if h == nil || s == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Close tears down the hub and all subscriptions.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Subscription is one live attachment to the hub.
type Subscription struct {
	hub *Hub

	hiCh chan Event
	loCh chan Event
	out  chan Event
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

// Events is the delivery channel. It is closed when the subscription closes.
func (s *Subscription) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.out
}

func (s *Subscription) loop() {
	defer close(s.done)
	defer close(s.out)
	for {
		// Drain the high-priority lane first.
		select {
		case <-s.stop:
			return
		case e := <-s.hiCh:
			select {
			case s.out <- e:
			case <-s.stop:
				return
			}
			continue
		default:
		}

		select {
		case <-s.stop:
			return
		case e := <-s.hiCh:
			select {
			case s.out <- e:
			case <-s.stop:
				return
			}
		case e := <-s.loCh:
			select {
			case s.out <- e:
			case <-s.stop:
				return
			}
		}
	}
}

func (s *Subscription) trySend(p priority, e Event) bool {
	if s == nil {
		return false
	}
	select {
	case <-s.stop:
		return false
	default:
	}

	ch := s.loCh
	if p == priorityHigh {
		ch = s.hiCh
	}
	select {
	case ch <- e:
		return true
	default:
		return false
	}
}

// Close detaches the subscription from the hub and stops delivery. Safe to
// call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.hub.remove(s)
	s.once.Do(func() {
		close(s.stop)
	})
	<-s.done
}
