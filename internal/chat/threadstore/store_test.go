package threadstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nbcon/assistant/internal/chat/feed"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateOrReuseThread(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	first, reused, err := s.CreateOrReuseThread(ctx, "usr_1", "", "chat", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}
	if reused {
		t.Fatal("first creation reported reuse")
	}
	if !strings.HasPrefix(first.ThreadID, "th_") {
		t.Fatalf("thread id = %q", first.ThreadID)
	}
	if first.Title != "New Conversation" {
		t.Fatalf("default title = %q", first.Title)
	}

	second, reused, err := s.CreateOrReuseThread(ctx, "usr_1", "", "chat", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}
	if !reused || second.ThreadID != first.ThreadID {
		t.Fatalf("empty thread not reused: %+v", second)
	}

	// Another mode, another user: no reuse across either boundary.
	other, reused, err := s.CreateOrReuseThread(ctx, "usr_1", "", "research", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}
	if reused || other.ThreadID == first.ThreadID {
		t.Fatalf("reuse crossed mode boundary: %+v", other)
	}
	foreign, reused, err := s.CreateOrReuseThread(ctx, "usr_2", "", "chat", "ar")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}
	if reused || foreign.ThreadID == first.ThreadID {
		t.Fatalf("reuse crossed user boundary: %+v", foreign)
	}

	// A thread with messages stops being a reuse candidate.
	if _, err := s.AppendMessage(ctx, "usr_1", Message{ThreadID: first.ThreadID, Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	fresh, reused, err := s.CreateOrReuseThread(ctx, "usr_1", "", "chat", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}
	if reused || fresh.ThreadID == first.ThreadID {
		t.Fatalf("non-empty thread reused: %+v", fresh)
	}
}

func TestAppendMessageDerivedFields(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	th, _, err := s.CreateOrReuseThread(ctx, "usr_1", "", "chat", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}

	long := strings.Repeat("sizing a steel beam ", 20)
	id, err := s.AppendMessage(ctx, "usr_1", Message{
		ThreadID: th.ThreadID,
		Role:     "user",
		Content:  long,
		Mode:     "chat",
		Language: "en",
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if !strings.HasPrefix(id, "msg_") {
		t.Fatalf("message id = %q", id)
	}

	got, err := s.GetThread(ctx, "usr_1", th.ThreadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.MessageCount != 1 {
		t.Fatalf("message_count = %d", got.MessageCount)
	}
	if got.LastMessageAtUnixMs == 0 || got.UpdatedAtUnixMs < th.UpdatedAtUnixMs {
		t.Fatalf("timestamps not updated: %+v", got)
	}
	if n := len([]rune(got.LastMessagePreview)); n == 0 || n > 100 {
		t.Fatalf("preview length = %d", n)
	}

	msgs, err := s.ListMessages(ctx, "usr_1", th.ThreadID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].MessageID != id {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestAppendMessageRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	th, _, err := s.CreateOrReuseThread(ctx, "usr_1", "", "chat", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}

	if _, err := s.AppendMessage(ctx, "usr_1", Message{ThreadID: th.ThreadID, Role: "system", Content: "x"}); err == nil {
		t.Fatal("accepted unsupported role")
	}
	if _, err := s.AppendMessage(ctx, "usr_1", Message{ThreadID: th.ThreadID, Role: "user", Content: "   "}); err == nil {
		t.Fatal("accepted empty content")
	}
	if _, err := s.AppendMessage(ctx, "usr_1", Message{ThreadID: "th_missing", Role: "user", Content: "x"}); err == nil {
		t.Fatal("accepted unknown thread")
	}
	// Writing into another user's thread must fail.
	if _, err := s.AppendMessage(ctx, "usr_2", Message{ThreadID: th.ThreadID, Role: "user", Content: "x"}); err == nil {
		t.Fatal("accepted cross-user append")
	}
}

func TestListThreadsOrdering(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	a, _, err := s.CreateOrReuseThread(ctx, "usr_1", "", "chat", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}
	b, _, err := s.CreateOrReuseThread(ctx, "usr_1", "", "research", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}

	// Touch the older thread; it must float to the top.
	time.Sleep(2 * time.Millisecond)
	if _, err := s.AppendMessage(ctx, "usr_1", Message{ThreadID: a.ThreadID, Role: "user", Content: "bump"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	threads, err := s.ListThreads(ctx, "usr_1")
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("got %d threads", len(threads))
	}
	if threads[0].ThreadID != a.ThreadID || threads[1].ThreadID != b.ThreadID {
		t.Fatalf("wrong order: %s, %s", threads[0].ThreadID, threads[1].ThreadID)
	}
}

func TestThreadFlagsAndDelete(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	th, _, err := s.CreateOrReuseThread(ctx, "usr_1", "", "chat", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "usr_1", Message{ThreadID: th.ThreadID, Role: "user", Content: "keep"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := s.SetThreadStarred(ctx, "usr_1", th.ThreadID, true); err != nil {
		t.Fatalf("SetThreadStarred: %v", err)
	}
	if err := s.SetThreadArchived(ctx, "usr_1", th.ThreadID, true); err != nil {
		t.Fatalf("SetThreadArchived: %v", err)
	}
	got, err := s.GetThread(ctx, "usr_1", th.ThreadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if !got.Starred || !got.Archived {
		t.Fatalf("flags not set: %+v", got)
	}

	if err := s.SetThreadStarred(ctx, "usr_1", "th_missing", true); err == nil {
		t.Fatal("flag write on missing thread succeeded")
	}

	if err := s.DeleteThread(ctx, "usr_1", th.ThreadID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if got, err := s.GetThread(ctx, "usr_1", th.ThreadID); err != nil || got != nil {
		t.Fatalf("thread survived delete: %+v err=%v", got, err)
	}
	if msgs, err := s.ListMessages(ctx, "usr_1", th.ThreadID); err != nil || len(msgs) != 0 {
		t.Fatalf("messages survived delete: %d err=%v", len(msgs), err)
	}
	if err := s.DeleteThread(ctx, "usr_1", th.ThreadID); err == nil {
		t.Fatal("double delete succeeded")
	}
}

func TestFeedPublishesAfterCommit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	sub := s.Feed().Subscribe()
	defer sub.Close()

	th, _, err := s.CreateOrReuseThread(ctx, "usr_1", "", "chat", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}
	id, err := s.AppendMessage(ctx, "usr_1", Message{ThreadID: th.ThreadID, Role: "user", Content: "hello"})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.DeleteThread(ctx, "usr_1", th.ThreadID); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}

	var sawInsert, sawUpdate, sawDelete bool
	deadline := time.After(2 * time.Second)
	for !(sawInsert && sawUpdate && sawDelete) {
		select {
		case ev := <-sub.Events():
			switch ev.Type {
			case feed.EventTypeMessageInsert:
				if ev.Insert.MessageID == id && ev.Insert.ThreadID == th.ThreadID {
					sawInsert = true
				}
			case feed.EventTypeThreadUpdate:
				if ev.Update.ThreadID == th.ThreadID && ev.Update.MessageCount == 1 {
					sawUpdate = true
				}
			case feed.EventTypeThreadDelete:
				if ev.Delete.ThreadID == th.ThreadID {
					sawDelete = true
				}
			}
		case <-deadline:
			t.Fatalf("missing feed events: insert=%v update=%v delete=%v", sawInsert, sawUpdate, sawDelete)
		}
	}
}

func TestDeleteArchivedBefore(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	old, _, err := s.CreateOrReuseThread(ctx, "usr_1", "", "chat", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}
	if err := s.SetThreadArchived(ctx, "usr_1", old.ThreadID, true); err != nil {
		t.Fatalf("SetThreadArchived: %v", err)
	}
	live, _, err := s.CreateOrReuseThread(ctx, "usr_1", "", "research", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}

	cutoff := time.Now().Add(time.Hour).UnixMilli()
	deleted, err := s.DeleteArchivedBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteArchivedBefore: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != old.ThreadID {
		t.Fatalf("deleted = %v", deleted)
	}
	if got, _ := s.GetThread(ctx, "usr_1", live.ThreadID); got == nil {
		t.Fatal("non-archived thread swept")
	}
}

func TestOpenIsIdempotentOnSchema(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "threads.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := s1.CreateOrReuseThread(context.Background(), "usr_1", "", "chat", "en"); err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	threads, err := s2.ListThreads(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 1 {
		t.Fatalf("got %d threads after reopen", len(threads))
	}
}
