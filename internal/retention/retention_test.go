package retention

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbcon/assistant/internal/chat/threadstore"
	"github.com/nbcon/assistant/internal/config"
)

func openTestStore(t *testing.T) *threadstore.Store {
	t.Helper()
	s, err := threadstore.Open(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewValidatesCron(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := New(log, store, config.RetentionConfig{Cron: "not a cron"}); err == nil {
		t.Fatal("accepted invalid cron expression")
	}

	s, err := New(log, store, config.RetentionConfig{})
	if err != nil {
		t.Fatalf("New with defaults: %v", err)
	}
	if s.cron == "" || s.window <= 0 {
		t.Fatalf("defaults not applied: %+v", s)
	}

	if _, err := New(log, nil, config.RetentionConfig{}); err == nil {
		t.Fatal("accepted nil store")
	}
}

func TestSweepOnceDeletesOnlyArchived(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	ctx := context.Background()

	archived, _, err := store.CreateOrReuseThread(ctx, "usr_1", "", "chat", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}
	if err := store.SetThreadArchived(ctx, "usr_1", archived.ThreadID, true); err != nil {
		t.Fatalf("SetThreadArchived: %v", err)
	}
	live, _, err := store.CreateOrReuseThread(ctx, "usr_1", "", "research", "en")
	if err != nil {
		t.Fatalf("CreateOrReuseThread: %v", err)
	}

	// A negative window puts the cutoff in the future, so the archived
	// thread is already past retention.
	s := &Sweeper{
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		store:  store,
		cron:   "* * * * *",
		window: -time.Hour,
	}
	s.SweepOnce(ctx)

	if got, _ := store.GetThread(ctx, "usr_1", archived.ThreadID); got != nil {
		t.Fatal("archived thread not swept")
	}
	if got, _ := store.GetThread(ctx, "usr_1", live.ThreadID); got == nil {
		t.Fatal("live thread swept")
	}
}
