package usage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbcon/assistant/internal/completion"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndMonthlyTotals(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.Insert(ctx, Record{
			UserID:       "usr_1",
			ThreadID:     "th_1",
			Model:        "claude-sonnet-4-5",
			Mode:         "chat",
			InputTokens:  1000,
			OutputTokens: 500,
			AtUnixMs:     now.UnixMilli(),
		}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	// Another user's usage must not bleed in.
	if err := s.Insert(ctx, Record{UserID: "usr_2", Model: "gpt-4o", InputTokens: 99999, AtUnixMs: now.UnixMilli()}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// Usage from a different month is excluded.
	if err := s.Insert(ctx, Record{
		UserID:      "usr_1",
		Model:       "claude-sonnet-4-5",
		InputTokens: 77777,
		AtUnixMs:    now.AddDate(0, -1, 0).UnixMilli(),
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	totals, err := s.MonthlyTotals(ctx, "usr_1", now)
	if err != nil {
		t.Fatalf("MonthlyTotals: %v", err)
	}
	if totals.Requests != 3 {
		t.Fatalf("requests = %d", totals.Requests)
	}
	if totals.InputTokens != 3000 || totals.OutputTokens != 1500 {
		t.Fatalf("tokens = %d/%d", totals.InputTokens, totals.OutputTokens)
	}
	if totals.EstimatedCostUSD <= 0 {
		t.Fatalf("cost = %f", totals.EstimatedCostUSD)
	}
}

func TestInsertRejectsMissingUser(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if err := s.Insert(context.Background(), Record{Model: "gpt-4o"}); err == nil {
		t.Fatal("accepted record without user_id")
	}
}

func TestNormalizePlanAndQuota(t *testing.T) {
	t.Parallel()
	if NormalizePlan(" PRO ") != PlanPro {
		t.Fatal("pro not normalized")
	}
	if NormalizePlan("enterprise-unknown") != PlanFree {
		t.Fatal("unknown plan must default to free")
	}
	if QuotaFor(PlanFree).MonthlyTokens >= QuotaFor(PlanPro).MonthlyTokens {
		t.Fatal("free quota not below pro quota")
	}
}

func TestEstimateCostUnknownModelUsesDefault(t *testing.T) {
	t.Parallel()
	known := EstimateCostUSD("gpt-4o-mini", 1_000_000, 0)
	unknown := EstimateCostUSD("mystery-model", 1_000_000, 0)
	if known <= 0 || unknown <= 0 {
		t.Fatal("costs must be positive")
	}
	if unknown <= known {
		t.Fatal("default price should not undercut the cheapest known model")
	}
}

func TestGateQuotaExceeded(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	g := NewGate(slog.New(slog.NewTextHandler(io.Discard, nil)), s)
	ctx := context.Background()

	// Under budget: admitted.
	if err := g.Allow(ctx, "usr_1", PlanFree); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	// Burn past the free budget.
	if err := s.Insert(ctx, Record{
		UserID:      "usr_1",
		Model:       "claude-sonnet-4-5",
		InputTokens: QuotaFor(PlanFree).MonthlyTokens,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := g.Allow(ctx, "usr_1", PlanFree); err != ErrQuotaExceeded {
		t.Fatalf("Allow = %v, want ErrQuotaExceeded", err)
	}

	// A pro plan with the same consumption is still under budget.
	if err := g.Allow(ctx, "usr_1", PlanPro); err != nil {
		t.Fatalf("Allow(pro) = %v", err)
	}
}

func TestGateRateLimit(t *testing.T) {
	t.Parallel()
	g := NewGate(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	ctx := context.Background()

	q := QuotaFor(PlanFree)
	for i := 0; i < q.Burst; i++ {
		if err := g.Allow(ctx, "usr_burst", PlanFree); err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
	}
	if err := g.Allow(ctx, "usr_burst", PlanFree); err != ErrRateLimited {
		t.Fatalf("Allow = %v, want ErrRateLimited", err)
	}
	// Other users are unaffected.
	if err := g.Allow(ctx, "usr_other", PlanFree); err != nil {
		t.Fatalf("Allow(other): %v", err)
	}
}

func TestGateFailsOpenOnLedgerError(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	_ = s.Close()
	g := NewGate(slog.New(slog.NewTextHandler(io.Discard, nil)), s)

	if err := g.Allow(context.Background(), "usr_1", PlanPro); err != nil {
		t.Fatalf("gate must fail open on ledger errors, got %v", err)
	}
}

func TestMeterRecords(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	m, err := NewMeter(slog.New(slog.NewTextHandler(io.Discard, nil)), s, "usr_1")
	if err != nil {
		t.Fatalf("NewMeter: %v", err)
	}

	m.RecordCompletion(context.Background(), "th_1", "gpt-4o", "chat", completion.Usage{InputTokens: 12, OutputTokens: 34}, 250)

	totals, err := s.MonthlyTotals(context.Background(), "usr_1", time.Now())
	if err != nil {
		t.Fatalf("MonthlyTotals: %v", err)
	}
	if totals.Requests != 1 || totals.InputTokens != 12 || totals.OutputTokens != 34 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
}
