package usage

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nbcon/assistant/internal/completion"
)

var (
	// ErrQuotaExceeded means the monthly token budget for the plan is spent.
	ErrQuotaExceeded = errors.New("monthly token quota exceeded")
	// ErrRateLimited means the per-plan request rate was exceeded.
	ErrRateLimited = errors.New("too many requests")
)

// Gate admits or rejects sends before they reach the completion service.
// Rate limiting is in-memory per user; the token budget is read from the
// usage ledger. The gate fails open when the ledger is unavailable: a
// metering outage must not take chat down.
type Gate struct {
	log   *slog.Logger
	store *Store

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewGate(log *slog.Logger, store *Store) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		log:      log,
		store:    store,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (g *Gate) Allow(ctx context.Context, userID string, plan Plan) error {
	if g == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("missing user_id")
	}
	q := QuotaFor(plan)

	if !g.limiter(userID, q).Allow() {
		return ErrRateLimited
	}

	if g.store == nil {
		return nil
	}
	totals, err := g.store.MonthlyTotals(ctx, userID, time.Now())
	if err != nil {
		g.log.Warn("usage lookup failed, admitting send", "user", userID, "error", err)
		return nil
	}
	if totals.TotalTokens() >= q.MonthlyTokens {
		return ErrQuotaExceeded
	}
	return nil
}

func (g *Gate) limiter(userID string, q Quota) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[userID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(q.RequestsPerMinute/60.0), q.Burst)
	g.limiters[userID] = l
	return l
}

// Meter records completions for one user. It satisfies the session cache's
// usage recorder contract; recording is best-effort and never blocks a send
// outcome.
type Meter struct {
	log    *slog.Logger
	store  *Store
	userID string
}

func NewMeter(log *slog.Logger, store *Store, userID string) (*Meter, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("missing user_id")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Meter{log: log, store: store, userID: userID}, nil
}

func (m *Meter) RecordCompletion(ctx context.Context, threadID string, model string, mode string, u completion.Usage, processingMs int64) {
	if m == nil {
		return
	}
	err := m.store.Insert(ctx, Record{
		UserID:       m.userID,
		ThreadID:     threadID,
		Model:        model,
		Mode:         mode,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		ProcessingMs: processingMs,
	})
	if err != nil {
		m.log.Warn("usage record failed", "thread_id", threadID, "error", err)
	}
}
