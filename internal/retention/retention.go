// Package retention hard-deletes archived threads past their retention
// window on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nbcon/assistant/internal/chat/threadstore"
	"github.com/nbcon/assistant/internal/config"
)

// Sweeper runs the scheduled retention pass. Only archived threads are ever
// swept; active conversations are kept indefinitely.
type Sweeper struct {
	log    *slog.Logger
	store  *threadstore.Store
	cron   string
	window time.Duration
}

func New(log *slog.Logger, store *threadstore.Store, cfg config.RetentionConfig) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if log == nil {
		log = slog.Default()
	}
	cron := strings.TrimSpace(cfg.Cron)
	if cron == "" {
		cron = "0 3 * * *"
	}
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("invalid retention cron: %q", cron)
	}
	days := cfg.ArchiveWindowDays
	if days <= 0 {
		days = 90
	}
	return &Sweeper{
		log:    log,
		store:  store,
		cron:   cron,
		window: time.Duration(days) * 24 * time.Hour,
	}, nil
}

// Run blocks until the context is canceled, sweeping at each cron tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if s == nil {
		return errors.New("nil sweeper")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.log.Info("retention sweeper started", "cron", s.cron, "window", s.window.String())

	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now(), false)
		if err != nil {
			return fmt.Errorf("compute next retention tick: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		s.SweepOnce(ctx)
	}
}

// SweepOnce runs a single retention pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if s == nil {
		return
	}
	cutoff := time.Now().Add(-s.window).UnixMilli()
	deleted, err := s.store.DeleteArchivedBefore(ctx, cutoff)
	if err != nil {
		s.log.Warn("retention sweep failed", "error", err, "deleted", len(deleted))
		return
	}
	if len(deleted) > 0 {
		s.log.Info("retention sweep deleted threads", "count", len(deleted))
	}
}
