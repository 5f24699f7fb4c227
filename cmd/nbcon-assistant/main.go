// Command nbcon-assistant runs the assistant session daemon: it owns the
// thread and usage stores, talks to the completion provider, and serves the
// local HTTP API the nbcon CLI connects to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nbcon/assistant/internal/chat"
	"github.com/nbcon/assistant/internal/chat/threadstore"
	"github.com/nbcon/assistant/internal/completion"
	"github.com/nbcon/assistant/internal/config"
	"github.com/nbcon/assistant/internal/httpapi"
	"github.com/nbcon/assistant/internal/monitor"
	"github.com/nbcon/assistant/internal/retention"
	"github.com/nbcon/assistant/internal/usage"
)

var version = "dev"

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "run":
		if err := run(args); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\nusage: nbcon-assistant [run|version] [flags]\n", cmd)
		os.Exit(2)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultConfigPath(), "config file path")
	envPath := fs.String("env", "", "optional .env file to overlay")
	listen := fs.String("listen", "", "override the listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	config.LoadEnv(*envPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", *configPath, err)
	}
	if strings.TrimSpace(*listen) != "" {
		cfg.ListenAddr = *listen
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	modes, err := config.LoadModeCatalog(cfg.ModesPath)
	if err != nil {
		return fmt.Errorf("load mode catalog: %w", err)
	}

	store, err := threadstore.Open(cfg.ThreadsDBPath())
	if err != nil {
		return fmt.Errorf("open thread store: %w", err)
	}
	defer store.Close()

	usageStore, err := usage.Open(cfg.UsageDBPath())
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()

	client, err := completion.New(cfg.AI.Provider, cfg.APIKey(), cfg.AI.BaseURL)
	if err != nil {
		return fmt.Errorf("completion client: %w", err)
	}

	convs, err := threadstore.NewConversations(store, &cfg.Session)
	if err != nil {
		return err
	}
	meter, err := usage.NewMeter(log, usageStore, cfg.Session.UserPublicID)
	if err != nil {
		return err
	}

	metrics := httpapi.NewMetrics(func() float64 {
		return float64(store.Feed().Dropped())
	})

	cache, err := chat.NewSessionCache(chat.Options{
		Log:        log,
		Store:      convs,
		Completion: client,
		Modes:      modes,
		Meta:       &cfg.Session,
		Model:      cfg.AI.Model,
		Usage:      &meteredUsage{meter: meter, metrics: metrics},
	})
	if err != nil {
		return err
	}
	defer cache.Close()

	srv, err := httpapi.NewServer(httpapi.Options{
		Log:     log,
		Cache:   cache,
		Meta:    &cfg.Session,
		Gate:    usage.NewGate(log, usageStore),
		Usage:   usageStore,
		Monitor: monitor.NewService(log),
		Feed:    convs,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Retention.Enabled {
		sweeper, err := retention.New(log, store, cfg.Retention)
		if err != nil {
			return err
		}
		go func() {
			if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("retention sweeper stopped", "error", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.EffectiveListenAddr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("nbcon-assistant listening",
		"addr", httpSrv.Addr,
		"user", cfg.Session.UserPublicID,
		"provider", cfg.AI.Provider,
		"version", version,
	)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("nbcon-assistant stopped")
	return nil
}

// meteredUsage records completions to the usage ledger and mirrors token
// counts into Prometheus.
type meteredUsage struct {
	meter   *usage.Meter
	metrics *httpapi.Metrics
}

func (m *meteredUsage) RecordCompletion(ctx context.Context, threadID string, model string, mode string, u completion.Usage, processingMs int64) {
	m.metrics.TokensTotal.WithLabelValues("input").Add(float64(u.InputTokens))
	m.metrics.TokensTotal.WithLabelValues("output").Add(float64(u.OutputTokens))
	m.meter.RecordCompletion(ctx, threadID, model, mode, u, processingMs)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.TrimSpace(strings.ToLower(cfg.LogLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.TrimSpace(strings.ToLower(cfg.LogFormat)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
