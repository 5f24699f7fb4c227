// Package httpapi serves the daemon's local HTTP surface: the session API
// consumed by the nbcon CLI, a websocket change feed, health and metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nbcon/assistant/internal/chat"
	"github.com/nbcon/assistant/internal/chat/feed"
	"github.com/nbcon/assistant/internal/monitor"
	"github.com/nbcon/assistant/internal/session"
	"github.com/nbcon/assistant/internal/usage"
)

// Subscriber opens change-feed subscriptions for websocket clients.
type Subscriber interface {
	Subscribe() *feed.Subscription
}

type Options struct {
	Log     *slog.Logger
	Cache   *chat.SessionCache
	Meta    *session.Meta
	Gate    *usage.Gate
	Usage   *usage.Store
	Monitor *monitor.Service
	Feed    Subscriber
	Metrics *Metrics
}

type Server struct {
	log     *slog.Logger
	cache   *chat.SessionCache
	meta    *session.Meta
	gate    *usage.Gate
	usage   *usage.Store
	monitor *monitor.Service
	feed    Subscriber
	metrics *Metrics
}

func NewServer(opts Options) (*Server, error) {
	if opts.Cache == nil {
		return nil, errors.New("nil cache")
	}
	if !opts.Meta.Valid() {
		return nil, errors.New("missing session metadata")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Server{
		log:     log,
		cache:   opts.Cache,
		meta:    opts.Meta,
		gate:    opts.Gate,
		usage:   opts.Usage,
		monitor: opts.Monitor,
		feed:    opts.Feed,
		metrics: metrics,
	}, nil
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	v1.HandleFunc("/threads", s.handleListThreads).Methods(http.MethodGet)
	v1.HandleFunc("/threads", s.handleNewThread).Methods(http.MethodPost)
	v1.HandleFunc("/threads/{id}/select", s.handleSelectThread).Methods(http.MethodPost)
	v1.HandleFunc("/threads/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	v1.HandleFunc("/threads/{id}/star", s.handleToggleStar).Methods(http.MethodPost)
	v1.HandleFunc("/threads/{id}/archive", s.handleToggleArchive).Methods(http.MethodPost)
	v1.HandleFunc("/threads/{id}", s.handleDeleteThread).Methods(http.MethodDelete)
	v1.HandleFunc("/messages", s.handleSendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/generation/stop", s.handleStopGeneration).Methods(http.MethodPost)
	v1.HandleFunc("/usage", s.handleUsage).Methods(http.MethodGet)
	v1.HandleFunc("/monitor", s.handleMonitor).Methods(http.MethodGet)
	v1.HandleFunc("/feed", s.handleFeed).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	_ = s.cache.Hydrate(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"user": map[string]string{
			"public_id": s.meta.UserPublicID,
			"email":     s.meta.UserEmail,
			"full_name": s.meta.FullName,
			"role":      s.meta.NormalizedRole(),
			"language":  s.meta.NormalizedLanguage(),
			"plan":      string(usage.NormalizePlan(s.meta.Plan)),
		},
		"settings": s.cache.SettingsState(),
		"composer": s.cache.ComposerState(),
	})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	_ = s.cache.Hydrate(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"threads":          s.cache.Threads(),
		"active_thread_id": s.cache.ActiveThreadID(),
		"generating":       s.cache.Generating(),
	})
}

func (s *Server) handleNewThread(w http.ResponseWriter, r *http.Request) {
	_ = s.cache.Hydrate(r.Context())

	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	th, err := s.cache.NewThread(r.Context(), chat.NormalizeMode(req.Mode))
	if err != nil {
		writeError(w, http.StatusBadGateway, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleSelectThread(w http.ResponseWriter, r *http.Request) {
	_ = s.cache.Hydrate(r.Context())
	id := mux.Vars(r)["id"]
	s.cache.SetActiveThread(r.Context(), id)
	if s.cache.ActiveThreadID() != strings.TrimSpace(id) {
		writeError(w, http.StatusNotFound, "unknown_thread", "thread not in session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_thread_id": s.cache.ActiveThreadID(),
		"messages":         s.cache.Messages(id),
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	_ = s.cache.Hydrate(r.Context())
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.cache.Messages(id)})
}

func (s *Server) handleToggleStar(w http.ResponseWriter, r *http.Request) {
	_ = s.cache.Hydrate(r.Context())
	s.cache.ToggleStar(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, map[string]any{"threads": s.cache.Threads()})
}

func (s *Server) handleToggleArchive(w http.ResponseWriter, r *http.Request) {
	_ = s.cache.Hydrate(r.Context())
	s.cache.ToggleArchive(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, map[string]any{"threads": s.cache.Threads()})
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	_ = s.cache.Hydrate(r.Context())
	if err := s.cache.DeleteThread(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusBadGateway, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threads":          s.cache.Threads(),
		"active_thread_id": s.cache.ActiveThreadID(),
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	_ = s.cache.Hydrate(r.Context())

	var req struct {
		Content     string            `json:"content"`
		Attachments []chat.Attachment `json:"attachments,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "empty message")
		return
	}

	if s.gate != nil {
		plan := usage.NormalizePlan(s.meta.Plan)
		switch err := s.gate.Allow(r.Context(), s.meta.UserPublicID, plan); {
		case errors.Is(err, usage.ErrQuotaExceeded):
			s.metrics.SendsTotal.WithLabelValues("quota_exceeded").Inc()
			writeError(w, http.StatusTooManyRequests, "quota_exceeded", err.Error())
			return
		case errors.Is(err, usage.ErrRateLimited):
			s.metrics.SendsTotal.WithLabelValues("rate_limited").Inc()
			writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	started := time.Now()
	err := s.cache.SendMessage(r.Context(), req.Content, req.Attachments)
	s.metrics.CompletionSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		s.metrics.SendsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadGateway, "completion_error", err.Error())
		return
	}
	s.metrics.SendsTotal.WithLabelValues("ok").Inc()

	active := s.cache.ActiveThreadID()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_thread_id": active,
		"messages":         s.cache.Messages(active),
	})
}

func (s *Server) handleStopGeneration(w http.ResponseWriter, r *http.Request) {
	s.cache.StopGeneration()
	writeJSON(w, http.StatusOK, map[string]any{"generating": s.cache.Generating()})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		writeError(w, http.StatusNotFound, "not_enabled", "usage metering disabled")
		return
	}
	totals, err := s.usage.MonthlyTotals(r.Context(), s.meta.UserPublicID, time.Now())
	if err != nil {
		writeError(w, http.StatusBadGateway, "store_error", err.Error())
		return
	}
	plan := usage.NormalizePlan(s.meta.Plan)
	q := usage.QuotaFor(plan)
	writeJSON(w, http.StatusOK, map[string]any{
		"plan":           string(plan),
		"monthly_budget": q.MonthlyTokens,
		"totals":         totals,
	})
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeError(w, http.StatusNotFound, "not_enabled", "monitor disabled")
		return
	}
	snap := s.monitor.Snapshot(r.Context(), r.URL.Query().Get("sort_by"))
	writeJSON(w, http.StatusOK, snap)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
