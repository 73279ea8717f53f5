// Package api serves the operator HTTP surface of InnerGuide and wires the
// application together in Run.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/InnerGuide/internal/models"
	"github.com/BTreeMap/InnerGuide/internal/scheduler"
	"github.com/BTreeMap/InnerGuide/internal/store"
)

// HistoryManager is the part of the conversation engine exposed to operators.
type HistoryManager interface {
	ClearHistory(ctx context.Context, userID string) error
	ListBackups(ctx context.Context, userID string) ([]string, error)
	RestoreBackup(ctx context.Context, userID, key string) error
}

// ScheduledSender runs one round of proactive messages.
type ScheduledSender interface {
	SendScheduledMessages(ctx context.Context) (scheduler.Summary, error)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	st          store.UserStore
	history     HistoryManager
	broadcaster ScheduledSender
	gatherer    prometheus.Gatherer
	token       string
	webhook     http.HandlerFunc
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithToken protects every /api route with a bearer token.
func WithToken(token string) ServerOption {
	return func(s *Server) {
		s.token = token
	}
}

// WithGatherer sets the registry served at /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithTwilioWebhook registers the inbound Twilio webhook.
func WithTwilioWebhook(h http.HandlerFunc) ServerOption {
	return func(s *Server) {
		s.webhook = h
	}
}

// NewServer creates a Server. Without WithGatherer the default Prometheus
// registry is served.
func NewServer(st store.UserStore, history HistoryManager, broadcaster ScheduledSender, opts ...ServerOption) *Server {
	s := &Server{
		st:          st,
		history:     history,
		broadcaster: broadcaster,
		gatherer:    prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with every route registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.RegisterRoutes(r)

	if s.webhook != nil {
		r.Post("/twilio/webhook", s.webhook)
	}
	return r
}

// RegisterRoutes registers the operator routes under /api.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		if s.token != "" {
			r.Use(bearerAuth(s.token))
		} else {
			slog.Warn("Server.RegisterRoutes: API_TOKEN not set, /api routes are unauthenticated")
		}
		r.Post("/trigger-scheduled-messages", s.triggerScheduledMessagesHandler)
		r.Get("/users", s.listUsersHandler)
		r.Get("/users/{id}", s.getUserHandler)
		r.Get("/users/{id}/messages", s.getMessagesHandler)
		r.Post("/users/{id}/clear", s.clearHistoryHandler)
		r.Get("/users/{id}/backups", s.listBackupsHandler)
		r.Post("/users/{id}/restore", s.restoreBackupHandler)
		r.Get("/export/messages.csv", s.exportMessagesHandler)
	})
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				slog.Warn("Server.bearerAuth: rejected request", "path", r.URL.Path, "remote", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Bearer realm="innerguide"`)
				writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.requestLogger: request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestID", chiMiddleware.GetReqID(r.Context()))
	})
}
