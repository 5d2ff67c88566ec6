// Package httpapi exposes the assistant over JSON HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"inbox-assistant/internal/interaction"
	"inbox-assistant/internal/storage"
)

// Assistant is the conversational core as seen by the HTTP layer.
type Assistant interface {
	Submit(ctx context.Context, userID string, messages ...string) (interaction.Reply, error)
	History(ctx context.Context, userID string) ([]storage.ConversationEntry, error)
	ClearHistory(ctx context.Context, userID string) error
	SetUserName(ctx context.Context, userID, name string) error
	Agents(ctx context.Context, userID string) ([]string, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	assistant     Assistant
	health        Pinger
	defaultUserID string
	logger        zerolog.Logger
}

func New(assistant Assistant, health Pinger, defaultUserID string) *Server {
	if defaultUserID == "" {
		defaultUserID = "default"
	}
	return &Server{
		assistant:     assistant,
		health:        health,
		defaultUserID: defaultUserID,
		logger:        log.With().Str("component", "httpapi").Logger(),
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/chat/send", s.handleSend)
		r.Get("/chat/history", s.handleHistory)
		r.Delete("/chat/history", s.handleClear)
		r.Put("/profile", s.handleProfile)
		r.Get("/agents", s.handleAgents)
	})
	return r
}

// NewHTTPServer wraps the router with the timeouts used in production.
// Chat requests wait for execution agents, so writes get a long deadline.
func (s *Server) NewHTTPServer(addr string, workerTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      workerTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) userID(candidate string) string {
	if id := strings.TrimSpace(candidate); id != "" {
		return id
	}
	return s.defaultUserID
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// Error writes a JSON error body.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
