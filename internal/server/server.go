// Package server exposes the webhook HTTP surface: the Meta verification
// handshake, webhook ingestion and a health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/caseflow/waflow/internal/config"
	"github.com/caseflow/waflow/internal/whatsapp"
)

// maxPayloadBytes bounds webhook request bodies.
const maxPayloadBytes = 1 << 20

// shutdownTimeout bounds graceful drain on stop.
const shutdownTimeout = 10 * time.Second

// Enqueuer is the queue surface the webhook needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) (id int64, duplicate bool, err error)
	Ping(ctx context.Context) error
}

// Server is the webhook HTTP server.
type Server struct {
	httpServer  *http.Server
	router      chi.Router
	logger      *slog.Logger
	queue       Enqueuer
	verifyToken string
}

// New builds the server and its routes.
func New(cfg *config.Config, queue Enqueuer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:      logger.With("component", "server"),
		queue:       queue,
		verifyToken: cfg.WAVerifyToken,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/webhook", s.handleVerify)
	r.Post("/webhook", s.handleWebhook)
	r.Get("/healthz", s.handleHealth)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route tree, used directly by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return ctx.Err()
}

// handleVerify answers the Meta webhook verification handshake: echo the
// challenge when the verify token matches, 403 otherwise.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || token != s.verifyToken {
		s.logger.WarnContext(r.Context(), "Webhook verification rejected", "mode", mode)
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}

	s.logger.InfoContext(r.Context(), "Webhook verified")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleWebhook accepts a delivery and enqueues it. The endpoint always
// acks with 200 once the body is read: WhatsApp retries non-2xx responses
// and a poison payload would be redelivered forever.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	payload, err := whatsapp.ParsePayload(body)
	switch {
	case err != nil:
		s.logger.WarnContext(r.Context(), "Dropping malformed webhook payload", "error", err)
	case !payload.HasMessages():
		s.logger.DebugContext(r.Context(), "Dropping webhook payload without messages")
	default:
		id, duplicate, err := s.queue.Enqueue(r.Context(), body)
		switch {
		case err != nil:
			s.logger.ErrorContext(r.Context(), "Failed to enqueue webhook payload", "error", err)
		case duplicate:
			s.logger.InfoContext(r.Context(), "Duplicate webhook delivery ignored")
		default:
			s.logger.InfoContext(r.Context(), "Webhook payload enqueued", "item_id", id)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// handleHealth reports liveness, including queue database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		s.logger.ErrorContext(r.Context(), "Health check failed", "error", err)
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requestLogger logs each request with method, path, status and duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}
