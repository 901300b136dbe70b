// Package server mounts the streaming and session routes and runs the HTTP
// server until its context is cancelled.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/PushpalPatil/ChatBot/internal/api"
	"github.com/PushpalPatil/ChatBot/internal/backend"
	"github.com/PushpalPatil/ChatBot/internal/config"
	"github.com/PushpalPatil/ChatBot/internal/stream"
	"github.com/PushpalPatil/ChatBot/internal/telemetry"
)

const requestIDHeader = "X-Request-Id"

// Server owns the router and the http.Server
type Server struct {
	cfg         config.ServerConfig
	router      *mux.Router
	server      *http.Server
	logger      *slog.Logger
	reqDuration metric.Float64Histogram
}

// New registers every route. gw serves /api/chat; svc serves the session
// procedures.
func New(cfg config.ServerConfig, gw backend.Gateway, svc *api.Service, logger *slog.Logger, tel *telemetry.Telemetry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	s := &Server{
		cfg:         cfg,
		router:      mux.NewRouter(),
		logger:      logger,
		reqDuration: telemetry.DurationHistogram(tel.Meter, logger, "http.server.request.duration", "HTTP request duration in milliseconds"),
	}

	s.router.Use(s.logRequests)
	s.router.Handle("/api/chat", stream.NewHandler(gw, cfg.MaxStreamDuration, logger, tel)).Methods(http.MethodPost)
	s.router.Handle("/api/chat/ws", stream.NewWebSocketHandler(gw, cfg.MaxStreamDuration, logger, tel)).Methods(http.MethodGet)
	api.NewHandlers(svc, logger).Register(s.router)

	// No WriteTimeout: streaming responses are bounded by MaxStreamDuration
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down server")
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("server shutdown error", "error", err)
			return err
		}
		s.logger.Info("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		s.logger.Info("starting chat server", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server listen error", "error", err)
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			s.reqDuration.Record(r.Context(), telemetry.Since(start), metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", rec.status),
			))
			s.logger.Info("request",
				"request_id", id,
				"method", r.Method,
				"route", route,
				"status", rec.status,
				"duration_ms", telemetry.Since(start))
		}()
		next.ServeHTTP(rec, r)
	})
}

// statusRecorder captures the status code while keeping Flush and Hijack
// reachable for streaming and WebSocket handlers
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
