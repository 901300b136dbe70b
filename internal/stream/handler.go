package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PushpalPatil/ChatBot/internal/backend"
	"github.com/PushpalPatil/ChatBot/internal/session"
	"github.com/PushpalPatil/ChatBot/internal/telemetry"
)

// Handler serves POST /api/chat as a framed data stream
type Handler struct {
	gateway     backend.Gateway
	maxDuration time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewHandler streams gateway output; maxDuration bounds each exchange
func NewHandler(gw backend.Gateway, maxDuration time.Duration, logger *slog.Logger, tel *telemetry.Telemetry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Handler{gateway: gw, maxDuration: maxDuration, logger: logger, tracer: tel.Tracer}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	msgs, err := req.History()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "chat.exchange", trace.WithAttributes(
		attribute.Int("messages", len(msgs)),
		attribute.String("transport", "http"),
	))
	defer span.End()

	ctx, cancel := h.exchangeContext(ctx)
	defer cancel()

	s, err := h.gateway.Stream(ctx, msgs)
	if err != nil {
		h.failEarly(w, r, span, err)
		return
	}
	defer s.Close()

	// Nothing is written until the first fragment arrives, so a failure
	// here can still become a clean 500.
	if !s.Next() {
		if err := s.Err(); err != nil {
			h.failEarly(w, r, span, err)
			return
		}
		h.startBody(w)
		_ = WriteFinish(w, FinishReasonStop)
		return
	}

	h.startBody(w)
	rc := http.NewResponseController(w)
	count := 0
	for ok := true; ok; ok = s.Next() {
		if err := WriteText(w, s.Chunk()); err != nil {
			h.logger.Info("client went away mid-stream", "chunks", count, "error", err)
			return
		}
		count++
		if err := rc.Flush(); err != nil {
			h.logger.Debug("flush failed", "error", err)
		}
	}
	span.SetAttributes(attribute.Int("chunks", count))

	if err := s.Err(); err != nil {
		if r.Context().Err() != nil {
			h.logger.Info("client cancelled stream", "chunks", count)
			return
		}
		span.SetStatus(codes.Error, "stream aborted")
		h.logger.Error("stream aborted", "chunks", count, "error", err)
		_ = WriteError(w, GenericErrorMessage)
		_ = rc.Flush()
		// Abandon the response without a terminal frame
		panic(http.ErrAbortHandler)
	}

	_ = WriteFinish(w, FinishReasonStop)
	_ = rc.Flush()
	h.logger.Debug("stream completed", "chunks", count)
}

func (h *Handler) exchangeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.maxDuration > 0 {
		return context.WithTimeout(ctx, h.maxDuration)
	}
	return context.WithCancel(ctx)
}

func (h *Handler) startBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(HeaderDataStream, DataStreamVersion)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) failEarly(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	switch {
	case r.Context().Err() != nil:
		h.logger.Info("client cancelled before first chunk")
	case errors.Is(err, session.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		span.SetStatus(codes.Error, "stream failed")
		h.logger.Error("stream failed before first chunk", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
