package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/PushpalPatil/ChatBot/internal/session"
	"github.com/PushpalPatil/ChatBot/internal/telemetry"
)

// ErrInference is the only failure a gateway caller ever sees. The provider's
// own error is logged and dropped.
var ErrInference = errors.New("inference failed")

// Stream yields assistant text fragments in the order the provider produced
// them. Next blocks until a fragment, the end of the stream, or an error.
type Stream interface {
	Next() bool
	Chunk() string
	Err() error
	Close() error
}

// Request is what a provider receives: the history plus the injected
// system instruction.
type Request struct {
	Model    string
	System   string
	Messages []session.Message
}

// Provider opens a raw stream against one model vendor
type Provider interface {
	Name() string
	Open(ctx context.Context, req Request) (Stream, error)
}

// Gateway turns a message history into a live token stream
type Gateway interface {
	Stream(ctx context.Context, msgs []session.Message) (Stream, error)
}

// Service is the Gateway used by the streaming handlers. It validates the
// history, injects the system instruction and sanitizes provider errors.
type Service struct {
	provider Provider
	model    string
	system   string
	logger   *slog.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
	chunks   metric.Int64Counter
	failures metric.Int64Counter
}

// NewService wraps a provider
func NewService(p Provider, model, system string, logger *slog.Logger, tel *telemetry.Telemetry) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Service{
		provider: p,
		model:    model,
		system:   system,
		logger:   logger,
		tracer:   tel.Tracer,
		duration: telemetry.DurationHistogram(tel.Meter, logger, "chat.stream.duration", "Provider stream duration in milliseconds"),
		chunks:   telemetry.Counter(tel.Meter, logger, "chat.stream.chunks", "Text fragments streamed from the provider"),
		failures: telemetry.Counter(tel.Meter, logger, "chat.stream.failures", "Provider streams that ended in error"),
	}
}

// Stream validates msgs and opens a provider stream
func (s *Service) Stream(ctx context.Context, msgs []session.Message) (Stream, error) {
	if len(msgs) == 0 {
		return nil, &session.ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	if err := session.ValidateMessages(msgs); err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", s.provider.Name()),
		attribute.String("model", s.model),
	}
	ctx, span := s.tracer.Start(ctx, s.provider.Name()+"_stream", trace.WithAttributes(attrs...))
	span.SetAttributes(attribute.Int("messages", len(msgs)))

	start := time.Now()
	raw, err := s.provider.Open(ctx, Request{Model: s.model, System: s.system, Messages: msgs})
	if err != nil {
		s.fail(ctx, span, err, attrs)
		span.End()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrInference
	}

	return &guardedStream{
		ctx:   ctx,
		raw:   raw,
		svc:   s,
		span:  span,
		start: start,
		attrs: attrs,
	}, nil
}

func (s *Service) fail(ctx context.Context, span trace.Span, err error, attrs []attribute.KeyValue) {
	s.logger.Error("provider stream failed", "backend", s.provider.Name(), "model", s.model, "error", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, "provider failure")
	s.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// guardedStream hides provider errors and records telemetry once on Close
type guardedStream struct {
	ctx    context.Context
	raw    Stream
	svc    *Service
	span   trace.Span
	start  time.Time
	attrs  []attribute.KeyValue
	count  int64
	closed bool
	logged bool
}

func (g *guardedStream) Next() bool {
	if g.closed {
		return false
	}
	if g.raw.Next() {
		g.count++
		return true
	}
	return false
}

func (g *guardedStream) Chunk() string { return g.raw.Chunk() }

// Err returns nil on normal completion, the context error when the caller
// went away, and ErrInference for anything else.
func (g *guardedStream) Err() error {
	err := g.raw.Err()
	if err == nil {
		return nil
	}
	if ctxErr := g.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !g.logged {
		g.logged = true
		g.svc.fail(g.ctx, g.span, err, g.attrs)
	}
	return ErrInference
}

func (g *guardedStream) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	err := g.raw.Close()
	g.svc.chunks.Add(g.ctx, g.count, metric.WithAttributes(g.attrs...))
	g.svc.duration.Record(g.ctx, telemetry.Since(g.start), metric.WithAttributes(g.attrs...))
	g.span.SetAttributes(attribute.Int64("chunks", g.count))
	g.span.End()
	if err != nil {
		g.svc.logger.Debug("provider stream close failed", "backend", g.svc.provider.Name(), "error", err)
	}
	return nil
}
