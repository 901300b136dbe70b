package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/PushpalPatil/ChatBot/internal/config"
)

const (
	serviceName    = "chatbot"
	serviceVersion = "1.0.0"
)

// Telemetry bundles the tracer and meter handed to every component
type Telemetry struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	shutdown func()
}

// Shutdown flushes exporters and closes the rotated files
func (t *Telemetry) Shutdown() {
	if t != nil && t.shutdown != nil {
		t.shutdown()
	}
}

// Noop returns telemetry that records nothing
func Noop() *Telemetry {
	return &Telemetry{
		Tracer: tracenoop.NewTracerProvider().Tracer(serviceName),
		Meter:  metricnoop.NewMeterProvider().Meter(serviceName),
	}
}

// ParseLevel maps a config level name to a slog level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func rotatedFile(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // 10 MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger initializes structured logging with rotation. The returned
// closer releases the log file.
func InitLogger(cfg config.LogConfig, debug bool) (*slog.Logger, io.Closer, error) {
	logDir := cfg.Dir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFile := rotatedFile(logDir, "chatbot.log")

	var w io.Writer = logFile
	if cfg.Stderr {
		w = io.MultiWriter(os.Stderr, logFile)
	}

	level := ParseLevel(cfg.Level)
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, logFile, nil
}

// InitTelemetry wires the global tracer and meter providers to rotated
// files under logDir: chatbot_traces.log and chatbot_metrics.log.
func InitTelemetry(ctx context.Context, cfg config.TelemetryConfig, logDir string) (*Telemetry, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceFile := rotatedFile(logDir, "chatbot_traces.log")
	tp, err := newTracerProvider(traceFile, res)
	if err != nil {
		return nil, err
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	metricsFile := rotatedFile(logDir, "chatbot_metrics.log")
	mp, err := newMeterProvider(metricsFile, res, interval)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &Telemetry{
		Tracer: tp.Tracer(serviceName),
		Meter:  mp.Meter(serviceName),
		shutdown: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// Providers flush into the files, so they go first
			for name, fn := range map[string]func() error{
				"tracer provider": func() error { return tp.Shutdown(ctx) },
				"meter provider":  func() error { return mp.Shutdown(ctx) },
			} {
				if err := fn(); err != nil {
					slog.Error("telemetry shutdown failed", "component", name, "error", err)
				}
			}
			if err := errors.Join(traceFile.Close(), metricsFile.Close()); err != nil {
				slog.Error("failed to close telemetry files", "error", err)
			}
		},
	}, nil
}

func newTracerProvider(w io.Writer, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res)), nil
}

func newMeterProvider(w io.Writer, res *resource.Resource, interval time.Duration) (*sdkmetric.MeterProvider, error) {
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w), stdoutmetric.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res)), nil
}

// DurationHistogram creates a millisecond histogram, logging instead of
// failing when the meter rejects it.
func DurationHistogram(meter metric.Meter, logger *slog.Logger, name, desc string) metric.Float64Histogram {
	h, err := meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
	if err != nil {
		logger.Warn("failed to create histogram", "name", name, "error", err)
		h, _ = metricnoop.NewMeterProvider().Meter(serviceName).Float64Histogram(name)
	}
	return h
}

// Counter creates an int64 counter with the same fallback as DurationHistogram
func Counter(meter metric.Meter, logger *slog.Logger, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		logger.Warn("failed to create counter", "name", name, "error", err)
		c, _ = metricnoop.NewMeterProvider().Meter(serviceName).Int64Counter(name)
	}
	return c
}

// Since returns elapsed milliseconds for histogram recording
func Since(start time.Time) float64 {
	return float64(time.Since(start).Milliseconds())
}
