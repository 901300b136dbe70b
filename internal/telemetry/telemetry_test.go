package telemetry

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PushpalPatil/ChatBot/internal/config"
)

func TestInitLogger_WritesRotatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	logger, closer, err := InitLogger(config.LogConfig{Dir: dir, Level: "warn"}, false)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "session_id", 7)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "chatbot.log"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"kept"`)
	require.Contains(t, string(data), `"session_id":7`)
	require.NotContains(t, string(data), "dropped")
}

func TestInitTelemetry_Disabled(t *testing.T) {
	tel, err := InitTelemetry(context.Background(), config.TelemetryConfig{Enabled: false}, t.TempDir())
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Meter)
	tel.Shutdown()
}

func TestInitTelemetry_ExportsToRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	tel, err := InitTelemetry(context.Background(), config.TelemetryConfig{Enabled: true, MetricInterval: time.Hour}, dir)
	require.NoError(t, err)

	_, span := tel.Tracer.Start(context.Background(), "chat.exchange")
	span.End()
	DurationHistogram(tel.Meter, slog.Default(), "chat.stream.duration", "test").Record(context.Background(), 12)
	tel.Shutdown()

	traces, err := os.ReadFile(filepath.Join(dir, "chatbot_traces.log"))
	require.NoError(t, err)
	require.Contains(t, string(traces), "chat.exchange")

	metrics, err := os.ReadFile(filepath.Join(dir, "chatbot_metrics.log"))
	require.NoError(t, err)
	require.Contains(t, string(metrics), "chat.stream.duration")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
}
