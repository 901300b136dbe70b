package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/PushpalPatil/ChatBot/internal/backend"
	"github.com/PushpalPatil/ChatBot/internal/session"
	"github.com/PushpalPatil/ChatBot/internal/telemetry"
)

// WebSocket frame types
const (
	WSTypeText   = "text"
	WSTypeFinish = "finish"
	WSTypeError  = "error"
)

const wsWriteTimeout = 10 * time.Second

// WSFrame is one server-to-client WebSocket message
type WSFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// WebSocketHandler serves GET /api/chat/ws. Each connection carries exactly
// one exchange: the client sends a ChatRequest, the server streams frames and
// closes. The client closing its end cancels the exchange.
type WebSocketHandler struct {
	gateway     backend.Gateway
	maxDuration time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	upgrader    websocket.Upgrader
}

func NewWebSocketHandler(gw backend.Gateway, maxDuration time.Duration, logger *slog.Logger, tel *telemetry.Telemetry) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &WebSocketHandler{
		gateway:     gw,
		maxDuration: maxDuration,
		logger:      logger,
		tracer:      tel.Tracer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	var req ChatRequest
	if err := conn.ReadJSON(&req); err != nil {
		h.logger.Info("failed to read chat request", "error", err)
		return
	}
	msgs, err := req.History()
	if err != nil {
		h.send(conn, WSFrame{Type: WSTypeError, Error: err.Error()})
		h.closeNormal(conn)
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "chat.exchange", trace.WithAttributes(
		attribute.Int("messages", len(msgs)),
		attribute.String("transport", "ws"),
	))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if h.maxDuration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, h.maxDuration)
		defer cancelTimeout()
	}

	// The only inbound traffic after the request is the client going away
	clientGone := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(clientGone)
				cancel()
				return
			}
		}
	}()

	count, err := h.pump(ctx, conn, msgs)
	span.SetAttributes(attribute.Int("chunks", count))

	select {
	case <-clientGone:
		h.logger.Info("client cancelled stream", "chunks", count)
		return
	default:
	}

	if err != nil {
		span.SetStatus(codes.Error, "stream failed")
		h.logger.Error("websocket stream failed", "chunks", count, "error", err)
		msg := GenericErrorMessage
		if errors.Is(err, session.ErrValidation) {
			msg = err.Error()
		}
		h.send(conn, WSFrame{Type: WSTypeError, Error: msg})
	} else {
		h.send(conn, WSFrame{Type: WSTypeFinish})
	}
	h.closeNormal(conn)
}

func (h *WebSocketHandler) pump(ctx context.Context, conn *websocket.Conn, msgs []session.Message) (int, error) {
	s, err := h.gateway.Stream(ctx, msgs)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	count := 0
	for s.Next() {
		if err := h.send(conn, WSFrame{Type: WSTypeText, Text: s.Chunk()}); err != nil {
			return count, err
		}
		count++
	}
	return count, s.Err()
}

func (h *WebSocketHandler) send(conn *websocket.Conn, f WSFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (h *WebSocketHandler) closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// WebSocketClient is a Streamer over /api/chat/ws
type WebSocketClient struct {
	url    string
	dialer *websocket.Dialer
}

// NewWebSocketClient converts an http(s) server URL into its ws(s) endpoint
func NewWebSocketClient(serverURL string) (*WebSocketClient, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path += "/api/chat/ws"
	return &WebSocketClient{url: u.String(), dialer: websocket.DefaultDialer}, nil
}

func (c *WebSocketClient) Stream(ctx context.Context, msgs []session.Message, onChunk func(string)) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return transportErr(ctx, fmt.Errorf("failed to connect to WebSocket: %w", err))
	}
	defer conn.Close()

	// Closing the socket is how the server learns about cancellation
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "cancelled"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(NewChatRequest(msgs)); err != nil {
		return transportErr(ctx, fmt.Errorf("failed to write request: %w", err))
	}

	for {
		var f WSFrame
		if err := conn.ReadJSON(&f); err != nil {
			return transportErr(ctx, fmt.Errorf("failed to read frame: %w", err))
		}
		switch f.Type {
		case WSTypeText:
			onChunk(f.Text)
		case WSTypeFinish:
			return nil
		case WSTypeError:
			return transportErr(ctx, errors.New(f.Error))
		}
	}
}
