package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PushpalPatil/ChatBot/internal/backend"
	"github.com/PushpalPatil/ChatBot/internal/session"
)

type fakeGateway struct {
	chunks  []string
	openErr error
	failErr error
	block   bool

	mu     sync.Mutex
	got    []session.Message
	closed chan struct{}
}

func newFakeGateway(chunks ...string) *fakeGateway {
	return &fakeGateway{chunks: chunks, closed: make(chan struct{})}
}

func (g *fakeGateway) Stream(ctx context.Context, msgs []session.Message) (backend.Stream, error) {
	g.mu.Lock()
	g.got = msgs
	g.mu.Unlock()
	if g.openErr != nil {
		return nil, g.openErr
	}
	return &fakeStream{ctx: ctx, g: g}, nil
}

func (g *fakeGateway) history() []session.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.got
}

type fakeStream struct {
	ctx  context.Context
	g    *fakeGateway
	i    int
	cur  string
	err  error
	once sync.Once
}

func (s *fakeStream) Next() bool {
	if s.i < len(s.g.chunks) {
		s.cur = s.g.chunks[s.i]
		s.i++
		return true
	}
	if s.g.block {
		<-s.ctx.Done()
		s.err = s.ctx.Err()
		return false
	}
	s.err = s.g.failErr
	return false
}

func (s *fakeStream) Chunk() string { return s.cur }
func (s *fakeStream) Err() error    { return s.err }
func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.g.closed) })
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func userTurn(text string) []session.Message {
	return []session.Message{{Role: session.RoleUser, Content: text}}
}

func collect(t *testing.T, s Streamer, ctx context.Context, msgs []session.Message) ([]string, error) {
	t.Helper()
	var chunks []string
	err := s.Stream(ctx, msgs, func(c string) { chunks = append(chunks, c) })
	return chunks, err
}

func TestWriteAndParseFrames(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteText(&b, "line one\nline \"two\""))
	require.NoError(t, WriteError(&b, GenericErrorMessage))
	require.NoError(t, WriteFinish(&b, FinishReasonStop))
	require.Equal(t,
		"0:\"line one\\nline \\\"two\\\"\"\n3:\"An error occurred.\"\nd:{\"finishReason\":\"stop\"}\n",
		b.String())

	lines := strings.SplitAfter(b.String(), "\n")
	f, err := ParseFrame([]byte(lines[0]))
	require.NoError(t, err)
	require.Equal(t, Frame{Kind: FrameText, Text: "line one\nline \"two\""}, f)

	f, err = ParseFrame([]byte(lines[2]))
	require.NoError(t, err)
	require.Equal(t, FrameFinish, f.Kind)
	require.Equal(t, FinishReasonStop, f.FinishReason)

	_, err = ParseFrame([]byte("garbage"))
	require.Error(t, err)
	_, err = ParseFrame([]byte(`0:not-json`))
	require.Error(t, err)

	f, err = ParseFrame([]byte(`8:[{"any":"thing"}]`))
	require.NoError(t, err)
	require.Equal(t, FrameKind('8'), f.Kind)
}

func TestReadFrames_MissingFinishIsUnexpectedEOF(t *testing.T) {
	var got []string
	err := readFrames(strings.NewReader("0:\"a\"\n0:\"b\"\n"), func(c string) { got = append(got, c) })
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, []string{"a", "b"}, got)
}

func TestHandler_StreamsChunksInOrder(t *testing.T) {
	gw := newFakeGateway("Hel", "lo", " there")
	h := NewHandler(gw, time.Second, quietLogger(), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, DataStreamVersion, rec.Header().Get(HeaderDataStream))
	require.Equal(t, "0:\"Hel\"\n0:\"lo\"\n0:\" there\"\nd:{\"finishReason\":\"stop\"}\n", rec.Body.String())
	require.Equal(t, userTurn("hi"), gw.history())
	<-gw.closed
}

func TestHandler_RejectsMalformedRequests(t *testing.T) {
	h := NewHandler(newFakeGateway(), time.Second, quietLogger(), nil)
	for _, body := range []string{
		`not json`,
		`{"messages":[]}`,
		`{"messages":[{"role":"system","content":"x"}]}`,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestHandler_FailureBeforeFirstChunk(t *testing.T) {
	for name, gw := range map[string]*fakeGateway{
		"open":       {openErr: backend.ErrInference, closed: make(chan struct{})},
		"first next": {failErr: backend.ErrInference, closed: make(chan struct{})},
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHandler(gw, time.Second, quietLogger(), nil).ServeHTTP(rec,
				httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`)))
			require.Equal(t, http.StatusInternalServerError, rec.Code)
			require.Equal(t, "Internal Server Error\n", rec.Body.String())
			require.Empty(t, rec.Header().Get(HeaderDataStream))
		})
	}
}

func TestClient_RoundTrip(t *testing.T) {
	gw := newFakeGateway("a", "b", "c")
	srv := httptest.NewServer(NewHandler(gw, time.Second, quietLogger(), nil))
	defer srv.Close()

	chunks, err := collect(t, NewClient(srv.URL, srv.Client()), context.Background(), userTurn("hi"))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, chunks)
}

func TestClient_ErrorsAreTyped(t *testing.T) {
	gw := newFakeGateway()
	gw.openErr = backend.ErrInference
	srv := httptest.NewServer(NewHandler(gw, time.Second, quietLogger(), nil))
	defer srv.Close()
	c := NewClient(srv.URL, srv.Client())

	chunks, err := collect(t, c, context.Background(), userTurn("hi"))
	require.ErrorIs(t, err, session.ErrTransport)
	require.Empty(t, chunks)

	_, err = collect(t, c, context.Background(), nil)
	require.ErrorIs(t, err, session.ErrValidation)
}

func TestClient_MidStreamFailureIsTransportError(t *testing.T) {
	gw := newFakeGateway("partial ")
	gw.failErr = errors.New("provider exploded")
	srv := httptest.NewServer(NewHandler(gw, time.Second, quietLogger(), nil))
	defer srv.Close()

	chunks, err := collect(t, NewClient(srv.URL, srv.Client()), context.Background(), userTurn("hi"))
	require.ErrorIs(t, err, session.ErrTransport)
	require.NotContains(t, err.Error(), "exploded")
	require.Equal(t, []string{"partial "}, chunks)
}

func TestClient_MaxDurationAbortsStream(t *testing.T) {
	gw := newFakeGateway("slow")
	gw.block = true
	srv := httptest.NewServer(NewHandler(gw, 50*time.Millisecond, quietLogger(), nil))
	defer srv.Close()

	chunks, err := collect(t, NewClient(srv.URL, srv.Client()), context.Background(), userTurn("hi"))
	require.ErrorIs(t, err, session.ErrTransport)
	require.Equal(t, []string{"slow"}, chunks)
}

func TestClient_CancelReleasesGatewayStream(t *testing.T) {
	gw := newFakeGateway("first")
	gw.block = true
	srv := httptest.NewServer(NewHandler(gw, time.Minute, quietLogger(), nil))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var chunks []string
	err := NewClient(srv.URL, srv.Client()).Stream(ctx, userTurn("hi"), func(c string) {
		chunks = append(chunks, c)
		cancel()
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, session.ErrTransport)
	require.Equal(t, []string{"first"}, chunks)

	select {
	case <-gw.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway stream was not closed after client cancellation")
	}
}

func TestWebSocket_RoundTrip(t *testing.T) {
	gw := newFakeGateway("x", "y")
	srv := httptest.NewServer(NewWebSocketHandler(gw, time.Second, quietLogger(), nil))
	defer srv.Close()

	c, err := NewWebSocketClient(srv.URL)
	require.NoError(t, err)
	chunks, err := collect(t, c, context.Background(), userTurn("hi"))
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, chunks)
	require.Equal(t, userTurn("hi"), gw.history())
}

func TestWebSocket_FailureIsGeneric(t *testing.T) {
	gw := newFakeGateway("p")
	gw.failErr = errors.New("secret upstream detail")
	srv := httptest.NewServer(NewWebSocketHandler(gw, time.Second, quietLogger(), nil))
	defer srv.Close()

	c, err := NewWebSocketClient(srv.URL)
	require.NoError(t, err)
	chunks, err := collect(t, c, context.Background(), userTurn("hi"))
	require.ErrorIs(t, err, session.ErrTransport)
	require.Contains(t, err.Error(), GenericErrorMessage)
	require.NotContains(t, err.Error(), "secret")
	require.Equal(t, []string{"p"}, chunks)
}

func TestWebSocket_CloseCancelsExchange(t *testing.T) {
	gw := newFakeGateway("first")
	gw.block = true
	srv := httptest.NewServer(NewWebSocketHandler(gw, time.Minute, quietLogger(), nil))
	defer srv.Close()

	c, err := NewWebSocketClient(srv.URL)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err = c.Stream(ctx, userTurn("hi"), func(string) { cancel() })
	require.ErrorIs(t, err, context.Canceled)

	select {
	case <-gw.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway stream was not closed after socket close")
	}
}

func TestNewWebSocketClient_URL(t *testing.T) {
	c, err := NewWebSocketClient("https://chat.example.com/")
	require.NoError(t, err)
	require.Equal(t, "wss://chat.example.com/api/chat/ws", c.url)

	_, err = NewWebSocketClient("ftp://nope")
	require.Error(t, err)
}
