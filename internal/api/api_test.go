package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PushpalPatil/ChatBot/internal/config"
	"github.com/PushpalPatil/ChatBot/internal/session"
	"github.com/PushpalPatil/ChatBot/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSQLiteStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "api.db"),
	}, store.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newServer wires the handlers the way `chatbot serve` does
func newServer(t *testing.T, st Store) (*httptest.Server, *Client) {
	t.Helper()
	r := mux.NewRouter()
	NewHandlers(NewService(st, quietLogger()), quietLogger()).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, NewClient(WithServerURL(srv.URL), WithHTTPClient(srv.Client()))
}

type brokenStore struct{}

var errDown = &session.StoreError{Op: "query", Err: errors.New("database is down: password=hunter2")}

func (brokenStore) ListSessions(context.Context, int) ([]session.Session, error) { return nil, errDown }
func (brokenStore) GetSession(context.Context, int64) (*session.Session, error) { return nil, errDown }
func (brokenStore) SaveSession(context.Context, string, []session.Message) (*session.Session, error) {
	return nil, errDown
}
func (brokenStore) RenameSession(context.Context, int64, string) (*session.Session, error) {
	return nil, errDown
}
func (brokenStore) DeleteSession(context.Context, int64) error  { return errDown }
func (brokenStore) Stats(context.Context) (session.Stats, error) { return session.Stats{}, errDown }

func TestClient_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	_, c := newServer(t, newSQLiteStore(t))

	list, err := c.ListSessions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, list.Status)
	assert.Empty(t, list.Sessions)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatsResult{Status: StatusEmpty}, stats)

	saved, err := c.SaveSession(ctx, "  Trip planning ", []session.Message{
		{Role: session.RoleUser, Content: "where should I go"},
		{Role: session.RoleAssistant, Content: "Lisbon"},
	})
	require.NoError(t, err)
	assert.Positive(t, saved.ID)
	assert.Equal(t, "Trip planning", saved.Title)
	assert.Empty(t, saved.Messages)
	assert.Nil(t, saved.UpdatedAt)

	_, err = c.SaveSession(ctx, "Empty", nil)
	require.NoError(t, err)

	got, err := c.GetSession(ctx, saved.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "where should I go", got.Messages[0].Content)
	assert.Equal(t, session.RoleAssistant, got.Messages[1].Role)

	list, err = c.ListSessions(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, list.Status)
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, "Empty", list.Sessions[0].Title)

	stats, err = c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, stats.Status)
	assert.Equal(t, int64(2), stats.TotalSessions)
	assert.Equal(t, int64(2), stats.TotalMessages)
	assert.Equal(t, 1.0, stats.AverageMessagesPerSession)

	renamed, err := c.RenameSession(ctx, saved.ID, "Lisbon trip")
	require.NoError(t, err)
	assert.Equal(t, "Lisbon trip", renamed.Title)
	assert.NotNil(t, renamed.UpdatedAt)

	del, err := c.DeleteSession(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, del.Success)

	del, err = c.DeleteSession(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, del.Success)

	_, err = c.GetSession(ctx, saved.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = c.RenameSession(ctx, saved.ID, "gone")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestClient_ValidationErrors(t *testing.T) {
	ctx := context.Background()
	_, c := newServer(t, newSQLiteStore(t))

	_, err := c.SaveSession(ctx, "   ", nil)
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = c.SaveSession(ctx, strings.Repeat("x", session.MaxTitleLength+1), nil)
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = c.SaveSession(ctx, "bad role", []session.Message{{Role: "system", Content: "x"}})
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = c.ListSessions(ctx, MaxListLimit+1)
	assert.ErrorIs(t, err, session.ErrValidation)

	_, err = c.GetSession(ctx, 0)
	assert.ErrorIs(t, err, session.ErrValidation)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSessions)
}

func TestHandlers_RejectMalformedInput(t *testing.T) {
	srv, _ := newServer(t, newSQLiteStore(t))

	for _, tc := range []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/api/sessions?limit=abc", "", http.StatusBadRequest},
		{http.MethodGet, "/api/sessions?limit=0", "", http.StatusBadRequest},
		{http.MethodGet, "/api/sessions?limit=-3", "", http.StatusBadRequest},
		{http.MethodGet, "/api/sessions/abc", "", http.StatusBadRequest},
		{http.MethodDelete, "/api/sessions/-1", "", http.StatusBadRequest},
		{http.MethodPost, "/api/sessions", "{", http.StatusBadRequest},
		{http.MethodPatch, "/api/sessions/1", `{"title":""}`, http.StatusBadRequest},
		{http.MethodGet, "/api/sessions/999", "", http.StatusNotFound},
		{http.MethodGet, "/api/health", "", http.StatusOK},
	} {
		req, err := http.NewRequest(tc.method, srv.URL+tc.path, strings.NewReader(tc.body))
		require.NoError(t, err)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, tc.want, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestService_TaggedResultsOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	svc := NewService(brokenStore{}, quietLogger())

	list, err := svc.ListSessions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, list.Status)
	assert.NotNil(t, list.Sessions)
	assert.Empty(t, list.Sessions)

	stats := svc.GetStats(ctx)
	assert.Equal(t, StatsResult{Status: StatusFailed}, stats)

	_, err = svc.GetSession(ctx, 1)
	assert.ErrorIs(t, err, session.ErrStore)
	_, err = svc.SaveSession(ctx, "t", nil)
	assert.ErrorIs(t, err, session.ErrStore)
	_, err = svc.DeleteSession(ctx, 1)
	assert.ErrorIs(t, err, session.ErrStore)
}

func TestClient_StoreFailureIsGeneric(t *testing.T) {
	ctx := context.Background()
	_, c := newServer(t, brokenStore{})

	list, err := c.ListSessions(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, list.Status)

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stats.Status)

	_, err = c.GetSession(ctx, 1)
	require.ErrorIs(t, err, session.ErrStore)
	assert.NotContains(t, err.Error(), "hunter2")

	_, err = c.DeleteSession(ctx, 1)
	require.ErrorIs(t, err, session.ErrStore)
}

func TestClient_UnreachableServerIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(WithServerURL(url)).GetStats(context.Background())
	assert.ErrorIs(t, err, session.ErrTransport)
}
