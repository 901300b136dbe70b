package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PushpalPatil/ChatBot/internal/session"
)

type sliceStream struct {
	chunks []string
	err    error
	i      int
	cur    string
	closed bool
}

func (s *sliceStream) Next() bool {
	if s.i >= len(s.chunks) {
		return false
	}
	s.cur = s.chunks[s.i]
	s.i++
	return true
}

func (s *sliceStream) Chunk() string { return s.cur }
func (s *sliceStream) Err() error {
	if s.i >= len(s.chunks) {
		return s.err
	}
	return nil
}
func (s *sliceStream) Close() error { s.closed = true; return nil }

type fakeProvider struct {
	stream  *sliceStream
	openErr error
	got     Request
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Open(_ context.Context, req Request) (Stream, error) {
	f.got = req
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.stream, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(t *testing.T, s Stream) []string {
	t.Helper()
	var out []string
	for s.Next() {
		out = append(out, s.Chunk())
	}
	return out
}

func TestService_StreamsInOrderWithSystemPrompt(t *testing.T) {
	p := &fakeProvider{stream: &sliceStream{chunks: []string{"He", "llo", "!"}}}
	svc := NewService(p, "m1", "be brief", quietLogger(), nil)

	s, err := svc.Stream(context.Background(), []session.Message{{Role: session.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, []string{"He", "llo", "!"}, drain(t, s))
	require.NoError(t, s.Err())
	require.NoError(t, s.Close())

	require.True(t, p.stream.closed)
	require.Equal(t, "be brief", p.got.System)
	require.Equal(t, "m1", p.got.Model)
	require.Len(t, p.got.Messages, 1)
}

func TestService_RejectsInvalidHistory(t *testing.T) {
	svc := NewService(&fakeProvider{}, "m", "sys", quietLogger(), nil)

	_, err := svc.Stream(context.Background(), nil)
	require.ErrorIs(t, err, session.ErrValidation)

	_, err = svc.Stream(context.Background(), []session.Message{{Role: "tool", Content: "x"}})
	require.ErrorIs(t, err, session.ErrValidation)
}

func TestService_SanitizesProviderErrors(t *testing.T) {
	secret := errors.New("401 invalid key sk-live-123")

	p := &fakeProvider{openErr: secret}
	svc := NewService(p, "m", "", quietLogger(), nil)
	_, err := svc.Stream(context.Background(), []session.Message{{Role: session.RoleUser, Content: "hi"}})
	require.ErrorIs(t, err, ErrInference)
	require.NotContains(t, err.Error(), "sk-live")

	p = &fakeProvider{stream: &sliceStream{chunks: []string{"par"}, err: secret}}
	svc = NewService(p, "m", "", quietLogger(), nil)
	s, err := svc.Stream(context.Background(), []session.Message{{Role: session.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, []string{"par"}, drain(t, s))
	require.ErrorIs(t, s.Err(), ErrInference)
	require.NotContains(t, s.Err().Error(), "sk-live")
	require.NoError(t, s.Close())
}

func TestService_CancelledContextIsNotInferenceFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{stream: &sliceStream{chunks: []string{"a"}, err: context.Canceled}}
	svc := NewService(p, "m", "", quietLogger(), nil)

	s, err := svc.Stream(ctx, []session.Message{{Role: session.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.True(t, s.Next())
	cancel()
	require.False(t, s.Next())
	require.ErrorIs(t, s.Err(), context.Canceled)
	require.NoError(t, s.Close())
	require.False(t, s.Next())
}
