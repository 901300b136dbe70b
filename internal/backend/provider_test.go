package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"github.com/PushpalPatil/ChatBot/internal/config"
	"github.com/PushpalPatil/ChatBot/internal/session"
)

func history() Request {
	return Request{
		Model:  "test-model",
		System: "sys",
		Messages: []session.Message{
			{Role: session.RoleUser, Content: "hi"},
			{Role: session.RoleAssistant, Content: "hello"},
			{Role: session.RoleUser, Content: "how are you"},
		},
	}
}

func TestOllamaProvider_StreamsNDJSON(t *testing.T) {
	var got OllamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, part := range []string{"I am", " fine", ""} {
			done := part == ""
			fmt.Fprintf(w, `{"model":"test-model","message":{"role":"assistant","content":%q},"done":%t}`+"\n", part, done)
		}
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL+"/", nil)
	s, err := p.Open(context.Background(), history())
	require.NoError(t, err)
	defer s.Close()

	var chunks []string
	for s.Next() {
		chunks = append(chunks, s.Chunk())
	}
	require.NoError(t, s.Err())
	require.Equal(t, []string{"I am", " fine"}, chunks)

	require.True(t, got.Stream)
	require.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 4)
	require.Equal(t, "system", got.Messages[0]["role"])
	require.Equal(t, "sys", got.Messages[0]["content"])
	require.Equal(t, "assistant", got.Messages[2]["role"])
}

func TestOllamaProvider_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"par"},"done":false}`)
	}))
	defer srv.Close()

	s, err := NewOllamaProvider(srv.URL, nil).Open(context.Background(), history())
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Next())
	require.Equal(t, "par", s.Chunk())
	require.False(t, s.Next())
	require.Error(t, s.Err())
}

func TestOllamaProvider_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaProvider(srv.URL, nil).Open(context.Background(), history())
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestOpenAIProvider_StreamsSSE(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"test-model\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"test-model\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-test", srv.URL, srv.Client(), openaioption.WithMaxRetries(0))
	s, err := p.Open(context.Background(), history())
	require.NoError(t, err)
	defer s.Close()

	var chunks []string
	for s.Next() {
		chunks = append(chunks, s.Chunk())
	}
	require.NoError(t, s.Err())
	require.Equal(t, []string{"Hel", "lo"}, chunks)

	require.Equal(t, "test-model", body["model"])
	require.Equal(t, true, body["stream"])
	sent := body["messages"].([]any)
	require.Len(t, sent, 4)
	require.Equal(t, "system", sent[0].(map[string]any)["role"])
}

func TestOpenAIProvider_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded","type":"server_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-test", srv.URL, srv.Client(), openaioption.WithMaxRetries(0))
	s, err := p.Open(context.Background(), history())
	require.NoError(t, err)
	defer s.Close()
	require.False(t, s.Next())
	require.Error(t, s.Err())
}

func TestAnthropicProvider_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"type":"error","error":{"type":"api_error","message":"overloaded"}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("key", srv.URL, srv.Client(), anthropicoption.WithMaxRetries(0))
	s, err := p.Open(context.Background(), history())
	require.NoError(t, err)
	defer s.Close()
	require.False(t, s.Next())
	require.Error(t, s.Err())
}

func TestNewProvider(t *testing.T) {
	cfg := config.Default()

	cfg.Backend = config.BackendOpenAI
	_, err := NewProvider(cfg, nil)
	require.Error(t, err)

	cfg.OpenAIKey = "sk"
	p, err := NewProvider(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, "openai", p.Name())

	cfg.Backend = config.BackendGrok
	cfg.GrokKey = "xai"
	p, err = NewProvider(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, "grok", p.Name())

	cfg.Backend = config.BackendOllama
	p, err = NewProvider(cfg, nil)
	require.NoError(t, err)
	require.Equal(t, "ollama", p.Name())

	cfg.Backend = config.BackendAnthropic
	_, err = NewProvider(cfg, nil)
	require.Error(t, err)

	cfg.Backend = "nope"
	_, err = NewProvider(cfg, nil)
	require.Error(t, err)
}
