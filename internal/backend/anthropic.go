package backend

import (
	"context"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/PushpalPatil/ChatBot/internal/session"
)

// anthropicMaxTokens caps each reply
const anthropicMaxTokens = 1024

// AnthropicProvider streams replies from the Messages API
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds a provider; baseURL may be empty
func NewAnthropicProvider(apiKey, baseURL string, httpClient *http.Client, extra ...option.RequestOption) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	opts = append(opts, extra...)
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Open(ctx context.Context, req Request) (Stream, error) {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == session.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: anthropicMaxTokens,
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return &anthropicStream{s: p.client.Messages.NewStreaming(ctx, params)}, nil
}

type anthropicStream struct {
	s   *ssestream.Stream[anthropic.MessageStreamEventUnion]
	cur string
}

func (a *anthropicStream) Next() bool {
	for a.s.Next() {
		event := a.s.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
		if !ok || text.Text == "" {
			continue
		}
		a.cur = text.Text
		return true
	}
	return false
}

func (a *anthropicStream) Chunk() string { return a.cur }
func (a *anthropicStream) Err() error    { return a.s.Err() }
func (a *anthropicStream) Close() error  { return a.s.Close() }
