package backend

import (
	"context"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/PushpalPatil/ChatBot/internal/session"
)

// OpenAIProvider streams chat completions from OpenAI or any
// OpenAI-compatible endpoint (Grok uses the same wire format).
type OpenAIProvider struct {
	name   string
	client openai.Client
}

// NewOpenAIProvider builds a provider; baseURL may be empty for api.openai.com
func NewOpenAIProvider(name, apiKey, baseURL string, httpClient *http.Client, extra ...option.RequestOption) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	opts = append(opts, extra...)
	return &OpenAIProvider{name: name, client: openai.NewClient(opts...)}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Open(ctx context.Context, req Request) (Stream, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == session.RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	})
	return &openAIStream{s: stream}, nil
}

type openAIStream struct {
	s   *ssestream.Stream[openai.ChatCompletionChunk]
	cur string
}

func (o *openAIStream) Next() bool {
	for o.s.Next() {
		chunk := o.s.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		o.cur = chunk.Choices[0].Delta.Content
		return true
	}
	return false
}

func (o *openAIStream) Chunk() string { return o.cur }
func (o *openAIStream) Err() error    { return o.s.Err() }
func (o *openAIStream) Close() error  { return o.s.Close() }
