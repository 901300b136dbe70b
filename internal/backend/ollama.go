package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string              `json:"model"`
	Messages []map[string]string `json:"messages"`
	Stream   bool                `json:"stream"`
}

// OllamaResponse is one NDJSON line of a streamed Ollama reply
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// OllamaProvider streams from a local Ollama server over /api/chat
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaProvider targets baseURL, e.g. http://localhost:11434
func NewOllamaProvider(baseURL string, httpClient *http.Client) *OllamaProvider {
	if httpClient == nil {
		// No client timeout: the stream's lifetime is bounded by ctx
		httpClient = &http.Client{}
	}
	return &OllamaProvider{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Open(ctx context.Context, req Request) (Stream, error) {
	reqMessages := make([]map[string]string, 0, len(req.Messages)+1)
	if req.System != "" {
		reqMessages = append(reqMessages, map[string]string{"role": "system", "content": req.System})
	}
	for _, msg := range req.Messages {
		reqMessages = append(reqMessages, map[string]string{
			"role":    string(msg.Role),
			"content": msg.Content,
		})
	}

	jsonData, err := json.Marshal(OllamaRequest{
		Model:    req.Model,
		Messages: reqMessages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request (is Ollama running?): %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}

	return &ollamaStream{body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

type ollamaStream struct {
	body io.ReadCloser
	dec  *json.Decoder
	cur  string
	err  error
	done bool
}

func (o *ollamaStream) Next() bool {
	for !o.done && o.err == nil {
		var line OllamaResponse
		if err := o.dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			o.err = fmt.Errorf("failed to decode stream: %w", err)
			return false
		}
		if line.Error != "" {
			o.err = fmt.Errorf("ollama error: %s", line.Error)
			return false
		}
		if line.Done {
			o.done = true
		}
		if line.Message.Content != "" {
			o.cur = line.Message.Content
			return true
		}
	}
	return false
}

func (o *ollamaStream) Chunk() string { return o.cur }
func (o *ollamaStream) Err() error    { return o.err }
func (o *ollamaStream) Close() error  { return o.body.Close() }
