package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PushpalPatil/ChatBot/internal/session"
)

// Streamer runs one exchange, calling onChunk for every fragment in order.
// It returns nil on normal completion, ctx.Err() when the caller cancelled,
// and a *session.TransportError for anything else.
type Streamer interface {
	Stream(ctx context.Context, msgs []session.Message, onChunk func(string)) error
}

// Client consumes POST /api/chat
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient targets a server such as http://localhost:8080
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

func (c *Client) Stream(ctx context.Context, msgs []session.Message, onChunk func(string)) error {
	body, err := json.Marshal(NewChatRequest(msgs))
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportErr(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &session.ValidationError{Reason: strings.TrimSpace(string(msg))}
	case resp.StatusCode != http.StatusOK:
		return &session.TransportError{Err: fmt.Errorf("server returned %s", resp.Status)}
	}

	return transportErr(ctx, readFrames(resp.Body, onChunk))
}

// readFrames consumes a body until the finish frame
func readFrames(r io.Reader, onChunk func(string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := ParseFrame(line)
		if err != nil {
			return err
		}
		switch f.Kind {
		case FrameText:
			onChunk(f.Text)
		case FrameError:
			return errors.New(f.Text)
		case FrameFinish:
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func transportErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &session.TransportError{Err: err}
}
