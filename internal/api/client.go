package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PushpalPatil/ChatBot/internal/session"
)

// DefaultServerURL is where `chatbot serve` listens by default
const DefaultServerURL = "http://localhost:8080"

// Client calls the session procedures of a running server. Errors carry the
// same kinds as the server side: ErrValidation, ErrNotFound, ErrStore, and
// ErrTransport when the server could not be reached.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithServerURL sets the server URL for the client
func WithServerURL(u string) ClientOption {
	return func(c *Client) {
		c.BaseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.HTTPClient = httpClient
	}
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		BaseURL:    DefaultServerURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListSessions(ctx context.Context, limit int) (SessionList, error) {
	path := "/api/sessions"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var out SessionList
	err := c.do(ctx, "list sessions", http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id int64) (*session.Session, error) {
	var out session.Session
	if err := c.do(ctx, "get session", http.MethodGet, sessionPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SaveSession(ctx context.Context, title string, msgs []session.Message) (*session.Session, error) {
	var out session.Session
	if err := c.do(ctx, "save session", http.MethodPost, "/api/sessions", SaveRequest{Title: title, Messages: msgs}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RenameSession(ctx context.Context, id int64, title string) (*session.Session, error) {
	var out session.Session
	if err := c.do(ctx, "rename session", http.MethodPatch, sessionPath(id), RenameRequest{Title: title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSession(ctx context.Context, id int64) (DeleteResult, error) {
	var out DeleteResult
	err := c.do(ctx, "delete session", http.MethodDelete, sessionPath(id), nil, &out)
	return out, err
}

func (c *Client) GetStats(ctx context.Context) (StatsResult, error) {
	var out StatsResult
	err := c.do(ctx, "get stats", http.MethodGet, "/api/stats", nil, &out)
	return out, err
}

func sessionPath(id int64) string {
	return "/api/sessions/" + strconv.FormatInt(id, 10)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &session.TransportError{Err: fmt.Errorf("failed to execute request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &session.TransportError{Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}
	return nil
}

func decodeError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e ErrorResponse
	if err := json.Unmarshal(raw, &e); err != nil || e.Message == "" {
		e.Message = strings.TrimSpace(string(raw))
	}
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &session.ValidationError{Reason: e.Message}
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", session.ErrNotFound, op)
	case http.StatusInternalServerError:
		return &session.StoreError{Op: op, Err: errors.New(e.Message)}
	default:
		return &session.TransportError{Err: fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, e.Message)}
	}
}
