package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/PushpalPatil/ChatBot/internal/backend"
)

// CachedResponse represents a cached assistant reply
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// Store holds complete replies keyed by GenerateCacheKey
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, reply string, ttl time.Duration) error
}

// GenerateCacheKey hashes everything that determines a reply: provider,
// model, system instruction and the full history.
func GenerateCacheKey(provider string, req backend.Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", provider, req.Model, req.System)
	for _, msg := range req.Messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0x1f})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0x1e})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	entries sync.Map
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	val, ok := m.entries.Load(key)
	if !ok {
		return "", false, nil
	}
	cached := val.(entry)
	if !cached.expires.IsZero() && !m.now().Before(cached.expires) {
		m.entries.Delete(key)
		return "", false, nil
	}
	return cached.Response, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, reply string, ttl time.Duration) error {
	now := m.now()
	e := entry{CachedResponse: CachedResponse{Response: reply, Timestamp: now}}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	m.entries.Store(key, e)
	return nil
}

type entry struct {
	CachedResponse
	expires time.Time
}

// Wrap returns a Provider that replays cached replies and records replies
// that streamed to completion. Cache failures never fail a request.
func Wrap(p backend.Provider, store Store, ttl time.Duration, logger *slog.Logger) backend.Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &cachingProvider{next: p, store: store, ttl: ttl, logger: logger}
}

type cachingProvider struct {
	next   backend.Provider
	store  Store
	ttl    time.Duration
	logger *slog.Logger
}

func (c *cachingProvider) Name() string { return c.next.Name() }

func (c *cachingProvider) Open(ctx context.Context, req backend.Request) (backend.Stream, error) {
	key := GenerateCacheKey(c.next.Name(), req)
	reply, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed", "key", key[:16], "error", err)
	} else if ok {
		c.logger.Info("cache hit", "key", key[:16])
		return &replayStream{chunks: []string{reply}}, nil
	}

	s, err := c.next.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	return &recordingStream{Stream: s, ctx: ctx, key: key, owner: c}, nil
}

func (c *cachingProvider) save(ctx context.Context, key, reply string) {
	if reply == "" {
		return
	}
	if err := c.store.Set(ctx, key, reply, c.ttl); err != nil {
		c.logger.Warn("cache store failed", "key", key[:16], "error", err)
		return
	}
	c.logger.Info("cached response", "key", key[:16])
}

// recordingStream buffers fragments and stores the reply once the provider
// reports a clean end of stream.
type recordingStream struct {
	backend.Stream
	ctx   context.Context
	key   string
	owner *cachingProvider
	buf   strings.Builder
	saved bool
}

func (r *recordingStream) Next() bool {
	if r.Stream.Next() {
		r.buf.WriteString(r.Stream.Chunk())
		return true
	}
	if !r.saved && r.Stream.Err() == nil && r.ctx.Err() == nil {
		r.saved = true
		r.owner.save(r.ctx, r.key, r.buf.String())
	}
	return false
}

type replayStream struct {
	chunks []string
	i      int
	cur    string
}

func (r *replayStream) Next() bool {
	if r.i >= len(r.chunks) {
		return false
	}
	r.cur = r.chunks[r.i]
	r.i++
	return true
}

func (r *replayStream) Chunk() string { return r.cur }
func (r *replayStream) Err() error    { return nil }
func (r *replayStream) Close() error  { return nil }
