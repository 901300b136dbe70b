package chatbot

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/PushpalPatil/ChatBot/internal/session"
	"github.com/PushpalPatil/ChatBot/internal/stream"
)

// Status is the phase of the current turn
type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

var (
	// ErrInputDisabled is returned by operations that need an idle controller
	ErrInputDisabled = errors.New("a reply is still in progress")
	// ErrNothingToRetry is returned by Retry outside the error state
	ErrNothingToRetry = errors.New("no failed turn to retry")
)

// Entry is one message of the local transcript. Partial marks an assistant
// reply that was cut short by Stop or by a transport failure.
type Entry struct {
	ID      string
	Role    session.Role
	Content string
	Partial bool
}

// EventKind classifies an Event
type EventKind int

const (
	EventStatus EventKind = iota
	EventChunk
	EventDelete
)

// Event is delivered to observers for every state change, fragment and
// local delete
type Event struct {
	Kind    EventKind
	Status  Status
	EntryID string
	Text    string
	Err     error
}

// Observer receives events in order. Observers may call read accessors but
// must not call Submit, Stop, Retry, DeleteMessage, Load or Reset.
type Observer func(Event)

// Controller owns the client side of a conversation: the transcript and the
// status of the one turn that may be in flight.
type Controller struct {
	streamer  stream.Streamer
	logger    *slog.Logger
	observers []Observer

	// emitMu serializes mutation plus dispatch so observers never see
	// events out of order, and nothing is delivered for a turn after Stop.
	emitMu sync.Mutex

	mu         sync.Mutex
	status     Status
	transcript []Entry
	lastErr    error
	turn       uint64
	cancel     context.CancelFunc
	done       chan struct{}
	pendingID  string
	dropChunks bool
	failedID   string
}

// NewController creates an idle controller with an empty transcript
func NewController(s stream.Streamer, logger *slog.Logger, observers ...Observer) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	done := make(chan struct{})
	close(done)
	return &Controller{
		streamer:  s,
		logger:    logger,
		observers: observers,
		status:    StatusReady,
		done:      done,
	}
}

// Status returns the current phase
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// InputEnabled reports whether the user may type a new message. It is
// false while a turn is in flight and after a failure, until Retry or a
// fresh Submit clears the error.
func (c *Controller) InputEnabled() bool {
	return c.Status() == StatusReady
}

// Err returns the failure that moved the controller into StatusError
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Transcript returns a copy of the local transcript
func (c *Controller) Transcript() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.transcript...)
}

// Messages returns the transcript in its persistable form. Entries with no
// content are skipped.
func (c *Controller) Messages() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyLocked()
}

func (c *Controller) historyLocked() []session.Message {
	out := make([]session.Message, 0, len(c.transcript))
	for _, e := range c.transcript {
		if e.Content == "" {
			continue
		}
		out = append(out, session.Message{Role: e.Role, Content: e.Content})
	}
	return out
}

// Wait blocks until the most recent turn's exchange has returned
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	<-done
}

// Submit appends a user message and opens an exchange with the full
// transcript. It is accepted in ready and, as a fresh submit, in error.
func (c *Controller) Submit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return &session.ValidationError{Field: "message", Reason: "must not be empty"}
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.status != StatusReady && c.status != StatusError {
		c.mu.Unlock()
		return ErrInputDisabled
	}
	var events []Event
	if id := c.clearFailureLocked(); id != "" {
		events = append(events, Event{Kind: EventDelete, EntryID: id})
	}
	c.transcript = append(c.transcript, Entry{ID: uuid.NewString(), Role: session.RoleUser, Content: text})
	events = append(events, c.startTurnLocked(ctx))
	c.mu.Unlock()

	c.dispatch(events...)
	return nil
}

// Retry re-issues the failed exchange without its partial reply
func (c *Controller) Retry(ctx context.Context) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.status != StatusError {
		c.mu.Unlock()
		return ErrNothingToRetry
	}
	var events []Event
	if id := c.clearFailureLocked(); id != "" {
		events = append(events, Event{Kind: EventDelete, EntryID: id})
	}
	if len(c.historyLocked()) == 0 {
		c.status = StatusReady
		c.mu.Unlock()
		c.dispatch(append(events, Event{Kind: EventStatus, Status: StatusReady})...)
		return ErrNothingToRetry
	}
	events = append(events, c.startTurnLocked(ctx))
	c.mu.Unlock()

	c.dispatch(events...)
	return nil
}

// Stop cancels the turn in flight. A partial reply with content is kept
// and flagged; an empty one is dropped. Stop in any other state is a no-op.
// Once Stop returns, no further fragment of the cancelled turn reaches the
// transcript or the observers.
func (c *Controller) Stop() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.status != StatusSubmitted && c.status != StatusStreaming {
		c.mu.Unlock()
		return
	}
	c.turn++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	events := c.settleCancelledLocked()
	c.status = StatusReady
	c.mu.Unlock()

	c.logger.Info("turn stopped by user")
	c.dispatch(append(events, Event{Kind: EventStatus, Status: StatusReady})...)
}

// DeleteMessage removes an entry from the local transcript in any state.
// Deleting the reply that is still streaming discards the rest of it.
func (c *Controller) DeleteMessage(id string) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	c.transcript = append(c.transcript[:i], c.transcript[i+1:]...)
	if id == c.pendingID {
		c.pendingID = ""
		c.dropChunks = true
	}
	if id == c.failedID {
		c.failedID = ""
	}
	c.mu.Unlock()

	c.dispatch(Event{Kind: EventDelete, EntryID: id})
	return true
}

// Load replaces the transcript with a persisted conversation
func (c *Controller) Load(sess *session.Session) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.status != StatusReady && c.status != StatusError {
		c.mu.Unlock()
		return ErrInputDisabled
	}
	entries := make([]Entry, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		entries = append(entries, Entry{ID: uuid.NewString(), Role: m.Role, Content: m.Content})
	}
	c.transcript = entries
	c.resetTurnLocked()
	c.mu.Unlock()

	c.dispatch(Event{Kind: EventStatus, Status: StatusReady})
	return nil
}

// Reset clears the transcript for a new conversation
func (c *Controller) Reset() error {
	return c.Load(&session.Session{})
}

func (c *Controller) resetTurnLocked() {
	c.status = StatusReady
	c.lastErr = nil
	c.failedID = ""
	c.pendingID = ""
	c.dropChunks = false
}

func (c *Controller) indexLocked(id string) int {
	for i, e := range c.transcript {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// clearFailureLocked drops the failed partial reply, if any, and returns
// its id
func (c *Controller) clearFailureLocked() string {
	id := c.failedID
	if id != "" {
		if i := c.indexLocked(id); i >= 0 {
			c.transcript = append(c.transcript[:i], c.transcript[i+1:]...)
		}
	}
	c.failedID = ""
	c.lastErr = nil
	return id
}

func (c *Controller) startTurnLocked(parent context.Context) Event {
	c.turn++
	gen := c.turn
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.status = StatusSubmitted
	c.pendingID = ""
	c.dropChunks = false
	history := c.historyLocked()
	done := make(chan struct{})
	c.done = done

	go func() {
		defer close(done)
		defer cancel()
		err := c.streamer.Stream(ctx, history, func(chunk string) { c.onChunk(gen, chunk) })
		c.finish(gen, err)
	}()
	return Event{Kind: EventStatus, Status: StatusSubmitted}
}

func (c *Controller) onChunk(gen uint64, chunk string) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if gen != c.turn {
		c.mu.Unlock()
		return
	}
	var events []Event
	if c.status == StatusSubmitted {
		c.pendingID = uuid.NewString()
		c.transcript = append(c.transcript, Entry{ID: c.pendingID, Role: session.RoleAssistant})
		c.status = StatusStreaming
		events = append(events, Event{Kind: EventStatus, Status: StatusStreaming, EntryID: c.pendingID})
	}
	if !c.dropChunks {
		if i := c.indexLocked(c.pendingID); i >= 0 {
			c.transcript[i].Content += chunk
			events = append(events, Event{Kind: EventChunk, EntryID: c.pendingID, Text: chunk})
		}
	}
	c.mu.Unlock()

	c.dispatch(events...)
}

func (c *Controller) finish(gen uint64, err error) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if gen != c.turn {
		c.mu.Unlock()
		return
	}
	c.cancel = nil

	var events []Event
	switch {
	case err == nil:
		c.pendingID = ""
		c.status = StatusReady
		events = append(events, Event{Kind: EventStatus, Status: StatusReady})
	case errors.Is(err, context.Canceled):
		// The caller's context went away; same outcome as Stop
		events = c.settleCancelledLocked()
		c.status = StatusReady
		events = append(events, Event{Kind: EventStatus, Status: StatusReady})
	default:
		if i := c.indexLocked(c.pendingID); i >= 0 {
			c.transcript[i].Partial = true
			c.failedID = c.pendingID
		}
		c.pendingID = ""
		c.lastErr = err
		c.status = StatusError
		events = append(events, Event{Kind: EventStatus, Status: StatusError, Err: err})
	}
	c.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("turn failed", "error", err)
	}
	c.dispatch(events...)
}

func (c *Controller) settleCancelledLocked() []Event {
	var events []Event
	if i := c.indexLocked(c.pendingID); i >= 0 {
		if c.transcript[i].Content == "" {
			c.transcript = append(c.transcript[:i], c.transcript[i+1:]...)
			events = append(events, Event{Kind: EventDelete, EntryID: c.pendingID})
		} else {
			c.transcript[i].Partial = true
		}
	}
	c.pendingID = ""
	c.dropChunks = false
	return events
}

func (c *Controller) dispatch(events ...Event) {
	for _, ev := range events {
		for _, obs := range c.observers {
			obs(ev)
		}
	}
}
