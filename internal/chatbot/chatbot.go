package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/PushpalPatil/ChatBot/internal/api"
	"github.com/PushpalPatil/ChatBot/internal/session"
	"github.com/PushpalPatil/ChatBot/internal/stream"
)

// SessionAPI is the subset of api.Client the REPL uses
type SessionAPI interface {
	ListSessions(ctx context.Context, limit int) (api.SessionList, error)
	GetSession(ctx context.Context, id int64) (*session.Session, error)
	SaveSession(ctx context.Context, title string, msgs []session.Message) (*session.Session, error)
	RenameSession(ctx context.Context, id int64, title string) (*session.Session, error)
	DeleteSession(ctx context.Context, id int64) (api.DeleteResult, error)
	GetStats(ctx context.Context) (api.StatsResult, error)
}

const defaultTitleRunes = 40

// ChatBot is the interactive terminal client
type ChatBot struct {
	ctrl     *Controller
	sessions SessionAPI
	logger   *slog.Logger
	backend  string
	in       io.Reader
	out      io.Writer
	outMu    sync.Mutex

	sessionID int64
	dirty     bool

	// replyOpen is only touched from render, which the controller serializes
	replyOpen bool
}

// NewChatBot builds a REPL that streams through s and persists through
// sessions. backend is only displayed.
func NewChatBot(s stream.Streamer, sessions SessionAPI, backend string, logger *slog.Logger, in io.Reader, out io.Writer) *ChatBot {
	if logger == nil {
		logger = slog.Default()
	}
	cb := &ChatBot{
		sessions: sessions,
		logger:   logger,
		backend:  backend,
		in:       in,
		out:      out,
	}
	cb.ctrl = NewController(s, logger, cb.render)
	return cb
}

// Controller exposes the state machine driving this REPL
func (cb *ChatBot) Controller() *Controller { return cb.ctrl }

func (cb *ChatBot) printf(format string, args ...any) {
	cb.outMu.Lock()
	defer cb.outMu.Unlock()
	fmt.Fprintf(cb.out, format, args...)
}

// render prints streamed output as it arrives
func (cb *ChatBot) render(ev Event) {
	switch ev.Kind {
	case EventStatus:
		switch ev.Status {
		case StatusStreaming:
			cb.replyOpen = true
			cb.printf("Bot: ")
		case StatusReady, StatusError:
			if cb.replyOpen {
				cb.replyOpen = false
				cb.printf("\n\n")
			}
		}
	case EventChunk:
		cb.printf("%s", ev.Text)
	}
}

// Run reads lines from the input until /quit, EOF or ctx is done. A value
// on interrupts stops the reply in flight, or exits when idle.
func (cb *ChatBot) Run(ctx context.Context, interrupts <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cb.printf("=== Go Chatbot ===\n")
	cb.printf("Backend: %s\n", cb.backend)
	cb.printf("Type /help for commands, /quit to exit\n\n")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-interrupts:
				if cb.ctrl.InputEnabled() || cb.ctrl.Status() == StatusError {
					cancel()
					return
				}
				cb.ctrl.Stop()
				cb.printf("[stopped]\n\n")
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cb.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		cb.printf("You: ")
		var input string
		select {
		case <-ctx.Done():
			return cb.exit()
		case line, ok := <-lines:
			if !ok {
				return cb.exit()
			}
			input = strings.TrimSpace(line)
		}
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := cb.handleCommand(ctx, input)
			if err != nil {
				cb.printf("Error: %v\n", err)
				cb.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				return cb.exit()
			}
			continue
		}

		cb.sendMessage(ctx, input)
	}
}

// LoadSession replaces the transcript with a saved conversation
func (cb *ChatBot) LoadSession(ctx context.Context, id int64) error {
	sess, err := cb.sessions.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if err := cb.ctrl.Load(sess); err != nil {
		return err
	}
	cb.sessionID = sess.ID
	cb.dirty = false
	cb.printf("Loaded %q (%d messages)\n", sess.Title, len(sess.Messages))
	cb.printHistory()
	return nil
}

func (cb *ChatBot) sendMessage(ctx context.Context, text string) {
	if err := cb.ctrl.Submit(ctx, text); err != nil {
		cb.printf("Error: %v\n", err)
		return
	}
	cb.dirty = true
	cb.ctrl.Wait()
	if cb.ctrl.Status() == StatusError {
		cb.printf("Error: the reply failed (%v). Type /retry to try again.\n\n", cb.ctrl.Err())
	}
}

func (cb *ChatBot) exit() error {
	cb.ctrl.Stop()
	cb.ctrl.Wait()
	if cb.dirty && len(cb.ctrl.Messages()) > 0 {
		if _, err := cb.save(context.Background(), ""); err != nil {
			cb.logger.Error("failed to save session on exit", "error", err)
			cb.printf("\nfailed to save conversation: %v\n", err)
			return err
		}
	}
	cb.printf("\nGoodbye!\n")
	return nil
}

func (cb *ChatBot) save(ctx context.Context, title string) (*session.Session, error) {
	msgs := cb.ctrl.Messages()
	if title == "" {
		title = defaultTitle(msgs)
	}
	sess, err := cb.sessions.SaveSession(ctx, title, msgs)
	if err != nil {
		return nil, err
	}
	cb.sessionID = sess.ID
	cb.dirty = false
	cb.logger.Info("saved conversation", "session_id", sess.ID, "message_count", len(msgs))
	cb.printf("Saved conversation %d (%q, %d messages)\n", sess.ID, sess.Title, len(msgs))
	return sess, nil
}

func defaultTitle(msgs []session.Message) string {
	for _, m := range msgs {
		if m.Role != session.RoleUser {
			continue
		}
		r := []rune(strings.Join(strings.Fields(m.Content), " "))
		if len(r) > defaultTitleRunes {
			return string(r[:defaultTitleRunes]) + "..."
		}
		return string(r)
	}
	return "New chat"
}

// handleCommand handles slash commands
func (cb *ChatBot) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new-session":
		if cb.dirty && len(cb.ctrl.Messages()) > 0 {
			if _, err := cb.save(ctx, ""); err != nil {
				cb.logger.Error("failed to save current session", "error", err)
			}
		}
		if err := cb.ctrl.Reset(); err != nil {
			return false, err
		}
		cb.sessionID = 0
		cb.dirty = false
		cb.printf("Started new conversation\n")
		return false, nil

	case "/save":
		_, err := cb.save(ctx, strings.TrimSpace(strings.TrimPrefix(cmd, parts[0])))
		return false, err

	case "/sessions":
		limit := 0
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				return false, fmt.Errorf("usage: /sessions [limit]")
			}
			limit = n
		}
		list, err := cb.sessions.ListSessions(ctx, limit)
		if err != nil {
			return false, err
		}
		switch list.Status {
		case api.StatusFailed:
			cb.printf("Could not load conversations. Try again later.\n")
		case api.StatusEmpty:
			cb.printf("No saved conversations.\n")
		default:
			cb.printf("\nSaved conversations:\n")
			for _, s := range list.Sessions {
				current := ""
				if s.ID == cb.sessionID {
					current = " (current)"
				}
				cb.printf("%d. %s - %d messages, %s%s\n", s.ID, s.Title, len(s.Messages), s.CreatedAt.Local().Format("2006-01-02 15:04"), current)
			}
			cb.printf("\n")
		}
		return false, nil

	case "/load":
		id, err := argID(parts, "usage: /load <id>")
		if err != nil {
			return false, err
		}
		return false, cb.LoadSession(ctx, id)

	case "/delete-session":
		id, err := argID(parts, "usage: /delete-session <id>")
		if err != nil {
			return false, err
		}
		if _, err := cb.sessions.DeleteSession(ctx, id); err != nil {
			return false, fmt.Errorf("failed to delete conversation: %w", err)
		}
		if id == cb.sessionID {
			cb.sessionID = 0
			cb.dirty = true
		}
		cb.printf("Deleted conversation %d\n", id)
		return false, nil

	case "/rename":
		if len(parts) < 3 {
			return false, fmt.Errorf("usage: /rename <id> <title>")
		}
		id, err := argID(parts, "usage: /rename <id> <title>")
		if err != nil {
			return false, err
		}
		title := strings.Join(parts[2:], " ")
		sess, err := cb.sessions.RenameSession(ctx, id, title)
		if err != nil {
			return false, fmt.Errorf("failed to rename conversation: %w", err)
		}
		cb.printf("Renamed conversation %d to %q\n", sess.ID, sess.Title)
		return false, nil

	case "/history":
		cb.printHistory()
		return false, nil

	case "/delete":
		n, err := argIndex(parts, "usage: /delete <n> (see /history)")
		if err != nil {
			return false, err
		}
		transcript := cb.ctrl.Transcript()
		if n > len(transcript) {
			return false, fmt.Errorf("no message %d", n)
		}
		cb.ctrl.DeleteMessage(transcript[n-1].ID)
		cb.dirty = true
		cb.printf("Removed message %d from this conversation (saved copies are unchanged)\n", n)
		return false, nil

	case "/retry":
		if err := cb.ctrl.Retry(ctx); err != nil {
			return false, err
		}
		cb.ctrl.Wait()
		if cb.ctrl.Status() == StatusError {
			cb.printf("Error: the reply failed again (%v)\n\n", cb.ctrl.Err())
		}
		return false, nil

	case "/stats":
		st, err := cb.sessions.GetStats(ctx)
		if err != nil {
			return false, err
		}
		if st.Status == api.StatusFailed {
			cb.printf("Could not load statistics. Try again later.\n")
			return false, nil
		}
		cb.printf("Conversations: %d\nMessages: %d\nAverage per conversation: %.1f\n",
			st.TotalSessions, st.TotalMessages, st.AverageMessagesPerSession)
		return false, nil

	case "/help":
		cb.printf("Available commands:\n")
		cb.printf("  /quit, /exit              - Exit the chatbot (saves unsaved changes)\n")
		cb.printf("  /new-session              - Start a new conversation\n")
		cb.printf("  /save [title]             - Save this conversation\n")
		cb.printf("  /sessions [limit]         - List saved conversations\n")
		cb.printf("  /load <id>                - Load a saved conversation\n")
		cb.printf("  /rename <id> <title>      - Rename a saved conversation\n")
		cb.printf("  /delete-session <id>      - Delete a saved conversation\n")
		cb.printf("  /history                  - Show this conversation\n")
		cb.printf("  /delete <n>               - Remove message n from this conversation\n")
		cb.printf("  /retry                    - Retry the last failed reply\n")
		cb.printf("  /stats                    - Show usage statistics\n")
		cb.printf("  /help                     - Show this help message\n")
		cb.printf("Press Ctrl-C while a reply is streaming to stop it.\n")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", parts[0])
	}
}

func (cb *ChatBot) printHistory() {
	transcript := cb.ctrl.Transcript()
	if len(transcript) == 0 {
		cb.printf("(empty conversation)\n")
		return
	}
	for i, e := range transcript {
		marker := ""
		if e.Partial {
			marker = " [incomplete]"
		}
		cb.printf("%d. %s%s: %s\n", i+1, e.Role, marker, e.Content)
	}
}

func argID(parts []string, usage string) (int64, error) {
	if len(parts) < 2 {
		return 0, errors.New(usage)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(usage)
	}
	return id, nil
}

func argIndex(parts []string, usage string) (int, error) {
	if len(parts) < 2 {
		return 0, errors.New(usage)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n <= 0 {
		return 0, errors.New(usage)
	}
	return n, nil
}
