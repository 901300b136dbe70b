package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/PushpalPatil/ChatBot/internal/config"
	"github.com/PushpalPatil/ChatBot/internal/session"
	"github.com/PushpalPatil/ChatBot/internal/telemetry"
)

// insertBatchSize caps rows per multi-row INSERT, well under sqlite's
// host parameter limit.
const insertBatchSize = 200

// SQLStore persists conversations and their messages in sqlite or postgres
type SQLStore struct {
	db       *sql.DB
	dialect  dialect
	logger   *slog.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
	now      func() time.Time
}

// Option customizes a SQLStore
type Option func(*SQLStore)

// WithTelemetry attaches a tracer and meter
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *SQLStore) {
		if t == nil {
			return
		}
		s.tracer = t.Tracer
		s.duration = telemetry.DurationHistogram(t.Meter, s.logger, "store.operation.duration", "Store operation duration in milliseconds")
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// SQLiteDSNForFile builds a sqlite DSN with WAL, a busy timeout and foreign
// keys enabled. Cascading deletes depend on the latter.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

// Open connects using the database config and migrates the schema
func Open(ctx context.Context, cfg config.DatabaseConfig, opts ...Option) (*SQLStore, error) {
	dsn := cfg.DSN
	if cfg.Driver == config.DriverSQLite && dsn == "" {
		var err error
		if dsn, err = SQLiteDSNForFile(cfg.Path); err != nil {
			return nil, err
		}
	}
	if _, ok := dialectFor(cfg.Driver); !ok {
		return nil, errors.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "store: ping")
	}
	s, err := New(ctx, db, cfg.Driver, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and runs migrations
func New(ctx context.Context, db *sql.DB, driver string, opts ...Option) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("store: db is nil")
	}
	d, ok := dialectFor(driver)
	if !ok {
		return nil, errors.Errorf("store: unsupported driver %q", driver)
	}
	s := &SQLStore{
		db:      db,
		dialect: d,
		logger:  slog.Default(),
		now:     time.Now,
	}
	noop := telemetry.Noop()
	s.tracer = noop.Tracer
	s.duration = telemetry.DurationHistogram(noop.Meter, s.logger, "store.operation.duration", "")
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for maintenance and tests
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, st := range s.dialect.createStmt {
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return errors.Wrap(err, "store: migrate")
		}
	}
	for _, st := range s.dialect.indexStmt {
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return errors.Wrap(err, "store: migrate indexes")
		}
	}
	return nil
}

// observe starts a span for op and returns a finisher recording duration
// and error status.
func (s *SQLStore) observe(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "store."+op, trace.WithAttributes(attribute.String("db.system", s.dialect.name)))
	start := time.Now()
	return ctx, func(err error) {
		s.duration.Record(ctx, telemetry.Since(start), metric.WithAttributes(attribute.String("op", op)))
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func storeErr(op string, err error) error {
	return &session.StoreError{Op: op, Err: err}
}

// ListSessions returns up to limit sessions, newest first, each with its
// ordered messages.
func (s *SQLStore) ListSessions(ctx context.Context, limit int) (out []session.Session, err error) {
	ctx, done := s.observe(ctx, "list_sessions")
	defer func() { done(err) }()

	if limit <= 0 {
		return nil, &session.ValidationError{Field: "limit", Reason: "must be positive"}
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT id, title, created_at, updated_at FROM chatbot_chat_session
		 ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, storeErr("list sessions", errors.Wrap(err, "query sessions"))
	}
	defer func() { _ = rows.Close() }()

	index := map[int64]int{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, storeErr("list sessions", err)
		}
		sess.Messages = []session.Message{}
		index[sess.ID] = len(out)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list sessions", errors.Wrap(err, "iterate sessions"))
	}
	if len(out) == 0 {
		return []session.Session{}, nil
	}

	ids := make([]any, 0, len(out))
	for _, sess := range out {
		ids = append(ids, sess.ID)
	}
	q := `SELECT id, session_id, role, content, created_at FROM chatbot_chat_message
		WHERE session_id IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + `)
		ORDER BY session_id, created_at, id`
	msgs, err := s.queryMessages(ctx, q, ids...)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	for _, m := range msgs {
		i := index[m.SessionID]
		out[i].Messages = append(out[i].Messages, m)
	}
	return out, nil
}

// GetSession loads a session and its ordered messages
func (s *SQLStore) GetSession(ctx context.Context, id int64) (_ *session.Session, err error) {
	ctx, done := s.observe(ctx, "get_session")
	defer func() { done(err) }()

	sess, err := s.sessionRow(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.queryMessages(ctx,
		`SELECT id, session_id, role, content, created_at FROM chatbot_chat_message
		 WHERE session_id = ? ORDER BY created_at, id`, id)
	if err != nil {
		return nil, storeErr("get session", err)
	}
	sess.Messages = msgs
	return &sess, nil
}

func (s *SQLStore) sessionRow(ctx context.Context, id int64) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT id, title, created_at, updated_at FROM chatbot_chat_session WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("%w: %d", session.ErrNotFound, id)
	}
	if err != nil {
		return session.Session{}, storeErr("get session", err)
	}
	return sess, nil
}

// SaveSession creates a session and bulk-inserts its messages in one
// transaction. Nothing is left behind when any statement fails.
func (s *SQLStore) SaveSession(ctx context.Context, title string, msgs []session.Message) (_ *session.Session, err error) {
	ctx, done := s.observe(ctx, "save_session")
	defer func() { done(err) }()

	title, err = session.NormalizeTitle(title)
	if err != nil {
		return nil, err
	}
	if err := session.ValidateMessages(msgs); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("save session", errors.Wrap(err, "begin transaction"))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now().UTC()
	sess := session.Session{Title: title, CreatedAt: now}
	err = tx.QueryRowContext(ctx, s.dialect.rebind(
		`INSERT INTO chatbot_chat_session (title, created_at) VALUES (?, ?) RETURNING id`),
		title, now).Scan(&sess.ID)
	if err != nil {
		return nil, storeErr("save session", errors.Wrap(err, "insert session"))
	}

	for start := 0; start < len(msgs); start += insertBatchSize {
		end := min(start+insertBatchSize, len(msgs))
		batch := msgs[start:end]
		args := make([]any, 0, len(batch)*4)
		for _, m := range batch {
			args = append(args, sess.ID, string(m.Role), m.Content, now)
		}
		q := `INSERT INTO chatbot_chat_message (session_id, role, content, created_at) VALUES ` + placeholders(len(batch), 4)
		if _, err = tx.ExecContext(ctx, s.dialect.rebind(q), args...); err != nil {
			return nil, storeErr("save session", errors.Wrap(err, "insert messages"))
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, storeErr("save session", errors.Wrap(err, "commit transaction"))
	}

	s.logger.Info("session saved", "session_id", sess.ID, "message_count", len(msgs))
	return &sess, nil
}

// RenameSession changes the title and stamps updated_at
func (s *SQLStore) RenameSession(ctx context.Context, id int64, title string) (_ *session.Session, err error) {
	ctx, done := s.observe(ctx, "rename_session")
	defer func() { done(err) }()

	title, err = session.NormalizeTitle(title)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE chatbot_chat_session SET title = ?, updated_at = ? WHERE id = ?`),
		title, s.now().UTC(), id)
	if err != nil {
		return nil, storeErr("rename session", errors.Wrap(err, "update session"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("rename session", errors.Wrap(err, "rows affected"))
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %d", session.ErrNotFound, id)
	}
	sess, err := s.sessionRow(ctx, id)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session; its messages go with it through the
// ON DELETE CASCADE foreign key. Unknown ids are not an error.
func (s *SQLStore) DeleteSession(ctx context.Context, id int64) (err error) {
	ctx, done := s.observe(ctx, "delete_session")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM chatbot_chat_session WHERE id = ?`), id)
	if err != nil {
		return storeErr("delete session", errors.Wrap(err, "delete session"))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("session deleted", "session_id", id)
	}
	return nil
}

// Stats counts sessions and messages
func (s *SQLStore) Stats(ctx context.Context) (_ session.Stats, err error) {
	ctx, done := s.observe(ctx, "stats")
	defer func() { done(err) }()

	var st session.Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chatbot_chat_session`).Scan(&st.TotalSessions); err != nil {
		return session.Stats{}, storeErr("count sessions", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chatbot_chat_message`).Scan(&st.TotalMessages); err != nil {
		return session.Stats{}, storeErr("count messages", err)
	}
	st.AverageMessagesPerSession = session.AverageMessages(st.TotalMessages, st.TotalSessions)
	return st, nil
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, args ...any) ([]session.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}
	defer func() { _ = rows.Close() }()

	msgs := []session.Message{}
	for rows.Next() {
		var (
			m    session.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.Role = session.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		sess    session.Session
		updated sql.NullTime
	)
	if err := row.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sess, err
		}
		return sess, errors.Wrap(err, "scan session")
	}
	if updated.Valid {
		t := updated.Time
		sess.UpdatedAt = &t
	}
	return sess, nil
}
