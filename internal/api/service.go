// Package api implements the session management procedures on top of the
// persistence store and exposes them over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/PushpalPatil/ChatBot/internal/session"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// LoadStatus tells a caller whether an empty payload means "nothing there"
// or "could not load"
type LoadStatus string

const (
	StatusOK     LoadStatus = "ok"
	StatusEmpty  LoadStatus = "empty"
	StatusFailed LoadStatus = "failed"
)

// Store is the persistence contract the API needs
type Store interface {
	ListSessions(ctx context.Context, limit int) ([]session.Session, error)
	GetSession(ctx context.Context, id int64) (*session.Session, error)
	SaveSession(ctx context.Context, title string, msgs []session.Message) (*session.Session, error)
	RenameSession(ctx context.Context, id int64, title string) (*session.Session, error)
	DeleteSession(ctx context.Context, id int64) error
	Stats(ctx context.Context) (session.Stats, error)
}

// SessionList is the tagged result of ListSessions
type SessionList struct {
	Status   LoadStatus        `json:"status"`
	Sessions []session.Session `json:"sessions"`
}

// StatsResult is the tagged result of GetStats
type StatsResult struct {
	Status LoadStatus `json:"status"`
	session.Stats
}

// DeleteResult acknowledges a delete
type DeleteResult struct {
	Success bool `json:"success"`
}

// Service implements the session procedures
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// ListSessions returns up to limit conversations, newest first. A store
// failure is logged and reported as StatusFailed with an empty list.
func (s *Service) ListSessions(ctx context.Context, limit int) (SessionList, error) {
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit < 0 || limit > MaxListLimit {
		return SessionList{}, &session.ValidationError{Field: "limit", Reason: "must be between 1 and 100"}
	}

	sessions, err := s.store.ListSessions(ctx, limit)
	if err != nil {
		s.logger.Error("failed to list sessions", "limit", limit, "error", err)
		return SessionList{Status: StatusFailed, Sessions: []session.Session{}}, nil
	}
	if len(sessions) == 0 {
		return SessionList{Status: StatusEmpty, Sessions: []session.Session{}}, nil
	}
	return SessionList{Status: StatusOK, Sessions: sessions}, nil
}

func (s *Service) GetSession(ctx context.Context, id int64) (*session.Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		s.logFailure("failed to get session", id, err)
		return nil, err
	}
	return sess, nil
}

// SaveSession validates and atomically persists a conversation
func (s *Service) SaveSession(ctx context.Context, title string, msgs []session.Message) (*session.Session, error) {
	title, err := session.NormalizeTitle(title)
	if err != nil {
		return nil, err
	}
	if err := session.ValidateMessages(msgs); err != nil {
		return nil, err
	}
	sess, err := s.store.SaveSession(ctx, title, msgs)
	if err != nil {
		s.logger.Error("failed to save session", "message_count", len(msgs), "error", err)
		return nil, err
	}
	return sess, nil
}

func (s *Service) RenameSession(ctx context.Context, id int64, title string) (*session.Session, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	title, err := session.NormalizeTitle(title)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.RenameSession(ctx, id, title)
	if err != nil {
		s.logFailure("failed to rename session", id, err)
		return nil, err
	}
	return sess, nil
}

// DeleteSession is idempotent: deleting an unknown id succeeds
func (s *Service) DeleteSession(ctx context.Context, id int64) (DeleteResult, error) {
	if err := validateID(id); err != nil {
		return DeleteResult{}, err
	}
	if err := s.store.DeleteSession(ctx, id); err != nil {
		s.logFailure("failed to delete session", id, err)
		return DeleteResult{}, err
	}
	return DeleteResult{Success: true}, nil
}

// GetStats reports zeroed stats tagged StatusFailed when the store fails
func (s *Service) GetStats(ctx context.Context) StatsResult {
	st, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Error("failed to compute stats", "error", err)
		return StatsResult{Status: StatusFailed}
	}
	if st.TotalSessions == 0 {
		return StatsResult{Status: StatusEmpty, Stats: st}
	}
	return StatsResult{Status: StatusOK, Stats: st}
}

func (s *Service) logFailure(msg string, id int64, err error) {
	if errors.Is(err, session.ErrNotFound) {
		s.logger.Debug(msg, "session_id", id, "error", err)
		return
	}
	s.logger.Error(msg, "session_id", id, "error", err)
}

func validateID(id int64) error {
	if id <= 0 {
		return &session.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return nil
}
