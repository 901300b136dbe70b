package session

import (
	"strings"
	"time"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxTitleLength bounds a conversation title (matches the varchar(256) column)
const MaxTitleLength = 256

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message represents a single chat message
type Message struct {
	ID        int64     `json:"id,omitempty"`
	SessionID int64     `json:"sessionId,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Session represents a persisted conversation. Messages is only populated
// by read operations that embed the transcript.
type Session struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt"`
	Messages  []Message  `json:"messages,omitempty"`
}

// Stats holds aggregate counts across all conversations
type Stats struct {
	TotalSessions             int64   `json:"totalSessions"`
	TotalMessages             int64   `json:"totalMessages"`
	AverageMessagesPerSession float64 `json:"averageMessagesPerSession"`
}

// ValidateMessage checks role and returns a *ValidationError naming the
// offending index.
func ValidateMessage(i int, m Message) error {
	if !m.Role.Valid() {
		return &ValidationError{Field: fieldIndex("messages", i, "role"), Reason: "must be one of user, assistant"}
	}
	return nil
}

// ValidateMessages checks every message in order
func ValidateMessages(msgs []Message) error {
	for i, m := range msgs {
		if err := ValidateMessage(i, m); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeTitle trims the title and enforces the length bounds
func NormalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if len([]rune(title)) > MaxTitleLength {
		return "", &ValidationError{Field: "title", Reason: "must be at most 256 characters"}
	}
	return title, nil
}

// AverageMessages rounds total/sessions to one decimal place, returning 0
// when there are no sessions.
func AverageMessages(totalMessages, totalSessions int64) float64 {
	if totalSessions <= 0 {
		return 0
	}
	tenths := (totalMessages*10*2 + totalSessions) / (2 * totalSessions)
	return float64(tenths) / 10
}
