package store

import (
	"strconv"
	"strings"

	"github.com/PushpalPatil/ChatBot/internal/config"
)

const (
	sessionTable = "chatbot_chat_session"
	messageTable = "chatbot_chat_message"
)

// dialect captures the few places sqlite and postgres disagree
type dialect struct {
	name       string
	createStmt []string
	indexStmt  []string
	dollarArgs bool
}

var sqliteDialect = dialect{
	name: config.DriverSQLite,
	createStmt: []string{
		`CREATE TABLE IF NOT EXISTS chatbot_chat_session (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title VARCHAR(256) NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS chatbot_chat_message (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES chatbot_chat_session(id) ON DELETE CASCADE,
			role VARCHAR(20) NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,
	},
	indexStmt: commonIndexes,
}

var postgresDialect = dialect{
	name: config.DriverPostgres,
	createStmt: []string{
		`CREATE TABLE IF NOT EXISTS chatbot_chat_session (
			id SERIAL PRIMARY KEY,
			title VARCHAR(256) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ
		);`,
		`CREATE TABLE IF NOT EXISTS chatbot_chat_message (
			id SERIAL PRIMARY KEY,
			session_id INTEGER NOT NULL REFERENCES chatbot_chat_session(id) ON DELETE CASCADE,
			role VARCHAR(20) NOT NULL CHECK (role IN ('user', 'assistant')),
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	},
	indexStmt:  commonIndexes,
	dollarArgs: true,
}

var commonIndexes = []string{
	`CREATE INDEX IF NOT EXISTS chat_session_title_idx ON chatbot_chat_session(title);`,
	`CREATE INDEX IF NOT EXISTS chat_session_created_at_idx ON chatbot_chat_session(created_at);`,
	`CREATE INDEX IF NOT EXISTS chat_message_session_id_idx ON chatbot_chat_message(session_id);`,
	`CREATE INDEX IF NOT EXISTS chat_message_role_idx ON chatbot_chat_message(role);`,
	`CREATE INDEX IF NOT EXISTS chat_message_created_at_idx ON chatbot_chat_message(created_at);`,
}

func dialectFor(driver string) (dialect, bool) {
	switch driver {
	case config.DriverSQLite:
		return sqliteDialect, true
	case config.DriverPostgres:
		return postgresDialect, true
	default:
		return dialect{}, false
	}
}

// rebind rewrites ? placeholders to $n for postgres. Queries in this package
// never contain a literal '?'.
func (d dialect) rebind(query string) string {
	if !d.dollarArgs {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// placeholders returns "(?, ?, ...)" groups for a multi-row insert
func placeholders(rows, cols int) string {
	group := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"
	parts := make([]string, rows)
	for i := range parts {
		parts[i] = group
	}
	return strings.Join(parts, ", ")
}
