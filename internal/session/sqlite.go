// ABOUTME: SQLite implementation of the session Store using modernc.org/sqlite
// ABOUTME: Schema bootstrap, WAL mode, TTL expiry on access plus background sweep

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is how timestamps are stored. Fixed-width RFC3339 in UTC keeps
// them comparable with plain string ordering in SQL (RFC3339Nano trims
// trailing zeros, which breaks that).
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent directories
// are created if needed. ttl is the inactivity window after which a session
// is treated as gone; zero disables expiry.
func NewSQLiteStore(path string, ttl time.Duration, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session-store")

	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":memory:") {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, ttl: ttl, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session store initialized", "path", path, "ttl", ttl)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			agent_ref  TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			streaming  INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,

			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
			CHECK (role IN ('user', 'agent'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_streaming
			ON messages(session_id, streaming);

		CREATE TABLE IF NOT EXISTS tool_calls (
			id         TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			name       TEXT NOT NULL,
			parameters TEXT,
			status     TEXT NOT NULL,
			result     TEXT,
			created_at TEXT NOT NULL,

			FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
			CHECK (status IN ('running', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// cutoff returns the oldest updated_at still considered live, or "" when
// expiry is disabled.
func (s *SQLiteStore) cutoff() string {
	if s.ttl <= 0 {
		return ""
	}
	return time.Now().UTC().Add(-s.ttl).Format(timeFormat)
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, agent_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.AgentRef,
		sess.CreatedAt.Format(timeFormat), sess.UpdatedAt.Format(timeFormat))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, agent_ref, created_at, updated_at
		 FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	if s.ttl > 0 && time.Since(sess.UpdatedAt) > s.ttl {
		// Lazy expiry on access.
		if err := s.DeleteSession(ctx, id); err != nil {
			s.logger.Warn("failed to delete expired session", "session_id", id, "error", err)
		}
		return nil, ErrNotFound
	}

	return sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string) ([]*Session, error) {
	query := `SELECT id, owner_id, agent_ref, created_at, updated_at
		 FROM sessions WHERE owner_id = ?`
	args := []any{ownerID}
	if cut := s.cutoff(); cut != "" {
		query += ` AND updated_at >= ?`
		args = append(args, cut)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	// Idempotent. Cascades to messages and tool calls.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, streaming, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content,
		boolToInt(msg.Streaming), msg.CreatedAt.Format(timeFormat))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("appending message: %w", ErrNotFound)
		}
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, streaming, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	byID := make(map[string]*Message)
	for rows.Next() {
		var msg Message
		var streaming int
		var createdAt string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &streaming, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Streaming = streaming != 0
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
		byID[msg.ID] = &msg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachToolCalls(ctx, sessionID, byID); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *SQLiteStore) attachToolCalls(ctx context.Context, sessionID string, byID map[string]*Message) error {
	if len(byID) == 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tc.id, tc.message_id, tc.name, tc.parameters, tc.status, tc.result, tc.created_at
		 FROM tool_calls tc
		 JOIN messages m ON m.id = tc.message_id
		 WHERE m.session_id = ?
		 ORDER BY tc.created_at ASC`, sessionID)
	if err != nil {
		return fmt.Errorf("getting tool calls: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var call ToolCallRecord
		var params, result sql.NullString
		var createdAt string
		if err := rows.Scan(&call.ID, &call.MessageID, &call.Name, &params, &call.Status, &result, &createdAt); err != nil {
			return fmt.Errorf("scanning tool call: %w", err)
		}
		call.Parameters = params.String
		call.Result = result.String
		if call.CreatedAt, err = parseTime(createdAt); err != nil {
			return err
		}
		if msg, ok := byID[call.MessageID]; ok {
			msg.ToolCalls = append(msg.ToolCalls, &call)
		}
	}
	return rows.Err()
}

// UpdateStreamingMessage replaces the accumulated content of an in-flight
// agent message. No-op error if the message is not streaming anymore, which
// keeps a late token write from resurrecting a finalized message.
func (s *SQLiteStore) UpdateStreamingMessage(ctx context.Context, messageID, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ? WHERE id = ? AND streaming = 1`,
		content, messageID)
	if err != nil {
		return fmt.Errorf("updating streaming message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeMessage marks an agent message complete with its final content.
func (s *SQLiteStore) FinalizeMessage(ctx context.Context, messageID, content string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, streaming = 0 WHERE id = ?`,
		content, messageID)
	if err != nil {
		return fmt.Errorf("finalizing message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StreamingMessageID returns the ID of the session's in-flight agent message,
// or empty when nothing is streaming.
func (s *SQLiteStore) StreamingMessageID(ctx context.Context, sessionID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM messages WHERE session_id = ? AND streaming = 1 LIMIT 1`,
		sessionID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying streaming message: %w", err)
	}
	return id, nil
}

// SaveToolCall inserts or updates a tool invocation record.
func (s *SQLiteStore) SaveToolCall(ctx context.Context, call *ToolCallRecord) error {
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, message_id, name, parameters, status, result, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, result = excluded.result`,
		call.ID, call.MessageID, call.Name, call.Parameters, call.Status, call.Result,
		call.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("saving tool call: %w", err)
	}
	return nil
}

// ExpireSessions deletes sessions whose updated_at is before the cutoff and
// returns how many were removed.
func (s *SQLiteStore) ExpireSessions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE updated_at < ?`, before.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("expiring sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountSessions reports live and total session counts for health reporting.
func (s *SQLiteStore) CountSessions(ctx context.Context) (active, total int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("counting sessions: %w", err)
	}

	active = total
	if cut := s.cutoff(); cut != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE updated_at >= ?`, cut).Scan(&active)
		if err != nil {
			return 0, 0, fmt.Errorf("counting active sessions: %w", err)
		}
	}
	return active, total, nil
}

// StartSweeper runs periodic TTL garbage collection until ctx is cancelled.
// No-op when expiry is disabled.
func (s *SQLiteStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.ExpireSessions(ctx, time.Now().Add(-s.ttl))
				if err != nil {
					s.logger.Warn("session sweep failed", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Info("expired sessions swept", "count", n)
				}
			}
		}
	}()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.AgentRef, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}

var _ Store = (*SQLiteStore)(nil)
