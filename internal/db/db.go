// Package db provides SQLite storage for captive portal sessions.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Session status values.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// End reasons recorded when a session leaves the active state.
const (
	EndReasonExpired  = "expired"
	EndReasonReplaced = "replaced"
	EndReasonLogout   = "logout"
)

// ErrSessionNotFound is returned when no session matches a lookup.
var ErrSessionNotFound = errors.New("session not found")

// Device describes the client a session was granted to. Only IP drives
// access decisions; the rest is descriptive.
type Device struct {
	IP          string `json:"ip"`
	MAC         string `json:"mac_address"`
	UserAgent   string `json:"agent"`
	OriginalURL string `json:"original_url"`
	HTTPMethod  string `json:"http_method"`
	Referer     string `json:"referer"`
}

// Session represents one access grant for a user.
type Session struct {
	ID        string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	Username  string     `json:"username,omitempty"`
	Device    Device     `json:"device"`
	Status    string     `json:"status"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	EndReason string     `json:"end_reason,omitempty"`
}

// IsExpired reports whether the session's time bound has passed.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// NewSession holds the values for a session being activated.
type NewSession struct {
	UserID    string
	Username  string
	Device    Device
	GrantedAt time.Time
	TTL       time.Duration
}

// Stats summarizes the session table.
type Stats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Users    int `json:"users"`
}

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database and creates tables if needed. Write
// transactions take the database lock when they begin so concurrent
// activations queue instead of failing at commit.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &DB{conn: conn}, nil
}

func dsn(path string) string {
	params := "_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?" + params
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func createTables(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			username TEXT DEFAULT '',
			mac_address TEXT DEFAULT '',
			ip_address TEXT NOT NULL,
			user_agent TEXT DEFAULT '',
			original_url TEXT DEFAULT '',
			http_method TEXT DEFAULT '',
			referer TEXT DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			granted_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			ended_at DATETIME,
			end_reason TEXT DEFAULT ''
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
			ON sessions(user_id) WHERE status = 'active';
		CREATE INDEX IF NOT EXISTS idx_sessions_status_expires ON sessions(status, expires_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_ip ON sessions(ip_address);
	`)
	return err
}

const sessionColumns = `id, user_id, username, mac_address, ip_address, user_agent, original_url,
	http_method, referer, status, granted_at, expires_at, ended_at, end_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	s := &Session{}
	var username, mac, agent, originalURL, method, referer, endReason sql.NullString
	var endedAt sql.NullTime
	err := row.Scan(&s.ID, &s.UserID, &username, &mac, &s.Device.IP, &agent, &originalURL,
		&method, &referer, &s.Status, &s.GrantedAt, &s.ExpiresAt, &endedAt, &endReason)
	if err != nil {
		return nil, err
	}
	s.Username = username.String
	s.Device.MAC = mac.String
	s.Device.UserAgent = agent.String
	s.Device.OriginalURL = originalURL.String
	s.Device.HTTPMethod = method.String
	s.Device.Referer = referer.String
	s.EndReason = endReason.String
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return s, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func querySessions(ctx context.Context, q queryer, query string, args ...any) ([]*Session, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpsertSession makes a new active session for ns.UserID in one transaction:
// prior active rows are marked inactive, the new row is inserted, and apply is
// called with the rows that were replaced. The transaction commits only if
// apply succeeds, so a failed firewall change leaves the table untouched.
func (db *DB) UpsertSession(ctx context.Context, ns NewSession, apply func(prior []*Session) error) (*Session, error) {
	now := ns.GrantedAt.UTC()
	s := &Session{
		ID:        uuid.New().String(),
		UserID:    ns.UserID,
		Username:  ns.Username,
		Device:    ns.Device,
		Status:    StatusActive,
		GrantedAt: now,
		ExpiresAt: now.Add(ns.TTL),
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	prior, err := querySessions(ctx, tx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND status = 'active'`, ns.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to read active sessions: %w", err)
	}

	if len(prior) > 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET status = 'inactive', ended_at = ?, end_reason = ?
			WHERE user_id = ? AND status = 'active'
		`, now, EndReasonReplaced, ns.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to replace active session: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '')
	`, s.ID, s.UserID, s.Username, s.Device.MAC, s.Device.IP, s.Device.UserAgent, s.Device.OriginalURL,
		s.Device.HTTPMethod, s.Device.Referer, s.Status, s.GrantedAt, s.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	if apply != nil {
		if err := apply(prior); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}
	return s, nil
}

// GetActiveSession returns the active session for a user.
func (db *DB) GetActiveSession(ctx context.Context, userID string) (*Session, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND status = 'active'`, userID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

// ListSessions returns all sessions, optionally filtered by status, newest first.
func (db *DB) ListSessions(ctx context.Context, status string) ([]*Session, error) {
	if status != "" {
		return querySessions(ctx, db.conn, `
			SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY granted_at DESC
		`, status)
	}
	return querySessions(ctx, db.conn, `
		SELECT `+sessionColumns+` FROM sessions ORDER BY granted_at DESC
	`)
}

// ListExpired returns active sessions whose expiry is before now.
func (db *DB) ListExpired(ctx context.Context, now time.Time) ([]*Session, error) {
	return querySessions(ctx, db.conn, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = 'active' AND expires_at < ?
		ORDER BY expires_at ASC
	`, now.UTC())
}

// ActiveByAddress returns the active sessions holding ip.
func (db *DB) ActiveByAddress(ctx context.Context, ip string) ([]*Session, error) {
	return querySessions(ctx, db.conn, `
		SELECT `+sessionColumns+` FROM sessions WHERE ip_address = ? AND status = 'active'
	`, ip)
}

// MarkInactive ends the user's active session. It returns ErrSessionNotFound
// when the user has none.
func (db *DB) MarkInactive(ctx context.Context, userID, reason string, now time.Time) error {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE sessions SET status = 'inactive', ended_at = ?, end_reason = ?
		WHERE user_id = ? AND status = 'active'
	`, now.UTC(), reason, userID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ExpireSession ends one session by ID if it is still active. It reports
// whether the row changed, so a session replaced in the meantime is left alone.
func (db *DB) ExpireSession(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE sessions SET status = 'inactive', ended_at = ?, end_reason = ?
		WHERE id = ? AND status = 'active'
	`, now.UTC(), reason, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneHistory deletes inactive sessions that ended before the cutoff.
func (db *DB) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `
		DELETE FROM sessions WHERE status = 'inactive' AND ended_at < ?
	`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetStats returns session statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	row := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'inactive' THEN 1 ELSE 0 END), 0),
		       COUNT(DISTINCT user_id)
		FROM sessions
	`)
	if err := row.Scan(&st.Total, &st.Active, &st.Inactive, &st.Users); err != nil {
		return nil, err
	}
	return st, nil
}
