package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lordamdal/beaver-hr-interviewer/internal/session"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database. Sessions are
// stored as JSON documents alongside the columns the store needs to index:
// the provider call id, terminal flag, version and timestamps.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and if needed creates) the database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL mode so concurrent webhook handlers do not serialize on reads.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS interview_sessions (
		session_id TEXT PRIMARY KEY,
		provider_call_id TEXT NOT NULL,
		state TEXT NOT NULL,
		terminal INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active_call
		ON interview_sessions(provider_call_id) WHERE terminal = 0;
	CREATE INDEX IF NOT EXISTS idx_sessions_stale
		ON interview_sessions(updated_at) WHERE terminal = 0;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanSession(row interface{ Scan(...any) error }) (*session.InterviewSession, error) {
	var body string
	var version int64
	if err := row.Scan(&body, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	var sess session.InterviewSession
	if err := json.Unmarshal([]byte(body), &sess); err != nil {
		return nil, fmt.Errorf("decode session body: %w", err)
	}
	// The column is authoritative; the body copy may lag a concurrent write.
	sess.Version = version
	return &sess, nil
}

func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*session.InterviewSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body, version FROM interview_sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

func (s *SQLiteStore) GetByProviderCallID(ctx context.Context, providerCallID string) (*session.InterviewSession, error) {
	// Prefer the active session; fall back to the most recent terminal one so
	// late recording callbacks can still find their call.
	row := s.db.QueryRowContext(ctx,
		`SELECT body, version FROM interview_sessions
		 WHERE provider_call_id = ?
		 ORDER BY terminal ASC, updated_at DESC LIMIT 1`, providerCallID)
	return scanSession(row)
}

func (s *SQLiteStore) Create(ctx context.Context, sess *session.InterviewSession) error {
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interview_sessions
		 (session_id, provider_call_id, state, terminal, version, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.ProviderCallID, string(sess.State), boolToInt(sess.State.Terminal()),
		sess.Version, string(body), sess.CreatedAt.Unix(), sess.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, expectedVersion int64, sess *session.InterviewSession) error {
	mutated := *sess
	mutated.Version = expectedVersion + 1
	mutated.UpdatedAt = time.Now().UTC()

	body, err := json.Marshal(&mutated)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE interview_sessions
		 SET state = ?, terminal = ?, version = ?, body = ?, updated_at = ?
		 WHERE session_id = ? AND version = ?`,
		string(mutated.State), boolToInt(mutated.State.Terminal()), mutated.Version,
		string(body), mutated.UpdatedAt.Unix(), mutated.SessionID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM interview_sessions WHERE session_id = ?`,
			sess.SessionID).Scan(&exists); err == nil && exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	sess.Version = mutated.Version
	sess.UpdatedAt = mutated.UpdatedAt
	return nil
}

func (s *SQLiteStore) ListStale(ctx context.Context, cutoff time.Time) ([]*session.InterviewSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body, version FROM interview_sessions
		 WHERE terminal = 0 AND updated_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer rows.Close()

	var out []*session.InterviewSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text; the
	// driver does not export a typed error for them. Matching the extended
	// code name keeps NOT NULL and CHECK failures out of ErrConflict.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
