// Package db persists proctoring sessions and their violation events in
// SQLite. The schema is owned by the embedded migrations; NewDB always
// migrates to the latest version before returning.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	_ "modernc.org/sqlite"

	"github.com/examsentry/proctor/internal/vision"
)

//go:embed migrations/*.sql
var migrationsEmbedFS embed.FS

// MigrationsFS returns the embedded migrations as a rooted filesystem.
func MigrationsFS() (fs.FS, error) {
	return fs.Sub(migrationsEmbedFS, "migrations")
}

type DB struct {
	*sql.DB
}

// OpenDB opens the SQLite database without touching the schema. Used by the
// migrate subcommand, which manages the schema itself.
func OpenDB(path string) (*DB, error) {
	sdb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under the concurrent recorder and API reads.
	sdb.SetMaxOpenConns(1)
	if _, err := sdb.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON; PRAGMA busy_timeout=5000;`); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	return &DB{sdb}, nil
}

// NewDB opens the database and migrates it to the latest schema version.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	mfs, err := MigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(mfs); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Session is one proctored exam sitting.
type Session struct {
	ID                 string     `json:"id"`
	AssessmentID       string     `json:"assessment_id"`
	SubmissionID       string     `json:"submission_id"`
	Device             int        `json:"device"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	IdentityVerifiedAt *time.Time `json:"identity_verified_at,omitempty"`
	Terminated         bool       `json:"terminated"`
	TerminatedAt       *time.Time `json:"terminated_at,omitempty"`
}

// CreateSession inserts a new session row.
func (db *DB) CreateSession(s Session) error {
	_, err := db.Exec(
		`INSERT INTO sessions (id, assessment_id, submission_id, device, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.AssessmentID, s.SubmissionID, s.Device, s.StartedAt.UTC(),
	)
	return err
}

// EndSession stamps the session end time.
func (db *DB) EndSession(id string, endedAt time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, endedAt.UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// MarkIdentityVerified stamps the first successful identity check. Later
// calls overwrite; the caller fires this at most once per session.
func (db *DB) MarkIdentityVerified(id string, at time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET identity_verified_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// MarkTerminated flags the session as terminated by the violation threshold.
func (db *DB) MarkTerminated(id string, at time.Time) error {
	res, err := db.Exec(
		`UPDATE sessions SET terminated = 1, terminated_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// UpdateSessionDevice records the active capture device after a switch.
func (db *DB) UpdateSessionDevice(id string, device int) error {
	res, err := db.Exec(`UPDATE sessions SET device = ? WHERE id = ?`, device, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

// SessionByID returns one session.
func (db *DB) SessionByID(id string) (Session, error) {
	row := db.QueryRow(
		`SELECT id, assessment_id, submission_id, device, started_at, ended_at,
		        identity_verified_at, terminated, terminated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	rows, err := db.Query(
		`SELECT id, assessment_id, submission_id, device, started_at, ended_at,
		        identity_verified_at, terminated, terminated_at
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var terminated int
	err := row.Scan(&s.ID, &s.AssessmentID, &s.SubmissionID, &s.Device, &s.StartedAt,
		&s.EndedAt, &s.IdentityVerifiedAt, &terminated, &s.TerminatedAt)
	if err != nil {
		return Session{}, err
	}
	s.Terminated = terminated != 0
	return s, nil
}

// ViolationRow is one persisted violation event.
type ViolationRow struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RecordViolation appends one violation event. The table is append-only;
// nothing updates or deletes violation rows.
func (db *DB) RecordViolation(sessionID string, v vision.Violation) error {
	_, err := db.Exec(
		`INSERT INTO violations (session_id, type, message, recorded_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(v.Type), v.Message, v.RecordedAt.UTC(),
	)
	return err
}

// Violations returns all violations for a session in recording order.
func (db *DB) Violations(sessionID string) ([]ViolationRow, error) {
	rows, err := db.Query(
		`SELECT id, session_id, type, message, recorded_at
		 FROM violations WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ViolationRow
	for rows.Next() {
		var v ViolationRow
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Type, &v.Message, &v.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ViolationCounts returns the per-type rollup for a session. Types with no
// violations are absent from the map.
func (db *DB) ViolationCounts(sessionID string) (map[string]int, error) {
	rows, err := db.Query(
		`SELECT type, COUNT(*) FROM violations WHERE session_id = ? GROUP BY type`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}

// SessionRecorder adapts the database to the detection engine's Recorder
// interface for one session.
type SessionRecorder struct {
	db        *DB
	sessionID string
}

// NewSessionRecorder binds a recorder to a session.
func (db *DB) NewSessionRecorder(sessionID string) *SessionRecorder {
	return &SessionRecorder{db: db, sessionID: sessionID}
}

func (r *SessionRecorder) RecordViolation(v vision.Violation) error {
	return r.db.RecordViolation(r.sessionID, v)
}
