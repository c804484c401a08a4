package storage

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
	_ "modernc.org/sqlite"
)

// timeFormat stores all timestamps as UTC with millisecond precision,
// which keeps them lexicographically comparable in SQL.
const timeFormat = "2006-01-02T15:04:05.000Z"

// Store wraps the SQLite database. SQLite allows one writer at a time;
// writers that lose the race see a "database is locked" error which we
// absorb with a sleep-retry (see retry).
type Store struct {
	db *sql.DB
}

// New opens (and if necessary creates) the database at dsn. Use
// ":memory:" for tests.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The modernc driver opens a new connection per query by default;
	// an in-memory database would vanish between them.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS user (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			token TEXT NOT NULL UNIQUE,
			time_create TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_privilege (
			user TEXT NOT NULL,
			privilege TEXT NOT NULL,
			PRIMARY KEY (user, privilege)
		)`,
		`CREATE TABLE IF NOT EXISTS target (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			privilege TEXT,
			redirect TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS factory (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			token TEXT NOT NULL UNIQUE,
			lastping TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS worker (
			id TEXT PRIMARY KEY,
			bootstrap TEXT NOT NULL UNIQUE,
			token TEXT UNIQUE,
			factory TEXT NOT NULL,
			target TEXT NOT NULL,
			instance_id TEXT,
			deleted INTEGER NOT NULL DEFAULT 0,
			recycle INTEGER NOT NULL DEFAULT 0,
			lastping TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS worker_event (
			worker TEXT NOT NULL,
			seq INTEGER NOT NULL,
			stream TEXT NOT NULL,
			time TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (worker, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS job (
			id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			name TEXT NOT NULL,
			target TEXT NOT NULL,
			target_id TEXT NOT NULL,
			complete INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			cancelled INTEGER NOT NULL DEFAULT 0,
			waiting INTEGER NOT NULL DEFAULT 0,
			worker TEXT,
			archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS task (
			job TEXT NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			script TEXT NOT NULL,
			env TEXT NOT NULL,
			env_clear INTEGER NOT NULL,
			user_id INTEGER,
			group_id INTEGER,
			workdir TEXT,
			complete INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (job, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS job_output_rule (
			job TEXT NOT NULL,
			seq INTEGER NOT NULL,
			rule TEXT NOT NULL,
			ignore INTEGER NOT NULL,
			require_match INTEGER NOT NULL,
			size_change_ok INTEGER NOT NULL,
			PRIMARY KEY (job, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS job_event (
			job TEXT NOT NULL,
			seq INTEGER NOT NULL,
			task INTEGER,
			stream TEXT NOT NULL,
			time TEXT NOT NULL,
			time_remote TEXT,
			payload TEXT NOT NULL,
			PRIMARY KEY (job, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS job_input (
			job TEXT NOT NULL,
			name TEXT NOT NULL,
			id TEXT,
			other_job TEXT,
			PRIMARY KEY (job, name)
		)`,
		`CREATE TABLE IF NOT EXISTS job_output (
			job TEXT NOT NULL,
			path TEXT NOT NULL,
			id TEXT NOT NULL,
			PRIMARY KEY (job, path)
		)`,
		`CREATE TABLE IF NOT EXISTS job_file (
			job TEXT NOT NULL,
			id TEXT NOT NULL,
			size INTEGER NOT NULL,
			time_archived TEXT,
			PRIMARY KEY (job, id)
		)`,
		`CREATE TABLE IF NOT EXISTS job_depend (
			job TEXT NOT NULL,
			name TEXT NOT NULL,
			prior_job TEXT NOT NULL,
			copy_outputs INTEGER NOT NULL,
			on_failed INTEGER NOT NULL,
			on_completed INTEGER NOT NULL,
			satisfied INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (job, name)
		)`,
		`CREATE TABLE IF NOT EXISTS job_store (
			job TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			secret INTEGER NOT NULL,
			time_update TEXT NOT NULL,
			source TEXT NOT NULL,
			PRIMARY KEY (job, name)
		)`,
		`CREATE TABLE IF NOT EXISTS job_time (
			job TEXT NOT NULL,
			name TEXT NOT NULL,
			time TEXT NOT NULL,
			PRIMARY KEY (job, name)
		)`,
		`CREATE TABLE IF NOT EXISTS job_tag (
			job TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (job, name)
		)`,
		`CREATE TABLE IF NOT EXISTS published_file (
			owner TEXT NOT NULL,
			series TEXT NOT NULL,
			version TEXT NOT NULL,
			name TEXT NOT NULL,
			job TEXT NOT NULL,
			file TEXT NOT NULL,
			PRIMARY KEY (owner, series, version, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_owner ON job(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_job_complete ON job(complete)`,
		`CREATE INDEX IF NOT EXISTS idx_job_event_job ON job_event(job)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_factory ON worker(factory)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns a fresh time-ordered identifier. UUIDv7 strings sort
// lexicographically by creation time, which the FIFO scheduler and the
// chunk/file layout both rely on.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Only possible if the system entropy source is broken.
		panic(err)
	}
	return id.String()
}

// GenerateToken mints a new opaque bearer secret.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashToken derives the at-rest form of a bearer secret. Only hashes
// are stored; auth lookups hash the presented token.
func HashToken(token string) string {
	h := sha3.New256()
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

func storeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isLocked reports whether err is SQLite write contention rather than
// a real failure.
func isLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

const (
	lockRetries = 20
	lockSleep   = 500 * time.Millisecond
)

// retry runs fn, absorbing transient lock errors with a short sleep.
// Contention is never surfaced to callers unless it persists well past
// any reasonable write.
func (s *Store) retry(fn func(tx *sql.Tx) error) error {
	for i := 0; ; i++ {
		err := s.attempt(fn)
		if !isLocked(err) || i >= lockRetries {
			return err
		}
		time.Sleep(lockSleep)
	}
}

func (s *Store) attempt(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
