// Package state persists applied rulesets in SQLite, giving the daemon a
// history to diff against and a record of what was active across restarts.
//
// The driver is modernc.org/sqlite (pure Go, no CGO) so the daemon
// cross-compiles for any container host.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dockwall.dev/dockwall/internal/clock"
)

// ErrNoRulesets is returned when the store holds no applied rulesets yet.
var ErrNoRulesets = errors.New("no rulesets recorded")

// defaultHistoryLimit bounds how many applied rulesets are retained.
const defaultHistoryLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS rulesets (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	applied_at TEXT    NOT NULL,
	rule_count INTEGER NOT NULL,
	script     TEXT    NOT NULL
);
`

// Options configures a Store.
type Options struct {
	// Path is the database file, or ":memory:" for tests.
	Path string

	// WALMode enables write-ahead logging. Recommended for on-disk stores.
	WALMode bool

	// HistoryLimit caps retained rulesets; zero means the default.
	HistoryLimit int
}

// Ruleset is one recorded apply.
type Ruleset struct {
	ID        int64
	AppliedAt time.Time
	RuleCount int
	Script    string
}

// Store is a SQLite-backed ruleset history.
type Store struct {
	db           *sql.DB
	historyLimit int
}

// Open opens or creates the store at opts.Path.
func Open(opts Options) (*Store, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	limit := opts.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &Store{db: db, historyLimit: limit}, nil
}

// SaveRuleset records an applied ruleset and prunes entries beyond the
// history limit.
func (s *Store) SaveRuleset(script string, ruleCount int) error {
	_, err := s.db.Exec(
		`INSERT INTO rulesets (applied_at, rule_count, script) VALUES (?, ?, ?)`,
		clock.Now().UTC().Format(time.RFC3339Nano), ruleCount, script,
	)
	if err != nil {
		return fmt.Errorf("failed to save ruleset: %w", err)
	}

	_, err = s.db.Exec(
		`DELETE FROM rulesets WHERE id NOT IN
			(SELECT id FROM rulesets ORDER BY id DESC LIMIT ?)`,
		s.historyLimit,
	)
	if err != nil {
		return fmt.Errorf("failed to prune history: %w", err)
	}
	return nil
}

// LatestRuleset returns the most recently recorded ruleset.
func (s *Store) LatestRuleset() (*Ruleset, error) {
	row := s.db.QueryRow(
		`SELECT id, applied_at, rule_count, script FROM rulesets ORDER BY id DESC LIMIT 1`)
	rs, err := scanRuleset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRulesets
	}
	return rs, err
}

// History returns up to limit recorded rulesets, newest first.
func (s *Store) History(limit int) ([]*Ruleset, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	rows, err := s.db.Query(
		`SELECT id, applied_at, rule_count, script FROM rulesets ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []*Ruleset
	for rows.Next() {
		rs, err := scanRuleset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleset(row rowScanner) (*Ruleset, error) {
	var rs Ruleset
	var appliedAt string
	if err := row.Scan(&rs.ID, &appliedAt, &rs.RuleCount, &rs.Script); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, appliedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid applied_at %q: %w", appliedAt, err)
	}
	rs.AppliedAt = t
	return &rs, nil
}
