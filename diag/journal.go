package diag

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chazu/codever/versioning"
)

// JournalEntry is one recorded version event.
type JournalEntry struct {
	Seq int64
	At  time.Time
	versioning.Event
}

// Journal is a versioning.Observer that appends every event to a SQLite
// database.
type Journal struct {
	db *sql.DB
	mu sync.Mutex

	insert  *sql.Stmt
	lastErr error
}

// OpenJournal opens or creates the journal at path. Use ":memory:" for a
// journal that lives as long as the process.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One connection so an in-memory database is shared by all statements.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS version_events (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		at        INTEGER NOT NULL,
		kind      INTEGER NOT NULL,
		module    TEXT NOT NULL,
		token     INTEGER NOT NULL,
		method    TEXT NOT NULL,
		rejit_id  INTEGER NOT NULL,
		native_id INTEGER NOT NULL,
		tier      INTEGER NOT NULL,
		code      INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS version_events_method ON version_events (module, token)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index: %w", err)
	}

	insert, err := db.Prepare(`INSERT INTO version_events
		(at, kind, module, token, method, rejit_id, native_id, tier, code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	return &Journal{db: db, insert: insert}, nil
}

// OnVersionEvent implements versioning.Observer. Write failures are kept
// and reported by Err; the manager never sees them.
func (j *Journal) OnVersionEvent(e versioning.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.insert.Exec(time.Now().UnixNano(), int(e.Kind), e.Module, int64(e.Token), e.Method,
		int64(e.ReJITID), int64(e.NativeID), int(e.Tier), int64(e.Code))
	if err != nil {
		j.lastErr = fmt.Errorf("journaling %s: %w", e.Kind, err)
	}
}

// Err returns the last write failure, if any.
func (j *Journal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastErr
}

// Events returns the events of (module, token) in the order they happened.
func (j *Journal) Events(module string, token versioning.MethodToken) ([]JournalEntry, error) {
	return j.query(`SELECT seq, at, kind, module, token, method, rejit_id, native_id, tier, code
		FROM version_events WHERE module = ? AND token = ? ORDER BY seq`, module, int64(token))
}

// Recent returns up to limit of the newest events, oldest first.
func (j *Journal) Recent(limit int) ([]JournalEntry, error) {
	return j.query(`SELECT * FROM (
		SELECT seq, at, kind, module, token, method, rejit_id, native_id, tier, code
		FROM version_events ORDER BY seq DESC LIMIT ?) ORDER BY seq`, limit)
}

func (j *Journal) query(q string, args ...any) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e                              JournalEntry
			at, token, rejit, native, code int64
			kind, tier                     int
		)
		if err := rows.Scan(&e.Seq, &at, &kind, &e.Module, &token, &e.Method, &rejit, &native, &tier, &code); err != nil {
			return nil, fmt.Errorf("scanning journal: %w", err)
		}
		e.At = time.Unix(0, at)
		e.Kind = versioning.EventKind(kind)
		e.Token = versioning.MethodToken(token)
		e.ReJITID = versioning.ReJITID(rejit)
		e.NativeID = versioning.NativeCodeVersionID(native)
		e.Tier = versioning.OptimizationTier(tier)
		e.Code = versioning.CodeAddress(code)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.insert.Close()
	return j.db.Close()
}
