package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS rate_windows (
	key      TEXT PRIMARY KEY,
	reset_at INTEGER NOT NULL,
	count    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_windows_reset ON rate_windows(reset_at);
`

// The SET expressions all see the row as it was before the update, so a
// window that has reset starts counting from one again.
const admitSQL = `
INSERT INTO rate_windows (key, reset_at, count) VALUES (?1, ?2, 1)
ON CONFLICT(key) DO UPDATE SET
	count    = CASE WHEN rate_windows.reset_at < ?3 THEN 1 ELSE rate_windows.count + 1 END,
	reset_at = CASE WHEN rate_windows.reset_at < ?3 THEN ?2 ELSE rate_windows.reset_at END
RETURNING count, reset_at`

// SQLiteWindow is a fixed window limiter whose counters live in a SQLite
// database, so processes sharing the file share their limits.
type SQLiteWindow struct {
	db     *sql.DB
	window time.Duration
	max    int
	now    Clock

	admitStmt *sql.Stmt
	sweepStmt *sql.Stmt
	closeOnce sync.Once
}

// OpenSQLite opens or creates the database at path. ":memory:" gives a
// private in-process database.
func OpenSQLite(path string, window time.Duration, max int, now Clock) (*SQLiteWindow, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if now == nil {
		now = time.Now
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &SQLiteWindow{db: db, window: window, max: max, now: now}
	if s.admitStmt, err = db.Prepare(admitSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare admit statement: %w", err)
	}
	if s.sweepStmt, err = db.Prepare(`DELETE FROM rate_windows WHERE reset_at < ?`); err != nil {
		s.admitStmt.Close()
		db.Close()
		return nil, fmt.Errorf("failed to prepare sweep statement: %w", err)
	}
	return s, nil
}

// Admit implements Admitter. Rejected requests are counted too, which
// does not change any decision inside the window.
func (s *SQLiteWindow) Admit(ctx context.Context, key string) (Decision, error) {
	now := s.now()
	var count, resetAt int64
	err := s.admitStmt.QueryRowContext(ctx, key, now.Add(s.window).UnixMilli(), now.UnixMilli()).
		Scan(&count, &resetAt)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count request: %w", err)
	}
	if count > int64(s.max) {
		return Decision{RetryAfter: retryAfter(time.UnixMilli(resetAt), now)}, nil
	}
	return Decision{Allowed: true}, nil
}

// Sweep deletes windows that have already reset.
func (s *SQLiteWindow) Sweep(ctx context.Context) (int, error) {
	res, err := s.sweepStmt.ExecContext(ctx, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep windows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close releases the database.
func (s *SQLiteWindow) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.admitStmt.Close()
		s.sweepStmt.Close()
		err = s.db.Close()
	})
	return err
}
