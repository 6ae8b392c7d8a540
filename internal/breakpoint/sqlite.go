package breakpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"downpour/internal/cause"
	"downpour/internal/task"
)

// SQLiteStore is a durable Store backed by a SQLite database. One row
// per task identity keeps the one-live-info-per-task guarantee in the
// schema itself.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the store database under
// dataDir and prepares the schema.
func OpenSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("breakpoint: create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "breakpoints.db"))
	if err != nil {
		return nil, fmt.Errorf("breakpoint: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("breakpoint: ping database: %w", err)
	}

	// WAL and a busy timeout keep concurrent attempt bookkeeping from
	// tripping over SQLITE_BUSY.
	if _, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("breakpoint: set pragmas: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS breakpoints (
		task_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		etag TEXT NOT NULL DEFAULT '',
		total_length INTEGER NOT NULL DEFAULT 0,
		chunked INTEGER NOT NULL DEFAULT 0,
		end_cause TEXT NOT NULL DEFAULT '',
		end_error TEXT NOT NULL DEFAULT '',
		updated_time DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS blocks (
		task_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		start_offset INTEGER NOT NULL,
		content_length INTEGER NOT NULL,
		fetched INTEGER NOT NULL,
		PRIMARY KEY (task_id, idx),
		FOREIGN KEY (task_id) REFERENCES breakpoints(task_id) ON DELETE CASCADE
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("breakpoint: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Lookup implements Store.
func (s *SQLiteStore) Lookup(ctx context.Context, taskID string) (*Info, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT url, etag, total_length, chunked FROM breakpoints WHERE task_id = ?`, taskID)

	var (
		url, etag string
		total     int64
		chunked   bool
	)
	if err := row.Scan(&url, &etag, &total, &chunked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("breakpoint: lookup %s: %w", taskID, err)
	}

	info := NewInfo(taskID, url)
	info.SetETag(etag)
	info.total = total
	info.chunked = chunked

	rows, err := s.db.QueryContext(ctx,
		`SELECT start_offset, content_length, fetched FROM blocks WHERE task_id = ? ORDER BY idx`, taskID)
	if err != nil {
		return nil, fmt.Errorf("breakpoint: load blocks for %s: %w", taskID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var start, length, fetched int64
		if err := rows.Scan(&start, &length, &fetched); err != nil {
			return nil, fmt.Errorf("breakpoint: scan block: %w", err)
		}
		b := NewBlock(start, length)
		b.SetFetched(fetched)
		info.AddBlock(b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("breakpoint: load blocks for %s: %w", taskID, err)
	}
	return info, nil
}

// CreateAndPersist implements Store.
func (s *SQLiteStore) CreateAndPersist(ctx context.Context, t *task.Task) (*Info, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO breakpoints (task_id, url, updated_time) VALUES (?, ?, ?)
		 ON CONFLICT(task_id) DO NOTHING`,
		t.ID(), t.URL(), time.Now())
	if err != nil {
		return nil, fmt.Errorf("breakpoint: create info for %s: %w", t.ID(), err)
	}
	return s.Lookup(ctx, t.ID())
}

// Update implements Store. The whole layout is rewritten in one
// transaction; block counts are small so this stays cheap.
func (s *SQLiteStore) Update(ctx context.Context, info *Info) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("breakpoint: begin update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE breakpoints SET url = ?, etag = ?, total_length = ?, chunked = ?, updated_time = ?
		 WHERE task_id = ?`,
		info.URL(), info.ETag(), info.total, info.chunked, time.Now(), info.ID()); err != nil {
		return fmt.Errorf("breakpoint: update info %s: %w", info.ID(), err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE task_id = ?`, info.ID()); err != nil {
		return fmt.Errorf("breakpoint: clear blocks %s: %w", info.ID(), err)
	}
	for idx := 0; idx < info.BlockCount(); idx++ {
		b := info.Block(idx)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO blocks (task_id, idx, start_offset, content_length, fetched) VALUES (?, ?, ?, ?, ?)`,
			info.ID(), idx, b.StartOffset(), b.ContentLength(), b.Fetched()); err != nil {
			return fmt.Errorf("breakpoint: insert block %d for %s: %w", idx, info.ID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("breakpoint: commit update %s: %w", info.ID(), err)
	}
	return nil
}

// MarkAttemptStart implements Store.
func (s *SQLiteStore) MarkAttemptStart(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE breakpoints SET end_cause = '', end_error = '', updated_time = ? WHERE task_id = ?`,
		time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("breakpoint: mark attempt start %s: %w", taskID, err)
	}
	return nil
}

// MarkAttemptEnd implements Store.
func (s *SQLiteStore) MarkAttemptEnd(ctx context.Context, taskID string, endCause cause.EndCause, endErr error) error {
	errText := ""
	if endErr != nil {
		errText = endErr.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE breakpoints SET end_cause = ?, end_error = ?, updated_time = ? WHERE task_id = ?`,
		endCause.String(), errText, time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("breakpoint: mark attempt end %s: %w", taskID, err)
	}
	return nil
}

// Discard implements Store.
func (s *SQLiteStore) Discard(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("breakpoint: discard blocks %s: %w", taskID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM breakpoints WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("breakpoint: discard info %s: %w", taskID, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.task_id, b.url, b.total_length, b.end_cause, b.end_error, b.updated_time,
		       COALESCE((SELECT SUM(fetched) FROM blocks WHERE task_id = b.task_id), 0)
		FROM breakpoints b ORDER BY b.updated_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("breakpoint: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.TaskID, &sum.URL, &sum.TotalLength,
			&sum.EndCause, &sum.EndError, &sum.UpdatedAt, &sum.Offset); err != nil {
			return nil, fmt.Errorf("breakpoint: scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
