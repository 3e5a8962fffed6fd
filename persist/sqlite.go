package persist

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a local SQLite database so queue state
// survives process suspension and restarts.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// required table exists.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue tables: %w", err)
	}

	return store, nil
}

// createTables ensures that the required tables exist.
func (s *SQLiteStore) createTables() error {
	createTasksTable := `
	CREATE TABLE IF NOT EXISTS upload_tasks (
		stream_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		kind INTEGER NOT NULL,
		file_path TEXT NOT NULL,
		size INTEGER NOT NULL,
		state INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		enqueued_at TEXT NOT NULL,
		PRIMARY KEY (stream_id, sequence, kind)
	);`

	_, err := s.db.Exec(createTasksTable)
	return err
}

// Put inserts or replaces the record identified by its composite key.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	query := `
	INSERT OR REPLACE INTO upload_tasks
		(stream_id, sequence, kind, file_path, size, state, attempts, last_error, enqueued_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.StreamID, rec.Sequence, int(rec.Kind), rec.FilePath, rec.Size,
		int(rec.State), rec.Attempts, rec.LastError,
		rec.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put upload task %s/%d: %w", rec.StreamID, rec.Sequence, err)
	}
	return nil
}

// List returns every stored record ordered by stream, kind, and ascending
// sequence. Rows that cannot be decoded are quarantined: logged and skipped
// so one corrupt record never blocks a resume.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	query := `
	SELECT stream_id, sequence, kind, file_path, size, state, attempts, last_error, enqueued_at
	FROM upload_tasks
	ORDER BY stream_id, kind, sequence`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list upload tasks: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var kind, state int
		var enqueuedAt string
		if err := rows.Scan(
			&rec.StreamID, &rec.Sequence, &kind, &rec.FilePath, &rec.Size,
			&state, &rec.Attempts, &rec.LastError, &enqueuedAt,
		); err != nil {
			s.logger.Warn("quarantined unreadable upload task record", "error", err)
			continue
		}

		ts, err := time.Parse(time.RFC3339Nano, enqueuedAt)
		if err != nil {
			s.logger.Warn("quarantined upload task with bad timestamp",
				"streamId", rec.StreamID, "sequence", rec.Sequence, "error", err)
			continue
		}

		rec.Kind = Kind(kind)
		rec.State = State(state)
		rec.EnqueuedAt = ts
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload tasks: %w", err)
	}

	return records, nil
}

// DeleteStream removes all records belonging to the stream.
func (s *SQLiteStore) DeleteStream(ctx context.Context, streamID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_tasks WHERE stream_id = ?`, streamID)
	if err != nil {
		return fmt.Errorf("delete upload tasks for stream %s: %w", streamID, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
