package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"weightsync/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase stores sync-run history in SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path and applies pending
// migrations. path can be a file path or ":memory:".
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already migrated connection.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite connection. The pool is
// limited to one connection so ":memory:" databases are not split across
// connections and a single writer never contends with itself.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// CreateSyncRun inserts run with status running and sets run.ID.
func (s *SQLiteDatabase) CreateSyncRun(ctx context.Context, run *SyncRun) error {
	if run.Status == "" {
		run.Status = StatusRunning
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, command, destination, started_at, status, previous_watermark, watermark)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Command, run.Destination, run.StartedAt.UTC(), run.Status,
		run.PreviousWatermark, run.Watermark)
	if err != nil {
		return fmt.Errorf("creating sync run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading sync run id: %w", err)
	}
	run.ID = id
	return nil
}

// FinishSyncRun stores the outcome fields of run and its excluded items.
func (s *SQLiteDatabase) FinishSyncRun(ctx context.Context, run *SyncRun) error {
	if run.FinishedAt == nil {
		return fmt.Errorf("finishing sync run %d: finished_at not set", run.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sync_runs
		SET finished_at = ?, status = ?, uploaded = ?, excluded = ?,
		    previous_watermark = ?, watermark = ?, error_kind = ?, error_message = ?
		WHERE id = ?`,
		run.FinishedAt.UTC(), run.Status, run.Uploaded, len(run.Excluded),
		run.PreviousWatermark, run.Watermark, run.ErrorKind, run.ErrorMessage, run.ID)
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing sync run: no run with id %d", run.ID)
	}

	run.ExcludedCount = len(run.Excluded)
	for _, ex := range run.Excluded {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO excluded_items (sync_run_id, item_id, message, permanent, reason_kind)
			VALUES (?, ?, ?, ?, ?)`,
			run.ID, ex.ItemID, ex.Message, ex.Permanent, ex.ReasonKind)
		if err != nil {
			return fmt.Errorf("recording excluded item %s: %w", ex.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing sync run: %w", err)
	}
	return nil
}

// ListSyncRuns returns up to limit runs, newest first. An empty
// destination lists all destinations. Excluded items are not loaded.
func (s *SQLiteDatabase) ListSyncRuns(ctx context.Context, destination string, limit int) ([]*SyncRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, command, destination, started_at, finished_at, status, uploaded, excluded,
		       previous_watermark, watermark, error_kind, error_message
		FROM sync_runs
		WHERE ? = '' OR destination = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, destination, destination, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		var (
			run      SyncRun
			finished sql.NullTime
		)
		err := rows.Scan(&run.ID, &run.RunID, &run.Command, &run.Destination, &run.StartedAt,
			&finished, &run.Status, &run.Uploaded, &run.ExcludedCount, &run.PreviousWatermark, &run.Watermark,
			&run.ErrorKind, &run.ErrorMessage)
		if err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	return runs, nil
}

// ExcludedItems returns the items skipped by the run with the given row id.
func (s *SQLiteDatabase) ExcludedItems(ctx context.Context, id int64) ([]ExcludedItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, message, permanent, reason_kind
		FROM excluded_items WHERE sync_run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("listing excluded items: %w", err)
	}
	defer rows.Close()

	var items []ExcludedItem
	for rows.Next() {
		var it ExcludedItem
		if err := rows.Scan(&it.ItemID, &it.Message, &it.Permanent, &it.ReasonKind); err != nil {
			return nil, fmt.Errorf("scanning excluded item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// PruneSyncRuns deletes runs started before cutoff and returns how many
// were removed.
func (s *SQLiteDatabase) PruneSyncRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning sync runs: %w", err)
	}
	return res.RowsAffected()
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.Check(s.db)
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
