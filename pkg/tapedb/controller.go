package tapedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// Row is one materialized result row, column values in select order.
type Row []any

// Controller owns the single SQLite connection and the low-level execution
// primitives every table runs on.
//
// # Concurrency
//
// Safe for concurrent use. Operations hold the read side of an RWMutex so
// [Controller.Close] can wait for in-flight calls; actual write contention
// is resolved inside SQLite, which waits up to the configured busy timeout
// before surfacing SQLITE_BUSY. The pool is pinned to one connection so the
// per-connection PRAGMAs hold for every statement.
type Controller struct {
	path string
	db   *sql.DB
	log  *slog.Logger

	closed atomic.Bool

	// mu guards in-process access: operations take the read side, Close
	// takes the write side and waits for in-flight operations.
	mu sync.RWMutex
}

// Open establishes the SQLite connection and applies the configured
// pragmas: write-ahead journaling, a bounded busy wait, in-memory temporary
// storage, and an enlarged page cache. The resulting journal mode is
// verified; [ErrConnect] is returned when it cannot be ("memory" is accepted
// for in-memory databases, which cannot use WAL).
func Open(ctx context.Context, opts Options) (*Controller, error) {
	if ctx == nil {
		return nil, errors.New("open: context is nil")
	}

	opts, err := opts.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("open: %w: %w", ErrConnect, err)
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open: %w: %w", ErrConnect, err)
	}

	// Ensure per-connection PRAGMAs apply consistently.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("sqlite: close: %w", closeErr)
		}

		return nil, errors.Join(fmt.Errorf("open: ping: %w: %w", ErrConnect, err), closeErr)
	}

	err = applyPragmas(ctx, db, opts)
	if err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("sqlite: close: %w", closeErr)
		}

		return nil, errors.Join(fmt.Errorf("open: %w: %w", ErrConnect, err), closeErr)
	}

	mode, err := journalMode(ctx, db)
	if err != nil {
		closeErr := db.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("sqlite: close: %w", closeErr)
		}

		return nil, errors.Join(fmt.Errorf("open: %w: %w", ErrConnect, err), closeErr)
	}

	if mode != "wal" && mode != "memory" {
		closeErr := db.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("sqlite: close: %w", closeErr)
		}

		return nil, errors.Join(
			fmt.Errorf("open: %w: journal mode is %q, want wal", ErrConnect, mode), closeErr)
	}

	ctrl := &Controller{path: opts.Path, db: db, log: opts.Logger}
	ctrl.log.Debug("connected", "path", opts.Path, "journal_mode", mode)

	return ctrl, nil
}

// Execute runs one statement and returns all result rows, materialized.
// Statements with a RETURNING clause surface their rows; plain DML returns
// an empty result.
func (c *Controller) Execute(ctx context.Context, query string, args ...any) ([]Row, error) {
	if ctx == nil {
		return nil, errors.New("execute: context is nil")
	}

	release, err := c.acquire()
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	defer release()

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	defer func() { _ = rows.Close() }()

	result, err := collectRows(rows)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	return result, nil
}

// ExecuteMany runs a parameterized statement once per param set inside a
// single transaction with a single commit; any failure rolls back the whole
// batch. The first RETURNING row of each execution is collected, in call
// order (nil when the statement produced no row).
func (c *Controller) ExecuteMany(ctx context.Context, query string, paramSets [][]any) ([]Row, error) {
	if ctx == nil {
		return nil, errors.New("execute many: context is nil")
	}

	release, err := c.acquire()
	if err != nil {
		return nil, fmt.Errorf("execute many: %w", err)
	}

	defer release()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("execute many: begin: %w", err)
	}

	committed := false

	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute many: prepare: %w", err)
	}

	defer func() { _ = stmt.Close() }()

	results := make([]Row, 0, len(paramSets))

	for i, params := range paramSets {
		row, execErr := execReturningRow(ctx, stmt, params)
		if execErr != nil {
			return nil, fmt.Errorf("execute many: statement %d: %w", i+1, execErr)
		}

		results = append(results, row)
	}

	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("execute many: commit: %w", err)
	}

	committed = true

	return results, nil
}

// ExecuteScript runs multiple statements without expecting row results.
func (c *Controller) ExecuteScript(ctx context.Context, script string) error {
	if ctx == nil {
		return errors.New("execute script: context is nil")
	}

	release, err := c.acquire()
	if err != nil {
		return fmt.Errorf("execute script: %w", err)
	}

	defer release()

	_, err = c.db.ExecContext(ctx, script)
	if err != nil {
		return fmt.Errorf("execute script: %w", err)
	}

	return nil
}

// Close releases the SQLite handle. Safe on nil, idempotent, and safe to
// call on a controller that was never connected. Waits for in-flight
// operations to complete before closing.
func (c *Controller) Close() error {
	if c == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil
	}

	c.closed.Store(true)

	if c.db == nil {
		return nil
	}

	err := c.db.Close()
	c.db = nil

	if err != nil {
		return fmt.Errorf("close: sqlite: %w", err)
	}

	c.logger().Debug("closed", "path", c.path)

	return nil
}

// acquire takes the shared gate and verifies the controller is usable.
// The returned release must be called once the operation is done.
func (c *Controller) acquire() (func(), error) {
	if c == nil {
		return nil, ErrNotConnected
	}

	c.mu.RLock()

	if c.closed.Load() || c.db == nil {
		c.mu.RUnlock()

		return nil, ErrNotConnected
	}

	return c.mu.RUnlock, nil
}

func (c *Controller) logger() *slog.Logger {
	if c == nil || c.log == nil {
		return slog.New(slog.DiscardHandler)
	}

	return c.log
}

// execReturningRow runs one prepared execution and returns its first row,
// or nil when the statement produced none.
func execReturningRow(ctx context.Context, stmt *sql.Stmt, params []any) (Row, error) {
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return nil, err
	}

	defer func() { _ = rows.Close() }()

	collected, err := collectRows(rows)
	if err != nil {
		return nil, err
	}

	if len(collected) == 0 {
		return nil, nil
	}

	return collected[0], nil
}

// collectRows materializes every remaining row.
func collectRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var result []Row

	for rows.Next() {
		values := make(Row, len(cols))
		dest := make([]any, len(cols))

		for i := range values {
			dest[i] = &values[i]
		}

		scanErr := rows.Scan(dest...)
		if scanErr != nil {
			return nil, fmt.Errorf("scan: %w", scanErr)
		}

		result = append(result, values)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return result, nil
}

// applyPragmas configures the connection using a single batch statement.
// Pragma values come from Options and are validated there; none of them are
// caller-supplied strings except Synchronous, which is allow-listed.
func applyPragmas(ctx context.Context, db *sql.DB, opts Options) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = %s;
		PRAGMA cache_size = -%d;
		PRAGMA mmap_size = %d;
		PRAGMA temp_store = MEMORY;
	`, opts.BusyTimeoutMS, opts.Synchronous, opts.CacheKiB, opts.MmapBytes))
	if err != nil {
		return fmt.Errorf("apply pragmas: %w", err)
	}

	return nil
}

// journalMode reads the active journal mode, lowercased.
func journalMode(ctx context.Context, db *sql.DB) (string, error) {
	row := db.QueryRowContext(ctx, "PRAGMA journal_mode")

	var mode string

	err := row.Scan(&mode)
	if err != nil {
		return "", fmt.Errorf("read journal_mode: %w", err)
	}

	return strings.ToLower(mode), nil
}
