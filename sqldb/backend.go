// Package sqldb is a database/sql backend. It defaults to the pure Go
// SQLite driver (modernc.org/sqlite); any driver whose dialect accepts
// standard DML with RETURNING works.
package sqldb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"slices"
	"sync"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jacentio/espalier/internal/sqlgen"
	"github.com/jacentio/espalier/store"
)

var (
	// ErrNotFound is returned when an update or delete matched no row.
	ErrNotFound = sqlgen.ErrNotFound

	// ErrConcurrentModification is returned when an optimistic update matched no row.
	ErrConcurrentModification = sqlgen.ErrConcurrentModification

	// ErrDuplicate is returned on unique or primary key violations.
	ErrDuplicate = sqlgen.ErrDuplicate

	// ErrForeignKey is returned on foreign key violations.
	ErrForeignKey = sqlgen.ErrForeignKey

	// ErrConstraint is returned on other constraint violations.
	ErrConstraint = sqlgen.ErrConstraint
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// Config holds configuration for the database/sql backend.
type Config struct {
	// Driver is the registered database/sql driver name.
	// Default: "sqlite"
	Driver string

	// DSN is the driver-specific data source name.
	// Default: "espalier.db"
	DSN string

	// MaxOpenConns bounds the connection pool. SQLite serializes writers,
	// so larger values mostly add "database is locked" retries.
	// Default: 1
	MaxOpenConns int

	// Dollar selects $1-style placeholders instead of ?.
	Dollar bool

	// Optimistic adds the original values of changed fields to every
	// UPDATE's WHERE clause.
	Optimistic bool

	// Returning names server-computed columns read back after inserts and updates.
	Returning []string

	// BulkRows is the number of rows per multi-row INSERT in a bulk load.
	// Default: 100
	BulkRows int
}

// DefaultConfig returns defaults for a local SQLite file.
func DefaultConfig() Config {
	return Config{
		Driver:       "sqlite",
		DSN:          "espalier.db",
		MaxOpenConns: 1,
		BulkRows:     100,
	}
}

func (c *Config) validate() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" {
		c.DSN = "espalier.db"
	}
	if c.MaxOpenConns < 1 {
		c.MaxOpenConns = 1
	}
	if c.BulkRows < 1 {
		c.BulkRows = 100
	}
}

func (c Config) builder() sqlgen.Builder {
	if c.Dollar {
		return sqlgen.New(sqlgen.Dollar)
	}
	return sqlgen.New(sqlgen.Question)
}

// execer is the part of *sql.DB and *sql.Tx the backend uses.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Backend executes row commands through database/sql.
type Backend struct {
	mu     sync.RWMutex
	db     *sql.DB
	reopen bool

	config Config
	sql    sqlgen.Builder
}

// New opens and pings a database. Reset reopens it.
func New(ctx context.Context, config Config) (*Backend, error) {
	config.validate()
	db, err := open(ctx, config)
	if err != nil {
		return nil, err
	}
	b := NewWithDB(db, config)
	b.reopen = true
	return b, nil
}

// NewWithDB wraps an open database. Reset is a no-op.
func NewWithDB(db *sql.DB, config Config) *Backend {
	config.validate()
	return &Backend{
		db:     db,
		config: config,
		sql:    config.builder(),
	}
}

func open(ctx context.Context, config Config) (*sql.DB, error) {
	openMu.Lock()
	db, err := sqlOpen(config.Driver, config.DSN)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", config.Driver, err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", config.Driver, err)
	}
	return db, nil
}

// DB returns the current database handle.
func (b *Backend) DB() *sql.DB {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.DB().Close()
}

// Reset reopens the database after a transient failure.
func (b *Backend) Reset(ctx context.Context) error {
	if !b.reopen {
		return nil
	}
	db, err := open(ctx, b.config)
	if err != nil {
		return err
	}
	b.mu.Lock()
	old := b.db
	b.db = db
	b.mu.Unlock()
	go func() { _ = old.Close() }()
	return nil
}

// Transient reports busy or locked SQLite databases and dropped connections.
func (b *Backend) Transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var e *sqlite.Error
	if errors.As(err, &e) {
		switch e.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// Execute runs one row command.
func (b *Backend) Execute(ctx context.Context, cmd store.Command) (store.Result, error) {
	return execute(ctx, b.DB(), b.sql, b.config, cmd)
}

// BulkLoad inserts rows with multi-row INSERT statements in one transaction.
func (b *Backend) BulkLoad(ctx context.Context, table string, cmds []store.Command) error {
	tx, err := b.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := bulkLoad(ctx, tx, b.sql, b.config, table, cmds); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Begin starts a transaction for one save.
func (b *Backend) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := b.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &Tx{tx: tx, backend: b}, nil
}

// Get reads one row by key.
func (b *Backend) Get(ctx context.Context, schema, table string, keyFields []string, key store.Values) (store.Values, error) {
	where := make([]sqlgen.Cond, len(keyFields))
	args := make([]any, len(keyFields))
	for i, f := range keyFields {
		where[i] = sqlgen.Cond{Column: f}
		args[i] = key[f]
	}
	rows, err := b.DB().QueryContext(ctx, b.sql.Select(schema, table, nil, where), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("select %s: %w", table, err)
		}
		return nil, ErrNotFound
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	dest, ptrs := scanTargets(len(cols))
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	values := make(store.Values, len(cols))
	for i, c := range cols {
		values[c] = dest[i]
	}
	return values, rows.Err()
}

// Tx is a Backend bound to one database/sql transaction.
type Tx struct {
	mu      sync.Mutex
	tx      *sql.Tx
	backend *Backend
}

// Execute runs one row command inside the transaction.
func (t *Tx) Execute(ctx context.Context, cmd store.Command) (store.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return execute(ctx, t.tx, t.backend.sql, t.backend.config, cmd)
}

// BulkLoad inserts rows inside the transaction.
func (t *Tx) BulkLoad(ctx context.Context, table string, cmds []store.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bulkLoad(ctx, t.tx, t.backend.sql, t.backend.config, table, cmds)
}

// Transient defers to the backend's classification.
func (t *Tx) Transient(err error) bool {
	return t.backend.Transient(err)
}

// Commit commits the transaction.
func (t *Tx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is not an error.
func (t *Tx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func scanTargets(n int) ([]any, []any) {
	dest := make([]any, n)
	ptrs := make([]any, n)
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	return dest, ptrs
}

func execute(ctx context.Context, db execer, b sqlgen.Builder, config Config, cmd store.Command) (store.Result, error) {
	st, err := b.Command(cmd, sqlgen.Options{Optimistic: config.Optimistic, Returning: config.Returning})
	if err != nil {
		return store.Result{}, err
	}
	if st.SQL == "" {
		return store.Result{}, nil
	}

	if len(st.Returning) > 0 {
		dest, ptrs := scanTargets(len(st.Returning))
		err := db.QueryRowContext(ctx, st.SQL, st.Args...).Scan(ptrs...)
		if errors.Is(err, sql.ErrNoRows) && st.Conditional {
			return store.Result{}, sqlgen.Missing(cmd, config.Optimistic)
		}
		if err != nil {
			return store.Result{}, mapError(err)
		}
		out := make(store.Values, len(dest))
		for i, c := range st.Returning {
			out[c] = dest[i]
		}
		return store.Result{Values: out}, nil
	}

	res, err := db.ExecContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return store.Result{}, mapError(err)
	}
	if st.Conditional {
		n, err := res.RowsAffected()
		if err != nil {
			return store.Result{}, err
		}
		if n == 0 {
			return store.Result{}, sqlgen.Missing(cmd, config.Optimistic)
		}
	}
	return store.Result{}, nil
}

func bulkLoad(ctx context.Context, db execer, b sqlgen.Builder, config Config, table string, cmds []store.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	cols := sqlgen.Columns(cmds)
	schema := cmds[0].Schema
	if len(cols) == 0 {
		for range cmds {
			if _, err := db.ExecContext(ctx, b.Insert(schema, table, nil, nil)); err != nil {
				return mapError(err)
			}
		}
		return nil
	}
	for chunk := range slices.Chunk(cmds, config.BulkRows) {
		args := make([]any, 0, len(chunk)*len(cols))
		for _, cmd := range chunk {
			args = append(args, sqlgen.Row(cmd, cols)...)
		}
		if _, err := db.ExecContext(ctx, b.InsertMany(schema, table, cols, len(chunk)), args...); err != nil {
			return mapError(err)
		}
	}
	return nil
}

// mapError attaches sentinels and statuses to SQLite constraint violations.
func mapError(err error) error {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return err
	}
	switch e.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return sqlgen.Violation(ErrDuplicate, err)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return sqlgen.Violation(ErrForeignKey, err)
	}
	if e.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return sqlgen.Violation(ErrConstraint, err)
	}
	return err
}
