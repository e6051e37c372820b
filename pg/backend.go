// Package pg is a PostgreSQL backend built on pgx. Generated keys and other
// server-computed columns come back through RETURNING, bulk inserts use the
// COPY protocol, and saves can run inside a single transaction.
package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jacentio/espalier/internal/sqlgen"
	"github.com/jacentio/espalier/store"
)

var (
	// ErrNotFound is returned when an update or delete matched no row.
	ErrNotFound = sqlgen.ErrNotFound

	// ErrConcurrentModification is returned when an optimistic update matched no row.
	ErrConcurrentModification = sqlgen.ErrConcurrentModification

	// ErrDuplicate is returned on unique or primary key violations (SQLSTATE 23505).
	ErrDuplicate = sqlgen.ErrDuplicate

	// ErrForeignKey is returned on foreign key violations (SQLSTATE 23503).
	ErrForeignKey = sqlgen.ErrForeignKey

	// ErrConstraint is returned on other integrity constraint violations (class 23).
	ErrConstraint = sqlgen.ErrConstraint
)

// Config holds configuration for the PostgreSQL backend.
type Config struct {
	// DSN is a libpq connection string or URL.
	DSN string

	// MaxConns bounds the pool size. It should be at least the save
	// parallelism. Default: 10
	MaxConns int32

	// Optimistic adds the original values of changed fields to every
	// UPDATE's WHERE clause.
	Optimistic bool

	// Returning names server-computed columns (e.g., "updated_at") read
	// back after inserts and updates.
	Returning []string
}

// DefaultConfig returns defaults for a local database.
func DefaultConfig() Config {
	return Config{
		DSN:      "postgres://localhost/espalier?sslmode=disable",
		MaxConns: 10,
	}
}

func (c *Config) validate() {
	if c.MaxConns < 1 {
		c.MaxConns = 10
	}
}

// conn is the part of a pool or transaction the backend uses.
type conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Backend executes row commands against a pgx pool.
type Backend struct {
	mu      sync.RWMutex
	db      conn
	pool    *pgxpool.Pool
	connect func(ctx context.Context) (*pgxpool.Pool, error)

	config Config
	sql    sqlgen.Builder
}

// New connects a pool for config.DSN. Reset replaces the pool.
func New(ctx context.Context, config Config) (*Backend, error) {
	config.validate()
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolConfig.MaxConns = config.MaxConns

	connect := func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return pool, nil
	}
	pool, err := connect(ctx)
	if err != nil {
		return nil, err
	}
	b := NewWithPool(pool, config)
	b.connect = connect
	return b, nil
}

// NewWithPool wraps an existing pool. Reset is a no-op.
func NewWithPool(pool *pgxpool.Pool, config Config) *Backend {
	config.validate()
	return &Backend{
		db:     pool,
		pool:   pool,
		config: config,
		sql:    sqlgen.New(sqlgen.Dollar),
	}
}

func (b *Backend) conn() conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db
}

// Pool returns the current pool.
func (b *Backend) Pool() *pgxpool.Pool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pool
}

// Close closes the pool.
func (b *Backend) Close() {
	if p := b.Pool(); p != nil {
		p.Close()
	}
}

// Reset replaces the pool after a transient failure. The old pool closes
// once its in-flight queries have returned.
func (b *Backend) Reset(ctx context.Context) error {
	if b.connect == nil {
		return nil
	}
	pool, err := b.connect(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	old := b.pool
	b.db, b.pool = pool, pool
	b.mu.Unlock()
	if old != nil {
		go old.Close()
	}
	return nil
}

// Transient reports connection failures, serialization failures, deadlocks
// and server shutdown or overload.
func (b *Backend) Transient(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "53300", "57P01", "57P03":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

// Execute runs one row command.
func (b *Backend) Execute(ctx context.Context, cmd store.Command) (store.Result, error) {
	return execute(ctx, b.conn(), b.sql, b.config, cmd)
}

// BulkLoad copies insert rows with the COPY protocol.
func (b *Backend) BulkLoad(ctx context.Context, table string, cmds []store.Command) error {
	return bulkLoad(ctx, b.conn(), table, cmds)
}

// Begin starts a transaction for one save.
func (b *Backend) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := b.conn().Begin(ctx)
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
	rows, err := b.conn().Query(ctx, b.sql.Select(schema, table, nil, where), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	return store.Values(row), nil
}

// Tx is a Backend bound to one transaction. pgx transactions are not safe
// for concurrent use, so commands run one at a time.
type Tx struct {
	mu      sync.Mutex
	tx      pgx.Tx
	backend *Backend
}

// Execute runs one row command inside the transaction.
func (t *Tx) Execute(ctx context.Context, cmd store.Command) (store.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return execute(ctx, t.tx, t.backend.sql, t.backend.config, cmd)
}

// BulkLoad copies insert rows inside the transaction.
func (t *Tx) BulkLoad(ctx context.Context, table string, cmds []store.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bulkLoad(ctx, t.tx, table, cmds)
}

// Transient defers to the backend's classification.
func (t *Tx) Transient(err error) bool {
	return t.backend.Transient(err)
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is not an error.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func execute(ctx context.Context, db conn, sql sqlgen.Builder, config Config, cmd store.Command) (store.Result, error) {
	st, err := sql.Command(cmd, sqlgen.Options{Optimistic: config.Optimistic, Returning: config.Returning})
	if err != nil {
		return store.Result{}, err
	}
	if st.SQL == "" {
		return store.Result{}, nil
	}

	if len(st.Returning) > 0 {
		dest := make([]any, len(st.Returning))
		ptrs := make([]any, len(dest))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		err := db.QueryRow(ctx, st.SQL, st.Args...).Scan(ptrs...)
		if errors.Is(err, pgx.ErrNoRows) && st.Conditional {
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

	tag, err := db.Exec(ctx, st.SQL, st.Args...)
	if err != nil {
		return store.Result{}, mapError(err)
	}
	if st.Conditional && tag.RowsAffected() == 0 {
		return store.Result{}, sqlgen.Missing(cmd, config.Optimistic)
	}
	return store.Result{}, nil
}

func bulkLoad(ctx context.Context, db conn, table string, cmds []store.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	cols := sqlgen.Columns(cmds)
	if len(cols) == 0 {
		insert := sqlgen.New(sqlgen.Dollar).Insert(cmds[0].Schema, table, nil, nil)
		for range cmds {
			if _, err := db.Exec(ctx, insert); err != nil {
				return mapError(err)
			}
		}
		return nil
	}
	rows := make([][]any, len(cmds))
	for i, cmd := range cmds {
		rows[i] = sqlgen.Row(cmd, cols)
	}
	ident := pgx.Identifier{table}
	if schema := cmds[0].Schema; schema != "" {
		ident = pgx.Identifier{schema, table}
	}
	n, err := db.CopyFrom(ctx, ident, cols, pgx.CopyFromRows(rows))
	if err != nil {
		return mapError(err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("copy %s: wrote %d of %d rows", table, n, len(rows))
	}
	return nil
}

// mapError attaches sentinels and statuses to integrity violations.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "23505":
		return sqlgen.Violation(ErrDuplicate, err)
	case pgErr.Code == "23503":
		return sqlgen.Violation(ErrForeignKey, err)
	case strings.HasPrefix(pgErr.Code, "23"):
		return sqlgen.Violation(ErrConstraint, err)
	}
	return err
}
