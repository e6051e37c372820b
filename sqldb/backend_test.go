package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/espalier/store"
)

const schemaSQL = `
CREATE TABLE studios (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL DEFAULT 'now'
);
CREATE TABLE titles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	studio_id INTEGER NOT NULL REFERENCES studios(id),
	name TEXT NOT NULL
);`

func openTestBackend(t *testing.T, config Config) *Backend {
	t.Helper()
	config.DSN = filepath.Join(t.TempDir(), "test.db") + "?_pragma=foreign_keys(1)"
	b, err := New(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	_, err = b.DB().Exec(schemaSQL)
	require.NoError(t, err)
	return b
}

func insertStudio(name string) store.Command {
	return store.Command{
		Operation:  store.OpInsert,
		EntityType: "studio",
		Table:      "studios",
		KeyFields:  []string{"id"},
		Values:     store.Values{"name": name},
		Generated:  []string{"id"},
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "sqlite", c.Driver)
	assert.Equal(t, 1, c.MaxOpenConns)
	assert.Equal(t, 100, c.BulkRows)

	c = Config{}
	c.validate()
	assert.Equal(t, "sqlite", c.Driver)
	assert.Equal(t, "espalier.db", c.DSN)
	assert.Equal(t, 1, c.MaxOpenConns)
	assert.Equal(t, 100, c.BulkRows)
}

func TestExecute_InsertReturning(t *testing.T) {
	b := openTestBackend(t, Config{Returning: []string{"created_at"}})
	ctx := context.Background()

	res, err := b.Execute(ctx, insertStudio("north"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Values["id"])
	assert.Equal(t, "now", res.Values["created_at"])

	res, err = b.Execute(ctx, insertStudio("south"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Values["id"])
}

func TestExecute_Duplicate(t *testing.T) {
	b := openTestBackend(t, Config{})
	ctx := context.Background()

	_, err := b.Execute(ctx, insertStudio("north"))
	require.NoError(t, err)
	_, err = b.Execute(ctx, insertStudio("north"))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, store.StatusConflict, store.StatusOf(err))
}

func TestExecute_ForeignKey(t *testing.T) {
	b := openTestBackend(t, Config{})

	_, err := b.Execute(context.Background(), store.Command{
		Operation: store.OpInsert,
		Table:     "titles",
		KeyFields: []string{"id"},
		Values:    store.Values{"studio_id": int64(99), "name": "orphan"},
		Generated: []string{"id"},
	})
	assert.ErrorIs(t, err, ErrForeignKey)
	assert.Equal(t, store.StatusConstraint, store.StatusOf(err))
}

func TestExecute_NotNull(t *testing.T) {
	b := openTestBackend(t, Config{})

	_, err := b.Execute(context.Background(), store.Command{
		Operation: store.OpInsert,
		Table:     "studios",
		KeyFields: []string{"id"},
		Values:    store.Values{"name": nil},
		Generated: []string{"id"},
	})
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestExecute_UpdateAndDelete(t *testing.T) {
	b := openTestBackend(t, Config{})
	ctx := context.Background()
	_, err := b.Execute(ctx, insertStudio("north"))
	require.NoError(t, err)

	_, err = b.Execute(ctx, store.Command{
		Operation: store.OpUpdate,
		Table:     "studios",
		KeyFields: []string{"id"},
		Key:       store.Values{"id": int64(1)},
		Values:    store.Values{"name": "renamed"},
	})
	require.NoError(t, err)

	row, err := b.Get(ctx, "", "studios", []string{"id"}, store.Values{"id": int64(1)})
	require.NoError(t, err)
	assert.Equal(t, "renamed", row["name"])

	del := store.Command{
		Operation: store.OpDelete,
		Table:     "studios",
		KeyFields: []string{"id"},
		Key:       store.Values{"id": int64(1)},
	}
	_, err = b.Execute(ctx, del)
	require.NoError(t, err)

	_, err = b.Get(ctx, "", "studios", []string{"id"}, store.Values{"id": int64(1)})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = b.Execute(ctx, del)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, store.StatusNotFound, store.StatusOf(err))
}

func TestExecute_OptimisticUpdate(t *testing.T) {
	b := openTestBackend(t, Config{Optimistic: true})
	ctx := context.Background()
	_, err := b.Execute(ctx, insertStudio("north"))
	require.NoError(t, err)

	update := func(from, to string) error {
		_, err := b.Execute(ctx, store.Command{
			Operation: store.OpUpdate,
			Table:     "studios",
			KeyFields: []string{"id"},
			Key:       store.Values{"id": int64(1)},
			Values:    store.Values{"name": to},
			Original:  store.Values{"name": from},
		})
		return err
	}
	require.NoError(t, update("north", "east"))

	err = update("north", "west")
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, store.StatusConflict, store.StatusOf(err))
}

func TestBulkLoad(t *testing.T) {
	b := openTestBackend(t, Config{BulkRows: 2})
	ctx := context.Background()

	cmds := make([]store.Command, 5)
	for i := range cmds {
		cmds[i] = store.Command{
			Operation: store.OpInsert,
			Table:     "studios",
			Values:    store.Values{"name": string(rune('a' + i))},
		}
	}
	require.NoError(t, b.BulkLoad(ctx, "studios", cmds))

	var n int
	require.NoError(t, b.DB().QueryRow(`SELECT count(*) FROM studios`).Scan(&n))
	assert.Equal(t, 5, n)
}

func TestBulkLoad_RollsBackOnFailure(t *testing.T) {
	b := openTestBackend(t, Config{BulkRows: 2})
	ctx := context.Background()

	cmds := []store.Command{
		{Operation: store.OpInsert, Table: "studios", Values: store.Values{"name": "a"}},
		{Operation: store.OpInsert, Table: "studios", Values: store.Values{"name": "b"}},
		{Operation: store.OpInsert, Table: "studios", Values: store.Values{"name": "a"}},
	}
	err := b.BulkLoad(ctx, "studios", cmds)
	assert.ErrorIs(t, err, ErrDuplicate)

	var n int
	require.NoError(t, b.DB().QueryRow(`SELECT count(*) FROM studios`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestTx(t *testing.T) {
	b := openTestBackend(t, Config{})
	ctx := context.Background()

	tx, err := b.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, insertStudio("kept"))
	require.NoError(t, err)
	loader, ok := tx.(store.BulkLoader)
	require.True(t, ok, "transactions must support bulk loads")
	require.NoError(t, loader.BulkLoad(ctx, "studios",
		[]store.Command{{Table: "studios", Values: store.Values{"name": "bulk"}}}))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))

	tx, err = b.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Execute(ctx, insertStudio("dropped"))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	var names []string
	rows, err := b.DB().Query(`SELECT name FROM studios ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		names = append(names, s)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"kept", "bulk"}, names)
}

func TestTransient(t *testing.T) {
	b := NewWithDB(nil, Config{})
	assert.True(t, b.Transient(sql.ErrConnDone))
	assert.False(t, b.Transient(errors.New("boom")))
	assert.False(t, b.Transient(ErrDuplicate))
}

func TestTransient_Locked(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "locked.db")
	ctx := context.Background()

	holder, err := New(ctx, Config{DSN: dsn})
	require.NoError(t, err)
	defer holder.Close()
	_, err = holder.DB().Exec(`CREATE TABLE t (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	lock, err := holder.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = lock.Rollback() }()
	_, err = lock.Exec(`INSERT INTO t (id) VALUES (1)`)
	require.NoError(t, err)

	other, err := New(ctx, Config{DSN: dsn})
	require.NoError(t, err)
	defer other.Close()
	_, err = other.Execute(ctx, store.Command{
		Operation: store.OpInsert, Table: "t", KeyFields: []string{"id"},
		Key: store.Values{"id": 2}, Values: store.Values{"id": 2},
	})
	require.Error(t, err)
	assert.True(t, other.Transient(err), "got %v", err)
}

func TestNew_OpenError(t *testing.T) {
	boom := errors.New("no driver")
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return nil, boom })
	defer restore()

	_, err := New(context.Background(), DefaultConfig())
	assert.ErrorIs(t, err, boom)
}

func TestReset(t *testing.T) {
	b := openTestBackend(t, Config{})
	before := b.DB()
	require.NoError(t, b.Reset(context.Background()))
	assert.NotSame(t, before, b.DB())

	// The file survives the reopen.
	_, err := b.Execute(context.Background(), insertStudio("after"))
	require.NoError(t, err)

	wrapped := NewWithDB(before, Config{})
	require.NoError(t, wrapped.Reset(context.Background()))
}
