package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBackend records commands and assigns sequential keys to generated fields.
type fakeBackend struct {
	mu       sync.Mutex
	seq      int64
	calls    []Command
	attempts map[string]int

	// respond overrides the default success for a command; attempt counts
	// from 1 per row. A zero Result and nil error fall through to the default.
	respond func(cmd Command, attempt int) (Result, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{attempts: make(map[string]int)}
}

func rowName(cmd Command) string {
	if n, ok := cmd.Values["name"]; ok {
		return fmt.Sprint(n)
	}
	return cmd.Table + fmt.Sprint(cmd.Key)
}

func (f *fakeBackend) Execute(_ context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	name := rowName(cmd)
	f.attempts[name]++
	attempt := f.attempts[name]
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		res, err := respond(cmd, attempt)
		if err != nil || res.Status != StatusOK || res.Values != nil {
			return res, err
		}
	}
	return f.assign(cmd), nil
}

func (f *fakeBackend) assign(cmd Command) Result {
	if len(cmd.Generated) == 0 {
		return Result{}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(Values, len(cmd.Generated))
	for _, g := range cmd.Generated {
		f.seq++
		out[g] = f.seq
	}
	return Result{Values: out}
}

func (f *fakeBackend) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

func (f *fakeBackend) tables() []string {
	var out []string
	for _, c := range f.commands() {
		out = append(out, c.Operation.String()+" "+c.Table)
	}
	return out
}

// bulkBackend adds a bulk loader to fakeBackend.
type bulkBackend struct {
	*fakeBackend
	loads        [][]Command
	bulkAttempts int
	bulkErr      func(attempt int) error
}

func (b *bulkBackend) BulkLoad(_ context.Context, _ string, cmds []Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bulkAttempts++
	if b.bulkErr != nil {
		if err := b.bulkErr(b.bulkAttempts); err != nil {
			return err
		}
	}
	b.loads = append(b.loads, cmds)
	return nil
}

// resettingBackend counts connection resets.
type resettingBackend struct {
	*fakeBackend
	resets int
}

func (b *resettingBackend) Reset(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets++
	return nil
}

// txBackend hands out transactions that write through to fakeBackend.
type txBackend struct {
	*fakeBackend
	begun, committed, rolledBack int
}

func (b *txBackend) Begin(context.Context) (Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.begun++
	return &fakeTx{b: b}, nil
}

type fakeTx struct{ b *txBackend }

func (t *fakeTx) Execute(ctx context.Context, cmd Command) (Result, error) {
	return t.b.Execute(ctx, cmd)
}

func (t *fakeTx) Commit(context.Context) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.b.committed++
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.b.rolledBack++
	return nil
}

// sleepLog records backoff delays instead of sleeping.
type sleepLog struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (l *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays = append(l.delays, d)
	return ctx.Err()
}

func (l *sleepLog) all() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.delays...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(b Backend, r *Registry, opts ...Option) (*Store, *sleepLog) {
	s := New(b, r, append([]Option{WithLogger(discardLogger())}, opts...)...)
	l := &sleepLog{}
	s.sleep = l.sleep
	return s, l
}

// chainRegistry registers org -> studio -> title.
func chainRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.RegisterKey("org", "id"))
	require.NoError(t, r.RegisterKey("studio", "id"))
	require.NoError(t, r.RegisterKey("title", "id"))
	require.NoError(t, r.RegisterRelationship(Relationship{
		ParentType: "org",
		ChildType:  "studio",
		ChildKey:   []string{"org_id"},
	}))
	require.NoError(t, r.RegisterRelationship(Relationship{
		ParentType: "studio",
		ChildType:  "title",
		ChildKey:   []string{"studio_id"},
	}))
	return r
}

func itemRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.RegisterKey("item", "id"))
	return r
}

func testSettings() Settings {
	s := DefaultSettings()
	s.MaxDegreeOfParallelism = 1
	return s
}

func item(name string) *Record {
	return NewRecord("item", "items", Values{"name": name})
}
