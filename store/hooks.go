package store

import (
	"context"
	"time"
)

// RetryEvent describes a row (or bulk batch) about to be retried.
type RetryEvent struct {
	Batch   *Batch
	ID      ID // zero for bulk batches
	Ref     string
	Attempt int
	Delay   time.Duration
	Err     error
}

// Hooks are callbacks a Store invokes during Save.
type Hooks struct {
	// Preview runs before each batch executes. Returning an error stops the save.
	Preview func(ctx context.Context, b *Batch) error

	// Retry runs before every backoff sleep.
	Retry func(ev RetryEvent)

	// BatchDone runs after each batch with its outcomes.
	BatchDone func(b *Batch, outcomes []Outcome)
}
