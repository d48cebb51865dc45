package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bal-adresse/publication-server/internal/store"
)

// DefaultDebounceWindow keeps actively-edited records out of the batch so a
// user saving every few minutes does not trigger a publish per save.
const DefaultDebounceWindow = 2 * time.Hour

// OutdatedBatch selects stale records and drives Exec over each of them
// serially. Per-record failures are logged and do not abort the batch.
type OutdatedBatch struct {
	store    store.Store
	manager  Manager
	debounce time.Duration
	now      func() time.Time
}

// OutdatedBatchOption configures the batch.
type OutdatedBatchOption func(*OutdatedBatch)

// WithDebounceWindow overrides the debounce window.
func WithDebounceWindow(d time.Duration) OutdatedBatchOption {
	return func(b *OutdatedBatch) {
		b.debounce = d
	}
}

// WithBatchClock overrides the batch clock.
func WithBatchClock(now func() time.Time) OutdatedBatchOption {
	return func(b *OutdatedBatch) {
		b.now = now
	}
}

// NewOutdatedBatch creates the batch.
func NewOutdatedBatch(s store.Store, m Manager, opts ...OutdatedBatchOption) *OutdatedBatch {
	b := &OutdatedBatch{
		store:    s,
		manager:  m,
		debounce: DefaultDebounceWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run executes one batch pass.
func (b *OutdatedBatch) Run(ctx context.Context) error {
	cutoff := b.now().Add(-b.debounce)
	ids, err := b.store.ListOutdatedIDs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("select outdated base locales: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	slog.Info("synchronizing outdated base locales", "count", len(ids))

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := b.manager.Exec(ctx, id, ExecOptions{}); err != nil {
			slog.Error("failed to synchronize base locale",
				"bal_id", id, "error", err)
		}
	}
	return nil
}
