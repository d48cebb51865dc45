package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bal-adresse/publication-server/internal/baselocale"
)

// spyManager records Exec calls and fails for chosen ids.
type spyManager struct {
	execs   []uuid.UUID
	failing map[uuid.UUID]error
}

func (s *spyManager) Exec(
	_ context.Context, balID uuid.UUID, _ ExecOptions,
) (*baselocale.BaseLocale, error) {
	s.execs = append(s.execs, balID)
	if err := s.failing[balID]; err != nil {
		return nil, err
	}
	return &baselocale.BaseLocale{ID: balID}, nil
}

func TestOutdatedBatchDebounce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEnv(t)

	settled := e.seedPublishedBAL("27115")
	settled.UpdatedAt = e.now.Add(-3 * time.Hour)
	settled.Sync.Status = baselocale.SyncOutdated
	settled.Sync.CurrentUpdated = nil
	e.store.Put(settled)

	// Edited twenty minutes ago: still inside the debounce window.
	active := e.seedPublishedBAL("75056")
	active.UpdatedAt = e.now.Add(-20 * time.Minute)
	active.Sync.Status = baselocale.SyncOutdated
	active.Sync.CurrentUpdated = nil
	e.store.Put(active)

	spy := &spyManager{}
	batch := NewOutdatedBatch(e.store, spy,
		WithBatchClock(func() time.Time { return e.now }))
	require.NoError(t, batch.Run(ctx))

	assert.Equal(t, []uuid.UUID{settled.ID}, spy.execs)
}

func TestOutdatedBatchPerRecordIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEnv(t)

	first := e.seedPublishedBAL("27115")
	first.UpdatedAt = e.now.Add(-4 * time.Hour)
	first.Sync.Status = baselocale.SyncOutdated
	first.Sync.CurrentUpdated = nil
	e.store.Put(first)

	second := e.seedPublishedBAL("75056")
	second.UpdatedAt = e.now.Add(-3 * time.Hour)
	second.Sync.Status = baselocale.SyncOutdated
	second.Sync.CurrentUpdated = nil
	e.store.Put(second)

	spy := &spyManager{failing: map[uuid.UUID]error{
		first.ID: errors.New("registry down"),
	}}
	batch := NewOutdatedBatch(e.store, spy,
		WithBatchClock(func() time.Time { return e.now }))
	require.NoError(t, batch.Run(ctx))

	// The failing record did not abort the batch.
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, spy.execs)
}

func TestOutdatedBatchCustomWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEnv(t)
	bal := e.seedPublishedBAL("27115")
	bal.UpdatedAt = e.now.Add(-20 * time.Minute)
	bal.Sync.Status = baselocale.SyncOutdated
	bal.Sync.CurrentUpdated = nil
	e.store.Put(bal)

	spy := &spyManager{}
	batch := NewOutdatedBatch(e.store, spy,
		WithDebounceWindow(10*time.Minute),
		WithBatchClock(func() time.Time { return e.now }))
	require.NoError(t, batch.Run(ctx))

	assert.Equal(t, []uuid.UUID{bal.ID}, spy.execs)
}

func TestOutdatedBatchStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	bal := e.seedPublishedBAL("27115")
	bal.UpdatedAt = e.now.Add(-3 * time.Hour)
	bal.Sync.Status = baselocale.SyncOutdated
	bal.Sync.CurrentUpdated = nil
	e.store.Put(bal)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	spy := &spyManager{}
	batch := NewOutdatedBatch(e.store, spy,
		WithBatchClock(func() time.Time { return e.now }))
	err := batch.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, spy.execs)
}
