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
	"github.com/bal-adresse/publication-server/internal/habilitation"
	"github.com/bal-adresse/publication-server/internal/store"
)

func TestExecFirstPublish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEnv(t)
	bal := e.seedBAL(baselocale.StatusReadyToPublish, "27115")

	got, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
	require.NoError(t, err)

	assert.Equal(t, baselocale.StatusPublished, got.Status)
	require.NotNil(t, got.Sync)
	assert.Equal(t, baselocale.SyncSynced, got.Sync.Status)
	assert.False(t, got.Sync.IsPaused)
	assert.Equal(t, "rev-1", got.Sync.LastUploadedRevisionID)
	require.NotNil(t, got.Sync.CurrentUpdated)
	assert.True(t, got.Sync.CurrentUpdated.Equal(bal.UpdatedAt))

	require.Len(t, e.revisions.published, 1)
	assert.Equal(t, "27115", e.revisions.published[0].CodeCommune)
	assert.Equal(t, bal.ID, e.revisions.published[0].BalID)

	require.Len(t, e.notify.sent, 1)
	assert.Equal(t, []string{"mairie@example.org"}, e.notify.sent[0])
}

func TestExecIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEnv(t)
	bal := e.seedBAL(baselocale.StatusReadyToPublish, "27115")

	first, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
	require.NoError(t, err)

	// No intervening edit and no registry activity: the second call must
	// change nothing and publish nothing.
	second, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
	require.NoError(t, err)

	assert.Len(t, e.revisions.published, 1)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Sync.Status, second.Sync.Status)
	assert.Equal(t, first.Sync.LastUploadedRevisionID, second.Sync.LastUploadedRevisionID)
	assert.True(t, first.Sync.CurrentUpdated.Equal(*second.Sync.CurrentUpdated))
}

func TestExecPreconditions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("demo record", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		bal := e.seedBAL(baselocale.StatusDemo, "27115")

		_, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
		assert.ErrorIs(t, err, ErrDemoOrDraft)
		assert.Empty(t, e.revisions.published)
	})

	t.Run("draft record", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		bal := e.seedBAL(baselocale.StatusDraft, "27115")

		_, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
		assert.ErrorIs(t, err, ErrDemoOrDraft)
	})

	t.Run("missing habilitation", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		bal := e.seedBAL(baselocale.StatusReadyToPublish, "27115")
		bal.HabilitationID = nil
		e.store.Put(bal)

		_, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
		assert.ErrorIs(t, err, habilitation.ErrMissing)
	})

	t.Run("expired habilitation", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		bal := e.seedBAL(baselocale.StatusReadyToPublish, "27115")
		past := e.now.Add(-time.Hour)
		e.habilitations.habs[*bal.HabilitationID].ExpiresAt = &past

		_, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
		assert.ErrorIs(t, err, habilitation.ErrExpired)
	})

	t.Run("non-accepted habilitation", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		bal := e.seedBAL(baselocale.StatusReadyToPublish, "27115")
		e.habilitations.habs[*bal.HabilitationID].Status = baselocale.HabilitationPending

		_, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
		assert.ErrorIs(t, err, habilitation.ErrNotAccepted)
	})

	t.Run("empty dataset", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		bal := e.seedBAL(baselocale.StatusReadyToPublish, "27115")
		e.store.PutAddresses(bal.ID, nil)

		_, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
		assert.ErrorIs(t, err, ErrEmptyDataset)
	})

	t.Run("unknown record", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		_, err := e.manager.Exec(ctx, uuid.New(), ExecOptions{})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestExecNotificationFailureDoesNotAbort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEnv(t)
	e.notify.err = errors.New("relay unavailable")
	bal := e.seedBAL(baselocale.StatusReadyToPublish, "27115")

	got, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, baselocale.StatusPublished, got.Status)
	assert.Len(t, e.revisions.published, 1)
}

func TestExecResyncPublishesChangedContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEnv(t)
	bal := e.seedPublishedBAL("27115")

	// A content edit bumps UpdatedAt and will change the exported bytes.
	e.store.PutAddresses(bal.ID, []store.AddressRow{
		{
			CleInterop:  "27115_0001_00001",
			CodeCommune: "27115",
			NomVoie:     "Rue des Lilas renommée",
			Numero:      1,
			UpdatedAt:   e.now,
		},
	})
	require.NoError(t, e.store.Touch(ctx, bal.ID))

	got, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
	require.NoError(t, err)

	require.Len(t, e.revisions.published, 1)
	assert.Equal(t, baselocale.StatusPublished, got.Status)
	assert.Equal(t, baselocale.SyncSynced, got.Sync.Status)
	assert.Equal(t, "rev-1", got.Sync.LastUploadedRevisionID)
}

func TestExecHashShortCircuit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEnv(t)
	bal := e.seedPublishedBAL("27115")

	// The record was touched without a content change: the exported bytes
	// still hash to what the registry holds.
	require.NoError(t, e.store.Touch(ctx, bal.ID))

	got, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
	require.NoError(t, err)

	// Adopted the registry's current revision without publishing.
	assert.Empty(t, e.revisions.published)
	assert.Equal(t, baselocale.StatusPublished, got.Status)
	assert.Equal(t, baselocale.SyncSynced, got.Sync.Status)
	assert.Equal(t, "rev-current", got.Sync.LastUploadedRevisionID)
	require.NotNil(t, got.Sync.CurrentUpdated)
	assert.True(t, got.Sync.CurrentUpdated.Equal(e.now))
}

func TestExecConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unforced exec leaves a conflicted record alone", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		bal := e.seedPublishedBAL("27115")

		// Someone else published for the commune.
		e.revisions.setCurrent("27115", "rev-external", "other-hash")

		got, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
		require.NoError(t, err)

		assert.Empty(t, e.revisions.published)
		assert.Equal(t, baselocale.SyncConflict, got.Sync.Status)
		assert.True(t, got.Sync.IsPaused)
		// The claim survives for later reconciliation.
		assert.Equal(t, "rev-current", got.Sync.LastUploadedRevisionID)
	})

	t.Run("forced exec reclaims the commune", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		bal := e.seedPublishedBAL("27115")
		e.revisions.setCurrent("27115", "rev-external", "other-hash")

		got, err := e.manager.Exec(ctx, bal.ID, ExecOptions{Force: true})
		require.NoError(t, err)

		require.Len(t, e.revisions.published, 1)
		assert.Equal(t, baselocale.StatusPublished, got.Status)
		assert.Equal(t, baselocale.SyncSynced, got.Sync.Status)
		assert.False(t, got.Sync.IsPaused)
		assert.Equal(t, "rev-1", got.Sync.LastUploadedRevisionID)
	})

	t.Run("force does not bypass preconditions", func(t *testing.T) {
		t.Parallel()
		e := newTestEnv(t)
		bal := e.seedPublishedBAL("27115")
		e.revisions.setCurrent("27115", "rev-external", "other-hash")
		past := e.now.Add(-time.Hour)
		e.habilitations.habs[*bal.HabilitationID].ExpiresAt = &past

		_, err := e.manager.Exec(ctx, bal.ID, ExecOptions{Force: true})
		assert.ErrorIs(t, err, habilitation.ErrExpired)
		assert.Empty(t, e.revisions.published)
	})
}

func TestExecPublishFailureLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	e := newTestEnv(t)
	bal := e.seedBAL(baselocale.StatusReadyToPublish, "27115")
	e.revisions.publishErr = errors.New("registry down")

	_, err := e.manager.Exec(ctx, bal.ID, ExecOptions{})
	require.Error(t, err)

	// The record stays ready-to-publish so a later exec retries naturally.
	got, err := e.store.FindByID(ctx, bal.ID)
	require.NoError(t, err)
	assert.Equal(t, baselocale.StatusReadyToPublish, got.Status)
	assert.Nil(t, got.Sync)
}
