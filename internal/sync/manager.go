package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bal-adresse/publication-server/internal/baselocale"
	"github.com/bal-adresse/publication-server/internal/export"
	"github.com/bal-adresse/publication-server/internal/habilitation"
	"github.com/bal-adresse/publication-server/internal/notify"
	"github.com/bal-adresse/publication-server/internal/revision"
	"github.com/bal-adresse/publication-server/internal/store"
	"github.com/bal-adresse/publication-server/internal/telemetry"
)

// ExecOptions modify a single Exec invocation.
type ExecOptions struct {
	// Force republishes a record whose sync state is conflict, reclaiming
	// the commune from an external publication. Preconditions still apply.
	Force bool
}

// Manager is the single-record publish/resync decision.
type Manager interface {
	// Exec publishes or resynchronizes one BaseLocale and returns the
	// record as stored afterwards. Calling it again with no intervening
	// local edit or external registry activity is a no-op.
	Exec(ctx context.Context, balID uuid.UUID, opts ExecOptions) (*baselocale.BaseLocale, error)
}

// Deps are the collaborators of the engine, injected once at construction.
type Deps struct {
	Store         store.Store
	Export        export.Producer
	Habilitations habilitation.Client
	Revisions     revision.Client
	Notify        notify.Sender
	Metrics       *telemetry.SyncMetrics

	// Now is the engine clock, overridable in tests.
	Now func() time.Time
}

type manager struct {
	deps Deps
}

// NewManager creates the default Manager.
func NewManager(deps Deps) Manager {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &manager{deps: deps}
}

// Exec runs precondition checks, then either a first publish or a resync
// driven by the refreshed sync snapshot.
func (m *manager) Exec(
	ctx context.Context, balID uuid.UUID, opts ExecOptions,
) (*baselocale.BaseLocale, error) {
	bal, err := m.deps.Store.FindByID(ctx, balID)
	if err != nil {
		return nil, err
	}

	if err := m.checkPreconditions(ctx, bal); err != nil {
		return nil, err
	}

	if bal.Status == baselocale.StatusReadyToPublish {
		return m.firstPublish(ctx, bal)
	}
	return m.resync(ctx, bal, opts)
}

// checkPreconditions enforces the terminal failure conditions: wrong
// status, missing/non-accepted/expired habilitation, empty dataset.
func (m *manager) checkPreconditions(ctx context.Context, bal *baselocale.BaseLocale) error {
	if bal.Status == baselocale.StatusDemo || bal.Status == baselocale.StatusDraft {
		return ErrDemoOrDraft
	}

	if bal.HabilitationID == nil {
		return habilitation.ErrMissing
	}
	hab, err := m.deps.Habilitations.Fetch(ctx, *bal.HabilitationID)
	if err != nil {
		return fmt.Errorf("fetch habilitation %s: %w", *bal.HabilitationID, err)
	}
	if err := habilitation.CheckAccepted(hab, bal.CodeCommune, m.deps.Now()); err != nil {
		return err
	}

	count, err := m.deps.Store.CountActiveAddresses(ctx, bal.ID)
	if err != nil {
		return fmt.Errorf("count addresses: %w", err)
	}
	if count == 0 {
		return ErrEmptyDataset
	}
	return nil
}

// firstPublish handles a ready-to-publish record: export, publish, notify,
// persist published/synced.
func (m *manager) firstPublish(
	ctx context.Context, bal *baselocale.BaseLocale,
) (*baselocale.BaseLocale, error) {
	content, err := m.deps.Export.ExportContent(ctx, bal.ID)
	if err != nil {
		return nil, fmt.Errorf("export base locale %s: %w", bal.ID, err)
	}

	rev, err := m.deps.Revisions.PublishNewRevision(ctx, revision.PublishParams{
		CodeCommune:    bal.CodeCommune,
		BalID:          bal.ID,
		File:           content,
		HabilitationID: *bal.HabilitationID,
	})
	if err != nil {
		return nil, err
	}
	m.deps.Metrics.RecordPublish(ctx, bal.CodeCommune)

	slog.Info("base locale published",
		"bal_id", bal.ID,
		"code_commune", bal.CodeCommune,
		"revision_id", rev.ID)

	// Notification is best-effort; a mail failure never rolls back a
	// successful publication.
	if err := m.deps.Notify.SendPublication(ctx, bal, bal.Emails); err != nil {
		slog.Warn("failed to send publication notification",
			"bal_id", bal.ID, "error", err)
	}

	return m.markSynced(ctx, bal, rev.ID)
}

// resync handles an already published (or replaced) record: refresh the
// sync snapshot, then republish only when due.
func (m *manager) resync(
	ctx context.Context, bal *baselocale.BaseLocale, opts ExecOptions,
) (*baselocale.BaseLocale, error) {
	bal, err := m.refreshSyncSnapshot(ctx, bal)
	if err != nil {
		return nil, err
	}

	if bal.Sync == nil {
		return bal, nil
	}
	switch bal.Sync.Status {
	case baselocale.SyncOutdated:
		// due
	case baselocale.SyncConflict:
		if !opts.Force {
			return bal, nil
		}
	default:
		return bal, nil
	}

	content, err := m.deps.Export.ExportContent(ctx, bal.ID)
	if err != nil {
		return nil, fmt.Errorf("export base locale %s: %w", bal.ID, err)
	}
	contentHash := revision.ContentHash(content)

	current, found, err := m.deps.Revisions.GetCurrentRevision(ctx, bal.CodeCommune)
	if err != nil {
		return nil, fmt.Errorf("get current revision for commune %s: %w", bal.CodeCommune, err)
	}

	// When the exported content round-trips to the bytes the registry
	// already holds, adopt the current revision without a network publish.
	if found && current.FileHash() == contentHash {
		m.deps.Metrics.RecordHashSkip(ctx, bal.CodeCommune)
		slog.Info("content unchanged, skipping publication",
			"bal_id", bal.ID,
			"code_commune", bal.CodeCommune,
			"revision_id", current.ID)
		return m.markSynced(ctx, bal, current.ID)
	}

	rev, err := m.deps.Revisions.PublishNewRevision(ctx, revision.PublishParams{
		CodeCommune:    bal.CodeCommune,
		BalID:          bal.ID,
		File:           content,
		HabilitationID: *bal.HabilitationID,
	})
	if err != nil {
		return nil, err
	}
	m.deps.Metrics.RecordPublish(ctx, bal.CodeCommune)

	slog.Info("base locale resynchronized",
		"bal_id", bal.ID,
		"code_commune", bal.CodeCommune,
		"revision_id", rev.ID,
		"forced", opts.Force)

	return m.markSynced(ctx, bal, rev.ID)
}

// markSynced persists published/synced with the given revision claim,
// snapshotting UpdatedAt as the reconciliation point.
func (m *manager) markSynced(
	ctx context.Context, bal *baselocale.BaseLocale, revisionID string,
) (*baselocale.BaseLocale, error) {
	status := baselocale.StatusPublished
	updated := bal.UpdatedAt
	return m.deps.Store.Update(ctx, bal.ID, store.Changes{
		Status:  &status,
		SetSync: true,
		Sync: &baselocale.SyncState{
			Status:                 baselocale.SyncSynced,
			IsPaused:               false,
			CurrentUpdated:         &updated,
			LastUploadedRevisionID: revisionID,
		},
	})
}
