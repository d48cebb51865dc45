package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bal-adresse/publication-server/internal/baselocale"
	"github.com/bal-adresse/publication-server/internal/store"
)

// refreshSyncSnapshot recomputes the record's sync state as a pure function
// of remote versus local state and persists the outcome. It never publishes
// anything.
//
// Outcomes, in order of precedence:
//   - status is not published: leave everything untouched
//   - the registry's current revision is not ours: conflict, paused
//   - content unchanged since the snapshot: synced (a no-op when already synced)
//   - content advanced past the snapshot: outdated (a no-op when already outdated)
func (m *manager) refreshSyncSnapshot(
	ctx context.Context, bal *baselocale.BaseLocale,
) (*baselocale.BaseLocale, error) {
	if bal.Status != baselocale.StatusPublished || bal.Sync == nil {
		return bal, nil
	}

	current, found, err := m.deps.Revisions.GetCurrentRevision(ctx, bal.CodeCommune)
	if err != nil {
		return nil, fmt.Errorf("get current revision for commune %s: %w", bal.CodeCommune, err)
	}
	if !found {
		// A published record whose commune has no current revision is a
		// data-integrity oddity, but it legitimately happens for brand-new
		// records while the registry's own write settles.
		slog.Warn("published base locale has no current revision in registry",
			"bal_id", bal.ID,
			"code_commune", bal.CodeCommune)
	} else if current.ID != bal.Sync.LastUploadedRevisionID {
		// Someone else published for this commune. Suspend automatic
		// republication; only a forced exec may override.
		m.deps.Metrics.RecordConflicts(ctx, 1)
		slog.Warn("external publication detected for commune",
			"bal_id", bal.ID,
			"code_commune", bal.CodeCommune,
			"local_revision_id", bal.Sync.LastUploadedRevisionID,
			"registry_revision_id", current.ID)
		return m.updateSync(ctx, bal, baselocale.SyncState{
			Status:                 baselocale.SyncConflict,
			IsPaused:               true,
			CurrentUpdated:         bal.Sync.CurrentUpdated,
			LastUploadedRevisionID: bal.Sync.LastUploadedRevisionID,
		})
	}

	upToDate := bal.Sync.CurrentUpdated != nil && bal.UpdatedAt.Equal(*bal.Sync.CurrentUpdated)
	if upToDate {
		if bal.Sync.Status == baselocale.SyncSynced {
			return bal, nil
		}
		return m.updateSync(ctx, bal, baselocale.SyncState{
			Status:                 baselocale.SyncSynced,
			IsPaused:               bal.Sync.IsPaused,
			CurrentUpdated:         bal.Sync.CurrentUpdated,
			LastUploadedRevisionID: bal.Sync.LastUploadedRevisionID,
		})
	}

	if bal.Sync.Status == baselocale.SyncOutdated {
		return bal, nil
	}
	return m.updateSync(ctx, bal, baselocale.SyncState{
		Status:                 baselocale.SyncOutdated,
		IsPaused:               bal.Sync.IsPaused,
		CurrentUpdated:         nil,
		LastUploadedRevisionID: bal.Sync.LastUploadedRevisionID,
	})
}

func (m *manager) updateSync(
	ctx context.Context, bal *baselocale.BaseLocale, state baselocale.SyncState,
) (*baselocale.BaseLocale, error) {
	return m.deps.Store.Update(ctx, bal.ID, store.Changes{
		SetSync: true,
		Sync:    &state,
	})
}
