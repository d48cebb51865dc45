package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bal-adresse/publication-server/internal/baselocale"
)

// Postgres is the pgx-backed Store implementation.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ Store         = (*Postgres)(nil)
	_ AddressReader = (*Postgres)(nil)
)

// NewPostgres creates a Store backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const baseLocaleColumns = `
	id, status, code_commune, habilitation_id, emails, created_at, updated_at,
	sync_status, sync_is_paused, sync_current_updated, sync_last_uploaded_revision_id`

func scanBaseLocale(row pgx.Row) (*baselocale.BaseLocale, error) {
	var (
		bal            baselocale.BaseLocale
		syncStatus     *string
		syncPaused     *bool
		syncCurrent    *time.Time
		syncRevisionID *string
	)
	err := row.Scan(
		&bal.ID, &bal.Status, &bal.CodeCommune, &bal.HabilitationID, &bal.Emails,
		&bal.CreatedAt, &bal.UpdatedAt,
		&syncStatus, &syncPaused, &syncCurrent, &syncRevisionID,
	)
	if err != nil {
		return nil, err
	}
	if syncStatus != nil {
		bal.Sync = &baselocale.SyncState{
			Status:         baselocale.SyncStatus(*syncStatus),
			CurrentUpdated: syncCurrent,
		}
		if syncPaused != nil {
			bal.Sync.IsPaused = *syncPaused
		}
		if syncRevisionID != nil {
			bal.Sync.LastUploadedRevisionID = *syncRevisionID
		}
	}
	return &bal, nil
}

// FindByID returns the record or ErrNotFound.
func (p *Postgres) FindByID(ctx context.Context, id uuid.UUID) (*baselocale.BaseLocale, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+baseLocaleColumns+` FROM bases_locales WHERE id = $1`, id)
	bal, err := scanBaseLocale(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find base locale %s: %w", id, err)
	}
	return bal, nil
}

// FindByCommuneAndStatuses returns all records for a commune in the given status set.
func (p *Postgres) FindByCommuneAndStatuses(
	ctx context.Context, codeCommune string, statuses []baselocale.Status,
) ([]*baselocale.BaseLocale, error) {
	statusStrings := make([]string, len(statuses))
	for i, s := range statuses {
		statusStrings[i] = string(s)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+baseLocaleColumns+`
		 FROM bases_locales
		 WHERE code_commune = $1 AND status = ANY($2)
		 ORDER BY created_at`,
		codeCommune, statusStrings)
	if err != nil {
		return nil, fmt.Errorf("find base locales for commune %s: %w", codeCommune, err)
	}
	defer rows.Close()

	var result []*baselocale.BaseLocale
	for rows.Next() {
		bal, err := scanBaseLocale(rows)
		if err != nil {
			return nil, fmt.Errorf("scan base locale: %w", err)
		}
		result = append(result, bal)
	}
	return result, rows.Err()
}

// Update applies a partial update and returns the resulting record.
func (p *Postgres) Update(
	ctx context.Context, id uuid.UUID, changes Changes,
) (*baselocale.BaseLocale, error) {
	sets := []string{}
	args := []any{id}

	addSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if changes.Status != nil {
		addSet("status", string(*changes.Status))
	}
	if changes.SetSync {
		if changes.Sync != nil {
			addSet("sync_status", string(changes.Sync.Status))
			addSet("sync_is_paused", changes.Sync.IsPaused)
			addSet("sync_current_updated", changes.Sync.CurrentUpdated)
			addSet("sync_last_uploaded_revision_id", changes.Sync.LastUploadedRevisionID)
		} else {
			sets = append(sets,
				"sync_status = NULL",
				"sync_is_paused = NULL",
				"sync_current_updated = NULL",
				"sync_last_uploaded_revision_id = NULL")
		}
	}
	if len(sets) == 0 {
		return p.FindByID(ctx, id)
	}

	query := fmt.Sprintf(
		`UPDATE bases_locales SET %s WHERE id = $1 RETURNING %s`,
		strings.Join(sets, ", "), baseLocaleColumns)
	bal, err := scanBaseLocale(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update base locale %s: %w", id, err)
	}
	if err := bal.Validate(); err != nil {
		return nil, err
	}
	return bal, nil
}

// Touch bumps the record's UpdatedAt to now.
func (p *Postgres) Touch(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE bases_locales SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch base locale %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveAddresses counts the non-deleted address rows of a record.
func (p *Postgres) CountActiveAddresses(ctx context.Context, id uuid.UUID) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx,
		`SELECT count(*) FROM numeros WHERE bal_id = $1 AND deleted_at IS NULL`, id,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count addresses for %s: %w", id, err)
	}
	return count, nil
}

// FlagOutdated flips synced records whose content advanced past the sync
// snapshot. A single set-based statement keeps the pass idempotent and
// monotone regardless of how often it runs.
func (p *Postgres) FlagOutdated(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE bases_locales
		 SET sync_status = 'outdated', sync_current_updated = NULL
		 WHERE sync_status = 'synced'
		   AND (sync_current_updated IS NULL OR updated_at > sync_current_updated)`)
	if err != nil {
		return 0, fmt.Errorf("flag outdated base locales: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListOutdatedIDs returns outdated, unpaused records last edited before the
// given instant.
func (p *Postgres) ListOutdatedIDs(
	ctx context.Context, updatedBefore time.Time,
) ([]uuid.UUID, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id FROM bases_locales
		 WHERE sync_status = 'outdated' AND sync_is_paused = false AND updated_at < $1
		 ORDER BY updated_at`,
		updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("list outdated base locales: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan outdated id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteDemosCreatedBefore removes demo records older than the given instant.
func (p *Postgres) DeleteDemosCreatedBefore(
	ctx context.Context, createdBefore time.Time,
) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM bases_locales WHERE status = 'demo' AND created_at < $1`,
		createdBefore)
	if err != nil {
		return 0, fmt.Errorf("purge demo base locales: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListActiveAddresses returns the non-deleted address rows of a record in
// cle_interop order. Export determinism depends on this ordering.
func (p *Postgres) ListActiveAddresses(
	ctx context.Context, balID uuid.UUID,
) ([]AddressRow, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT cle_interop, code_commune, nom_voie, numero, suffixe,
		        positions, long, lat, certified_at, updated_at
		 FROM numeros
		 WHERE bal_id = $1 AND deleted_at IS NULL
		 ORDER BY cle_interop`,
		balID)
	if err != nil {
		return nil, fmt.Errorf("list addresses for %s: %w", balID, err)
	}
	defer rows.Close()

	var result []AddressRow
	for rows.Next() {
		var r AddressRow
		err := rows.Scan(
			&r.CleInterop, &r.CodeCommune, &r.NomVoie, &r.Numero, &r.Suffixe,
			&r.Positions, &r.Long, &r.Lat, &r.CertifiedAt, &r.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan address row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
