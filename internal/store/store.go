// Package store provides access to BaseLocale records and their address rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bal-adresse/publication-server/internal/baselocale"
)

// ErrNotFound is returned when a BaseLocale does not exist.
var ErrNotFound = errors.New("base locale not found")

// Changes is a partial update applied to a BaseLocale. Nil fields are left
// untouched. SetSync distinguishes "leave sync alone" (false) from
// "overwrite sync with Sync, possibly nil" (true).
type Changes struct {
	Status  *baselocale.Status
	Sync    *baselocale.SyncState
	SetSync bool
}

// Store is the Record Store boundary for BaseLocale records.
type Store interface {
	// FindByID returns the record or ErrNotFound.
	FindByID(ctx context.Context, id uuid.UUID) (*baselocale.BaseLocale, error)

	// FindByCommuneAndStatuses returns all records for a commune whose
	// status is in the given set.
	FindByCommuneAndStatuses(
		ctx context.Context, codeCommune string, statuses []baselocale.Status,
	) ([]*baselocale.BaseLocale, error)

	// Update applies a partial update and returns the resulting record.
	Update(ctx context.Context, id uuid.UUID, changes Changes) (*baselocale.BaseLocale, error)

	// Touch bumps the record's UpdatedAt to now.
	Touch(ctx context.Context, id uuid.UUID) error

	// CountActiveAddresses counts the non-deleted address rows of a record.
	CountActiveAddresses(ctx context.Context, id uuid.UUID) (int, error)

	// FlagOutdated flips every synced record whose UpdatedAt advanced past
	// its sync snapshot to outdated, clearing the snapshot. Returns the
	// number of records flipped. Safe to run arbitrarily often.
	FlagOutdated(ctx context.Context) (int64, error)

	// ListOutdatedIDs returns the ids of outdated, unpaused records whose
	// last edit happened before the given instant.
	ListOutdatedIDs(ctx context.Context, updatedBefore time.Time) ([]uuid.UUID, error)

	// DeleteDemosCreatedBefore removes demo records older than the given
	// instant. Returns the number of records removed.
	DeleteDemosCreatedBefore(ctx context.Context, createdBefore time.Time) (int64, error)
}

// AddressReader exposes the address rows needed by the export producer.
type AddressReader interface {
	// ListActiveAddresses returns the non-deleted address rows of a record,
	// in a stable order.
	ListActiveAddresses(ctx context.Context, balID uuid.UUID) ([]AddressRow, error)
}

// AddressRow is one numero within a voie, flattened for export.
type AddressRow struct {
	CleInterop  string
	CodeCommune string
	NomVoie     string
	Numero      int
	Suffixe     string
	Positions   string
	Long        float64
	Lat         float64
	CertifiedAt *time.Time
	UpdatedAt   time.Time
}
