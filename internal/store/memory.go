package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bal-adresse/publication-server/internal/baselocale"
)

// Memory is an in-memory Store used by tests and local development.
type Memory struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*baselocale.BaseLocale
	addresses map[uuid.UUID][]AddressRow

	// Now is the clock used by Touch and FlagOutdated. Overridable in tests.
	Now func() time.Time
}

var (
	_ Store         = (*Memory)(nil)
	_ AddressReader = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:   make(map[uuid.UUID]*baselocale.BaseLocale),
		addresses: make(map[uuid.UUID][]AddressRow),
		Now:       time.Now,
	}
}

func cloneBaseLocale(b *baselocale.BaseLocale) *baselocale.BaseLocale {
	out := *b
	if b.Sync != nil {
		s := *b.Sync
		out.Sync = &s
		if b.Sync.CurrentUpdated != nil {
			t := *b.Sync.CurrentUpdated
			out.Sync.CurrentUpdated = &t
		}
	}
	if b.Emails != nil {
		out.Emails = append([]string(nil), b.Emails...)
	}
	return &out
}

// Put inserts or replaces a record.
func (m *Memory) Put(b *baselocale.BaseLocale) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[b.ID] = cloneBaseLocale(b)
}

// PutAddresses replaces the address rows of a record.
func (m *Memory) PutAddresses(balID uuid.UUID, rows []AddressRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addresses[balID] = append([]AddressRow(nil), rows...)
}

// FindByID returns the record or ErrNotFound.
func (m *Memory) FindByID(_ context.Context, id uuid.UUID) (*baselocale.BaseLocale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBaseLocale(b), nil
}

// FindByCommuneAndStatuses returns all records for a commune in the given status set.
func (m *Memory) FindByCommuneAndStatuses(
	_ context.Context, codeCommune string, statuses []baselocale.Status,
) ([]*baselocale.BaseLocale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[baselocale.Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var result []*baselocale.BaseLocale
	for _, b := range m.records {
		if b.CodeCommune == codeCommune && wanted[b.Status] {
			result = append(result, cloneBaseLocale(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Update applies a partial update and returns the resulting record.
func (m *Memory) Update(
	_ context.Context, id uuid.UUID, changes Changes,
) (*baselocale.BaseLocale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if changes.Status != nil {
		b.Status = *changes.Status
	}
	if changes.SetSync {
		if changes.Sync != nil {
			s := *changes.Sync
			b.Sync = &s
		} else {
			b.Sync = nil
		}
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return cloneBaseLocale(b), nil
}

// Touch bumps the record's UpdatedAt.
func (m *Memory) Touch(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	b.UpdatedAt = m.Now()
	return nil
}

// CountActiveAddresses counts the stored address rows of a record.
func (m *Memory) CountActiveAddresses(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.addresses[id]), nil
}

// FlagOutdated flips synced records whose content advanced past the snapshot.
func (m *Memory) FlagOutdated(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var flipped int64
	for _, b := range m.records {
		if b.Sync == nil || b.Sync.Status != baselocale.SyncSynced {
			continue
		}
		if b.Sync.CurrentUpdated != nil && !b.UpdatedAt.After(*b.Sync.CurrentUpdated) {
			continue
		}
		b.Sync.Status = baselocale.SyncOutdated
		b.Sync.CurrentUpdated = nil
		flipped++
	}
	return flipped, nil
}

// ListOutdatedIDs returns outdated, unpaused records last edited before the
// given instant.
func (m *Memory) ListOutdatedIDs(
	_ context.Context, updatedBefore time.Time,
) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		id      uuid.UUID
		updated time.Time
	}
	var candidates []candidate
	for _, b := range m.records {
		if b.Sync == nil || b.Sync.Status != baselocale.SyncOutdated || b.Sync.IsPaused {
			continue
		}
		if b.UpdatedAt.Before(updatedBefore) {
			candidates = append(candidates, candidate{id: b.ID, updated: b.UpdatedAt})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].updated.Before(candidates[j].updated)
	})
	ids := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids, nil
}

// DeleteDemosCreatedBefore removes demo records older than the given instant.
func (m *Memory) DeleteDemosCreatedBefore(
	_ context.Context, createdBefore time.Time,
) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, b := range m.records {
		if b.Status == baselocale.StatusDemo && b.CreatedAt.Before(createdBefore) {
			delete(m.records, id)
			delete(m.addresses, id)
			removed++
		}
	}
	return removed, nil
}

// ListActiveAddresses returns the stored address rows in cle_interop order.
func (m *Memory) ListActiveAddresses(
	_ context.Context, balID uuid.UUID,
) ([]AddressRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := append([]AddressRow(nil), m.addresses[balID]...)
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].CleInterop < rows[j].CleInterop
	})
	return rows, nil
}
