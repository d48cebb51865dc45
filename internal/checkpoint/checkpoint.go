// Package checkpoint provides a durable single-value watermark store.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KeyConflictPublishedSince is the watermark bounding which registry
// activity the conflict detector has already considered.
const KeyConflictPublishedSince = "conflict-detector:published-since"

// Store persists named timestamps across process restarts.
type Store interface {
	// Get returns the stored value, with found=false when the key was never set.
	Get(ctx context.Context, key string) (time.Time, bool, error)

	// Set stores the value for the key, overwriting any previous value.
	Set(ctx context.Context, key string, value time.Time) error
}

// Postgres is the pgx-backed checkpoint store.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a checkpoint store backed by the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Get returns the stored value for the key.
func (p *Postgres) Get(ctx context.Context, key string) (time.Time, bool, error) {
	var value time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM checkpoints WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get checkpoint %q: %w", key, err)
	}
	return value, true, nil
}

// Set stores the value for the key.
func (p *Postgres) Set(ctx context.Context, key string, value time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO checkpoints (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set checkpoint %q: %w", key, err)
	}
	return nil
}

// Memory is an in-memory checkpoint store for tests.
type Memory struct {
	mu     sync.Mutex
	values map[string]time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory checkpoint store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]time.Time)}
}

// Get returns the stored value for the key.
func (m *Memory) Get(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

// Set stores the value for the key.
func (m *Memory) Set(_ context.Context, key string, value time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
