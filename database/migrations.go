// Package database provides database migration tooling.
package database

import (
	"embed"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx5:// database driver
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var fs embed.FS

// ErrNoChange is returned when there are no migrations to apply.
var ErrNoChange = migrate.ErrNoChange

// migrationsFromSource returns a migration source driver from the embedded migrations.
func migrationsFromSource() source.Driver {
	d, err := iofs.New(fs, "migrations")
	if err != nil {
		panic(err)
	}
	return d
}

// Migrator is the interface for the migration tooling.
type Migrator interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
}

// NewFromConnectionString returns a new migration instance from the given
// connection string. postgres:// URLs are rewritten to select the pgx
// driver so migrations and the application share one database driver.
func NewFromConnectionString(connString string) (Migrator, error) {
	connString = strings.Replace(connString, "postgres://", "pgx5://", 1)
	d := migrationsFromSource()
	m, err := migrate.NewWithSourceInstance("iofs", d, connString)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// GetVersion returns the current migration version and whether the schema
// is in a dirty state.
func GetVersion(connString string) (uint, bool, error) {
	m, err := NewFromConnectionString(connString)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if err == migrate.ErrNilVersion {
		return 0, false, nil
	}
	return version, dirty, err
}
