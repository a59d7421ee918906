package bus

import (
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations
var migrationsFS embed.FS

// runMigrations applies the embedded bus_kv schema, mirroring the teacher's
// embed-then-golang-migrate workflow so the schema ships inside the binary.
func runMigrations(db *stdsql.DB, databaseName string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("bus: create postgres migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("bus: create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, databaseName, driver)
	if err != nil {
		return fmt.Errorf("bus: create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("bus: apply migrations: %w", err)
	}

	// Close only the source driver. Calling m.Close() would also close the
	// database driver, which closes the shared *sql.DB passed in above.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("bus: close migration source: %w", err)
	}
	return nil
}
