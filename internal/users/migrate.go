package users

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies all pending migrations in dir (a filesystem path
// containing this package's migrations/ directory) against dsn.
func Migrate(dsn, dir string) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", dir), dsn)
	if err != nil {
		return fmt.Errorf("users: init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("users: apply migrations: %w", err)
	}
	return nil
}
