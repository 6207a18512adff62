package database

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrator applies embedded SQL migrations with golang-migrate.
type Migrator struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// NewMigrator opens a migrator over the migrations found in dir of fsys.
func NewMigrator(databaseURL string, fsys fs.FS, dir string, logger *slog.Logger) (*Migrator, error) {
	source, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("opening migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}

	return &Migrator{m: m, logger: logger}, nil
}

// Up applies all pending migrations.
func (mg *Migrator) Up() error {
	return mg.run("up", mg.m.Up)
}

// Down rolls back n migrations.
func (mg *Migrator) Down(n int) error {
	if n <= 0 {
		return fmt.Errorf("down steps must be positive, got %d", n)
	}
	return mg.run("down", func() error { return mg.m.Steps(-n) })
}

// Version reports the current schema version.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Close releases the source and database handles.
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

func (mg *Migrator) run(direction string, fn func() error) error {
	err := fn()
	if errors.Is(err, migrate.ErrNoChange) {
		mg.logger.Info("schema up to date", "direction", direction)
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrating %s: %w", direction, err)
	}

	v, dirty, _ := mg.Version()
	mg.logger.Info("migrations applied", "direction", direction, "version", v, "dirty", dirty)
	return nil
}

// migrateURL rewrites postgres:// URLs to the scheme registered by the pgx/v5 driver.
func migrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}
