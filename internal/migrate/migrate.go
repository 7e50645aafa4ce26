// Package migrate applies the embedded ClickHouse schema for stall rows.
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/clickhouse" // ClickHouse driver.
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
)

//go:embed sql/*.sql
var migrations embed.FS

// Migrator manages ClickHouse schema migrations.
type Migrator interface {
	// Up applies all pending migrations.
	Up(ctx context.Context) error
	// Down rolls back the last migration.
	Down(ctx context.Context) error
	// Status returns the current migration version.
	Status(ctx context.Context) (version uint, dirty bool, err error)
}

type migrator struct {
	log logrus.FieldLogger
	dsn string
}

// New creates a Migrator for a clickhouse://host:port?database=db DSN.
func New(log logrus.FieldLogger, dsn string) Migrator {
	return &migrator{
		log: log.WithField("component", "migrate"),
		dsn: withMultiStatement(dsn),
	}
}

// Files returns the embedded migration file names in order.
func Files() ([]string, error) {
	entries, err := fs.ReadDir(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names, nil
}

func (m *migrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", func(mig *migrate.Migrate) error {
		return mig.Up()
	})
}

func (m *migrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func(mig *migrate.Migrate) error {
		return mig.Steps(-1)
	})
}

func (m *migrator) Status(_ context.Context) (uint, bool, error) {
	mig, err := m.open()
	if err != nil {
		return 0, false, err
	}

	defer mig.Close()

	version, dirty, err := mig.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, fmt.Errorf("getting migration version: %w", err)
	}

	return version, dirty, nil
}

func (m *migrator) run(ctx context.Context, direction string, step func(*migrate.Migrate) error) error {
	mig, err := m.open()
	if err != nil {
		return err
	}

	defer mig.Close()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			mig.GracefulStop <- true
		case <-done:
		}
	}()

	m.log.WithField("direction", direction).Info("Running migrations")

	if err := step(mig); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating %s: %w", direction, err)
	}

	version, dirty, _ := mig.Version()

	m.log.WithFields(logrus.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info("Migrations completed")

	return nil
}

func (m *migrator) open() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "sql")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}

	mig, err := migrate.NewWithSourceInstance("iofs", src, m.dsn)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}

	return mig, nil
}

// withMultiStatement enables x-multi-statement so one file may hold
// several statements.
func withMultiStatement(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Query().Has("x-multi-statement") {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	return dsn + sep + "x-multi-statement=true"
}
