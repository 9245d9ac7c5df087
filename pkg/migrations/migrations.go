// Package migrations carries the ORIA schema as goose migrations, one
// directory per SQL dialect. Both directories define the same tables.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/go-faster/errors"
	"github.com/pressly/goose/v3"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

func (d Dialect) gooseDialect() (goose.Dialect, error) {
	switch d {
	case Postgres:
		return goose.DialectPostgres, nil
	case SQLite:
		return goose.DialectSQLite3, nil
	default:
		return "", errors.Errorf("unknown dialect %q", string(d))
	}
}

// FS returns the migration files of one dialect.
func FS(d Dialect) (fs.FS, error) {
	if _, err := d.gooseDialect(); err != nil {
		return nil, err
	}
	sub, err := fs.Sub(files, string(d))
	if err != nil {
		return nil, errors.Wrapf(err, "migrations for %s", d)
	}
	return sub, nil
}

// NewProvider builds a goose provider over db. Closing the provider closes db.
func NewProvider(db *sql.DB, d Dialect, opts ...goose.ProviderOption) (*goose.Provider, error) {
	gd, err := d.gooseDialect()
	if err != nil {
		return nil, err
	}
	fsys, err := FS(d)
	if err != nil {
		return nil, err
	}
	opts = append([]goose.ProviderOption{goose.WithDisableGlobalRegistry(true)}, opts...)
	p, err := goose.NewProvider(gd, db, fsys, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "goose provider")
	}
	return p, nil
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB, d Dialect) ([]*goose.MigrationResult, error) {
	p, err := NewProvider(db, d)
	if err != nil {
		return nil, err
	}
	res, err := p.Up(ctx)
	if err != nil {
		return res, errors.Wrap(err, "migrate up")
	}
	return res, nil
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, db *sql.DB, d Dialect) (*goose.MigrationResult, error) {
	p, err := NewProvider(db, d)
	if err != nil {
		return nil, err
	}
	res, err := p.Down(ctx)
	if err != nil {
		return res, errors.Wrap(err, "migrate down")
	}
	return res, nil
}

// Status reports every known migration and whether it is applied.
func Status(ctx context.Context, db *sql.DB, d Dialect) ([]*goose.MigrationStatus, error) {
	p, err := NewProvider(db, d)
	if err != nil {
		return nil, err
	}
	st, err := p.Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "migrate status")
	}
	return st, nil
}
