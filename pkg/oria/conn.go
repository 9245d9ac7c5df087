// Package oria brokers connections to the ORIA database for the loaders.
//
// A Conn runs in one of three modes. Live writes and commits statement by
// statement. Test runs the whole command inside one transaction that is
// rolled back on Close, so lookups see real data and generated ids are real
// but nothing persists. Offline opens a private in-memory SQLite database
// with the full schema applied and never touches a server.
//
// Statements are written with ? placeholders and rebound for the driver.
package oria

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/OVCR-ORIA/discovery/pkg/composables"
	"github.com/OVCR-ORIA/discovery/pkg/migrations"
)

const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// PageSize bounds each query issued by ReadMany.
	PageSize = 10000

	connectTimeout = 10 * time.Second
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type Mode int

const (
	Live Mode = iota
	Test
	Offline
)

func (m Mode) String() string {
	switch m {
	case Live:
		return "live"
	case Test:
		return "test"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

type Options struct {
	Driver string
	DSN    string
	Mode   Mode
	Debug  bool
	Logger *logrus.Entry
}

type Conn struct {
	db      *sqlx.DB
	tx      *sqlx.Tx
	mode    Mode
	debug   bool
	dialect migrations.Dialect
	log     *logrus.Entry

	savepoints atomic.Int64
}

// Open connects according to opts.Mode. Offline ignores Driver and DSN.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	driver, dsn := opts.Driver, opts.DSN
	if opts.Mode == Offline {
		driver = DriverSQLite
		dsn = fmt.Sprintf("file:oria-%s?mode=memory&_pragma=foreign_keys(1)", uuid.NewString())
	}
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if dialect == migrations.SQLite {
		// Every new connection to a memory database is a new database.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "connect database")
	}

	c := &Conn{
		db:      db,
		mode:    opts.Mode,
		debug:   opts.Debug,
		dialect: dialect,
		log:     log.WithField("db_mode", opts.Mode.String()),
	}

	if dialect == migrations.SQLite {
		if _, err := migrations.Up(ctx, db.DB, dialect); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "apply schema")
		}
	}

	if opts.Mode == Test {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "begin test transaction")
		}
		c.tx = tx
		c.log.Info("test mode: all changes will be rolled back")
	}
	return c, nil
}

// NewConn wraps an existing handle, for callers that manage the pool
// themselves. The schema is not applied.
func NewConn(db *sql.DB, driver string, mode Mode, log *logrus.Entry) (*Conn, error) {
	dialect, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Conn{
		db:      sqlx.NewDb(db, driver),
		mode:    mode,
		dialect: dialect,
		log:     log.WithField("db_mode", mode.String()),
	}, nil
}

func dialectFor(driver string) (migrations.Dialect, error) {
	switch driver {
	case DriverPgx, DriverPostgres:
		return migrations.Postgres, nil
	case DriverSQLite:
		return migrations.SQLite, nil
	default:
		return "", errors.Errorf("unsupported driver %q", driver)
	}
}

// Close rolls back the run transaction in Test mode and closes the handle.
func (c *Conn) Close() error {
	var rbErr error
	if c.tx != nil {
		rbErr = c.tx.Rollback()
		if errors.Is(rbErr, sql.ErrTxDone) {
			rbErr = nil
		}
		c.tx = nil
		c.log.Info("test mode: changes rolled back")
	}
	return errors.Join(rbErr, c.db.Close())
}

func (c *Conn) Mode() Mode { return c.mode }

func (c *Conn) Offline() bool { return c.mode == Offline }

func (c *Conn) Dialect() migrations.Dialect { return c.dialect }

func (c *Conn) Logger() *logrus.Entry { return c.log }

// DB exposes the underlying handle for migrations.
func (c *Conn) DB() *sql.DB { return c.db.DB }

func (c *Conn) ext(ctx context.Context) sqlx.ExtContext {
	if tx, err := composables.UseTx(ctx); err == nil {
		return tx
	}
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

// InTx runs fn in a transaction. Inside an existing context or run
// transaction fn runs under a savepoint, so a failing fn undoes only its own
// writes and the enclosing transaction stays usable.
func (c *Conn) InTx(ctx context.Context, fn func(context.Context) error) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		tx = c.tx
	}
	if tx != nil {
		return c.inSavepoint(ctx, tx, fn)
	}

	tx, err = c.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := fn(composables.WithTx(ctx, tx)); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Join(err, rErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

func (c *Conn) inSavepoint(ctx context.Context, tx *sqlx.Tx, fn func(context.Context) error) error {
	name := fmt.Sprintf("sp_%d", c.savepoints.Add(1))
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return errors.Wrap(err, "savepoint")
	}
	if err := fn(composables.WithTx(ctx, tx)); err != nil {
		// the rollback must run even when ctx is what failed
		if _, rErr := tx.ExecContext(context.WithoutCancel(ctx), "ROLLBACK TO SAVEPOINT "+name); rErr != nil {
			return errors.Join(err, errors.Wrap(rErr, "rollback to savepoint"))
		}
		c.log.WithField("savepoint", name).Debug("rolled back to savepoint")
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return errors.Wrap(err, "release savepoint")
	}
	return nil
}
