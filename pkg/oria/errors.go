package oria

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

var (
	// ErrLookup means find-or-create could neither find nor create a row.
	ErrLookup = errors.New("unable to find or create")

	// ErrIntegrity matches any integrity constraint violation reported by
	// the database.
	ErrIntegrity = errors.New("integrity constraint violation")
)

// IntegrityError carries the driver error behind an ErrIntegrity.
type IntegrityError struct {
	Err error
}

func (e *IntegrityError) Error() string {
	return "integrity constraint violation: " + e.Err.Error()
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// IsIntegrityViolation reports whether err is a foreign key, unique, not-null
// or check violation from any supported driver.
func IsIntegrityViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrIntegrity) {
		return true
	}
	if pgErr, ok := errors.Into[*pgconn.PgError](err); ok {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	if pqErr, ok := errors.Into[*pq.Error](err); ok {
		return pqErr.Code.Class() == "23"
	}
	if sqliteErr, ok := errors.Into[*msqlite.Error](err); ok {
		return sqliteErr.Code()&0xff == sqlite3lib.SQLITE_CONSTRAINT
	}
	return false
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsIntegrityViolation(err) {
		integrityErrors.Inc()
		return &IntegrityError{Err: err}
	}
	return err
}
