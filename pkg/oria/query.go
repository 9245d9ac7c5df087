package oria

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/OVCR-ORIA/discovery/pkg/oria")

func (c *Conn) trace(ctx context.Context, kind, stmt string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "oria."+kind, trace.WithAttributes(
		attribute.String("db.statement", stmt),
		attribute.String("db.mode", c.mode.String()),
	))
}

func (c *Conn) logStatement(kind, stmt string, args []any) {
	if !c.debug {
		return
	}
	c.log.WithFields(logrus.Fields{
		"kind":   kind,
		"params": fmt.Sprint(args...),
	}).Debugf("executing statement: %s", stmt)
}

// Rebind converts ? placeholders to the driver's bindvar style.
func (c *Conn) Rebind(stmt string) string {
	return c.db.Rebind(stmt)
}

// Read fetches a single row into dest. found is false when there is no row.
func (c *Conn) Read(ctx context.Context, dest any, stmt string, args ...any) (bool, error) {
	ctx, span := c.trace(ctx, "read", stmt)
	defer span.End()

	c.logStatement("read", stmt, args)
	statements.WithLabelValues("read").Inc()

	q := c.ext(ctx)
	err := sqlx.GetContext(ctx, q, dest, q.Rebind(stmt), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, errors.Wrapf(err, "read %q", stmt)
	}
	if c.debug {
		c.log.WithField("result", dest).Debug("read result")
	}
	return true, nil
}

// Select reads every row of a bounded result into dest, which must be a
// pointer to a slice.
func (c *Conn) Select(ctx context.Context, dest any, stmt string, args ...any) error {
	ctx, span := c.trace(ctx, "select", stmt)
	defer span.End()

	c.logStatement("select", stmt, args)
	statements.WithLabelValues("read").Inc()

	q := c.ext(ctx)
	if err := sqlx.SelectContext(ctx, q, dest, q.Rebind(stmt), args...); err != nil {
		span.RecordError(err)
		return errors.Wrapf(err, "select %q", stmt)
	}
	return nil
}

// ReadMany iterates over every row of stmt, fetched PageSize rows at a time.
// Each page is fully buffered before it is yielded, so the caller may issue
// other statements on the same Conn while iterating. The statement must be
// deterministically ordered for paging to be stable.
func ReadMany[T any](ctx context.Context, c *Conn, stmt string, args ...any) iter.Seq2[T, error] {
	paged := strings.TrimRight(strings.TrimSpace(stmt), ";") + " LIMIT ? OFFSET ?"

	return func(yield func(T, error) bool) {
		for offset := 0; ; offset += PageSize {
			var page []T
			pageArgs := append(append([]any{}, args...), PageSize, offset)
			if err := c.Select(ctx, &page, paged, pageArgs...); err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if c.debug {
				c.log.WithField("offset", offset).Debugf("%d rows returned", len(page))
			}
			if len(page) == 0 {
				return
			}
			for _, row := range page {
				if !yield(row, nil) {
					return
				}
			}
			if len(page) < PageSize {
				return
			}
		}
	}
}

// Write executes an insert, update or delete and returns the number of rows
// affected. Integrity violations are reported as *IntegrityError.
func (c *Conn) Write(ctx context.Context, stmt string, args ...any) (int64, error) {
	ctx, span := c.trace(ctx, "write", stmt)
	defer span.End()

	c.logStatement("write", stmt, args)
	statements.WithLabelValues("write").Inc()

	q := c.ext(ctx)
	res, err := q.ExecContext(ctx, q.Rebind(stmt), args...)
	if err != nil {
		span.RecordError(err)
		return 0, errors.Wrapf(classify(err), "write %q", stmt)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	if c.debug {
		c.log.Debugf("%d rows affected", n)
	}
	return n, nil
}

// InsertID executes an INSERT ... RETURNING id. inserted is false when the
// statement produced no row, typically because ON CONFLICT DO NOTHING
// suppressed it.
func (c *Conn) InsertID(ctx context.Context, stmt string, args ...any) (id int64, inserted bool, err error) {
	ctx, span := c.trace(ctx, "insert", stmt)
	defer span.End()

	c.logStatement("insert", stmt, args)
	statements.WithLabelValues("write").Inc()

	q := c.ext(ctx)
	err = q.QueryRowxContext(ctx, q.Rebind(stmt), args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		span.RecordError(err)
		return 0, false, errors.Wrapf(classify(err), "insert %q", stmt)
	}
	return id, true, nil
}
