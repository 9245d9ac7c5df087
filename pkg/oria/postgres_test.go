package oria_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/OVCR-ORIA/discovery/pkg/itf"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

func newMockConn(t *testing.T, driver string) (*oria.Conn, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	conn, err := oria.NewConn(db, driver, oria.Live, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		mock.ExpectClose()
		require.NoError(t, conn.Close())
		require.NoError(t, mock.ExpectationsWereMet())
	})
	return conn, mock
}

func TestRead_RebindsForPostgres(t *testing.T) {
	for _, driver := range []string{oria.DriverPgx, oria.DriverPostgres} {
		t.Run(driver, func(t *testing.T) {
			conn, mock := newMockConn(t, driver)
			mock.ExpectQuery("SELECT id FROM master_other_id_scheme WHERE name = $1 AND id > $2").
				WithArgs("PIDM", 0).
				WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

			var id int64
			found, err := conn.Read(context.Background(), &id,
				"SELECT id FROM master_other_id_scheme WHERE name = ? AND id > ?", "PIDM", 0)
			require.NoError(t, err)
			require.True(t, found)
			require.EqualValues(t, 1, id)
		})
	}
}

func TestRead_NoRows(t *testing.T) {
	conn, mock := newMockConn(t, oria.DriverPgx)
	mock.ExpectQuery("SELECT id FROM country WHERE iso3166 = $1").
		WithArgs("ZZ").
		WillReturnError(sql.ErrNoRows)

	var id int64
	found, err := conn.Read(context.Background(), &id, "SELECT id FROM country WHERE iso3166 = ?", "ZZ")
	require.NoError(t, err)
	require.False(t, found)
}

func TestWrite_MapsPostgresIntegrityErrors(t *testing.T) {
	cases := map[string]error{
		"pgx foreign key": &pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"},
		"pq unique":       &pq.Error{Code: "23505", Message: "duplicate key value"},
	}
	for name, driverErr := range cases {
		t.Run(name, func(t *testing.T) {
			conn, mock := newMockConn(t, oria.DriverPgx)
			mock.ExpectExec("INSERT INTO master_external_org_alias (external_org, alias, source) VALUES ($1, $2, $3)").
				WithArgs(99, "Ghost Corp", 1).
				WillReturnError(driverErr)

			_, err := conn.Write(context.Background(),
				"INSERT INTO master_external_org_alias (external_org, alias, source) VALUES (?, ?, ?)", 99, "Ghost Corp", 1)
			require.ErrorIs(t, err, oria.ErrIntegrity)

			var ie *oria.IntegrityError
			require.True(t, errors.As(err, &ie))
		})
	}
}

func TestWrite_OtherErrorsPassThrough(t *testing.T) {
	conn, mock := newMockConn(t, oria.DriverPgx)
	mock.ExpectExec("UPDATE address SET latitude = $1 WHERE id = $2").
		WithArgs(40.1, 7).
		WillReturnError(&pgconn.PgError{Code: "40001", Message: "serialization failure"})

	_, err := conn.Write(context.Background(), "UPDATE address SET latitude = ? WHERE id = ?", 40.1, 7)
	require.Error(t, err)
	require.NotErrorIs(t, err, oria.ErrIntegrity)
}

func TestIsIntegrityViolation(t *testing.T) {
	require.False(t, oria.IsIntegrityViolation(nil))
	require.False(t, oria.IsIntegrityViolation(errors.New("plain")))
	require.True(t, oria.IsIntegrityViolation(errors.Wrap(&pgconn.PgError{Code: "23502"}, "insert")))
	require.True(t, oria.IsIntegrityViolation(&pq.Error{Code: "23514"}))
	require.False(t, oria.IsIntegrityViolation(&pq.Error{Code: "42P01"}))
}

func TestNewConn_UnknownDriver(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = oria.NewConn(db, "mysql", oria.Live, nil)
	require.ErrorContains(t, err, "unsupported driver")
}

func TestPostgres_GetOrSetID(t *testing.T) {
	conn := itf.NewPostgresConn(t, oria.Test)
	ctx := context.Background()
	cache := oria.NewKeyCache[string]("nsf_program")

	id, err := oria.GetOrSetID(ctx, conn, cache, "nsf_program", "code", oria.Columns{"code": "7916", "name": "EAGER"})
	require.NoError(t, err)
	require.Positive(t, id)
	require.Equal(t, 1, itf.Count(t, conn, "nsf_program", "code = ?", "7916"))
}

func TestPostgres_TestModeSurvivesFailedUnit(t *testing.T) {
	conn := itf.NewPostgresConn(t, oria.Test)
	ctx := context.Background()

	err := conn.InTx(ctx, func(ctx context.Context) error {
		_, err := conn.Write(ctx,
			"INSERT INTO master_external_org_alias (external_org, alias, source) VALUES (?, ?, ?)",
			4242, "Nowhere University", 1)
		return err
	})
	require.ErrorIs(t, err, oria.ErrIntegrity)

	require.NoError(t, conn.InTx(ctx, func(ctx context.Context) error {
		_, err := conn.Write(ctx, "INSERT INTO nih_study_section (name) VALUES (?)", "Genomics")
		return err
	}))
	require.Equal(t, 1, itf.Count(t, conn, "nih_study_section", "name = ?", "Genomics"))
}

func TestInTx_NestedUsesSavepoint(t *testing.T) {
	conn, mock := newMockConn(t, oria.DriverPgx)
	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO nih_study_section (name) VALUES ($1)").
		WithArgs("Inner").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO nih_study_section (name) VALUES ($1)").
		WithArgs("Retry").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("RELEASE SAVEPOINT sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ctx := context.Background()
	err := conn.InTx(ctx, func(ctx context.Context) error {
		err := conn.InTx(ctx, func(ctx context.Context) error {
			_, err := conn.Write(ctx, "INSERT INTO nih_study_section (name) VALUES (?)", "Inner")
			return err
		})
		require.ErrorIs(t, err, oria.ErrIntegrity)
		return conn.InTx(ctx, func(ctx context.Context) error {
			_, err := conn.Write(ctx, "INSERT INTO nih_study_section (name) VALUES (?)", "Retry")
			return err
		})
	})
	require.NoError(t, err)
}
