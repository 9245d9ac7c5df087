package itf

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/OVCR-ORIA/discovery/pkg/configuration"
	"github.com/OVCR-ORIA/discovery/pkg/migrations"
	"github.com/OVCR-ORIA/discovery/pkg/oria"

	_ "github.com/lib/pq"
)

// Exec runs a fixture statement and fails the test on error.
func Exec(tb testing.TB, conn *oria.Conn, stmt string, args ...any) {
	tb.Helper()
	_, err := conn.Write(context.Background(), stmt, args...)
	require.NoError(tb, err, stmt)
}

// Count returns SELECT COUNT(*) FROM table [WHERE where].
func Count(tb testing.TB, conn *oria.Conn, table, where string, args ...any) int {
	tb.Helper()
	stmt := "SELECT COUNT(*) FROM " + table
	if where != "" {
		stmt += " WHERE " + where
	}
	var n int
	_, err := conn.Read(context.Background(), &n, stmt, args...)
	require.NoError(tb, err, stmt)
	return n
}

const (
	// PostgreSQL database name maximum length is 63 characters
	maxDBNameLength = 63
	// Reserve space for hash suffix when truncating (8 chars + underscore)
	hashSuffixLength = 9
)

// sanitizeDBName replaces special characters in database names with underscores
// and ensures the name doesn't exceed PostgreSQL's 63-character limit
func sanitizeDBName(name string) string {
	sanitized := strings.ToLower(name)

	sanitized = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, sanitized)

	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")

	if sanitized == "" {
		sanitized = "oria_test_db"
	}
	if len(sanitized) <= maxDBNameLength {
		return sanitized
	}
	return truncateWithHash(sanitized, name)
}

// truncateWithHash keeps the head of a long name and appends a short hash of
// the original for uniqueness.
func truncateWithHash(sanitized, original string) string {
	sum := sha256.Sum256([]byte(original))
	hash := fmt.Sprintf("%x", sum)[:8]
	head := strings.TrimRight(sanitized[:maxDBNameLength-hashSuffixLength], "_")
	return head + "_" + hash
}

// PostgresAvailable skips tb unless the configured Postgres server answers.
func PostgresAvailable(tb testing.TB) {
	tb.Helper()
	c := configuration.Use()
	addr := net.JoinHostPort(c.Database.Host, c.Database.Port)
	nc, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		tb.Skipf("postgres not reachable at %s: %v", addr, err)
	}
	_ = nc.Close()
}

// CreateDB drops and recreates a scratch database named after name.
func CreateDB(tb testing.TB, name string) string {
	tb.Helper()
	dbName := sanitizeDBName(name)

	c := configuration.Use()
	admin, err := sql.Open(oria.DriverPostgres, c.Database.ConnectionString("postgres"))
	require.NoError(tb, err)
	defer func() {
		if err := admin.Close(); err != nil {
			tb.Logf("[WARNING] closing CreateDB connection: %v", err)
		}
	}()

	ctx := context.Background()
	_, err = admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+dbName)
	require.NoError(tb, err)
	_, err = admin.ExecContext(ctx, "CREATE DATABASE "+dbName)
	require.NoError(tb, err)
	return dbName
}

// NewPostgresConn creates a scratch database for tb, applies the schema and
// opens a Conn in the given mode. It skips when no server is reachable.
func NewPostgresConn(tb testing.TB, mode oria.Mode) *oria.Conn {
	tb.Helper()
	PostgresAvailable(tb)

	dbName := CreateDB(tb, tb.Name())
	c := configuration.Use()
	dsn := c.Database.ConnectionString(dbName)

	raw, err := sql.Open(oria.DriverPgx, dsn)
	require.NoError(tb, err)
	_, err = migrations.Up(context.Background(), raw, migrations.Postgres)
	require.NoError(tb, err)
	require.NoError(tb, raw.Close())

	conn, err := oria.Open(context.Background(), oria.Options{
		Driver: oria.DriverPgx,
		DSN:    dsn,
		Mode:   mode,
		Logger: logrus.NewEntry(logrus.StandardLogger()),
	})
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = conn.Close() })
	return conn
}
