package itf

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/OVCR-ORIA/discovery/pkg/composables"
	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

// TestContext provides a fluent API for building test environments
type TestContext struct {
	debug    bool
	fixtures []string
}

// NewTestContext creates a new TestContext builder
func NewTestContext() *TestContext {
	return &TestContext{}
}

// WithDebug turns on statement logging
func (tc *TestContext) WithDebug() *TestContext {
	tc.debug = true
	return tc
}

// WithFixtures queues statements run once the schema is in place
func (tc *TestContext) WithFixtures(stmts ...string) *TestContext {
	tc.fixtures = append(tc.fixtures, stmts...)
	return tc
}

// Build opens a private offline database with the full schema and seed data.
func (tc *TestContext) Build(tb testing.TB) *TestEnvironment {
	tb.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	log := logrus.NewEntry(logger).WithField("test", tb.Name())

	ctx := context.Background()
	conn, err := oria.Open(ctx, oria.Options{
		Mode:   oria.Offline,
		Debug:  tc.debug,
		Logger: log,
	})
	require.NoError(tb, err)
	tb.Cleanup(func() {
		if err := conn.Close(); err != nil {
			tb.Logf("Warning: failed to close offline database: %v", err)
		}
	})

	for _, stmt := range tc.fixtures {
		Exec(tb, conn, stmt)
	}

	ctx = logging.WithLogger(ctx, log)
	ctx = composables.WithRunID(ctx, uuid.New())

	return &TestEnvironment{
		Ctx:  ctx,
		Conn: conn,
		Log:  log,
		Hook: hook,
	}
}

// TestEnvironment contains all test dependencies
type TestEnvironment struct {
	Ctx  context.Context
	Conn *oria.Conn
	Log  *logrus.Entry
	Hook *test.Hook
}

// Warnings returns the messages logged at warning level or above.
func (te *TestEnvironment) Warnings() []string {
	var out []string
	for _, e := range te.Hook.AllEntries() {
		if e.Level <= logrus.WarnLevel {
			out = append(out, e.Message)
		}
	}
	return out
}

// Exec runs a statement against the test database
func (te *TestEnvironment) Exec(tb testing.TB, stmt string, args ...any) {
	tb.Helper()
	Exec(tb, te.Conn, stmt, args...)
}

// Count counts rows of table matching where
func (te *TestEnvironment) Count(tb testing.TB, table, where string, args ...any) int {
	tb.Helper()
	return Count(tb, te.Conn, table, where, args...)
}
