package configuration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEnv_FallsBackToGoModRoot(t *testing.T) {
	tmp := t.TempDir()

	requireWriteFile(t, filepath.Join(tmp, "go.mod"), "module example.com/test\n\ngo 1.22\n")
	requireWriteFile(t, filepath.Join(tmp, ".env.local"), "ORIA_TEST_ENV_LOAD=ok\n")

	sub := filepath.Join(tmp, "modules", "gco")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	origWd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	require.NoError(t, os.Chdir(sub))

	_ = os.Unsetenv("ORIA_TEST_ENV_LOAD")
	t.Cleanup(func() { _ = os.Unsetenv("ORIA_TEST_ENV_LOAD") })

	n, err := LoadEnv([]string{".env", ".env.local"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "ok", os.Getenv("ORIA_TEST_ENV_LOAD"))
}

func TestDatabaseOptions_ConnectionString(t *testing.T) {
	d := DatabaseOptions{
		Host: "db.example.edu", Port: "5433", User: "loader_bot",
		Name: "oria_master", TestName: "oria_test", SSLMode: "disable",
	}
	require.Equal(t,
		"host=db.example.edu port=5433 user=loader_bot dbname=oria_test sslmode=disable",
		d.ConnectionString("oria_test"))

	d.Password = "secret"
	require.Contains(t, d.ConnectionString(""), "dbname=oria_master")
	require.Contains(t, d.ConnectionString(""), "password=secret")
}

func TestDatabaseOptions_DatabaseName(t *testing.T) {
	d := DatabaseOptions{Name: "oria_master", TestName: "oria_test"}

	name, err := d.DatabaseName("master")
	require.NoError(t, err)
	require.Equal(t, "oria_master", name)

	name, err = d.DatabaseName("TEST")
	require.NoError(t, err)
	require.Equal(t, "oria_test", name)

	name, err = d.DatabaseName("")
	require.NoError(t, err)
	require.Equal(t, "oria_master", name)

	_, err = d.DatabaseName("prod")
	require.Error(t, err)
}

func TestConfiguration_Validate(t *testing.T) {
	c := &Configuration{
		Database: DatabaseOptions{Driver: DriverPgx},
		Geocoder: GeocoderOptions{RPS: 5},
		LogLevel: "info",
	}
	require.NoError(t, c.Validate())

	c.Database.Driver = "mysql"
	require.ErrorContains(t, c.Validate(), "DB_DRIVER")

	c.Database.Driver = DriverPostgres
	c.Geocoder.RPS = 0
	require.ErrorContains(t, c.Validate(), "GEOCODE_RPS")

	c.Geocoder.RPS = 1
	c.LogLevel = "chatty"
	require.ErrorContains(t, c.Validate(), "LOG_LEVEL")
}

func requireWriteFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
