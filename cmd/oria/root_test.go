package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OVCR-ORIA/discovery/modules/faculty"
	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/modules/starmetrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

func execute(args ...string) (stdout, stderr string, err error) {
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestMasterLookup_Offline(t *testing.T) {
	out, summary, err := execute("master", "lookup", "--offline")
	require.NoError(t, err)
	assert.Contains(t, out, "sources")
	assert.Contains(t, out, "google geocoding")
	assert.Contains(t, out, "PIDM")
	assert.Contains(t, out, "subsidiary")
	assert.Contains(t, summary, "master_lookup: read=16")

	out, _, err = execute("master", "lookup", "schemes", "--offline")
	require.NoError(t, err)
	assert.Contains(t, out, "OPE")
	assert.NotContains(t, out, "google geocoding")
	assert.NotContains(t, out, "subsidiary")
}

func TestMigrateStatus_Offline(t *testing.T) {
	out, _, err := execute("migrate", "status", "--offline")
	require.NoError(t, err)
	assert.Contains(t, out, "00001_reference.sql")
	assert.Contains(t, out, "00010_seed.sql")
	assert.NotContains(t, out, "pending")
}

func TestGlobalFlags(t *testing.T) {
	_, _, err := execute("master", "lookup", "--offline", "--db", "prod")
	assert.Equal(t, exitUsage, exitCode(err))

	_, _, err = execute("master", "lookup", "--offline", "--driver", "mysql")
	assert.Equal(t, exitUsage, exitCode(err))

	_, _, err = execute("master", "lookup", "--offline", "-t")
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestMapVendorsCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "vendors.csv")
	out := filepath.Join(dir, "mapped.csv")
	require.NoError(t, os.WriteFile(in, []byte(
		"PeriodStartDate,PeriodEndDate,UniqueAwardNumber,RecipientAccountNumber,VendorDunsNumber,VendorPaymentAmount\n"+
			"2014-10-01,2014-12-31,47.076 CHE-1,1-1,Z61820,30000.0\n"), 0o600))

	_, summary, err := execute("starmetrics", "map-vendors", in, "-o", out)
	require.NoError(t, err)
	assert.Contains(t, summary, "map_vendors: read=1 written=1")
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), "Z61820,30000.0,Y,61820\n")

	_, _, err = execute("starmetrics", "map-vendors", filepath.Join(dir, "missing.csv"))
	assert.Equal(t, exitUsage, exitCode(err))
}

func TestFacultyKey(t *testing.T) {
	key, err := facultyKey(&cobra.Command{}, "255")
	require.NoError(t, err)
	assert.EqualValues(t, 255, key)

	_, err = facultyKey(&cobra.Command{}, "0")
	require.ErrorIs(t, err, faculty.ErrKeyRange)
}

func TestLastQuarter(t *testing.T) {
	fy, q := lastQuarter(time.Date(2015, time.April, 6, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, []int{2015, 3}, []int{fy, q})
	fy, q = lastQuarter(time.Date(2014, time.August, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, []int{2014, 4}, []int{fy, q})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{errors.New("boom"), exitGeneric},
		{tabular.Invalidf(3, "bad row"), exitValidation},
		{errors.Wrap(master.ErrSchemeNonExistent, "DUNS"), exitUsage},
		{errors.Wrap(starmetrics.ErrPeriod, "future"), exitUsage},
		{&oria.IntegrityError{Err: errors.New("fk")}, exitDBWrite},
		{errors.Wrap(starmetrics.ErrAuthentication, "ORA-01017"), exitExternal},
		{withCode(exitDB, errors.New("dial")), exitDB},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(classify(tt.err)), "%v", tt.err)
	}
	assert.Equal(t, exitExternal, exitCode(external(errors.New("sqlplus: exit status 1"))))
	assert.Equal(t, exitValidation, exitCode(external(tabular.Invalidf(1, "x"))))
}
