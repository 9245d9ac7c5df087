package tabular

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func readAll(t *testing.T, rows Rows) [][]string {
	t.Helper()
	var out [][]string
	for {
		rec, err := rows.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestNewCSV_StripsBOMAndTracksLines(t *testing.T) {
	rows := NewCSV(strings.NewReader("\xEF\xBB\xBFfactsid,donor\n\"1001\",\"Acme, Inc.\"\n1002\n"))

	h, err := ReadHeader(rows)
	require.NoError(t, err)
	require.Equal(t, []string{"factsid", "donor"}, h)
	require.Equal(t, 1, rows.Line())

	rec, err := rows.Next()
	require.NoError(t, err)
	require.Equal(t, []string{"1001", "Acme, Inc."}, rec)
	require.Equal(t, 2, rows.Line())

	rec, err = rows.Next()
	require.NoError(t, err)
	require.Equal(t, []string{"1002"}, rec)
	require.Equal(t, 3, rows.Line())

	_, err = rows.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReadHeader_Empty(t *testing.T) {
	_, err := ReadHeader(NewCSV(strings.NewReader("")))
	require.ErrorContains(t, err, "missing header")
}

func TestRequireHeader(t *testing.T) {
	h := []string{"level0_id", "level0_name"}
	require.NoError(t, RequireHeader(h, []string{"level0_id"}, nil))
	require.ErrorContains(t, RequireHeader(h, []string{"level1_id"}, nil), "missing required header column: level1_id")
	require.ErrorContains(t, RequireHeader(h, nil, []string{"level0_id"}), "unexpected header column: level0_name")
	require.Equal(t, map[string]int{"level0_id": 0, "level0_name": 1}, HeaderIndex(h))
}

func TestEqualHeader(t *testing.T) {
	require.True(t, EqualHeader([]string{" a", "b "}, []string{"a", "b"}))
	require.False(t, EqualHeader([]string{"a"}, []string{"a", "b"}))
	require.False(t, EqualHeader([]string{"a", "c"}, []string{"a", "b"}))
}

func TestSniffHeader(t *testing.T) {
	require.True(t, SniffHeader([]string{"FACTS ID", "Master ID"}, []string{"00123", "42"}))
	require.False(t, SniffHeader([]string{"00123", "42"}, []string{"00124", "43"}))
	require.False(t, SniffHeader([]string{"name", "other"}, []string{"Acme", "Widgets"}))
	require.False(t, SniffHeader(nil, []string{"1"}))
	require.True(t, SniffHeader([]string{"amount"}, []string{"-12.50"}))
	require.False(t, SniffHeader([]string{"amount"}, []string{"-"}))
}

func TestDumpReader(t *testing.T) {
	in := strings.Join([]string{
		"SQL> spool spriden.csv",
		"",
		"1234,}@00012345},}Smith, Jones }}and}} Co},,C",
		"5678,}multi",
		"line},}x}",
	}, "\n")
	rows := NewDumpReader(strings.NewReader(in))

	all := readAll(t, rows)
	require.Equal(t, [][]string{
		{"SQL> spool spriden.csv"},
		{},
		{"1234", "@00012345", "Smith, Jones }and} Co", "", "C"},
		{"5678", "multi\nline", "x"},
	}, all)
	require.Equal(t, 4, rows.Line())
}

func TestDumpReader_Unterminated(t *testing.T) {
	rows := NewDumpReader(strings.NewReader("1,}open\n"))
	_, err := rows.Next()
	require.ErrorContains(t, err, "line 1: unterminated quoted field")
}

func writeWorkbook(t *testing.T, path string, records [][]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, rec := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		row := rec
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	require.NoError(t, f.SaveAs(path))
}

func TestOpen_DetectsWorkbookAndCSV(t *testing.T) {
	dir := t.TempDir()

	xlsxPath := filepath.Join(dir, "grants.xlsx")
	writeWorkbook(t, xlsxPath, [][]any{
		{"FY", "GRANT", "TITLE"},
		{"FY14", "G-1001", "Soil carbon"},
	})
	rows, err := Open(xlsxPath)
	require.NoError(t, err)
	require.IsType(t, &xlsxRows{}, rows)
	require.Equal(t, [][]string{{"FY", "GRANT", "TITLE"}, {"FY14", "G-1001", "Soil carbon"}}, readAll(t, rows))
	require.Equal(t, 2, rows.Line())
	require.NoError(t, rows.Close())

	csvPath := filepath.Join(dir, "grants.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("FY,GRANT\nFY14,G-1001\n"), 0o644))
	rows, err = Open(csvPath)
	require.NoError(t, err)
	require.IsType(t, &csvRows{}, rows)
	require.Len(t, readAll(t, rows), 2)
	require.NoError(t, rows.Close())
}

func TestOpenXLSX_MissingSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	writeWorkbook(t, path, [][]any{{"a"}})
	_, err := OpenXLSX(path, "Nope")
	require.Error(t, err)
}
