package textnorm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullify(t *testing.T) {
	assert.Nil(t, Nullify(""))
	assert.Nil(t, Nullify("   "))
	assert.Nil(t, Nullify("-", "-"))
	require.NotNil(t, Nullify(" x "))
	assert.Equal(t, "x", *Nullify(" x "))
	assert.Equal(t, "", Deref(nil))
}

func TestSearchify(t *testing.T) {
	assert.Equal(t, "OBRIEN", Searchify("O'Brien"))
	assert.Equal(t, "PEREZGARCIA", Searchify("Pérez-García"))
	assert.Equal(t, "", Searchify(" - "))
}

func TestSearchName(t *testing.T) {
	assert.Equal(t, "ACME WIDGET CO.", SearchName("  Acme\tWidget   Co. "))
}

func TestSoundex(t *testing.T) {
	cases := map[string]string{
		"Robert":   "R163",
		"Rupert":   "R163",
		"Rubin":    "R150",
		"Ashcraft": "A261",
		"Tymczak":  "T522",
		"Pfister":  "P236",
		"Honeyman": "H555",
		"Lee":      "L000",
		"":         "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Soundex(in), in)
	}
}

func TestPhone(t *testing.T) {
	require.NotNil(t, Phone("(217) 333-1000 ext. 5"))
	assert.Equal(t, "+1-217-333-1000", *Phone("(217) 333-1000 ext. 5"))
	assert.Equal(t, "+1-217-333-1000", *Phone("1.217.333.1000"))
	assert.Nil(t, Phone("333-1000"))
	assert.Nil(t, Phone(""))
}

func TestWebAddr(t *testing.T) {
	cases := map[string]string{
		"www.Illinois.EDU":           "http://www.illinois.edu/",
		"https://WWW.Example.org/A/b": "https://www.example.org/A/b",
		"http://example.com?q=1":     "http://example.com/",
	}
	for in, want := range cases {
		got := WebAddr(in)
		require.NotNil(t, got, in)
		assert.Equal(t, want, *got, in)
	}
	assert.Nil(t, WebAddr("  "))
}

func TestZIP5(t *testing.T) {
	z, ok := ZIP5("61801-2925")
	require.True(t, ok)
	assert.Equal(t, "61801", z)
	_, ok = ZIP5("K1A 0B1")
	assert.False(t, ok)
}

func TestFiscalYear(t *testing.T) {
	y, err := FiscalYear("FY14")
	require.NoError(t, err)
	assert.Equal(t, 2014, y)

	y, err = FiscalYear("fy98")
	require.NoError(t, err)
	assert.Equal(t, 1998, y)

	_, err = FiscalYear("2014")
	require.ErrorContains(t, err, "unable to parse fiscal year")

	assert.Equal(t, 1867, TwoDigitYear(1867))
	assert.Equal(t, 2069, TwoDigitYear(69))
	assert.Equal(t, 1970, TwoDigitYear(70))
}

func TestParseDate(t *testing.T) {
	want := time.Date(2014, 7, 30, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2014-07-30", "07/30/2014", "7/30/2014", "30-JUL-14", "30-Jul-2014"} {
		got, err := ParseDate(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
	}

	zero, err := ParseDate("  ")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = ParseDate("sometime", "2006-01-02")
	require.ErrorContains(t, err, "invalid date")
}
