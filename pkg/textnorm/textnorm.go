// Package textnorm normalizes the free-text fields of loader inputs.
package textnorm

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-faster/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	phoneRE = regexp.MustCompile(`^\D*1?\D*(\d{3})\D*(\d{3})\D*(\d{4}).*$`)
	zip5RE  = regexp.MustCompile(`^([0-9]{5})`)
	fyRE    = regexp.MustCompile(`(?i)^FY([0-9][0-9])$`)

	upper = cases.Upper(language.Und)
)

// Nullify trims s and returns nil when nothing is left or when s equals one
// of the null markers.
func Nullify(s string, markers ...string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, m := range markers {
		if s == m {
			return nil
		}
	}
	return &s
}

// Deref returns the string behind p, or "" for nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// FoldAccents strips combining marks, so "Pérez" becomes "Perez".
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Searchify reduces a name part to the upper-case ASCII letters that
// SPRIDEN search columns hold.
func Searchify(s string) string {
	s = FoldAccents(s)
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// SearchName upper-cases s and collapses runs of white space.
func SearchName(s string) string {
	return upper.String(strings.Join(strings.Fields(s), " "))
}

var soundexCodes = map[rune]byte{
	'B': '1', 'F': '1', 'P': '1', 'V': '1',
	'C': '2', 'G': '2', 'J': '2', 'K': '2', 'Q': '2', 'S': '2', 'X': '2', 'Z': '2',
	'D': '3', 'T': '3',
	'L': '4',
	'M': '5', 'N': '5',
	'R': '6',
}

// Soundex returns the American Soundex code of s, or "" when s has no
// letters.
func Soundex(s string) string {
	letters := Searchify(s)
	if letters == "" {
		return ""
	}
	code := []byte{letters[0]}
	last := soundexCodes[rune(letters[0])]
	for _, r := range letters[1:] {
		c, ok := soundexCodes[r]
		switch {
		case !ok:
			// H and W do not separate equal codes; vowels do
			if r != 'H' && r != 'W' {
				last = 0
			}
		case c != last:
			code = append(code, c)
			last = c
		}
		if len(code) == 4 {
			break
		}
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}

// Phone formats a North American number as +1-aaa-bbb-cccc, dropping any
// extension. It returns nil when s is blank or does not hold ten digits.
func Phone(s string) *string {
	raw := Nullify(s)
	if raw == nil {
		return nil
	}
	m := phoneRE.FindStringSubmatch(*raw)
	if m == nil {
		return nil
	}
	out := "+1-" + m[1] + "-" + m[2] + "-" + m[3]
	return &out
}

// WebAddr normalizes a web address to scheme://host/path, adding http://
// when there is no host, / when there is no path, and lower-casing the host.
func WebAddr(s string) *string {
	raw := Nullify(s)
	if raw == nil {
		return nil
	}
	addr := *raw
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		addr = "http://" + addr
		if u, err = url.Parse(addr); err != nil {
			return nil
		}
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	out := u.Scheme + "://" + strings.ToLower(u.Host) + path
	return &out
}

// ZIP5 returns the leading five-digit ZIP code of s.
func ZIP5(s string) (string, bool) {
	m := zip5RE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// TwoDigitYear widens 0-99 to a four-digit year, pivoting at 70. Other
// values are returned unchanged.
func TwoDigitYear(y int) int {
	switch {
	case y < 0 || y >= 100:
		return y
	case y < 70:
		return 2000 + y
	default:
		return 1900 + y
	}
}

// FiscalYear parses labels like "FY14" into 2014.
func FiscalYear(s string) (int, error) {
	m := fyRE.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, errors.Errorf("unable to parse fiscal year %q", s)
	}
	y, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, errors.Wrapf(err, "fiscal year %q", s)
	}
	return TwoDigitYear(y), nil
}
