// Package tabular reads the row-oriented inputs the loaders consume: CSV,
// SQL*Plus dumps and Excel workbooks.
package tabular

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-faster/errors"
)

const (
	xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	zipMIME  = "application/zip"
)

// Rows yields records one at a time. Next returns io.EOF after the last
// record. Line is the 1-based number of the record last returned.
type Rows interface {
	Next() ([]string, error)
	Line() int
	Close() error
}

type csvRows struct {
	r      *csv.Reader
	closer io.Closer
	line   int
}

// NewCSV reads comma-separated records from r. A leading UTF-8 BOM is
// dropped and records may have differing field counts.
func NewCSV(r io.Reader) Rows {
	return newCSV(r, nil)
}

func newCSV(r io.Reader, closer io.Closer) *csvRows {
	br := stripUTF8BOM(bufio.NewReader(r))
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = false
	return &csvRows{r: cr, closer: closer}
}

func OpenCSV(path string) (Rows, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open csv")
	}
	return newCSV(f, f), nil
}

func (c *csvRows) Next() ([]string, error) {
	rec, err := c.r.Read()
	if err != nil {
		return nil, err
	}
	c.line, _ = c.r.FieldPos(0)
	return rec, nil
}

func (c *csvRows) Line() int { return c.line }

func (c *csvRows) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func stripUTF8BOM(r *bufio.Reader) *bufio.Reader {
	b, err := r.Peek(3)
	if err == nil && len(b) == 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = r.Discard(3)
	}
	return r
}

// Open reads path as a workbook when its content sniffs as XLSX (or any zip
// container) and as CSV otherwise. Workbooks are read from their first sheet.
func Open(path string) (Rows, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "detect input type")
	}
	if mt.Is(xlsxMIME) || mt.Is(zipMIME) {
		return OpenXLSX(path, "")
	}
	return OpenCSV(path)
}

// ReadHeader reads the next record as a header, trimming every label.
func ReadHeader(rows Rows) ([]string, error) {
	h, err := rows.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrap(ErrInvalidInput, "missing header")
		}
		return nil, err
	}
	for i := range h {
		h[i] = strings.TrimSpace(h[i])
		if !utf8.ValidString(h[i]) {
			return nil, errors.Wrap(ErrInvalidInput, "invalid header encoding")
		}
	}
	return h, nil
}

func HeaderIndex(header []string) map[string]int {
	m := make(map[string]int, len(header))
	for i, name := range header {
		m[name] = i
	}
	return m
}

// RequireHeader checks that every required label is present and, when
// allowed is non-empty, that no other label appears.
func RequireHeader(header []string, required []string, allowed []string) error {
	hset := make(map[string]struct{}, len(header))
	for _, h := range header {
		hset[h] = struct{}{}
	}
	for _, req := range required {
		if _, ok := hset[req]; !ok {
			return errors.Wrapf(ErrInvalidInput, "missing required header column: %s", req)
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}
	for _, h := range header {
		if _, ok := allowedSet[h]; !ok {
			return errors.Wrapf(ErrInvalidInput, "unexpected header column: %s", h)
		}
	}
	return nil
}

// EqualHeader reports whether header matches want exactly, label by label.
func EqualHeader(header, want []string) bool {
	if len(header) != len(want) {
		return false
	}
	for i := range want {
		if strings.TrimSpace(header[i]) != want[i] {
			return false
		}
	}
	return true
}

// SniffHeader guesses whether first is a header row: none of its cells is
// numeric while second has at least one numeric cell.
func SniffHeader(first, second []string) bool {
	if len(first) == 0 || anyNumeric(first) {
		return false
	}
	return anyNumeric(second)
}

func anyNumeric(row []string) bool {
	for _, cell := range row {
		if isNumeric(strings.TrimSpace(cell)) {
			return true
		}
	}
	return false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '.' && !dot:
			dot = true
		case (r == '-' || r == '+') && i == 0 && len(s) > 1:
		default:
			return false
		}
	}
	return s != "." && s != "-." && s != "+."
}
