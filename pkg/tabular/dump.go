package tabular

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/go-faster/errors"
)

// DumpQuote is the quote character the SQL*Plus spool scripts emit.
const DumpQuote = '}'

type dumpRows struct {
	br     *bufio.Reader
	closer io.Closer
	read   int
	line   int
}

// NewDumpReader reads comma-separated records quoted with DumpQuote. A
// doubled quote inside a quoted field stands for one quote. A blank line
// yields an empty record.
func NewDumpReader(r io.Reader) Rows {
	return &dumpRows{br: stripUTF8BOM(bufio.NewReader(r))}
}

func OpenDump(path string) (Rows, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dump")
	}
	d := NewDumpReader(f).(*dumpRows)
	d.closer = f
	return d, nil
}

func (d *dumpRows) Line() int { return d.line }

func (d *dumpRows) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func (d *dumpRows) readLine() (string, error) {
	s, err := d.br.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", err
	}
	d.read++
	return strings.TrimRight(s, "\r\n"), nil
}

func (d *dumpRows) Next() ([]string, error) {
	text, err := d.readLine()
	if err != nil {
		return nil, err
	}
	d.line = d.read
	if text == "" {
		return []string{}, nil
	}

	var (
		fields  []string
		field   strings.Builder
		quoted  bool
		inQuote bool
	)
	for {
		runes := []rune(text)
		for i := 0; i < len(runes); i++ {
			r := runes[i]
			switch {
			case inQuote && r == DumpQuote:
				if i+1 < len(runes) && runes[i+1] == DumpQuote {
					field.WriteRune(DumpQuote)
					i++
					continue
				}
				inQuote = false
			case inQuote:
				field.WriteRune(r)
			case r == DumpQuote && field.Len() == 0 && !quoted:
				inQuote, quoted = true, true
			case r == ',':
				fields = append(fields, field.String())
				field.Reset()
				quoted = false
			default:
				field.WriteRune(r)
			}
		}
		if !inQuote {
			break
		}
		// quoted field continues on the next physical line
		next, err := d.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, Invalidf(d.line, "unterminated quoted field")
			}
			return nil, err
		}
		field.WriteByte('\n')
		text = next
	}
	return append(fields, field.String()), nil
}
