package tabular

import (
	"io"

	"github.com/go-faster/errors"
	"github.com/xuri/excelize/v2"
)

type xlsxRows struct {
	f    *excelize.File
	rows *excelize.Rows
	line int
}

// OpenXLSX reads the rows of sheet, or of the first sheet when sheet is
// empty. Cells are returned as formatted text.
func OpenXLSX(path, sheet string) (Rows, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open workbook")
	}
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			_ = f.Close()
			return nil, errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.Rows(sheet)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "sheet %q", sheet)
	}
	return &xlsxRows{f: f, rows: rows}, nil
}

func (x *xlsxRows) Next() ([]string, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	x.line++
	cols, err := x.rows.Columns()
	if err != nil {
		return nil, errors.Wrapf(err, "row %d", x.line)
	}
	return cols, nil
}

func (x *xlsxRows) Line() int { return x.line }

func (x *xlsxRows) Close() error {
	return errors.Join(x.rows.Close(), x.f.Close())
}
