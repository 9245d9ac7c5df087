package starmetrics

import (
	"strings"
	"text/template"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/OVCR-ORIA/discovery/pkg/textnorm"
)

const (
	// FirstFiscalYear is the founding year of the university.
	FirstFiscalYear = 1867
	// RolloverMonth starts a new fiscal year.
	RolloverMonth = time.July
	// COAS is the Banner chart of accounts of the Urbana campus.
	COAS = 1
)

// DefaultVendorFloor is the smallest vendor payment reported.
var DefaultVendorFloor = decimal.NewFromInt(25000)

var ErrPeriod = errors.New("invalid reporting period")

// Period is a complete fiscal quarter.
type Period struct {
	FiscalYear int
	Quarter    int
	Start, End time.Time
}

// FiscalQuarter returns the fiscal year and quarter t falls in.
func FiscalQuarter(t time.Time) (fy, quarter int) {
	fy = t.Year()
	if t.Month() >= RolloverMonth {
		fy++
	}
	quarter = (int(t.Month()-1)+int(RolloverMonth-1))%12/3 + 1
	return fy, quarter
}

// NewPeriod validates a fiscal year and quarter against now. Two-digit
// years are widened. The quarter must be over.
func NewPeriod(fy, quarter int, now time.Time) (Period, error) {
	fy = textnorm.TwoDigitYear(fy)
	if quarter < 1 || quarter > 4 {
		return Period{}, errors.Wrapf(ErrPeriod, "quarter %d is not between 1 and 4", quarter)
	}
	thisFY, thisQ := FiscalQuarter(now)
	switch {
	case fy < FirstFiscalYear:
		return Period{}, errors.Wrapf(ErrPeriod, "fiscal year %d is too early", fy)
	case fy > thisFY:
		return Period{}, errors.Wrapf(ErrPeriod, "fiscal year %d is in the future", fy)
	case fy == thisFY && quarter == thisQ:
		return Period{}, errors.Wrapf(ErrPeriod, "FY%d Q%d is not yet complete", fy, quarter)
	case fy == thisFY && quarter > thisQ:
		return Period{}, errors.Wrapf(ErrPeriod, "FY%d Q%d is in the future", fy, quarter)
	}

	startMonth := time.Month((int(RolloverMonth-1)+(quarter-1)*3)%12 + 1)
	startYear := fy
	if startMonth >= RolloverMonth {
		startYear--
	}
	start := time.Date(startYear, startMonth, 1, 0, 0, 0, 0, time.UTC)
	return Period{
		FiscalYear: fy,
		Quarter:    quarter,
		Start:      start,
		End:        start.AddDate(0, 3, -1),
	}, nil
}

// Months returns the fiscal periods (01 to 12) of the quarter.
func (p Period) Months() []int {
	first := (p.Quarter-1)*3 + 1
	return []int{first, first + 1, first + 2}
}

// FileDate is the period end as used in report file names.
func (p Period) FileDate() string { return p.End.Format("2006_01_02") }

func sqlplusDate(t time.Time) string { return strings.ToUpper(t.Format("02-Jan-2006")) }

// Reports in the order the script runs them.
var Reports = []string{"award", "subaward", "vendor", "employee"}

var reportScripts = map[string]string{
	"award":    "star_metrics_award.sql",
	"subaward": "star_metrics_subaward.sql",
	"vendor":   "star_metrics_vendor.sql",
	"employee": "star_metrics_employee_anon.sql",
}

var scriptTemplate = template.Must(template.New("script").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(
	`DEFINE beg_date = '{{.Begin}}';
DEFINE coas = '{{.COAS}}';
DEFINE end_date = '{{.End}}';
DEFINE fsyr = '{{printf "%02d" .FSYR}}';
DEFINE lowerlimit = {{.Floor}};
{{range $i, $m := .Months}}DEFINE period{{inc $i}} = '{{printf "%02d" $m}}';
{{end}}SET FEEDBACK OFF;
SET HEADING OFF;
SET LINESIZE 1000;
SET PAGESIZE 0;
SET TRIMSPOOL ON;
{{range .Scripts}}@{{.}}
{{end}}`))

// Script renders the SQL*Plus script that runs every report for p. Vendor
// payments under floor are left out.
func Script(p Period, floor decimal.Decimal) (string, error) {
	scripts := make([]string, len(Reports))
	for i, r := range Reports {
		scripts[i] = reportScripts[r]
	}
	var b strings.Builder
	if err := scriptTemplate.Execute(&b, map[string]any{
		"Begin":   sqlplusDate(p.Start),
		"End":     sqlplusDate(p.End),
		"COAS":    COAS,
		"FSYR":    p.FiscalYear % 100,
		"Floor":   floor.String(),
		"Months":  p.Months(),
		"Scripts": scripts,
	}); err != nil {
		return "", errors.Wrap(err, "render script")
	}
	return b.String(), nil
}
