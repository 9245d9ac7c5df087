package starmetrics

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
)

// UnivAbbr prefixes every report file name.
const UnivAbbr = "UIUC"

var (
	ErrAuthentication = errors.New("sqlplus could not connect")
	ErrOutput         = errors.New("unexpected sqlplus output")
)

// Headers of the report files.
var Headers = map[string][]string{
	"award": {
		"PeriodStartDate", "PeriodEndDate", "UniqueAwardNumber", "RecipientAccountNumber", "OverheadCharged",
	},
	"subaward": {
		"PeriodStartDate", "PeriodEndDate", "UniqueAwardNumber", "RecipientAccountNumber",
		"SubAwardRecipientDunsNumber", "SubAwardPaymentAmount",
	},
	"vendor": VendorHeader,
	"employee": {
		"PeriodStartDate", "PeriodEndDate", "UniqueAwardNumber", "RecipientAccountNumber",
		"DeidentifiedEmployeeIdNumber", "OccupationalClassification", "FteStatus",
		"ProportionOfEarningsAllocatedToAward",
	},
}

// Config is the reporting database connection, read from a TOML file.
type Config struct {
	User        string          `toml:"user" validate:"required"`
	Server      string          `toml:"server" validate:"required"`
	Service     string          `toml:"service" validate:"required"`
	SQLPlus     string          `toml:"sqlplus" validate:"required"`
	ScriptDir   string          `toml:"script_dir"`
	OutDir      string          `toml:"out_dir"`
	VendorFloor decimal.Decimal `toml:"vendor_floor"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func DefaultConfig() Config {
	return Config{
		Server:      "reportprod.admin.uillinois.edu",
		Service:     "REPTPROD",
		SQLPlus:     "sqlplus",
		ScriptDir:   ".",
		OutDir:      ".",
		VendorFloor: DefaultVendorFloor,
	}
}

// LoadConfig reads path over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "read %s", path)
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, errors.Wrapf(err, "invalid %s", path)
	}
	return cfg, nil
}

var (
	varSubRE          = regexp.MustCompile(`^[no][el][dw]\s*[0-9]+:`)
	lineStartRE       = regexp.MustCompile(`^([0-9]{4}-[0-9]{2}-[0-9]{2}) ([0-9]{4}-[0-9]{2}-[0-9]{2}) ([0-9]{2}\.[0-9]{3}) (.*)$`)
	awardRE           = regexp.MustCompile(`^(.*\S)\s+(\S+)\s+([-.0-9]+)$`)
	subVendorRE       = regexp.MustCompile(`^(.*\S)\s+(\S+)\s+([ZF].{0,10})\s+([-.0-9]+)$`)
	subVendorNoDunsRE = regexp.MustCompile(`^(.*\S)\s+(\S+)\s+([-.0-9]+)$`)
	employeeRE        = regexp.MustCompile(`^(.*\S)\s+(\S+)\s+([0-9A-F]+)\s+(\S.*\S)\s+([.0-9]+)\s+([.0-9]+)$`)
)

// amount writes a number the way the reports have always shown it: no
// trailing zeros, but at least one decimal place.
func amount(s string) (string, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", err
	}
	out := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(out, ".") {
		out += ".0"
	}
	return out, nil
}

// ParseLine turns one fixed-width line of report output into CSV fields.
// The award number is the CFDA number followed by the sponsor award id.
func ParseLine(report, line string) ([]string, error) {
	bad := func() ([]string, error) {
		return nil, errors.Wrapf(ErrOutput, "%s report line %q", report, line)
	}
	m := lineStartRE.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return bad()
	}
	start, end, cfda, rest := m[1], m[2], m[3], m[4]
	fields := []string{start, end}

	var (
		award, account string
		tail           []string
		amounts        []string
	)
	switch report {
	case "award":
		r := awardRE.FindStringSubmatch(rest)
		if r == nil {
			return bad()
		}
		award, account, amounts = r[1], r[2], []string{r[3]}
	case "subaward", "vendor":
		if r := subVendorRE.FindStringSubmatch(rest); r != nil {
			award, account, tail, amounts = r[1], r[2], []string{strings.TrimSpace(r[3])}, []string{r[4]}
		} else if r := subVendorNoDunsRE.FindStringSubmatch(rest); r != nil {
			award, account, tail, amounts = r[1], r[2], []string{""}, []string{r[3]}
		} else {
			return bad()
		}
	case "employee":
		r := employeeRE.FindStringSubmatch(rest)
		if r == nil {
			return bad()
		}
		award, account, tail, amounts = r[1], r[2], []string{r[3], r[4]}, []string{r[5], r[6]}
	default:
		return nil, errors.Errorf("unknown report %q", report)
	}

	fields = append(fields, cfda+" "+award, account)
	fields = append(fields, tail...)
	for _, a := range amounts {
		v, err := amount(a)
		if err != nil {
			return bad()
		}
		fields = append(fields, v)
	}
	return fields, nil
}

// Opener creates the destination of one report.
type Opener func(report string) (io.WriteCloser, error)

// DirOpener writes reports for p into dir as UIUC_<Report>_<end date>.csv.
func DirOpener(dir string, p Period) Opener {
	title := cases.Title(language.English)
	return func(report string) (io.WriteCloser, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create output directory")
		}
		name := fmt.Sprintf("%s_%s_%s.csv", UnivAbbr, title.String(report), p.FileDate())
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "create %s", name)
		}
		return f, nil
	}
}

type reportFile struct {
	name string
	dst  io.WriteCloser
	w    *csv.Writer
}

func (f *reportFile) close() error {
	f.w.Flush()
	if err := f.w.Error(); err != nil {
		_ = f.dst.Close()
		return errors.Wrapf(err, "write %s report", f.name)
	}
	return f.dst.Close()
}

func stripPrompts(line string) string {
	for strings.HasPrefix(line, "SQL>") {
		line = strings.TrimLeft(line[len("SQL>"):], " ")
	}
	return line
}

// SplitOutput reads the SQL*Plus session output and writes each report
// through open. Report rows start after the old/new variable substitution
// echo and end at the next prompt. An ERROR: line before any report means
// the connection failed; the line after it says why.
func SplitOutput(ctx context.Context, r io.Reader, open Opener) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("report", "star_metrics")
	tally := metrics.NewTally("star_metrics")

	var (
		cur      *reportFile
		next     int
		inVars   bool
		sawError bool
	)
	fail := func(err error) (metrics.Counts, error) {
		if cur != nil {
			_ = cur.close()
		}
		return tally.Counts(), err
	}
	write := func(line string) error {
		tally.Read()
		fields, err := ParseLine(cur.name, line)
		if err != nil {
			tally.Failed()
			return err
		}
		if err := cur.w.Write(fields); err != nil {
			return errors.Wrapf(err, "write %s report", cur.name)
		}
		tally.Written()
		return nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if cur != nil {
			if !strings.HasPrefix(line, "SQL>") {
				if strings.TrimSpace(line) == "" {
					continue
				}
				if err := write(line); err != nil {
					return fail(err)
				}
				continue
			}
			err := cur.close()
			log.WithField("report", cur.name).Debug("report complete")
			cur = nil
			if err != nil {
				return fail(err)
			}
		}

		// the rest of a prompt line is output like any other
		line = stripPrompts(line)
		switch {
		case varSubRE.MatchString(line):
			inVars = true
		case inVars:
			inVars = false
			if next >= len(Reports) {
				return fail(errors.Wrapf(ErrOutput, "more than %d reports", len(Reports)))
			}
			name := Reports[next]
			next++
			dst, err := open(name)
			if err != nil {
				return fail(err)
			}
			cur = &reportFile{name: name, dst: dst, w: csv.NewWriter(dst)}
			if err := cur.w.Write(Headers[name]); err != nil {
				return fail(errors.Wrapf(err, "write %s header", name))
			}
			if err := write(line); err != nil {
				return fail(err)
			}
		case sawError:
			return fail(errors.Wrap(ErrAuthentication, strings.TrimSpace(line)))
		case strings.HasPrefix(line, "ERROR:"):
			sawError = true
		}
	}
	if err := sc.Err(); err != nil {
		return fail(errors.Wrap(err, "read sqlplus output"))
	}
	if cur != nil {
		if err := cur.close(); err != nil {
			return tally.Counts(), err
		}
	}
	if sawError {
		return tally.Counts(), ErrAuthentication
	}
	log.WithField("reports", next).Info(tally.String())
	return tally.Counts(), nil
}

// Run connects SQL*Plus to the reporting database, runs the report script
// for p and writes the reports into cfg.OutDir. The password goes to
// SQL*Plus on standard input, never on its command line.
func Run(ctx context.Context, cfg Config, password string, p Period) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithFields(logrus.Fields{
		"fy": p.FiscalYear, "quarter": p.Quarter, "server": cfg.Server,
	})
	script, err := Script(p, cfg.VendorFloor)
	if err != nil {
		return metrics.Counts{}, err
	}
	connect := fmt.Sprintf("CONNECT %s/\"%s\"@%s/%s\n", cfg.User, password, cfg.Server, cfg.Service)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(ctx, cfg.SQLPlus, "/nolog")
	cmd.Dir = cfg.ScriptDir
	cmd.Stdin = strings.NewReader(connect + script + "EXIT;\n")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return metrics.Counts{}, errors.Wrap(err, "sqlplus stdout")
	}

	start := time.Now()
	log.Info("running sqlplus")
	if err := cmd.Start(); err != nil {
		metrics.ObserveExternal("sqlplus", start, err)
		return metrics.Counts{}, errors.Wrapf(err, "start %s", cfg.SQLPlus)
	}
	counts, splitErr := SplitOutput(ctx, stdout, DirOpener(cfg.OutDir, p))
	if splitErr != nil {
		cancel()
	}
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	switch {
	case splitErr != nil:
		err = splitErr
	case waitErr != nil:
		err = errors.Wrapf(waitErr, "sqlplus: %s", strings.TrimSpace(stderr.String()))
	}
	metrics.ObserveExternal("sqlplus", start, err)
	return counts, err
}
