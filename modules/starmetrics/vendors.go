// Package starmetrics produces the quarterly STAR METRICS reports from the
// Banner reporting database and prepares their vendor detail for mapping.
package starmetrics

import (
	"context"
	"encoding/csv"
	"io"
	"regexp"
	"strings"

	"github.com/go-faster/errors"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

// VendorHeader is the header of the vendor report.
var VendorHeader = []string{
	"PeriodStartDate", "PeriodEndDate", "UniqueAwardNumber",
	"RecipientAccountNumber", "VendorDunsNumber", "VendorPaymentAmount",
}

const dunsColumn = 4

// Vendors without a DUNS number are reported by postal code: Z and a US
// ZIP code, or F and a foreign postal code.
var (
	zipDunsRE     = regexp.MustCompile(`^Z([0-9]{5})([^0-9]?[0-9]+)?$`)
	foreignDunsRE = regexp.MustCompile(`^F(.*)$`)
)

// PostalCode classifies a pseudo-DUNS number. usa is Y for a US ZIP code, N
// for a foreign postal code and U when the value is a real DUNS number or
// unrecognized.
func PostalCode(duns string) (usa, code string) {
	if m := zipDunsRE.FindStringSubmatch(duns); m != nil {
		return "Y", m[1]
	}
	if m := foreignDunsRE.FindStringSubmatch(duns); m != nil {
		return "N", m[1]
	}
	return "U", ""
}

// MapVendors copies a vendor report, appending USA and PostalCode columns
// decoded from the pseudo-DUNS numbers.
func MapVendors(ctx context.Context, in tabular.Rows, out io.Writer) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("report", "map_vendors")
	tally := metrics.NewTally("map_vendors")

	header, err := tabular.ReadHeader(in)
	if err != nil {
		return tally.Counts(), err
	}
	if !tabular.EqualHeader(header, VendorHeader) {
		return tally.Counts(), errors.Wrapf(tabular.ErrInvalidInput,
			"header must be %s", strings.Join(VendorHeader, ", "))
	}

	w := csv.NewWriter(out)
	if err := w.Write(append(header, "USA", "PostalCode")); err != nil {
		return tally.Counts(), errors.Wrap(err, "write header")
	}
	for {
		row, err := in.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return tally.Counts(), err
		}
		tally.Read()
		if len(row) <= dunsColumn {
			tally.Failed()
			return tally.Counts(), tabular.Invalidf(in.Line(), "has %d columns, want %d", len(row), len(VendorHeader))
		}
		usa, code := PostalCode(row[dunsColumn])
		if err := w.Write(append(row, usa, code)); err != nil {
			return tally.Counts(), errors.Wrap(err, "write row")
		}
		tally.Written()
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return tally.Counts(), errors.Wrap(err, "flush")
	}
	log.Info(tally.String())
	return tally.Counts(), nil
}
