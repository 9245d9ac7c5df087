// Package faculty prepares faculty appointment extracts for release.
package faculty

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/go-faster/errors"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

// KeyMax is the largest accepted protection key.
const KeyMax = 0xFFFFFF

var ErrKeyRange = errors.Errorf("key must be a number between 1 and %d", KeyMax)

var inputHeader = []string{"EDW_PERS_ID", "BANNER_PIDM"}

// ParseKey reads a protection key.
func ParseKey(s string) (int64, error) {
	key, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || key < 1 || key > KeyMax {
		return 0, ErrKeyRange
	}
	return key, nil
}

// ProtectID hides a PIDM behind key. Applying it twice with the same key
// gives the PIDM back.
func ProtectID(pidm, key int64) int64 { return pidm ^ key }

// ProtectIDs copies an appointment extract whose first two columns are the
// EDW person id and the PIDM, replacing both with a FACULTY_ID derived from
// the PIDM. Every field is trimmed.
func ProtectIDs(ctx context.Context, in tabular.Rows, out io.Writer, key int64) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("report", "protect_faculty_ids")
	tally := metrics.NewTally("protect_faculty_ids")
	if key < 1 || key > KeyMax {
		return tally.Counts(), ErrKeyRange
	}

	header, err := tabular.ReadHeader(in)
	if err != nil {
		return tally.Counts(), err
	}
	if len(header) < len(inputHeader) || !tabular.EqualHeader(header[:len(inputHeader)], inputHeader) {
		return tally.Counts(), errors.Wrapf(tabular.ErrInvalidInput,
			"header must start with %s", strings.Join(inputHeader, ", "))
	}

	w := csv.NewWriter(out)
	if err := w.Write(append([]string{"FACULTY_ID"}, header[2:]...)); err != nil {
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
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
		if len(row) < 2 {
			tally.Failed()
			return tally.Counts(), tabular.Invalidf(in.Line(), "has %d columns, want at least 2", len(row))
		}
		pidm, err := strconv.ParseInt(row[1], 10, 64)
		if err != nil {
			tally.Failed()
			return tally.Counts(), tabular.Invalidf(in.Line(), "PIDM %q is not a number", row[1])
		}
		if err := w.Write(append([]string{strconv.FormatInt(ProtectID(pidm, key), 10)}, row[2:]...)); err != nil {
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
