package foundation

import (
	"context"
	"encoding/csv"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

const DefaultFactsHeader = "FactsID"

// FindOptions selects the id columns FindEntities adds.
type FindOptions struct {
	FactsHeader string
	NoMaster    bool
	Banner      bool
	PIDM        bool
	EDW         bool
	// MultiRow writes one row per combination of ids instead of
	// comma-joining them.
	MultiRow bool
}

type idColumn struct {
	header string
	scheme string
}

const masterColumn = ""

func (o FindOptions) columns() []idColumn {
	var cols []idColumn
	if !o.NoMaster {
		cols = append(cols, idColumn{"Master ID", masterColumn})
	}
	if o.Banner {
		cols = append(cols, idColumn{"Banner ID", master.SchemeBanner})
	}
	if o.PIDM {
		cols = append(cols, idColumn{"PIDM", master.SchemePIDM})
	}
	if o.EDW {
		cols = append(cols, idColumn{"EDW ID", master.SchemeEDW})
	}
	return cols
}

type correlatedID struct {
	MasterID int64  `db:"master_id"`
	OtherID  string `db:"other_id"`
	Scheme   string `db:"scheme"`
}

// idsForFacts returns the active ids, keyed by scheme name, of every
// organization known by factsID. Master ids are under masterColumn.
func (s *Service) idsForFacts(ctx context.Context, factsID string) (map[string][]string, error) {
	var rows []correlatedID
	if err := s.conn.Select(ctx, &rows,
		`SELECT m2.master_id, m2.other_id, s2.name AS scheme
		FROM master_external_org_other_id m1
		JOIN master_other_id_scheme s1 ON s1.id = m1.scheme
		JOIN master_external_org_other_id m2 ON m2.master_id = m1.master_id AND m2.valid_end IS NULL
		JOIN master_other_id_scheme s2 ON s2.id = m2.scheme
		WHERE s1.name = ? AND m1.other_id = ? AND m1.valid_end IS NULL
		ORDER BY m2.master_id, s2.name, m2.other_id`,
		master.SchemeFACTS, factsID); err != nil {
		return nil, err
	}
	ids := make(map[string][]string)
	add := func(key, id string) {
		if !slices.Contains(ids[key], id) {
			ids[key] = append(ids[key], id)
		}
	}
	for _, r := range rows {
		add(masterColumn, strconv.FormatInt(r.MasterID, 10))
		add(r.Scheme, r.OtherID)
	}
	return ids, nil
}

// zipLongest transposes lists into rows, padding shorter lists with empty
// cells. There is always at least one row.
func zipLongest(lists [][]string) [][]string {
	n := 1
	for _, l := range lists {
		n = max(n, len(l))
	}
	out := make([][]string, n)
	for i := range out {
		out[i] = make([]string, len(lists))
		for j, l := range lists {
			if i < len(l) {
				out[i][j] = l[i]
			}
		}
	}
	return out
}

func splice(row []string, at int, cells []string) []string {
	out := make([]string, 0, len(row)+len(cells))
	out = append(out, row[:at+1]...)
	out = append(out, cells...)
	return append(out, row[at+1:]...)
}

// FindEntities copies a CSV extract keyed by FACTS id, inserting the
// selected id columns right after the FACTS id column.
func (s *Service) FindEntities(ctx context.Context, in tabular.Rows, out io.Writer, opts FindOptions) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("report", "find_entities")
	tally := metrics.NewTally("find_entities")
	if opts.FactsHeader == "" {
		opts.FactsHeader = DefaultFactsHeader
	}
	cols := opts.columns()

	header, err := tabular.ReadHeader(in)
	if err != nil {
		return tally.Counts(), err
	}
	factsCol := slices.Index(header, opts.FactsHeader)
	if factsCol < 0 {
		return tally.Counts(), errors.Wrapf(tabular.ErrInvalidInput, "no %q column in header", opts.FactsHeader)
	}

	w := csv.NewWriter(out)
	headers := make([]string, len(cols))
	for i, c := range cols {
		headers[i] = c.header
	}
	if err := w.Write(splice(header, factsCol, headers)); err != nil {
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
		if factsCol >= len(row) {
			tally.Failed()
			return tally.Counts(), tabular.Invalidf(in.Line(), "has %d columns, FACTS id is column %d", len(row), factsCol+1)
		}
		tally.Read()
		factsID := strings.TrimSpace(row[factsCol])
		ids, err := s.idsForFacts(ctx, factsID)
		if err != nil {
			return tally.Counts(), err
		}
		if masters := ids[masterColumn]; len(masters) > 1 {
			log.WithFields(logrus.Fields{"facts_id": factsID, "masters": strings.Join(masters, ", ")}).
				Warn("FACTS id belongs to more than one organization")
		}

		lists := make([][]string, len(cols))
		for i, c := range cols {
			lists[i] = ids[c.scheme]
		}
		if opts.MultiRow {
			for _, cells := range zipLongest(lists) {
				if err := w.Write(splice(row, factsCol, cells)); err != nil {
					return tally.Counts(), errors.Wrap(err, "write row")
				}
			}
		} else {
			cells := make([]string, len(lists))
			for i, l := range lists {
				cells[i] = strings.Join(l, ",")
			}
			if err := w.Write(splice(row, factsCol, cells)); err != nil {
				return tally.Counts(), errors.Wrap(err, "write row")
			}
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
