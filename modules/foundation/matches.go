package foundation

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

// HeaderMode says whether a matches file starts with a header row.
type HeaderMode int

const (
	HeaderAuto HeaderMode = iota
	HeaderYes
	HeaderNo
)

var ErrHeaderMode = errors.New("header must be one of true, yes, 1, false, no, 0, auto")

func ParseHeaderMode(s string) (HeaderMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1":
		return HeaderYes, nil
	case "false", "no", "0":
		return HeaderNo, nil
	case "auto", "":
		return HeaderAuto, nil
	}
	return HeaderAuto, errors.Wrapf(ErrHeaderMode, "%q", s)
}

type MatchOptions struct {
	Scheme  string
	Source  string
	Header  HeaderMode
	Comment string
}

// buffered replays rows already read before reading on.
type buffered struct {
	tabular.Rows
	pending [][]string
	lines   []int
	line    int
}

func (b *buffered) Next() ([]string, error) {
	if len(b.pending) > 0 {
		row := b.pending[0]
		b.line = b.lines[0]
		b.pending, b.lines = b.pending[1:], b.lines[1:]
		return row, nil
	}
	row, err := b.Rows.Next()
	b.line = b.Rows.Line()
	return row, err
}

func (b *buffered) Line() int { return b.line }

// skipHeader drops the header row according to mode. In auto mode the
// first row is a header when it has no numeric cell and the second has one.
func skipHeader(rows tabular.Rows, mode HeaderMode) (tabular.Rows, bool, error) {
	b := &buffered{Rows: rows}
	for range 2 {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, err
		}
		b.pending = append(b.pending, row)
		b.lines = append(b.lines, rows.Line())
	}
	has := mode == HeaderYes
	if mode == HeaderAuto && len(b.pending) == 2 {
		has = tabular.SniffHeader(b.pending[0], b.pending[1])
	}
	if has && len(b.pending) > 0 {
		b.pending, b.lines = b.pending[1:], b.lines[1:]
	}
	return b, has, nil
}

// LoadMatches asserts curated matches between organizations in another id
// scheme and master organizations. Each row is other id, master id and
// optionally the other name (added as an alias) and the master name. A
// row that cannot be asserted is logged and counted, and loading goes on.
func (s *Service) LoadMatches(ctx context.Context, rows tabular.Rows, opts MatchOptions) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "entity_matches")
	tally := metrics.NewTally("entity_matches")

	scheme, source, err := s.resolve(ctx, opts.Scheme, opts.Source)
	if err != nil {
		return tally.Counts(), err
	}
	log.WithFields(logrus.Fields{"scheme": scheme, "source": source}).Debug("resolved scheme and source")

	rows, hasHeader, err := skipHeader(rows, opts.Header)
	if err != nil {
		return tally.Counts(), err
	}
	if hasHeader {
		log.Debug("skipping header")
	}

	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return tally.Counts(), err
		}
		if len(row) < 2 {
			log.WithField("line", rows.Line()).Warn("skipping invalid row")
			tally.Skipped()
			continue
		}
		tally.Read()
		otherID := strings.TrimSpace(row[0])
		var otherName string
		if len(row) > 2 {
			otherName = strings.TrimSpace(row[2])
		}
		rowLog := log.WithFields(logrus.Fields{"line": rows.Line(), "other_id": otherID, "org": row[1]})

		org, err := strconv.ParseInt(strings.TrimSpace(row[1]), 10, 64)
		if err != nil {
			rowLog.Error("could not assert match: master id is not a number")
			tally.Failed()
			continue
		}
		if err := s.conn.InTx(ctx, func(ctx context.Context) error {
			if err := s.master.AddOtherID(ctx, org, otherID, scheme, source, opts.Comment); err != nil {
				return err
			}
			if otherName == "" {
				return nil
			}
			return s.master.AddAlias(ctx, org, otherName, source, master.DefaultLang, opts.Comment)
		}); err != nil {
			rowLog.WithError(err).Error("could not assert match")
			tally.Failed()
			continue
		}
		tally.Written()
	}
	log.Info(tally.String())
	return tally.Counts(), nil
}
