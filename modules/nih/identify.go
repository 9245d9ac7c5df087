package nih

import (
	"context"
	"maps"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/textnorm"
)

type reviewer struct {
	ID     int64   `db:"id"`
	Last   *string `db:"last_name"`
	First  *string `db:"first_name"`
	Middle *string `db:"middle_name"`
}

// search passes, from strictest to loosest
const (
	exactMiddle = iota
	looseMiddle
	noMiddle
)

func (s *Service) candidates(ctx context.Context, pass int, last, first, middle string) ([]int64, error) {
	stmt := `SELECT DISTINCT spriden_pidm FROM spriden_alias
		WHERE spriden_search_last_name = ? AND spriden_search_first_name = ?`
	args := []any{last, first}
	switch pass {
	case exactMiddle:
		stmt += ` AND COALESCE(spriden_search_mi, '') = ?`
		args = append(args, middle)
	case looseMiddle:
		stmt += ` AND spriden_search_mi LIKE ?`
		args = append(args, middle[:1]+"%")
	}
	var pidms []int64
	err := s.conn.Select(ctx, &pidms, stmt+` ORDER BY spriden_pidm`, args...)
	return pidms, err
}

// IdentifyFaculty looks for every reviewer without a PIDM in the SPRIDEN
// aliases, first by exact middle name, then by middle initial, then
// ignoring the middle name. A reviewer is assigned the PIDM of a unique
// match. Ambiguous and missing matches are reported and left alone. All
// assignments are written once the search is complete.
func (s *Service) IdentifyFaculty(ctx context.Context) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "nih_identify")
	tally := metrics.NewTally("nih_identify")

	var reviewers []reviewer
	if err := s.conn.Select(ctx, &reviewers,
		`SELECT id, last_name, first_name, middle_name FROM nih_reviewer
		WHERE spriden_pidm IS NULL ORDER BY id`); err != nil {
		return tally.Counts(), err
	}

	found := make(map[int64]int64)
	for _, r := range reviewers {
		tally.Read()
		last := textnorm.Searchify(textnorm.Deref(r.Last))
		first := textnorm.Searchify(textnorm.Deref(r.First))
		middle := textnorm.Searchify(textnorm.Deref(r.Middle))
		rowLog := log.WithFields(logrus.Fields{
			"reviewer": r.ID, "last_name": textnorm.Deref(r.Last),
			"first_name": textnorm.Deref(r.First), "middle_name": textnorm.Deref(r.Middle),
		})

		var pidms []int64
		for pass := exactMiddle; pass <= noMiddle && len(pidms) == 0; pass++ {
			if pass == looseMiddle && middle == "" {
				continue
			}
			var err error
			if pidms, err = s.candidates(ctx, pass, last, first, middle); err != nil {
				return tally.Counts(), err
			}
		}
		switch len(pidms) {
		case 0:
			rowLog.Warn("no matches")
			tally.Skipped()
		case 1:
			found[r.ID] = pidms[0]
		default:
			rowLog.WithField("pidms", pidms).Warn("found multiple matches")
			tally.Skipped()
		}
	}

	err := s.conn.InTx(ctx, func(ctx context.Context) error {
		for _, id := range slices.Sorted(maps.Keys(found)) {
			if _, err := s.conn.Write(ctx, `UPDATE nih_reviewer SET spriden_pidm = ? WHERE id = ?`, found[id], id); err != nil {
				return err
			}
			tally.Written()
		}
		return nil
	})
	if err != nil {
		// the whole batch rolled back
		counts := tally.Counts()
		counts.Written, counts.Failed = 0, int64(len(found))
		return counts, err
	}
	log.Info(tally.String())
	return tally.Counts(), nil
}
