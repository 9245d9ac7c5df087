package spriden

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

const masterVersion = "1.2"

var (
	// SourceComment attributes assertions made by Master.
	SourceComment = fmt.Sprintf("spriden master v%s", masterVersion)

	bannerInNameRE = regexp.MustCompile(`@[0-9]{8}`)
	bannerRefRE    = regexp.MustCompile(`(\s*(TERM\s*)?Use\s*)?(@[0-9]{8})`)
)

type normRow struct {
	PIDM     int64          `db:"spriden_pidm"`
	BannerID sql.NullString `db:"banner_id"`
	Last     sql.NullString `db:"spriden_last_name"`
	First    sql.NullString `db:"spriden_first_name"`
	MI       sql.NullString `db:"spriden_mi"`
}

const selectNorm = `SELECT spriden_pidm, banner_id, spriden_last_name, spriden_first_name, spriden_mi
	FROM spriden_norm`

type masterRun struct {
	*Service
	log    *logrus.Entry
	tally  *metrics.Tally
	source int64
	pidm   int64
	banner int64
}

// Master correlates every non-person SPRIDEN entity with the external
// organization master, creating organizations as needed. Entities whose
// name refers to another Banner id are handled in a second pass so that
// the referenced entity is mastered first.
func (s *Service) Master(ctx context.Context, limit int) (metrics.Counts, error) {
	run := &masterRun{
		Service: s,
		log:     logging.FromContext(ctx).WithField("loader", "spriden_master"),
		tally:   metrics.NewTally("spriden_master"),
	}
	var err error
	if run.source, err = s.master.DataSourceID(ctx, master.SourceBanner); err != nil {
		return run.tally.Counts(), err
	}
	if run.pidm, err = s.master.SchemeID(ctx, master.SchemePIDM); err != nil {
		return run.tally.Counts(), err
	}
	if run.banner, err = s.master.SchemeID(ctx, master.SchemeBanner); err != nil {
		return run.tally.Counts(), err
	}

	var deferred []int64
	n := 0
	for row, err := range oria.ReadMany[normRow](ctx, s.conn,
		`SELECT n.spriden_pidm, n.banner_id, n.spriden_last_name, n.spriden_first_name, n.spriden_mi
		FROM spriden_norm n
		WHERE EXISTS (SELECT 1 FROM spriden_raw r
			WHERE r.spriden_pidm = n.spriden_pidm AND r.spriden_entity_ind = 'C')
		ORDER BY n.spriden_pidm`) {
		if err != nil {
			return run.tally.Counts(), err
		}
		if bannerInNameRE.MatchString(row.Last.String) {
			deferred = append(deferred, row.PIDM)
			continue
		}
		run.tally.Read()
		if err := run.update(ctx, row, row.PIDM); err != nil {
			return run.tally.Counts(), err
		}
		n++
		if n%10000 == 0 {
			run.log.WithField("mastered", n).Info("progress")
		}
		if limit > 0 && n >= limit {
			break
		}
	}

	run.log.WithField("deferred", len(deferred)).Info("resolving Banner cross-references")
	for i, pidm := range deferred {
		if limit > 0 && i >= limit {
			break
		}
		run.tally.Read()
		if err := run.crossReference(ctx, pidm); err != nil {
			return run.tally.Counts(), err
		}
	}
	run.log.Info(run.tally.String())
	return run.tally.Counts(), nil
}

func (r *masterRun) crossReference(ctx context.Context, pidm int64) error {
	var row normRow
	found, err := r.conn.Read(ctx, &row, selectNorm+" WHERE spriden_pidm = ?", pidm)
	if err != nil {
		return err
	}
	log := r.log.WithField("pidm", pidm)
	if !found {
		r.tally.Skipped()
		return nil
	}
	m := bannerRefRE.FindStringSubmatch(row.Last.String)
	if m == nil {
		log.Warn("unable to handle Banner cross-reference")
		r.tally.Skipped()
		return nil
	}
	var target int64
	found, err = r.conn.Read(ctx, &target,
		"SELECT spriden_pidm FROM spriden_norm WHERE banner_id = ? ORDER BY spriden_pidm LIMIT 1", m[3])
	if err != nil {
		return err
	}
	if !found {
		log.WithField("banner_id", m[3]).Warn("unable to resolve Banner cross-reference")
		r.tally.Skipped()
		return nil
	}
	row.Last.String = strings.TrimSpace(bannerRefRE.ReplaceAllString(row.Last.String, ""))
	return r.update(ctx, row, target)
}

// existing finds the single active master already correlated with the PIDM,
// the target PIDM or the Banner id. ambiguous is set when there are several.
func (r *masterRun) existing(ctx context.Context, row normRow, target int64) (id int64, ambiguous bool, err error) {
	var ids []int64
	err = r.conn.Select(ctx, &ids,
		`SELECT DISTINCT master_id FROM master_external_org_other_id
		WHERE valid_end IS NULL
			AND ((scheme = ? AND other_id IN (?, ?)) OR (scheme = ? AND other_id = ?))
		ORDER BY master_id`,
		r.pidm, strconv.FormatInt(row.PIDM, 10), strconv.FormatInt(target, 10),
		r.banner, row.BannerID.String)
	if err != nil || len(ids) == 0 {
		return 0, false, err
	}
	return ids[0], len(ids) > 1, nil
}

func (r *masterRun) update(ctx context.Context, row normRow, target int64) error {
	log := r.log.WithField("pidm", row.PIDM)
	return r.conn.InTx(ctx, func(ctx context.Context) error {
		id, ambiguous, err := r.existing(ctx, row, target)
		if err != nil {
			return err
		}
		if ambiguous {
			log.Warn("PIDM maps to multiple existing master entities, skipping")
			r.tally.Skipped()
			return nil
		}

		if strings.TrimSpace(row.First.String) != "" || strings.TrimSpace(row.MI.String) != "" {
			log.WithFields(logrus.Fields{
				"last": row.Last.String, "first": row.First.String, "middle": row.MI.String,
			}).Warn("non-person has first or middle name")
		}

		names := []string{row.Last.String}
		var aliases []string
		if err := r.conn.Select(ctx, &aliases,
			`SELECT spriden_last_name FROM spriden_alias
			WHERE spriden_pidm = ? AND spriden_last_name IS NOT NULL ORDER BY id`, row.PIDM); err != nil {
			return err
		}
		for _, a := range aliases {
			if bannerInNameRE.MatchString(a) {
				a = strings.TrimSpace(bannerRefRE.ReplaceAllString(a, ""))
			}
			names = append(names, a)
		}
		names = distinctNames(names)
		if len(names) == 0 {
			log.Warn("entity has no name, skipping")
			r.tally.Skipped()
			return nil
		}

		if id == 0 {
			for _, name := range names {
				ids, err := r.master.FindByName(ctx, name)
				if err != nil {
					return err
				}
				for _, found := range ids {
					if id != 0 && found != id {
						log.WithField("name", name).Warn("ambiguous master name matches, skipping")
						r.tally.Skipped()
						return nil
					}
					id = found
				}
			}
		}

		if id == 0 {
			if id, err = r.master.AddExternalOrg(ctx, names[0], r.source, SourceComment, master.Kinds{}); err != nil {
				return err
			}
			names = names[1:]
			log.WithField("master_id", id).Debug("new master entity")
		}
		for _, name := range names {
			if err := r.master.AddAlias(ctx, id, name, r.source, master.DefaultLang, SourceComment); err != nil {
				return err
			}
		}
		if err := r.master.AddOtherID(ctx, id, strconv.FormatInt(row.PIDM, 10), r.pidm, r.source, SourceComment); err != nil {
			return err
		}
		if row.BannerID.Valid && row.BannerID.String != "" {
			if err := r.master.AddOtherID(ctx, id, row.BannerID.String, r.banner, r.source, SourceComment); err != nil {
				return err
			}
		}
		r.tally.Written()
		return nil
	})
}

func distinctNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
