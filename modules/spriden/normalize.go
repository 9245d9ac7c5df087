package spriden

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

var (
	uinRE    = regexp.MustCompile(`^[0-9]{9}$`)
	bannerRE = regexp.MustCompile(`^@[0-9]{8}$`)
)

type rawName struct {
	PIDM         int64          `db:"spriden_pidm"`
	ID           sql.NullString `db:"spriden_id"`
	Last         sql.NullString `db:"spriden_last_name"`
	First        sql.NullString `db:"spriden_first_name"`
	MI           sql.NullString `db:"spriden_mi"`
	Activity     sql.NullTime   `db:"spriden_activity_date"`
	SearchLast   sql.NullString `db:"spriden_search_last_name"`
	SearchFirst  sql.NullString `db:"spriden_search_first_name"`
	SearchMI     sql.NullString `db:"spriden_search_mi"`
	SoundexLast  sql.NullString `db:"spriden_soundex_last_name"`
	SoundexFirst sql.NullString `db:"spriden_soundex_first_name"`
	NameType     sql.NullString `db:"spriden_ntyp_code"`
	Created      sql.NullTime   `db:"spriden_create_date"`
}

type normIDs struct {
	BannerID sql.NullString `db:"banner_id"`
	UIN      sql.NullString `db:"uin"`
	Activity sql.NullTime   `db:"spriden_activity_date"`
	Created  sql.NullTime   `db:"spriden_create_date"`
}

func nullDate(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return oria.Date(t.Time)
}

// Normalize folds spriden_raw into spriden_norm, one row per PIDM, and
// records every distinct name in spriden_alias. A PIDM keeps its newest
// activity date and its oldest create date. Running it again changes
// nothing.
func (s *Service) Normalize(ctx context.Context, limit int) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "spriden_normalize")
	tally := metrics.NewTally("spriden_normalize")

	for raw, err := range oria.ReadMany[rawName](ctx, s.conn,
		`SELECT spriden_pidm, spriden_id, spriden_last_name, spriden_first_name,
			spriden_mi, spriden_activity_date, spriden_search_last_name,
			spriden_search_first_name, spriden_search_mi,
			spriden_soundex_last_name, spriden_soundex_first_name,
			spriden_ntyp_code, spriden_create_date
		FROM spriden_raw ORDER BY id`) {
		if err != nil {
			return tally.Counts(), err
		}
		tally.Read()
		if err := s.conn.InTx(ctx, func(ctx context.Context) error {
			return s.normalizeOne(ctx, log, raw)
		}); err != nil {
			tally.Failed()
			return tally.Counts(), err
		}
		tally.Written()
		if limit > 0 && int(tally.Counts().Read) >= limit {
			break
		}
	}
	log.Info(tally.String())
	return tally.Counts(), nil
}

func (s *Service) normalizeOne(ctx context.Context, log *logrus.Entry, raw rawName) error {
	var norm normIDs
	found, err := s.conn.Read(ctx, &norm,
		`SELECT banner_id, uin, spriden_activity_date, spriden_create_date
		FROM spriden_norm WHERE spriden_pidm = ?`, raw.PIDM)
	if err != nil {
		return err
	}
	if !found {
		if _, err := s.conn.Write(ctx,
			`INSERT INTO spriden_norm (spriden_pidm, spriden_last_name,
				spriden_first_name, spriden_mi, spriden_activity_date,
				spriden_search_last_name, spriden_search_first_name,
				spriden_search_mi, spriden_soundex_last_name,
				spriden_soundex_first_name, spriden_create_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			raw.PIDM, raw.Last, raw.First, raw.MI, nullDate(raw.Activity),
			raw.SearchLast, raw.SearchFirst, raw.SearchMI,
			raw.SoundexLast, raw.SoundexFirst, nullDate(raw.Created)); err != nil {
			return err
		}
		norm.Activity, norm.Created = raw.Activity, raw.Created
	}

	set := ""
	var args []any
	add := func(clause string, v any) {
		if set != "" {
			set += ", "
		}
		set += clause
		args = append(args, v)
	}

	id := raw.ID.String
	switch {
	case uinRE.MatchString(id):
		if norm.UIN.Valid && norm.UIN.String != id {
			log.WithFields(logrus.Fields{"pidm": raw.PIDM, "uin": id, "existing": norm.UIN.String}).
				Warn("new UIN does not match existing")
		}
		if norm.UIN.String != id {
			add("uin = ?", id)
		}
	case bannerRE.MatchString(id):
		if norm.BannerID.String != id {
			add("banner_id = ?", id)
		}
	}
	if raw.Activity.Valid && (!norm.Activity.Valid || raw.Activity.Time.After(norm.Activity.Time)) {
		add("spriden_activity_date = ?", oria.Date(raw.Activity.Time))
	}
	if raw.Created.Valid && (!norm.Created.Valid || raw.Created.Time.Before(norm.Created.Time)) {
		add("spriden_create_date = ?", oria.Date(raw.Created.Time))
	}
	if set != "" {
		if _, err := s.conn.Write(ctx, "UPDATE spriden_norm SET "+set+" WHERE spriden_pidm = ?",
			append(args, raw.PIDM)...); err != nil {
			return err
		}
	}

	_, err = s.conn.Write(ctx,
		`INSERT INTO spriden_alias (spriden_pidm, spriden_last_name,
			spriden_first_name, spriden_mi, spriden_search_last_name,
			spriden_search_first_name, spriden_search_mi,
			spriden_soundex_last_name, spriden_soundex_first_name,
			spriden_ntyp_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		raw.PIDM, raw.Last, raw.First, raw.MI, raw.SearchLast, raw.SearchFirst,
		raw.SearchMI, raw.SoundexLast, raw.SoundexFirst, raw.NameType)
	return err
}
