// Package colleges loads the Department of Education list of accredited
// colleges and looks for those colleges among the SPRIDEN entities.
package colleges

import (
	"context"
	"io"
	"strings"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
	"github.com/OVCR-ORIA/discovery/pkg/textnorm"
)

// AccreditedColumns is the width of a row of the accreditation download.
const AccreditedColumns = 25

type Service struct {
	conn      *oria.Conn
	countries *oria.KeyCache[string]
	postcodes *oria.KeyCache[string]
	ipeds     *oria.KeyCache[string]
	ope       *oria.KeyCache[string]
}

func NewService(conn *oria.Conn) *Service {
	return &Service{
		conn:      conn,
		countries: oria.NewKeyCache[string]("country"),
		postcodes: oria.NewKeyCache[string]("postcode"),
		ipeds:     oria.NewKeyCache[string]("college_university_ipeds"),
		ope:       oria.NewKeyCache[string]("college_university_ope"),
	}
}

// College is one accredited institution as downloaded.
type College struct {
	Name     string
	Address  string
	City     string
	State    string
	Postcode string
	Phone    string
	OPEID    string
	IPEDSID  string
	Website  string
}

func parseCollege(row []string) College {
	unquote := func(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, `"`, "")) }
	return College{
		Name:     strings.TrimSpace(row[1]),
		Address:  row[2],
		City:     row[3],
		State:    row[4],
		Postcode: unquote(row[5]),
		Phone:    row[6],
		OPEID:    unquote(row[7]),
		IPEDSID:  strings.TrimSpace(row[8]),
		Website:  row[9],
	}
}

// LoadAccredited loads the accreditation download. Institutions with
// neither an OPE nor an IPEDS id are skipped; they are mostly medical
// facilities and programs.
func (s *Service) LoadAccredited(ctx context.Context, rows tabular.Rows) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "accredited_colleges")
	tally := metrics.NewTally("accredited_colleges")

	us, found, err := oria.FetchID(ctx, s.conn, "country", "iso3166", "US", s.countries)
	if err != nil {
		return tally.Counts(), err
	}
	if !found {
		return tally.Counts(), errors.Wrap(oria.ErrLookup, "country US")
	}

	err = s.conn.InTx(ctx, func(ctx context.Context) error {
		for {
			row, err := rows.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(row) == 0 || row[0] == "Institution_ID" {
				continue
			}
			tally.Read()
			if len(row) != AccreditedColumns {
				tally.Failed()
				return tabular.Invalidf(rows.Line(), "has %d columns, want %d", len(row), AccreditedColumns)
			}
			c := parseCollege(row)
			if c.OPEID == "" && c.IPEDSID == "" {
				tally.Skipped()
				continue
			}
			if err := s.writeCollege(ctx, log.WithField("line", rows.Line()), us, c); err != nil {
				tally.Failed()
				return errors.Wrapf(err, "line %d", rows.Line())
			}
			tally.Written()
		}
	})
	log.Info(tally.String())
	return tally.Counts(), err
}

func (s *Service) writeCollege(ctx context.Context, log *logrus.Entry, country int64, c College) error {
	var postcodeRef any
	if zip, ok := textnorm.ZIP5(c.Postcode); ok {
		id, found, err := oria.FetchID(ctx, s.conn, "postcode", "postcode", zip, s.postcodes)
		if err != nil {
			return err
		}
		if found {
			postcodeRef = id
		} else {
			log.WithField("postcode", zip).Debug("postcode not on file")
		}
	}

	cols := oria.Columns{
		"name":           c.Name,
		"ope_id":         oria.Null(c.OPEID),
		"ipeds_id":       oria.Null(c.IPEDSID),
		"address":        oria.Null(strings.TrimSpace(c.Address)),
		"city":           oria.Null(strings.TrimSpace(c.City)),
		"state_province": oria.Null(strings.TrimSpace(c.State)),
		"country":        country,
		"postcode":       oria.Null(c.Postcode),
		"postcode_ref":   postcodeRef,
		"telephone":      oria.NullPtr(textnorm.Phone(c.Phone)),
		"website":        oria.NullPtr(textnorm.WebAddr(c.Website)),
	}

	// IPEDS ids are the more common key; the OPE id then maps to the same row.
	if c.IPEDSID == "" {
		cols["ope_id"] = c.OPEID
		_, err := oria.GetOrSetID(ctx, s.conn, s.ope, "college_university", "ope_id", cols)
		return err
	}
	cols["ipeds_id"] = c.IPEDSID
	id, err := oria.GetOrSetID(ctx, s.conn, s.ipeds, "college_university", "ipeds_id", cols)
	if err != nil {
		return err
	}
	if c.OPEID != "" {
		s.ope.Set(c.OPEID, id)
	}
	return nil
}
