package foundation

import (
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
	"github.com/OVCR-ORIA/discovery/pkg/textnorm"
)

// GiftColumns is the width of a UIF gift detail row.
const GiftColumns = 22

// kindRE splits a gift kind like "Cash (C)" into description and code.
var kindRE = regexp.MustCompile(`^([A-Z].*) \(([0-9A-Z])\)$`)

type Gift struct {
	FactsID       string
	Donor         string
	FiscalYear    int
	Date          time.Time
	Amount        decimal.Decimal
	CampusCode    string
	CampusAbbr    string
	CollegeCode   string
	DeptCode      string
	CollegeBanner string
	DeptBanner    string
	Campus        string
	College       string
	Dept          string
	FundNumber    string
	FundName      string
	PurposeCode   string
	Purpose       string
	KindCategory  string
	KindCode      string
	Kind          string
	EffortCode    string
	Effort        string
}

func ParseGift(line int, row []string) (Gift, error) {
	if len(row) != GiftColumns {
		return Gift{}, tabular.Invalidf(line, "has %d columns, want %d", len(row), GiftColumns)
	}
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}
	g := Gift{
		FactsID: row[0], Donor: row[1],
		CampusCode: row[5], CampusAbbr: row[6], CollegeCode: row[7], DeptCode: row[8],
		CollegeBanner: row[9], DeptBanner: row[10], Campus: row[11], College: row[12], Dept: row[13],
		FundNumber: row[14], FundName: row[15], PurposeCode: row[16], Purpose: row[17],
		KindCategory: row[18], EffortCode: row[20], Effort: row[21],
	}
	if g.FactsID == "" {
		return g, tabular.Invalidf(line, "missing FACTS id")
	}

	fy, err := strconv.Atoi(row[2])
	if err != nil {
		if fy, err = textnorm.FiscalYear(row[2]); err != nil {
			return g, &tabular.RowError{Line: line, Err: err}
		}
	}
	g.FiscalYear = fy

	if g.Date, err = textnorm.ParseDate(row[3]); err != nil {
		return g, &tabular.RowError{Line: line, Err: err}
	}

	amount := strings.NewReplacer(",", "", "$", "").Replace(row[4])
	if amount != "" {
		if g.Amount, err = decimal.NewFromString(amount); err != nil {
			return g, tabular.Invalidf(line, "bad gift amount %q", row[4])
		}
	}

	m := kindRE.FindStringSubmatch(row[19])
	if m == nil {
		return g, tabular.Invalidf(line, "unable to parse gift kind code %q", row[19])
	}
	g.Kind, g.KindCode = m[1], m[2]
	return g, nil
}

type giftCaches struct {
	donors   *oria.KeyCache[string]
	campuses *oria.KeyCache[string]
	colleges *oria.KeyCache[string]
	depts    *oria.KeyCache[string]
	funds    *oria.KeyCache[string]
	purposes *oria.KeyCache[string]
	kindCats *oria.KeyCache[string]
	kinds    *oria.KeyCache[string]
	efforts  *oria.KeyCache[string]
}

func newGiftCaches() giftCaches {
	return giftCaches{
		donors:   oria.NewKeyCache[string]("uif_external_org"),
		campuses: oria.NewKeyCache[string]("uif_campus"),
		colleges: oria.NewKeyCache[string]("uif_college"),
		depts:    oria.NewKeyCache[string]("uif_department"),
		funds:    oria.NewKeyCache[string]("uif_fund"),
		purposes: oria.NewKeyCache[string]("uif_gift_purpose"),
		kindCats: oria.NewKeyCache[string]("uif_gift_kind_category"),
		kinds:    oria.NewKeyCache[string]("uif_gift_kind"),
		efforts:  oria.NewKeyCache[string]("uif_gift_effort"),
	}
}

// LoadGifts loads a UIF gift detail report in one transaction. Gifts have
// no natural key: two identical rows are two gifts, and loading a file
// twice records every gift twice.
func (s *Service) LoadGifts(ctx context.Context, rows tabular.Rows) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "uif_gifts")
	tally := metrics.NewTally("uif_gifts")

	err := s.conn.InTx(ctx, func(ctx context.Context) error {
		for {
			row, err := rows.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(row) == 0 || strings.TrimSpace(row[0]) == "factsid" {
				continue
			}
			tally.Read()
			g, err := ParseGift(rows.Line(), row)
			if err != nil {
				tally.Failed()
				return err
			}
			if err := s.writeGift(ctx, g); err != nil {
				tally.Failed()
				return errors.Wrapf(err, "line %d", rows.Line())
			}
			tally.Written()
		}
	})
	if err != nil {
		// nothing was kept
		s.gifts = newGiftCaches()
	}
	log.Info(tally.String())
	return tally.Counts(), err
}

func (s *Service) writeGift(ctx context.Context, g Gift) error {
	c := s.gifts
	donor, err := oria.GetOrSetID(ctx, s.conn, c.donors, "uif_external_org", "facts_id",
		oria.Columns{"facts_id": g.FactsID, "name": oria.Null(g.Donor)})
	if err != nil {
		return err
	}
	campus, err := oria.GetOrSetID(ctx, s.conn, c.campuses, "uif_campus", "campus_code", oria.Columns{
		"campus_code": g.CampusCode, "abbreviation": oria.Null(g.CampusAbbr), "description": oria.Null(g.Campus),
	})
	if err != nil {
		return err
	}
	college, err := oria.GetOrSetID(ctx, s.conn, c.colleges, "uif_college", "college_code", oria.Columns{
		"college_code": g.CollegeCode, "banner_code": oria.Null(g.CollegeBanner),
		"description": oria.Null(g.College), "campus": campus,
	})
	if err != nil {
		return err
	}
	dept, err := oria.GetOrSetID(ctx, s.conn, c.depts, "uif_department", "department_code", oria.Columns{
		"department_code": g.DeptCode, "banner_code": oria.Null(g.DeptBanner),
		"description": oria.Null(g.Dept), "college": college,
	})
	if err != nil {
		return err
	}
	fund, err := oria.GetOrSetID(ctx, s.conn, c.funds, "uif_fund", "fund_number", oria.Columns{
		"fund_number": g.FundNumber, "name": oria.Null(g.FundName), "department": dept,
	})
	if err != nil {
		return err
	}
	purpose, err := oria.GetOrSetID(ctx, s.conn, c.purposes, "uif_gift_purpose", "purpose_code",
		oria.Columns{"purpose_code": g.PurposeCode, "description": oria.Null(g.Purpose)})
	if err != nil {
		return err
	}
	kindCat, err := oria.GetOrSetID(ctx, s.conn, c.kindCats, "uif_gift_kind_category", "description",
		oria.Columns{"description": g.KindCategory})
	if err != nil {
		return err
	}
	kind, err := oria.GetOrSetID(ctx, s.conn, c.kinds, "uif_gift_kind", "kind_code", oria.Columns{
		"kind_code": g.KindCode, "description": g.Kind, "category": kindCat,
	})
	if err != nil {
		return err
	}
	effort, err := oria.GetOrSetID(ctx, s.conn, c.efforts, "uif_gift_effort", "effort_code",
		oria.Columns{"effort_code": g.EffortCode, "description": oria.Null(g.Effort)})
	if err != nil {
		return err
	}

	_, err = s.conn.Write(ctx,
		`INSERT INTO uif_gift (fiscal_year, gift_date, gift_amount, donor, fund, purpose, gift_kind, gift_effort)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.FiscalYear, oria.Date(g.Date), g.Amount, donor, fund, purpose, kind, effort)
	return err
}
