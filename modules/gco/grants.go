// Package gco loads the Office of Grants and Contracts detail reports and
// reports on the SPRIDEN entity classification hierarchy.
package gco

import (
	"context"
	"io"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
	"github.com/OVCR-ORIA/discovery/pkg/textnorm"
)

// GrantColumns is the width of a GCO detail report row.
const GrantColumns = 32

// Sponsor category values that mark commercial sponsors.
const (
	domesticAssociation = "Corporate Associations"
	domesticCommercial  = "Commercial"
	domesticFoundation  = "Corporate Foundations"
	foreignCommercial   = "Commercial (Foreign)"
)

// GrantRow is one line of the detail report.
type GrantRow struct {
	FiscalYear   string
	GrantNumber  string `validate:"required"`
	Title        string
	Start        string
	End          string
	TypeCode     string `validate:"required"`
	TypeName     string
	CategoryCode string `validate:"required"`
	CategoryName string
	PICode       string `validate:"required"`
	PILast       string
	PIFirst      string
	LongTitle    string
	OrgCode      string `validate:"required"`
	OrgName      string
	Budget       decimal.Decimal
	Expenditures decimal.Decimal
	Overhead     decimal.Decimal
	Sponsor      Sponsor
	Passthrough  Sponsor
	USCommercial bool
	FornCommerce bool
}

// Sponsor is an external organization as the report categorizes it.
type Sponsor struct {
	Code     string
	Name     string
	Category string
	Level1   string
	Level2   string
	Level3   string
}

func (s Sponsor) usCommercial(flag bool) bool {
	return flag && (s.Level2 == domesticCommercial || s.Level2 == domesticFoundation || s.Level3 == domesticAssociation)
}

func (s Sponsor) foreignCommercial(flag bool) bool {
	return flag && s.Level2 == foreignCommercial
}

func parseAmount(line int, name, s string) (decimal.Decimal, error) {
	s = strings.NewReplacer(",", "", "$", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return decimal.Zero, nil
	}
	// accounting negatives: (123.45)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + strings.Trim(s, "()")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, tabular.Invalidf(line, "%s: bad amount %q", name, s)
	}
	return d, nil
}

// ParseGrantRow maps a report row onto a GrantRow.
func ParseGrantRow(line int, row []string) (GrantRow, error) {
	if len(row) != GrantColumns {
		return GrantRow{}, tabular.Invalidf(line, "has %d columns, want %d", len(row), GrantColumns)
	}
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}
	g := GrantRow{
		FiscalYear: row[0], GrantNumber: row[1], Title: row[2], Start: row[3], End: row[4],
		TypeCode: row[5], TypeName: row[6], CategoryCode: row[7], CategoryName: row[8],
		PICode: row[9], PILast: row[10], PIFirst: row[11], LongTitle: row[12],
		OrgCode: row[13], OrgName: row[14],
		Sponsor:      Sponsor{Code: row[18], Name: row[19], Category: row[22], Level1: row[23], Level2: row[24], Level3: row[25]},
		Passthrough:  Sponsor{Code: row[20], Name: row[21], Category: row[26], Level1: row[27], Level2: row[28], Level3: row[29]},
		USCommercial: row[30] == "Y",
		FornCommerce: row[31] == "Y",
	}
	var err error
	if g.Budget, err = parseAmount(line, "budget", row[15]); err != nil {
		return g, err
	}
	if g.Expenditures, err = parseAmount(line, "expenditures", row[16]); err != nil {
		return g, err
	}
	if g.Overhead, err = parseAmount(line, "overhead", row[17]); err != nil {
		return g, err
	}
	if err := validate.Struct(g); err != nil {
		return g, &tabular.RowError{Line: line, Err: err}
	}
	return g, nil
}

type grantCaches struct {
	types        *oria.KeyCache[string]
	categories   *oria.KeyCache[string]
	internalOrgs *oria.KeyCache[string]
	externalOrgs *oria.KeyCache[string]
	investigator *oria.KeyCache[string]
	grants       *oria.KeyCache[string]
}

type Service struct {
	conn   *oria.Conn
	caches grantCaches
}

func NewService(conn *oria.Conn) *Service {
	return &Service{
		conn: conn,
		caches: grantCaches{
			types:        oria.NewKeyCache[string]("gco_grant_type"),
			categories:   oria.NewKeyCache[string]("gco_grant_category"),
			internalOrgs: oria.NewKeyCache[string]("gco_internal_org"),
			externalOrgs: oria.NewKeyCache[string]("gco_external_org"),
			investigator: oria.NewKeyCache[string]("gco_investigator"),
			grants:       oria.NewKeyCache[string]("gco_grant"),
		},
	}
}

// LoadGrants loads a detail report. Header rows, recognizable by an empty
// or GRANT second column, are skipped.
func (s *Service) LoadGrants(ctx context.Context, rows tabular.Rows) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "gco_grants")
	tally := metrics.NewTally("gco_grants")

	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return tally.Counts(), err
		}
		if len(row) < 2 || strings.TrimSpace(row[1]) == "" || strings.TrimSpace(row[1]) == "GRANT" {
			continue
		}
		tally.Read()
		g, err := ParseGrantRow(rows.Line(), row)
		if err != nil {
			tally.Failed()
			return tally.Counts(), err
		}
		if err := s.conn.InTx(ctx, func(ctx context.Context) error {
			return s.writeGrant(ctx, log.WithField("line", rows.Line()), g)
		}); err != nil {
			tally.Failed()
			return tally.Counts(), errors.Wrapf(err, "line %d", rows.Line())
		}
		tally.Written()
	}
	log.Info(tally.String())
	return tally.Counts(), nil
}

func (s *Service) sponsorID(ctx context.Context, sp Sponsor, usFlag, foreignFlag bool) (int64, error) {
	return oria.GetOrSetID(ctx, s.conn, s.caches.externalOrgs, "gco_external_org", "banner_id", oria.Columns{
		"banner_id":          sp.Code,
		"name":               oria.Null(sp.Name),
		"category_name":      oria.Null(sp.Category),
		"l1_category_name":   oria.Null(sp.Level1),
		"l2_category_name":   oria.Null(sp.Level2),
		"l3_category_name":   oria.Null(sp.Level3),
		"us_commercial":      sp.usCommercial(usFlag),
		"foreign_commercial": sp.foreignCommercial(foreignFlag),
	})
}

func (s *Service) writeGrant(ctx context.Context, log *logrus.Entry, g GrantRow) error {
	typeID, err := oria.GetOrSetID(ctx, s.conn, s.caches.types, "gco_grant_type", "type_code",
		oria.Columns{"type_code": g.TypeCode, "description": oria.Null(g.TypeName)})
	if err != nil {
		return err
	}
	categoryID, err := oria.GetOrSetID(ctx, s.conn, s.caches.categories, "gco_grant_category", "category_code",
		oria.Columns{"category_code": g.CategoryCode, "description": oria.Null(g.CategoryName)})
	if err != nil {
		return err
	}
	orgID, err := oria.GetOrSetID(ctx, s.conn, s.caches.internalOrgs, "gco_internal_org", "org_code",
		oria.Columns{"org_code": g.OrgCode, "description": oria.Null(g.OrgName)})
	if err != nil {
		return err
	}
	sponsorID, err := s.sponsorID(ctx, g.Sponsor, g.USCommercial, g.FornCommerce)
	if err != nil {
		return err
	}
	var passthroughID any
	if g.Passthrough.Category != "" {
		id, err := s.sponsorID(ctx, g.Passthrough, g.USCommercial, g.FornCommerce)
		if err != nil {
			return err
		}
		passthroughID = id
	}
	piID, err := oria.GetOrSetID(ctx, s.conn, s.caches.investigator, "gco_investigator", "uin",
		oria.Columns{"uin": g.PICode, "last_name": oria.Null(g.PILast), "first_name": oria.Null(g.PIFirst)})
	if err != nil {
		return err
	}

	start, err := textnorm.ParseDate(g.Start)
	if err != nil {
		log.WithError(err).Warn("unparseable start date")
	}
	end, err := textnorm.ParseDate(g.End)
	if err != nil {
		log.WithError(err).Warn("unparseable end date")
	}
	grantID, err := oria.GetOrSetID(ctx, s.conn, s.caches.grants, "gco_grant", "banner_id", oria.Columns{
		"banner_id":           g.GrantNumber,
		"title":               oria.Null(g.Title),
		"long_title":          oria.Null(g.LongTitle),
		"start_date":          oria.Date(start),
		"end_date":            oria.Date(end),
		"grant_type":          typeID,
		"grant_category":      categoryID,
		"investigator":        piID,
		"responsible_org":     orgID,
		"sponsor":             sponsorID,
		"passthrough_sponsor": passthroughID,
	})
	if err != nil {
		return err
	}

	fy, err := textnorm.FiscalYear(g.FiscalYear)
	if err != nil {
		return errors.Wrap(err, g.FiscalYear)
	}
	return s.writeGrantYear(ctx, log, grantID, fy, g)
}

type grantYear struct {
	Budget       decimal.NullDecimal `db:"budget"`
	Expenditures decimal.NullDecimal `db:"expenditures"`
	Overhead     decimal.NullDecimal `db:"overhead"`
}

func sameAmount(old decimal.NullDecimal, amount decimal.Decimal) bool {
	return old.Valid && old.Decimal.Equal(amount)
}

// writeGrantYear records year-to-date figures. An existing year is
// rewritten only when a figure changed.
func (s *Service) writeGrantYear(ctx context.Context, log *logrus.Entry, grantID int64, fy int, g GrantRow) error {
	var old grantYear
	found, err := s.conn.Read(ctx, &old,
		"SELECT budget, expenditures, overhead FROM gco_grant_year WHERE grant_id = ? AND fiscal_year = ?",
		grantID, fy)
	if err != nil {
		return err
	}
	if !found {
		_, err := s.conn.Write(ctx,
			`INSERT INTO gco_grant_year (grant_id, fiscal_year, budget, expenditures, overhead)
			VALUES (?, ?, ?, ?, ?)`,
			grantID, fy, g.Budget, g.Expenditures, g.Overhead)
		return err
	}
	if sameAmount(old.Budget, g.Budget) && sameAmount(old.Expenditures, g.Expenditures) && sameAmount(old.Overhead, g.Overhead) {
		return nil
	}
	log.WithFields(logrus.Fields{"grant": g.GrantNumber, "fiscal_year": fy}).Debug("grant year figures changed")
	_, err = s.conn.Write(ctx,
		`UPDATE gco_grant_year SET budget = ?, expenditures = ?, overhead = ?
		WHERE grant_id = ? AND fiscal_year = ?`,
		g.Budget, g.Expenditures, g.Overhead, grantID, fy)
	return err
}
