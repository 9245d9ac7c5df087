// Package nsf loads National Science Foundation award XML, as downloaded
// from the NSF award search, into the nsf_* tables.
package nsf

import (
	"context"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
	"github.com/OVCR-ORIA/discovery/pkg/textnorm"
)

const nsfDate = "01/02/2006"

// Document is the root of an award file. The root element name varies, so
// it is not constrained.
type Document struct {
	Awards []Award `xml:"Award"`
}

type Award struct {
	AwardID         string         `xml:"AwardID"`
	Title           string         `xml:"AwardTitle"`
	EffectiveDate   string         `xml:"AwardEffectiveDate"`
	ExpirationDate  string         `xml:"AwardExpirationDate"`
	Amount          string         `xml:"AwardAmount"`
	Instruments     []string       `xml:"AwardInstrument>Value"`
	Organizations   []Organization `xml:"Organization"`
	ProgramOfficer  string         `xml:"ProgramOfficer>SignBlockName"`
	Abstract        string         `xml:"AbstractNarration"`
	MinAmdLetter    string         `xml:"MinAmdLetterDate"`
	MaxAmdLetter    string         `xml:"MaxAmdLetterDate"`
	ARRAAmount      string         `xml:"ARRAAmount"`
	Investigators   []Investigator `xml:"Investigator"`
	Institutions    []Institution  `xml:"Institution"`
	Opportunities   []CodeName     `xml:"FoaInformation"`
	ProgramElements []CodeText     `xml:"ProgramElement"`
	ProgramRefs     []CodeText     `xml:"ProgramReference"`
}

type Organization struct {
	Code        string `xml:"Code"`
	Directorate string `xml:"Directorate>LongName"`
	Division    string `xml:"Division>LongName"`
}

type Investigator struct {
	FirstName string `xml:"FirstName"`
	LastName  string `xml:"LastName"`
	Email     string `xml:"EmailAddress"`
	StartDate string `xml:"StartDate"`
	EndDate   string `xml:"EndDate"`
	Role      string `xml:"RoleCode"`
}

type Institution struct {
	Name      string `xml:"Name"`
	Street    string `xml:"StreetAddress"`
	City      string `xml:"CityName"`
	State     string `xml:"StateName"`
	StateCode string `xml:"StateCode"`
	ZIP       string `xml:"ZipCode"`
	Country   string `xml:"CountryName"`
	Phone     string `xml:"PhoneNumber"`
}

type CodeName struct {
	Code string `xml:"Code"`
	Name string `xml:"Name"`
}

type CodeText struct {
	Code string `xml:"Code"`
	Text string `xml:"Text"`
}

func charsetReader(label string, input io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil {
		return nil, errors.Wrapf(err, "charset %q", label)
	}
	if enc == nil {
		return nil, errors.Errorf("unsupported charset %q", label)
	}
	return enc.NewDecoder().Reader(input), nil
}

// Decode reads an award document in any IANA-registered encoding.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charsetReader
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(tabular.ErrInvalidInput, err.Error())
	}
	if len(doc.Awards) == 0 {
		return nil, errors.Wrap(tabular.ErrInvalidInput, "no Award element")
	}
	return &doc, nil
}

type Service struct {
	conn        *oria.Conn
	instruments *oria.KeyCache[string]
	orgs        *oria.KeyCache[string]
	roles       *oria.KeyCache[string]
	foas        *oria.KeyCache[string]
	programs    *oria.KeyCache[string]
	awards      *oria.KeyCache[string]
}

func NewService(conn *oria.Conn) *Service {
	s := &Service{conn: conn}
	s.resetCaches()
	return s
}

// resetCaches forgets every cached id; ids cached inside a rolled back
// transaction no longer exist.
func (s *Service) resetCaches() {
	s.instruments = oria.NewKeyCache[string]("nsf_award_instrument")
	s.orgs = oria.NewKeyCache[string]("nsf_internal_org")
	s.roles = oria.NewKeyCache[string]("nsf_investigator_role")
	s.foas = oria.NewKeyCache[string]("nsf_funding_opportunity")
	s.programs = oria.NewKeyCache[string]("nsf_program")
	s.awards = oria.NewKeyCache[string]("nsf_award")
}

// LoadFiles loads every file, each in its own transaction. A file that
// fails is logged and counted, and the rest are still loaded; the returned
// error joins every failure.
func (s *Service) LoadFiles(ctx context.Context, paths ...string) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "nsf")
	tally := metrics.NewTally("nsf")
	var errs []error
	for _, path := range paths {
		tally.Read()
		if err := s.loadFile(ctx, path); err != nil {
			log.WithError(err).WithField("file", path).Error("award not loaded")
			tally.Failed()
			s.resetCaches()
			errs = append(errs, errors.Wrap(err, filepath.Base(path)))
			continue
		}
		tally.Written()
	}
	log.Info(tally.String())
	return tally.Counts(), errors.Join(errs...)
}

// LoadDir loads every *.xml file in dir.
func (s *Service) LoadDir(ctx context.Context, dir string) (metrics.Counts, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.xml"))
	if err != nil {
		return metrics.Counts{}, errors.Wrap(err, "list awards")
	}
	return s.LoadFiles(ctx, paths...)
}

func (s *Service) loadFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open award")
	}
	defer f.Close()
	doc, err := Decode(f)
	if err != nil {
		return err
	}
	return s.conn.InTx(ctx, func(ctx context.Context) error {
		for _, a := range doc.Awards {
			if _, err := s.LoadAward(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
}

func str(s string) any { return oria.Null(strings.TrimSpace(s)) }

func date(log *logrus.Entry, field, s string) any {
	t, err := textnorm.ParseDate(s, nsfDate)
	if err != nil {
		log.WithError(err).WithField("field", field).Warn("unparseable date")
		return nil
	}
	return oria.Date(t)
}

func amount(s string) (decimal.Decimal, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, errors.Wrapf(tabular.ErrInvalidInput, "bad amount %q", s)
	}
	return d, true, nil
}

func firstOf[T any](log *logrus.Entry, what string, items []T) (T, bool) {
	var zero T
	switch len(items) {
	case 0:
		log.Warnf("award has no %s", what)
		return zero, false
	case 1:
	default:
		log.Warnf("award has more than one %s; using the first one", what)
	}
	return items[0], true
}

// LoadAward writes one award and everything it references, returning the
// award's row id. Reloading an award adds nothing, except for investigators
// without an e-mail address, who cannot be matched and are added again.
func (s *Service) LoadAward(ctx context.Context, a Award) (int64, error) {
	awardID := strings.TrimSpace(a.AwardID)
	if awardID == "" {
		return 0, errors.Wrap(tabular.ErrInvalidInput, "award has no AwardID")
	}
	log := logging.FromContext(ctx).WithField("award", awardID)

	var instrumentID, orgID any
	if name, ok := firstOf(log, "instrument", a.Instruments); ok && strings.TrimSpace(name) != "" {
		id, err := oria.GetOrSetID(ctx, s.conn, s.instruments, "nsf_award_instrument", "name",
			oria.Columns{"name": strings.TrimSpace(name)})
		if err != nil {
			return 0, err
		}
		instrumentID = id
	}
	if org, ok := firstOf(log, "NSF internal org", a.Organizations); ok && strings.TrimSpace(org.Code) != "" {
		id, err := oria.GetOrSetID(ctx, s.conn, s.orgs, "nsf_internal_org", "code", oria.Columns{
			"code":        strings.TrimSpace(org.Code),
			"directorate": str(org.Directorate),
			"division":    str(org.Division),
		})
		if err != nil {
			return 0, err
		}
		orgID = id
	}

	total, hasTotal, err := amount(a.Amount)
	if err != nil {
		return 0, err
	}
	var totalArg any
	if hasTotal {
		totalArg = total
	}
	arra, _, err := amount(a.ARRAAmount)
	if err != nil {
		return 0, err
	}

	id, err := oria.GetOrSetID(ctx, s.conn, s.awards, "nsf_award", "award_id", oria.Columns{
		"award_id":            awardID,
		"title":               str(a.Title),
		"date_effective":      date(log, "AwardEffectiveDate", a.EffectiveDate),
		"date_expires":        date(log, "AwardExpirationDate", a.ExpirationDate),
		"amount":              totalArg,
		"instrument":          instrumentID,
		"nsf_organization":    orgID,
		"program_officer":     str(a.ProgramOfficer),
		"abstract":            str(a.Abstract),
		"min_amd_letter_date": date(log, "MinAmdLetterDate", a.MinAmdLetter),
		"max_amd_letter_date": date(log, "MaxAmdLetterDate", a.MaxAmdLetter),
		"arra_amount":         arra,
	})
	if err != nil {
		return 0, err
	}

	for _, inv := range a.Investigators {
		if err := s.linkInvestigator(ctx, log, id, inv); err != nil {
			return 0, err
		}
	}
	for _, inst := range a.Institutions {
		if err := s.linkInstitution(ctx, log, id, inst); err != nil {
			return 0, err
		}
	}
	for _, foa := range a.Opportunities {
		code := strings.TrimSpace(foa.Code)
		if code == "" {
			continue
		}
		foaID, err := oria.GetOrSetID(ctx, s.conn, s.foas, "nsf_funding_opportunity", "code",
			oria.Columns{"code": code, "name": str(foa.Name)})
		if err != nil {
			return 0, err
		}
		if _, err := s.conn.Write(ctx,
			"INSERT INTO nsf_award_foa (award, foa) VALUES (?, ?) ON CONFLICT DO NOTHING", id, foaID); err != nil {
			return 0, err
		}
	}
	if err := s.linkPrograms(ctx, id, a.ProgramElements, true); err != nil {
		return 0, err
	}
	if err := s.linkPrograms(ctx, id, a.ProgramRefs, false); err != nil {
		return 0, err
	}
	log.Debug("award loaded")
	return id, nil
}

func (s *Service) linkPrograms(ctx context.Context, award int64, progs []CodeText, element bool) error {
	for _, p := range progs {
		code := strings.TrimSpace(p.Code)
		if code == "" {
			continue
		}
		progID, err := oria.GetOrSetID(ctx, s.conn, s.programs, "nsf_program", "code",
			oria.Columns{"code": code, "name": str(p.Text)})
		if err != nil {
			return err
		}
		if _, err := s.conn.Write(ctx,
			"INSERT INTO nsf_award_program (award, program, is_element) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
			award, progID, element); err != nil {
			return err
		}
	}
	return nil
}

type person struct {
	ID    int64   `db:"id"`
	First *string `db:"first_name"`
	Last  *string `db:"last_name"`
}

// linkInvestigator connects an investigator to the award. Investigators
// are the same person when e-mail address, first and last names agree.
func (s *Service) linkInvestigator(ctx context.Context, log *logrus.Entry, award int64, inv Investigator) error {
	first, last, email := strings.TrimSpace(inv.FirstName), strings.TrimSpace(inv.LastName), strings.TrimSpace(inv.Email)

	var roleID any
	if role := strings.TrimSpace(inv.Role); role != "" {
		id, err := oria.GetOrSetID(ctx, s.conn, s.roles, "nsf_investigator_role", "name", oria.Columns{"name": role})
		if err != nil {
			return err
		}
		roleID = id
	}

	var invID int64
	if email != "" && first != "" && last != "" {
		var cands []person
		if err := s.conn.Select(ctx, &cands,
			"SELECT id, first_name, last_name FROM nsf_investigator WHERE email = ? ORDER BY id", email); err != nil {
			return err
		}
		for _, c := range cands {
			if strings.TrimSpace(textnorm.Deref(c.First)) == first && strings.TrimSpace(textnorm.Deref(c.Last)) == last {
				invID = c.ID
				break
			}
		}
	}
	if invID == 0 {
		id, _, err := s.conn.InsertID(ctx,
			"INSERT INTO nsf_investigator (first_name, last_name, email) VALUES (?, ?, ?) RETURNING id",
			oria.Null(first), oria.Null(last), oria.Null(email))
		if err != nil {
			return err
		}
		invID = id
		log.WithFields(logrus.Fields{"investigator": invID, "last": last}).Debug("new investigator")
	}

	_, err := s.conn.Write(ctx,
		`INSERT INTO nsf_award_investigator (award, investigator, role, date_start, date_end)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		award, invID, roleID, date(log, "StartDate", inv.StartDate), date(log, "EndDate", inv.EndDate))
	return err
}

// linkInstitution connects an institution to the award. Institutions are
// the same when name and state code agree.
func (s *Service) linkInstitution(ctx context.Context, log *logrus.Entry, award int64, inst Institution) error {
	name, stateCode := strings.TrimSpace(inst.Name), strings.TrimSpace(inst.StateCode)
	if name == "" {
		log.Warn("institution without a name")
		return nil
	}

	var instID int64
	if stateCode != "" {
		if _, err := s.conn.Read(ctx, &instID,
			"SELECT id FROM nsf_external_org WHERE name = ? AND state_code = ? ORDER BY id LIMIT 1",
			name, stateCode); err != nil {
			return err
		}
	}
	if instID == 0 {
		id, _, err := s.conn.InsertID(ctx,
			`INSERT INTO nsf_external_org (name, street, city, state, state_code, zip, country, phone)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			name, str(inst.Street), str(inst.City), str(inst.State), oria.Null(stateCode),
			str(inst.ZIP), str(inst.Country), str(inst.Phone))
		if err != nil {
			return err
		}
		instID = id
	}
	_, err := s.conn.Write(ctx,
		"INSERT INTO nsf_award_institution (award, institution) VALUES (?, ?) ON CONFLICT DO NOTHING",
		award, instID)
	return err
}
