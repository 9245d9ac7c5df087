// Package nih loads NIH study section rosters and identifies the reviewers
// who are university people.
package nih

import (
	"context"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
	"github.com/OVCR-ORIA/discovery/pkg/textnorm"
)

// StudySectionColumns is the width of a study section roster row.
const StudySectionColumns = 11

const (
	nullMarker     = "-"
	unknownSection = "Unknown"
)

// departments that stand for no department at all
var noDepartment = []string{"NONE", "MISCELLANEOUS"}

type Service struct {
	conn     *oria.Conn
	sections *oria.KeyCache[string]
	depts    *oria.KeyCache[string]
}

func NewService(conn *oria.Conn) *Service {
	return &Service{
		conn:     conn,
		sections: oria.NewKeyCache[string]("nih_study_section"),
		depts:    oria.NewKeyCache[string]("nih_institution_department"),
	}
}

// Participation is one roster row: a reviewer serving on a study section.
type Participation struct {
	Last, First, Middle *string
	Title               *string
	Department          *string
	Section             string
	Role                *string
	Start, End          time.Time
	Months              *int
}

func (p Participation) name() [3]string {
	return [3]string{textnorm.Deref(p.Last), textnorm.Deref(p.First), textnorm.Deref(p.Middle)}
}

// ParseParticipation reads a roster row. Unparseable dates and service
// lengths are returned as problems and left empty.
func ParseParticipation(line int, row []string) (Participation, []string, error) {
	if len(row) != StudySectionColumns {
		return Participation{}, nil, tabular.Invalidf(line, "has %d columns, want %d", len(row), StudySectionColumns)
	}
	cell := func(i int) *string { return textnorm.Nullify(row[i], nullMarker) }
	p := Participation{
		Last: cell(0), First: cell(1), Middle: cell(2), Title: cell(3), Department: cell(4),
		Section: unknownSection, Role: cell(7),
	}
	if s := cell(6); s != nil {
		p.Section = *s
	}
	if d := p.Department; d != nil && slices.Contains(noDepartment, strings.ToUpper(*d)) {
		p.Department = nil
	}

	var problems []string
	var err error
	if s := cell(8); s != nil {
		if p.Start, err = textnorm.ParseDate(*s); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if s := cell(9); s != nil {
		if p.End, err = textnorm.ParseDate(*s); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if s := cell(10); s != nil {
		n, err := strconv.Atoi(*s)
		if err != nil {
			problems = append(problems, "unparseable service length "+strconv.Quote(*s))
		} else {
			p.Months = &n
		}
	}
	return p, problems, nil
}

// LoadStudySections loads a study section roster. Rows for the same
// reviewer are expected to be adjacent: a new reviewer is created whenever
// the name changes from the previous row.
func (s *Service) LoadStudySections(ctx context.Context, rows tabular.Rows) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("loader", "nih_study_sections")
	tally := metrics.NewTally("nih_study_sections")

	var (
		prev     [3]string
		reviewer int64
	)
	err := s.conn.InTx(ctx, func(ctx context.Context) error {
		for {
			row, err := rows.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(row) > 0 && strings.HasPrefix(row[0], "Person Name") {
				continue
			}
			tally.Read()
			p, problems, err := ParseParticipation(rows.Line(), row)
			if err != nil {
				tally.Failed()
				return err
			}
			rowLog := log.WithFields(logrus.Fields{"line": rows.Line(), "last_name": textnorm.Deref(p.Last)})
			for _, msg := range problems {
				rowLog.Warn(msg)
			}

			if reviewer == 0 || p.name() != prev {
				if reviewer, err = s.addReviewer(ctx, p); err != nil {
					tally.Failed()
					return errors.Wrapf(err, "line %d", rows.Line())
				}
				prev = p.name()
			}
			if err := s.addParticipation(ctx, reviewer, p); err != nil {
				tally.Failed()
				return errors.Wrapf(err, "line %d", rows.Line())
			}
			tally.Written()
		}
	})
	if err != nil {
		s.sections = oria.NewKeyCache[string]("nih_study_section")
		s.depts = oria.NewKeyCache[string]("nih_institution_department")
	}
	log.Info(tally.String())
	return tally.Counts(), err
}

func (s *Service) addReviewer(ctx context.Context, p Participation) (int64, error) {
	var dept any
	if p.Department != nil {
		id, err := oria.GetOrSetID(ctx, s.conn, s.depts, "nih_institution_department", "dept_name",
			oria.Columns{"dept_name": *p.Department})
		if err != nil {
			return 0, err
		}
		dept = id
	}
	id, _, err := s.conn.InsertID(ctx,
		`INSERT INTO nih_reviewer (last_name, first_name, middle_name, title, department)
		VALUES (?, ?, ?, ?, ?) RETURNING id`,
		oria.NullPtr(p.Last), oria.NullPtr(p.First), oria.NullPtr(p.Middle), oria.NullPtr(p.Title), dept)
	return id, err
}

func (s *Service) addParticipation(ctx context.Context, reviewer int64, p Participation) error {
	section, err := oria.GetOrSetID(ctx, s.conn, s.sections, "nih_study_section", "name",
		oria.Columns{"name": p.Section})
	if err != nil {
		return err
	}
	_, err = s.conn.Write(ctx,
		`INSERT INTO nih_study_section_participation
			(reviewer, study_section, role, start_date, end_date, service_months)
		VALUES (?, ?, ?, ?, ?, ?)`,
		reviewer, section, oria.NullPtr(p.Role), oria.Date(p.Start), oria.Date(p.End), oria.NullPtr(p.Months))
	return err
}
