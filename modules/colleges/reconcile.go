package colleges

import (
	"cmp"
	"context"
	_ "embed"
	"encoding/csv"
	"io"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"gopkg.in/yaml.v3"

	"github.com/OVCR-ORIA/discovery/pkg/logging"
	"github.com/OVCR-ORIA/discovery/pkg/metrics"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
	"github.com/OVCR-ORIA/discovery/pkg/textnorm"
)

// CollegeClassPIDM is the SPRIDEN entity every college and university is
// classified under.
const CollegeClassPIDM int64 = 316486

// FlagColumns are the college_university columns Reconcile can filter on.
var FlagColumns = []string{"aau_member", "big_ten", "land_grant", "carnegie_r1"}

// ErrUnknownFilter is returned for a filter that is not one of FlagColumns.
var ErrUnknownFilter = errors.New("unknown college filter")

// ReportHeader heads the reconciliation report.
var ReportHeader = []string{"college ID", "college name", "search string", "candidate PIDM", "candidate name"}

//go:embed wordlists.yaml
var wordlistsYAML []byte

type wordLists struct {
	Ignore       []string `yaml:"ignore"`
	Insufficient []string `yaml:"insufficient"`
}

var words = func() wordLists {
	var w wordLists
	if err := yaml.Unmarshal(wordlistsYAML, &w); err != nil {
		panic(errors.Wrap(err, "college word lists"))
	}
	return w
}()

var (
	initialRE  = regexp.MustCompile(`^[A-Z]\.?$`)
	nonAlphaRE = regexp.MustCompile(`^\W+$`)
)

// SearchRoot turns a college name into a LIKE pattern for its distinctive
// part, usually the first significant word. Ignored words become
// wildcards; insufficient words and initials pull in the following word.
func SearchRoot(name string) string {
	var b strings.Builder
	for _, w := range strings.Fields(name) {
		if slices.Contains(words.Ignore, w) || nonAlphaRE.MatchString(w) {
			if !strings.HasSuffix(b.String(), "%") {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteByte('%')
			}
			continue
		}
		if b.Len() > 0 && !strings.HasSuffix(b.String(), " ") {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		if slices.Contains(words.Insufficient, w) || initialRE.MatchString(w) {
			continue
		}
		break
	}
	if !strings.HasSuffix(b.String(), "%") {
		b.WriteString(" %")
	}
	return b.String()
}

type college struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

type candidate struct {
	PIDM int64   `db:"spriden_pidm"`
	Name *string `db:"spriden_last_name"`
	rank int
}

func collegeQuery(filters []string) (string, error) {
	stmt := "SELECT id, name FROM college_university"
	var conds []string
	for _, f := range filters {
		if !slices.Contains(FlagColumns, f) {
			return "", errors.Wrapf(ErrUnknownFilter, "%q (supported: %s)", f, strings.Join(FlagColumns, ", "))
		}
		conds = append(conds, f+" = TRUE")
	}
	if len(conds) > 0 {
		stmt += " WHERE " + strings.Join(conds, " AND ")
	}
	return stmt + " ORDER BY id", nil
}

// rankCandidates orders candidates by how closely their name matches the
// search words; names the words cannot be matched against sort last.
func rankCandidates(root string, cands []candidate) {
	term := strings.Join(strings.Fields(strings.ReplaceAll(root, "%", " ")), " ")
	for i := range cands {
		cands[i].rank = fuzzy.RankMatchNormalizedFold(term, strings.Join(strings.Fields(textnorm.Deref(cands[i].Name)), " "))
	}
	slices.SortStableFunc(cands, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(boolRank(a.rank < 0), boolRank(b.rank < 0)),
			cmp.Compare(a.rank, b.rank),
			cmp.Compare(a.PIDM, b.PIDM),
		)
	})
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Reconcile writes a tab-separated report pairing each college with the
// SPRIDEN college entities whose names match its search root. A college
// without candidates still gets a row with empty candidate columns.
// Filters restrict the colleges to those with every named flag set.
func (s *Service) Reconcile(ctx context.Context, out io.Writer, filters ...string) (metrics.Counts, error) {
	log := logging.FromContext(ctx).WithField("report", "college_reconcile")
	tally := metrics.NewTally("college_reconcile")

	stmt, err := collegeQuery(filters)
	if err != nil {
		return tally.Counts(), err
	}

	w := csv.NewWriter(out)
	w.Comma = '\t'
	if err := w.Write(ReportHeader); err != nil {
		return tally.Counts(), errors.Wrap(err, "write header")
	}

	for c, err := range oria.ReadMany[college](ctx, s.conn, stmt) {
		if err != nil {
			return tally.Counts(), err
		}
		tally.Read()
		root := SearchRoot(c.Name)
		var cands []candidate
		if err := s.conn.Select(ctx, &cands,
			`SELECT DISTINCT a.spriden_pidm, a.spriden_last_name
			FROM spriden_alias a
			JOIN entity_class ec ON ec.entity_pidm = a.spriden_pidm
			WHERE ec.class_pidm = ? AND UPPER(a.spriden_last_name) LIKE UPPER(?)
			ORDER BY a.spriden_pidm`, CollegeClassPIDM, root); err != nil {
			return tally.Counts(), err
		}
		id := strconv.FormatInt(c.ID, 10)
		if len(cands) == 0 {
			tally.Skipped()
			if err := w.Write([]string{id, c.Name, root, "", ""}); err != nil {
				return tally.Counts(), errors.Wrap(err, "write row")
			}
			continue
		}
		rankCandidates(root, cands)
		for _, cand := range cands {
			if err := w.Write([]string{id, c.Name, root, strconv.FormatInt(cand.PIDM, 10), textnorm.Deref(cand.Name)}); err != nil {
				return tally.Counts(), errors.Wrap(err, "write row")
			}
		}
		tally.Written()
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return tally.Counts(), errors.Wrap(err, "flush report")
	}
	log.Info(tally.String())
	return tally.Counts(), nil
}
