package foundation_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OVCR-ORIA/discovery/modules/foundation"
	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/pkg/itf"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

func csvRows(lines ...string) tabular.Rows {
	return tabular.NewCSV(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

const orgFixtures = `INSERT INTO master_external_org (id, name, source) VALUES
	(1, 'Acme Corp', 4), (2, 'Beta LLC', 4), (3, 'Twin A', 4), (4, 'Twin B', 4),
	(5, 'Acme Foundation', 4), (6, 'Acme Sub', 4)`

const idFixtures = `INSERT INTO master_external_org_other_id (master_id, other_id, scheme, source) VALUES
	(1, 'F1', 4, 4), (1, '111', 1, 1), (1, '112', 1, 1), (1, '@00000111', 3, 1),
	(2, 'F2', 4, 4), (3, 'F3', 4, 4), (4, 'F3', 4, 4), (5, 'F5', 4, 4), (6, 'F6', 4, 4)`

const expiredFixture = `INSERT INTO master_external_org_other_id (master_id, other_id, scheme, source, valid_end)
	VALUES (2, '999', 1, 1, '2020-01-01 00:00:00')`

func newEnv(t *testing.T) *itf.TestEnvironment {
	return itf.NewTestContext().WithFixtures(orgFixtures, idFixtures, expiredFixture).Build(t)
}

var extract = []string{
	"Name,FactsID,Amount",
	"Acme,F1,10",
	"Beta,F2,20",
	"Nobody,F9,30",
	"Twins,F3,40",
}

func TestFindEntities(t *testing.T) {
	env := newEnv(t)

	var out bytes.Buffer
	counts, err := foundation.NewService(env.Conn).FindEntities(env.Ctx, csvRows(extract...), &out,
		foundation.FindOptions{Banner: true, PIDM: true})
	require.NoError(t, err)
	assert.EqualValues(t, 4, counts.Read)
	assert.Equal(t, strings.Join([]string{
		"Name,FactsID,Master ID,Banner ID,PIDM,Amount",
		`Acme,F1,1,@00000111,"111,112",10`,
		"Beta,F2,2,,,20",
		"Nobody,F9,,,,30",
		`Twins,F3,"3,4",,,40`,
	}, "\n")+"\n", out.String())
	assert.Contains(t, env.Warnings(), "FACTS id belongs to more than one organization")
}

func TestFindEntities_MultiRow(t *testing.T) {
	env := newEnv(t)

	var out bytes.Buffer
	_, err := foundation.NewService(env.Conn).FindEntities(env.Ctx, csvRows(extract...), &out,
		foundation.FindOptions{PIDM: true, MultiRow: true})
	require.NoError(t, err)
	assert.Equal(t, strings.Join([]string{
		"Name,FactsID,Master ID,PIDM,Amount",
		"Acme,F1,1,111,10",
		"Acme,F1,,112,10",
		"Beta,F2,2,,20",
		"Nobody,F9,,,30",
		"Twins,F3,3,,40",
		"Twins,F3,4,,40",
	}, "\n")+"\n", out.String())
}

func TestFindEntities_CustomHeader(t *testing.T) {
	env := newEnv(t)
	svc := foundation.NewService(env.Conn)

	var out bytes.Buffer
	_, err := svc.FindEntities(env.Ctx, csvRows("Donor,FACTS", "Acme,F1"), &out,
		foundation.FindOptions{FactsHeader: "FACTS", NoMaster: true, EDW: true})
	require.NoError(t, err)
	assert.Equal(t, "Donor,FACTS,EDW ID\nAcme,F1,\n", out.String())

	_, err = svc.FindEntities(env.Ctx, csvRows("Donor,Facts_ID", "Acme,F1"), &out, foundation.FindOptions{})
	require.ErrorIs(t, err, tabular.ErrInvalidInput)
}

func TestLoadMatches(t *testing.T) {
	env := newEnv(t)

	counts, err := foundation.NewService(env.Conn).LoadMatches(env.Ctx, csvRows(
		"M100,1,Acme Widgets,Acme Corp",
		"M200,2",
		"M300,99,Ghost,Ghost",
		"bad",
		"M400,x,Bad,Bad",
	), foundation.MatchOptions{Scheme: master.SchemeEDW, Source: master.SourceManual, Comment: "curated"})
	require.NoError(t, err)
	assert.EqualValues(t, 4, counts.Read)
	assert.EqualValues(t, 2, counts.Written)
	assert.EqualValues(t, 1, counts.Skipped)
	assert.EqualValues(t, 2, counts.Failed)

	require.Equal(t, 2, env.Count(t, "master_external_org_other_id",
		"other_id IN ('M100', 'M200') AND scheme = 2 AND source = 5 AND source_comment = 'curated'"))
	require.Equal(t, 1, env.Count(t, "master_external_org_alias", "external_org = 1 AND alias = 'Acme Widgets'"))
	require.Equal(t, 0, env.Count(t, "master_external_org_other_id", "other_id = 'M300'"))
	assert.Contains(t, env.Warnings(), "skipping invalid row")
	assert.Contains(t, env.Warnings(), "could not assert match")
}

func TestLoadMatches_Header(t *testing.T) {
	env := newEnv(t)
	svc := foundation.NewService(env.Conn)
	opts := foundation.MatchOptions{Scheme: master.SchemeEDW, Source: master.SourceManual}

	counts, err := svc.LoadMatches(env.Ctx, csvRows("other id,master id", "M500,1"), opts)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Written)

	opts.Header = foundation.HeaderYes
	counts, err = svc.LoadMatches(env.Ctx, csvRows("M600,1", "M700,1"), opts)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Written)
	require.Equal(t, 0, env.Count(t, "master_external_org_other_id", "other_id = 'M600'"))

	mode, err := foundation.ParseHeaderMode("No")
	require.NoError(t, err)
	assert.Equal(t, foundation.HeaderNo, mode)
	_, err = foundation.ParseHeaderMode("maybe")
	require.ErrorIs(t, err, foundation.ErrHeaderMode)
}

func TestLoadMatches_UnknownSchemeOrSource(t *testing.T) {
	env := newEnv(t)
	svc := foundation.NewService(env.Conn)

	_, err := svc.LoadMatches(env.Ctx, csvRows("M1,1"), foundation.MatchOptions{Scheme: "DUNS", Source: master.SourceManual})
	require.ErrorIs(t, err, master.ErrSchemeNonExistent)
	require.ErrorContains(t, err, "PIDM")

	_, err = svc.LoadMatches(env.Ctx, csvRows("M1,1"), foundation.MatchOptions{Scheme: master.SchemeEDW, Source: "gossip"})
	require.ErrorIs(t, err, master.ErrDataSourceNonExistent)
	require.ErrorContains(t, err, "banner")
}

var hierarchy = []string{
	"level0_id,level0_name,level0_description,level1_id,level1_name,level1_description,level2_id,level2_name,level2_description",
	"F1,Acme Corp,Parent,F6,Acme Sub,Subsidiary,F5,Acme Foundation,Foundation",
	"F1,Acme Corp,Parent,F7,Acme Branch,Branch Office,,,",
	"F1,Acme Corp,Parent,F2,Beta LLC,Defunct Company,,,",
	"F1,Acme Corp,Parent,F8,Matching,Match Gft Prog,F6,Acme Sub,Subsidiary",
	"F9,Unknown Co,Parent,F6,Acme Sub,Subsidiary,,,",
}

func TestLoadRelationships(t *testing.T) {
	env := newEnv(t)

	counts, err := foundation.NewService(env.Conn).LoadRelationships(env.Ctx, csvRows(hierarchy...),
		foundation.RelationshipOptions{Scheme: master.SchemeFACTS, Source: master.SourceFACTS})
	require.NoError(t, err)
	assert.EqualValues(t, 5, counts.Read)
	assert.EqualValues(t, 5, counts.Written)

	require.Equal(t, 2, env.Count(t, "master_rel_external_external", "valid_end IS NULL"))
	require.Equal(t, 1, env.Count(t, "master_rel_external_external", "ext1 = 6 AND ext2 = 1 AND rel = 1"))
	require.Equal(t, 1, env.Count(t, "master_rel_external_external", "ext1 = 5 AND ext2 = 6 AND rel = 2"))

	require.Equal(t, 1, env.Count(t, "master_external_org_other_id", "master_id = 1 AND other_id = 'F7' AND scheme = 4"))
	require.Equal(t, 1, env.Count(t, "master_external_org_alias", "external_org = 1 AND alias = 'Acme Branch'"))

	require.Equal(t, 1, env.Count(t, "master_external_org", "id = 2 AND valid_end IS NULL"))
	assert.Contains(t, env.Warnings(), "external orgs need merging")
	assert.Contains(t, env.Warnings(), "no record for organization")
}

func TestLoadRelationships_Merge(t *testing.T) {
	env := newEnv(t)

	_, err := foundation.NewService(env.Conn).LoadRelationships(env.Ctx, csvRows(hierarchy[0], hierarchy[3]),
		foundation.RelationshipOptions{Scheme: master.SchemeFACTS, Source: master.SourceFACTS, Merge: true})
	require.NoError(t, err)

	require.Equal(t, 0, env.Count(t, "master_external_org", "id = 2 AND valid_end IS NULL"))
	require.Equal(t, 1, env.Count(t, "master_external_org_other_id", "master_id = 1 AND other_id = 'F2' AND valid_end IS NULL"))
	require.Equal(t, 0, env.Count(t, "master_external_org_other_id", "master_id = 2 AND valid_end IS NULL"))
}

const giftHeader = "factsid,donor,fy,date,gift_amt,campus_code,campus_abbr,college_code,dept_code," +
	"college_banner,dept_banner,campus,college,dept,fund_num,fund_name,purp_code,purp_desc,kind_cat,kind_desc," +
	"effort_code,effort_desc"

func giftLine(fy, amount, collegeCode, collegeBanner, kind string) string {
	return strings.Join([]string{
		"F1", "Acme Corp", fy, "07/15/2013", amount, "100", "UIUC", collegeCode, "123", collegeBanner, "1234",
		"Urbana-Champaign", "Engineering", "Computer Science", "FUND1", "CS Excellence Fund",
		"P1", "Unrestricted", "Cash", kind, "E1", "Annual Giving",
	}, ",")
}

func TestLoadGifts(t *testing.T) {
	env := itf.NewTestContext().Build(t)
	svc := foundation.NewService(env.Conn)
	file := func() tabular.Rows {
		return csvRows(giftHeader,
			giftLine("2014", `"1,000.00"`, "KP", "KP", "Cash (C)"),
			giftLine("FY15", "$250.50", "KV", "", "Securities (S)"))
	}

	counts, err := svc.LoadGifts(env.Ctx, file())
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts.Read)
	assert.EqualValues(t, 2, counts.Written)

	require.Equal(t, 2, env.Count(t, "uif_gift", ""))
	require.Equal(t, 1, env.Count(t, "uif_external_org", "facts_id = 'F1' AND name = 'Acme Corp'"))
	require.Equal(t, 1, env.Count(t, "uif_gift_kind", "kind_code = 'S' AND description = 'Securities'"))
	require.Equal(t, 1, env.Count(t, "uif_gift_kind_category", ""))
	require.Equal(t, 1, env.Count(t, "uif_college", "college_code = 'KV' AND banner_code IS NULL"))
	require.Equal(t, 1, env.Count(t, "uif_gift", "fiscal_year = 2014 AND gift_date = '2013-07-15'"))

	var amount decimal.Decimal
	_, err = env.Conn.Read(env.Ctx, &amount, "SELECT gift_amount FROM uif_gift WHERE fiscal_year = 2015")
	require.NoError(t, err)
	assert.Equal(t, "250.5", amount.String())

	// gifts have no natural key
	_, err = svc.LoadGifts(env.Ctx, file())
	require.NoError(t, err)
	require.Equal(t, 4, env.Count(t, "uif_gift", ""))
	require.Equal(t, 1, env.Count(t, "uif_fund", ""))
}

func TestLoadGifts_BadKindRollsBack(t *testing.T) {
	env := itf.NewTestContext().Build(t)

	_, err := foundation.NewService(env.Conn).LoadGifts(env.Ctx, csvRows(
		giftLine("2014", "10", "KP", "KP", "Cash (C)"),
		giftLine("2014", "10", "KP", "KP", "Cash"),
	))
	require.ErrorIs(t, err, tabular.ErrInvalidInput)
	require.ErrorContains(t, err, "unable to parse gift kind code")
	require.Equal(t, 0, env.Count(t, "uif_gift", ""))
	require.Equal(t, 0, env.Count(t, "uif_external_org", ""))
}
