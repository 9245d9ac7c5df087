package master_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/pkg/itf"
)

const banner, manual = int64(1), int64(5)

func newService(t *testing.T) (*itf.TestEnvironment, *master.Service) {
	t.Helper()
	env := itf.NewTestContext().Build(t)
	return env, master.NewService(env.Conn)
}

func TestAddExternalOrg(t *testing.T) {
	env, svc := newService(t)

	id, err := svc.AddExternalOrg(env.Ctx, "Acme Widgets", banner, "vendor file", master.Kinds{Biz: true})
	require.NoError(t, err)

	org, found, err := svc.ExternalOrg(env.Ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Acme Widgets", org.Name)
	assert.True(t, org.Business)
	assert.False(t, org.Educational)
	assert.True(t, org.Active())
	assert.Equal(t, "vendor file", org.SourceComment.String)
}

func TestAddExternalOrg_UnknownSource(t *testing.T) {
	env, svc := newService(t)

	_, err := svc.AddExternalOrg(env.Ctx, "Acme Widgets", 999, "", master.Kinds{})
	require.ErrorIs(t, err, master.ErrNonExistentEntity)
}

func TestAddAlias_IgnoresDuplicatesAndReassertsExpired(t *testing.T) {
	env, svc := newService(t)
	org, err := svc.AddExternalOrg(env.Ctx, "University of Illinois", banner, "", master.Kinds{Edu: true})
	require.NoError(t, err)

	require.NoError(t, svc.AddAlias(env.Ctx, org, "UIUC", banner, "", ""))
	require.NoError(t, svc.AddAlias(env.Ctx, org, "UIUC", manual, "en", "again"))
	require.Equal(t, 1, env.Count(t, "master_external_org_alias", "external_org = ?", org))

	require.NoError(t, svc.DelAlias(env.Ctx, org, "UIUC", manual, "", "retired"))
	require.Equal(t, 0, env.Count(t, "master_external_org_alias", "external_org = ? AND valid_end IS NULL", org))
	require.Equal(t, 1, env.Count(t, "master_external_org_alias", "source_comment = ?", "retired"))

	require.NoError(t, svc.AddAlias(env.Ctx, org, "UIUC", manual, "", ""))
	require.Equal(t, 2, env.Count(t, "master_external_org_alias", "external_org = ?", org))

	aliases, err := svc.Aliases(env.Ctx, org)
	require.NoError(t, err)
	require.Equal(t, []string{"UIUC"}, aliases)
}

func TestAddAlias_MissingOrg(t *testing.T) {
	env, svc := newService(t)

	err := svc.AddAlias(env.Ctx, 4242, "Ghost", banner, "", "")
	require.ErrorIs(t, err, master.ErrNonExistentEntity)

	var entityErr *master.EntityError
	require.ErrorAs(t, err, &entityErr)
	require.Equal(t, "add alias", entityErr.Op)
}

func TestOtherIDs(t *testing.T) {
	env, svc := newService(t)
	ctx := env.Ctx
	org, err := svc.AddExternalOrg(ctx, "Acme", banner, "", master.Kinds{Biz: true})
	require.NoError(t, err)

	pidm, err := svc.SchemeID(ctx, master.SchemePIDM)
	require.NoError(t, err)
	edw, err := svc.SchemeID(ctx, master.SchemeEDW)
	require.NoError(t, err)

	require.NoError(t, svc.AddOtherID(ctx, org, "1234567", pidm, banner, ""))
	require.NoError(t, svc.AddOtherID(ctx, org, "E-99", edw, banner, ""))

	got, found, err := svc.MasterIDForOtherID(ctx, "1234567", pidm)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, org, got)

	_, found, err = svc.MasterIDForOtherID(ctx, "1234567", edw)
	require.NoError(t, err)
	require.False(t, found)

	ids, err := svc.OtherIDs(ctx, org, master.AnyID)
	require.NoError(t, err)
	require.Equal(t, []string{"1234567", "E-99"}, ids)

	require.NoError(t, svc.DelOtherID(ctx, org, master.Wildcard, pidm, manual, ""))
	_, found, err = svc.MasterIDForOtherID(ctx, "1234567", pidm)
	require.NoError(t, err)
	require.False(t, found, "expired ids are not resolved")

	ids, err = svc.OtherIDs(ctx, org, master.AnyID)
	require.NoError(t, err)
	require.Equal(t, []string{"E-99"}, ids)
}

func TestRelationships(t *testing.T) {
	env, svc := newService(t)
	ctx := env.Ctx
	parent, err := svc.AddExternalOrg(ctx, "Parent Co", banner, "", master.Kinds{Biz: true})
	require.NoError(t, err)
	child, err := svc.AddExternalOrg(ctx, "Child Co", banner, "", master.Kinds{Biz: true})
	require.NoError(t, err)
	sub, err := svc.RelationshipTypeID(ctx, master.RelSubsidiary)
	require.NoError(t, err)

	require.Error(t, svc.AddRelationship(ctx, parent, parent, sub, banner, ""))

	require.NoError(t, svc.AddRelationship(ctx, child, parent, sub, banner, ""))
	require.NoError(t, svc.AddRelationship(ctx, child, parent, sub, banner, ""))
	require.Equal(t, 1, env.Count(t, "master_rel_external_external", "valid_end IS NULL"))

	require.ErrorIs(t, svc.AddRelationship(ctx, child, parent, 99, banner, ""), master.ErrNonExistentEntity)

	// AnyID on the far end matches either direction
	require.NoError(t, svc.DelRelationship(ctx, parent, master.AnyID, master.AnyID, manual, ""))
	require.Equal(t, 0, env.Count(t, "master_rel_external_external", "valid_end IS NULL"))
}

func TestPostcodes(t *testing.T) {
	env, svc := newService(t)
	ctx := env.Ctx
	env.Exec(t, `INSERT INTO postcode (postcode, div_1)
		SELECT '61801', id FROM country_div_1 WHERE code = 'IL'`)
	var pc int64
	_, err := env.Conn.Read(ctx, &pc, "SELECT id FROM postcode WHERE postcode = '61801'")
	require.NoError(t, err)

	org, err := svc.AddExternalOrg(ctx, "Acme", banner, "", master.Kinds{})
	require.NoError(t, err)
	require.NoError(t, svc.AddPostcode(ctx, org, pc, banner, ""))
	require.ErrorIs(t, svc.AddPostcode(ctx, org, pc+100, banner, ""), master.ErrNonExistentEntity)

	require.NoError(t, svc.DelPostcode(ctx, org, master.AnyID, manual, ""))
	require.Equal(t, 0, env.Count(t, "master_external_org_postcode", "valid_end IS NULL"))
}

func TestDelExternalOrg_Cascades(t *testing.T) {
	env, svc := newService(t)
	ctx := env.Ctx
	a, err := svc.AddExternalOrg(ctx, "A", banner, "", master.Kinds{})
	require.NoError(t, err)
	b, err := svc.AddExternalOrg(ctx, "B", banner, "", master.Kinds{})
	require.NoError(t, err)
	require.NoError(t, svc.AddAlias(ctx, a, "Alpha", banner, "", ""))
	require.NoError(t, svc.AddOtherID(ctx, a, "1", 1, banner, ""))
	require.NoError(t, svc.AddRelationship(ctx, b, a, 1, banner, ""))

	require.NoError(t, svc.DelExternalOrg(ctx, a, manual, "duplicate"))

	org, found, err := svc.ExternalOrg(ctx, a)
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, org.Active())
	require.Equal(t, manual, org.Source)

	for _, table := range []string{"master_external_org_alias", "master_external_org_other_id", "master_rel_external_external"} {
		require.Equal(t, 0, env.Count(t, table, "valid_end IS NULL"), table)
	}

	// deleting again, or deleting a missing org, does nothing
	require.NoError(t, svc.DelExternalOrg(ctx, a, manual, ""))
	require.NoError(t, svc.DelExternalOrg(ctx, 4242, manual, ""))

	ids, err := svc.FindByName(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, []int64{b}, ids)
}

func TestMergeExternalOrg(t *testing.T) {
	env, svc := newService(t)
	ctx := env.Ctx
	keep, err := svc.AddExternalOrg(ctx, "Foundation Inc", banner, "", master.Kinds{Org: true})
	require.NoError(t, err)
	lose, err := svc.AddExternalOrg(ctx, "Foundation Incorporated", banner, "", master.Kinds{Org: true})
	require.NoError(t, err)
	other, err := svc.AddExternalOrg(ctx, "University", banner, "", master.Kinds{Edu: true})
	require.NoError(t, err)
	foundation, err := svc.RelationshipTypeID(ctx, master.RelFoundation)
	require.NoError(t, err)

	require.NoError(t, svc.AddAlias(ctx, lose, "The Foundation", banner, "", "from banner"))
	require.NoError(t, svc.AddOtherID(ctx, lose, "777", 1, banner, ""))
	require.NoError(t, svc.AddRelationship(ctx, lose, other, foundation, banner, ""))
	require.NoError(t, svc.AddRelationship(ctx, lose, keep, foundation, banner, ""))

	require.NoError(t, svc.MergeExternalOrg(ctx, keep, lose, manual, "merged"))

	aliases, err := svc.Aliases(ctx, keep)
	require.NoError(t, err)
	require.Equal(t, []string{"The Foundation"}, aliases)
	require.Equal(t, 1, env.Count(t, "master_external_org_alias",
		"external_org = ? AND source_comment = ? AND valid_end IS NULL", keep, "from banner"))

	got, found, err := svc.MasterIDForOtherID(ctx, "777", 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keep, got)

	require.Equal(t, 1, env.Count(t, "master_rel_external_external",
		"ext1 = ? AND ext2 = ? AND valid_end IS NULL", keep, other))
	require.Equal(t, 1, env.Count(t, "master_rel_external_external", "valid_end IS NULL"))

	loser, _, err := svc.ExternalOrg(ctx, lose)
	require.NoError(t, err)
	require.False(t, loser.Active())

	require.ErrorIs(t, svc.MergeExternalOrg(ctx, keep, lose, manual, ""), master.ErrNonExistentEntity)
	require.Error(t, svc.MergeExternalOrg(ctx, keep, keep, manual, ""))
}

func TestRenameExternalOrg(t *testing.T) {
	env, svc := newService(t)
	ctx := env.Ctx
	org, err := svc.AddExternalOrg(ctx, "Old Name LLC", banner, "", master.Kinds{Biz: true})
	require.NoError(t, err)

	require.NoError(t, svc.RenameExternalOrg(ctx, org, "New Name LLC", manual, "rebrand", true, "en"))

	got, _, err := svc.ExternalOrg(ctx, org)
	require.NoError(t, err)
	require.Equal(t, "New Name LLC", got.Name)

	ids, err := svc.FindByName(ctx, "Old Name LLC")
	require.NoError(t, err)
	require.Equal(t, []int64{org}, ids)

	require.ErrorIs(t, svc.RenameExternalOrg(ctx, 4242, "x", manual, "", false, ""), master.ErrNonExistentEntity)
}

func TestFindByName_IgnoresCase(t *testing.T) {
	env, svc := newService(t)
	ctx := env.Ctx
	acme, err := svc.AddExternalOrg(ctx, "ACME Inc", banner, "", master.Kinds{Biz: true})
	require.NoError(t, err)
	widgets, err := svc.AddExternalOrg(ctx, "Widget Works", banner, "", master.Kinds{Biz: true})
	require.NoError(t, err)
	require.NoError(t, svc.AddAlias(ctx, widgets, "WIDGETWORKS LLC", banner, "", ""))

	for name, want := range map[string][]int64{
		"acme inc":        {acme},
		"Acme INC":        {acme},
		"widgetworks llc": {widgets},
		"WIDGET WORKS":    {widgets},
	} {
		ids, err := svc.FindByName(ctx, name)
		require.NoError(t, err, name)
		assert.Equal(t, want, ids, name)
	}

	ids, err := svc.FindByName(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLookups(t *testing.T) {
	env, svc := newService(t)

	id, err := svc.DataSourceID(env.Ctx, master.SourceManual)
	require.NoError(t, err)
	require.Equal(t, manual, id)

	_, err = svc.DataSourceID(env.Ctx, "carrier pigeon")
	require.ErrorIs(t, err, master.ErrDataSourceNonExistent)
	_, err = svc.SchemeID(env.Ctx, "SSN")
	require.ErrorIs(t, err, master.ErrSchemeNonExistent)
	_, err = svc.RelationshipTypeID(env.Ctx, "rival")
	require.ErrorIs(t, err, master.ErrRelationshipNonExistent)

	sources, err := svc.SupportedDataSources(env.Ctx)
	require.NoError(t, err)
	require.Len(t, sources, 7)
	require.Equal(t, master.SourceBanner, sources[0].Name)

	schemes, err := svc.SupportedSchemes(env.Ctx)
	require.NoError(t, err)
	require.Len(t, schemes, 6)

	rels, err := svc.SupportedRelationshipTypes(env.Ctx)
	require.NoError(t, err)
	require.Len(t, rels, 3)
}
