package spriden_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OVCR-ORIA/discovery/modules/master"
	"github.com/OVCR-ORIA/discovery/modules/spriden"
	"github.com/OVCR-ORIA/discovery/pkg/itf"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

type dumpRow struct {
	pidm, id, last, first, mi, entity, activity, ntyp, created string
}

func (r dumpRow) String() string {
	cols := make([]string, spriden.Columns)
	cols[0] = r.pidm
	cols[1] = r.id
	cols[2] = "}" + r.last + "}"
	cols[3] = r.first
	cols[4] = r.mi
	cols[6] = r.entity
	cols[7] = r.activity
	cols[10] = "}" + strings.ToUpper(strings.ReplaceAll(r.last, " ", "")) + "}"
	cols[15] = r.ntyp
	cols[17] = r.created
	cols[21] = "77"
	cols[22] = "1"
	return strings.Join(cols, ",")
}

func dump(rows ...dumpRow) tabular.Rows {
	lines := []string{"SQL> SELECT * FROM spriden;", ""}
	for _, r := range rows {
		lines = append(lines, r.String())
	}
	lines = append(lines, "SQL> spool off")
	return tabular.NewDumpReader(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func TestLoad(t *testing.T) {
	env := itf.NewTestContext().Build(t)
	svc := spriden.NewService(env.Conn)

	counts, err := svc.Load(env.Ctx, dump(
		dumpRow{pidm: "100", id: "@00000100", last: "Acme, Inc.", entity: "C", activity: "15-APR-15", created: "01-JAN-99"},
		dumpRow{pidm: "200", id: "123456789", last: "Smith", first: "Jane", entity: "P", activity: "02-May-14"},
	))
	require.NoError(t, err)
	require.EqualValues(t, 2, counts.Read)
	require.EqualValues(t, 2, counts.Written)

	require.Equal(t, 1, env.Count(t, "spriden_raw", "spriden_last_name = ?", "Acme, Inc."))
	require.Equal(t, 1, env.Count(t, "spriden_raw", "spriden_search_last_name = ?", "ACME,INC."))
	require.Equal(t, 1, env.Count(t, "spriden_raw", "spriden_pidm = 200 AND spriden_create_date IS NULL"))

	var created time.Time
	_, err = env.Conn.Read(env.Ctx, &created, "SELECT spriden_create_date FROM spriden_raw WHERE spriden_pidm = 100")
	require.NoError(t, err)
	require.Equal(t, 1999, created.Year())
}

func TestLoad_WrongColumnCount(t *testing.T) {
	env := itf.NewTestContext().Build(t)
	svc := spriden.NewService(env.Conn)

	rows := tabular.NewDumpReader(strings.NewReader(
		dumpRow{pidm: "100", last: "Acme", entity: "C"}.String() + "\n1,2,3\n"))
	_, err := svc.Load(env.Ctx, rows)
	require.ErrorIs(t, err, tabular.ErrInvalidInput)
	require.ErrorContains(t, err, "line 2: has 3 columns")
	require.Equal(t, 0, env.Count(t, "spriden_raw", ""))
}

func TestNormalize(t *testing.T) {
	env := itf.NewTestContext().Build(t)
	svc := spriden.NewService(env.Conn)

	_, err := svc.Load(env.Ctx, dump(
		dumpRow{pidm: "200", id: "123456789", last: "Smith", first: "Jane", entity: "P", activity: "01-JAN-10", created: "05-MAR-05"},
		dumpRow{pidm: "200", id: "987654321", last: "Jones", first: "Jane", entity: "P", activity: "01-JAN-12", created: "05-MAR-01", ntyp: "MAID"},
		dumpRow{pidm: "200", id: "@00000200", last: "Smith", first: "Jane", entity: "P", activity: "01-JAN-08", created: "05-MAR-09"},
	))
	require.NoError(t, err)

	counts, err := svc.Normalize(env.Ctx, 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, counts.Read)

	var norm struct {
		Banner   string    `db:"banner_id"`
		UIN      string    `db:"uin"`
		Last     string    `db:"spriden_last_name"`
		Activity time.Time `db:"spriden_activity_date"`
		Created  time.Time `db:"spriden_create_date"`
	}
	_, err = env.Conn.Read(env.Ctx, &norm,
		`SELECT banner_id, uin, spriden_last_name, spriden_activity_date, spriden_create_date
		FROM spriden_norm WHERE spriden_pidm = 200`)
	require.NoError(t, err)
	assert.Equal(t, "@00000200", norm.Banner)
	assert.Equal(t, "987654321", norm.UIN)
	assert.Equal(t, "Smith", norm.Last)
	assert.Equal(t, 2012, norm.Activity.Year())
	assert.Equal(t, 2001, norm.Created.Year())

	require.Equal(t, 2, env.Count(t, "spriden_alias", "spriden_pidm = 200"))
	require.Contains(t, env.Warnings(), "new UIN does not match existing")

	// a second pass changes nothing
	_, err = svc.Normalize(env.Ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, env.Count(t, "spriden_norm", ""))
	require.Equal(t, 2, env.Count(t, "spriden_alias", ""))
}

func TestMaster(t *testing.T) {
	env := itf.NewTestContext().Build(t)
	svc := spriden.NewService(env.Conn)
	ms := master.NewService(env.Conn)

	_, err := svc.Load(env.Ctx, dump(
		dumpRow{pidm: "100", id: "@00000100", last: "Acme Widgets", entity: "C", activity: "01-JAN-10"},
		dumpRow{pidm: "100", id: "@00000100", last: "Acme Widget Co", entity: "C", activity: "01-JAN-09"},
		dumpRow{pidm: "300", id: "@00000300", last: "Acme Widgets TERM Use @00000100", entity: "C", activity: "01-JAN-10"},
		dumpRow{pidm: "400", id: "@00000400", last: "Globex", first: "Hank", entity: "C", activity: "01-JAN-10"},
		dumpRow{pidm: "500", id: "123456789", last: "Person", first: "Pat", entity: "P", activity: "01-JAN-10"},
	))
	require.NoError(t, err)
	_, err = svc.Normalize(env.Ctx, 0)
	require.NoError(t, err)

	counts, err := svc.Master(env.Ctx, 0)
	require.NoError(t, err)
	require.EqualValues(t, 3, counts.Read)
	require.EqualValues(t, 3, counts.Written)

	pidm, err := ms.SchemeID(env.Ctx, master.SchemePIDM)
	require.NoError(t, err)
	banner, err := ms.SchemeID(env.Ctx, master.SchemeBanner)
	require.NoError(t, err)

	acme, found, err := ms.MasterIDForOtherID(env.Ctx, "100", pidm)
	require.NoError(t, err)
	require.True(t, found)
	org, _, err := ms.ExternalOrg(env.Ctx, acme)
	require.NoError(t, err)
	assert.Equal(t, "Acme Widgets", org.Name)
	assert.Equal(t, spriden.SourceComment, org.SourceComment.String)

	aliases, err := ms.Aliases(env.Ctx, acme)
	require.NoError(t, err)
	assert.Contains(t, aliases, "Acme Widget Co")

	// the cross-referenced entity joins the entity it points to
	xref, found, err := ms.MasterIDForOtherID(env.Ctx, "300", pidm)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, acme, xref)
	ids, err := ms.OtherIDs(env.Ctx, acme, banner)
	require.NoError(t, err)
	assert.Equal(t, []string{"@00000100", "@00000300"}, ids)

	_, found, err = ms.MasterIDForOtherID(env.Ctx, "500", pidm)
	require.NoError(t, err)
	assert.False(t, found, "people are not mastered")

	assert.Contains(t, env.Warnings(), "non-person has first or middle name")
	require.Equal(t, 2, env.Count(t, "master_external_org", ""))

	// mastering again adds nothing
	_, err = svc.Master(env.Ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, env.Count(t, "master_external_org", ""))
	require.Equal(t, 3, env.Count(t, "master_external_org_other_id", "scheme = ?", pidm))
}
