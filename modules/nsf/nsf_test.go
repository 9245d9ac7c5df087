package nsf_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OVCR-ORIA/discovery/modules/nsf"
	"github.com/OVCR-ORIA/discovery/pkg/itf"
	"github.com/OVCR-ORIA/discovery/pkg/tabular"
)

func TestLoadDir(t *testing.T) {
	env := itf.NewTestContext().Build(t)
	svc := nsf.NewService(env.Conn)

	counts, err := svc.LoadDir(env.Ctx, "testdata")
	require.Error(t, err)
	require.ErrorIs(t, err, tabular.ErrInvalidInput)
	require.ErrorContains(t, err, "1400000.xml")
	require.ErrorContains(t, err, "broken.xml")
	require.EqualValues(t, 4, counts.Read)
	require.EqualValues(t, 2, counts.Written)
	require.EqualValues(t, 2, counts.Failed)

	require.Equal(t, 2, env.Count(t, "nsf_award", ""))
	require.Equal(t, 0, env.Count(t, "nsf_award", "award_id = '1400000'"))
	require.Equal(t, 1, env.Count(t, "nsf_award_instrument", ""))
	require.Equal(t, 1, env.Count(t, "nsf_internal_org", "directorate = ?", "Direct For Computer & Info Scie & Enginr"))

	// the same person on both awards, under two roles
	require.Equal(t, 2, env.Count(t, "nsf_investigator", ""))
	require.Equal(t, 1, env.Count(t, "nsf_investigator", "last_name = ?", "Pérez"))
	require.Equal(t, 3, env.Count(t, "nsf_award_investigator", ""))
	require.Equal(t, 2, env.Count(t, "nsf_investigator_role", ""))

	require.Equal(t, 1, env.Count(t, "nsf_external_org", ""))
	require.Equal(t, 2, env.Count(t, "nsf_award_institution", ""))

	require.Equal(t, 1, env.Count(t, "nsf_award_foa", ""))
	require.Equal(t, 2, env.Count(t, "nsf_program", ""))
	require.Equal(t, 3, env.Count(t, "nsf_award_program", ""))
	require.Equal(t, 2, env.Count(t, "nsf_award_program", "is_element = ?", true))

	var award struct {
		Amount    decimal.Decimal `db:"amount"`
		ARRA      decimal.Decimal `db:"arra_amount"`
		Effective string          `db:"effective"`
		MaxAmd    *string         `db:"max_amd"`
	}
	_, err = env.Conn.Read(env.Ctx, &award,
		`SELECT amount, arra_amount, CAST(date_effective AS TEXT) AS effective,
			CAST(max_amd_letter_date AS TEXT) AS max_amd
		FROM nsf_award WHERE award_id = '1300001'`)
	require.NoError(t, err)
	assert.Equal(t, "300000", award.Amount.String())
	assert.Equal(t, "1500", award.ARRA.String())
	assert.Equal(t, "2013-01-15", award.Effective)
	assert.Nil(t, award.MaxAmd)
	assert.Contains(t, env.Warnings(), "unparseable date")

	var arra decimal.Decimal
	_, err = env.Conn.Read(env.Ctx, &arra, "SELECT arra_amount FROM nsf_award WHERE award_id = '1253456'")
	require.NoError(t, err)
	assert.True(t, arra.IsZero())
}

func TestLoadFiles_Reload(t *testing.T) {
	env := itf.NewTestContext().Build(t)
	path := filepath.Join("testdata", "1253456.xml")

	_, err := nsf.NewService(env.Conn).LoadFiles(env.Ctx, path)
	require.NoError(t, err)
	counts, err := nsf.NewService(env.Conn).LoadFiles(env.Ctx, path)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Written)

	for table, want := range map[string]int{
		"nsf_award": 1, "nsf_investigator": 1, "nsf_award_investigator": 1,
		"nsf_external_org": 1, "nsf_award_institution": 1, "nsf_award_program": 2,
	} {
		require.Equal(t, want, env.Count(t, table, ""), table)
	}
}

func TestDecode(t *testing.T) {
	doc, err := nsf.Decode(strings.NewReader(`<rootTag><Award><AwardID> 42 </AwardID>
		<AwardInstrument><Value>Grant</Value></AwardInstrument>
		<AwardInstrument><Value>Contract</Value></AwardInstrument></Award></rootTag>`))
	require.NoError(t, err)
	require.Len(t, doc.Awards, 1)
	require.Equal(t, []string{"Grant", "Contract"}, doc.Awards[0].Instruments)

	_, err = nsf.Decode(strings.NewReader(`<rootTag/>`))
	require.ErrorIs(t, err, tabular.ErrInvalidInput)
}

func TestLoadAward_WarnsOnAmbiguousOrganization(t *testing.T) {
	env := itf.NewTestContext().Build(t)

	_, err := nsf.NewService(env.Conn).LoadAward(env.Ctx, nsf.Award{
		AwardID:       "77",
		Organizations: []nsf.Organization{{Code: "A"}, {Code: "B"}},
	})
	require.NoError(t, err)
	require.Contains(t, env.Warnings(), "award has more than one NSF internal org; using the first one")
	require.Contains(t, env.Warnings(), "award has no instrument")
	require.Equal(t, 1, env.Count(t, "nsf_internal_org", "code = 'A'"))
}
