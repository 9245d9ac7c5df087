package oria_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OVCR-ORIA/discovery/pkg/itf"
	"github.com/OVCR-ORIA/discovery/pkg/oria"
)

func TestFetchID(t *testing.T) {
	env := itf.NewTestContext().Build(t)
	cache := oria.NewKeyCache[string]("country")

	id, found, err := oria.FetchID(env.Ctx, env.Conn, "country", "iso3166", "US", cache)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, cache.Len())

	cached, found, err := oria.FetchID(env.Ctx, env.Conn, "country", "iso3166", "US", cache)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, id, cached)

	_, found, err = oria.FetchID(env.Ctx, env.Conn, "country", "iso3166", "ZZ", cache)
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 1, cache.Len())
}

func TestFetchID_RejectsBadIdentifiers(t *testing.T) {
	env := itf.NewTestContext().Build(t)

	_, _, err := oria.FetchID[string](env.Ctx, env.Conn, "country; DROP TABLE country", "iso3166", "US", nil)
	require.ErrorContains(t, err, "invalid SQL identifier")
}

func TestGetOrSetID_CreatesOnceThenCaches(t *testing.T) {
	env := itf.NewTestContext().Build(t)
	cache := oria.NewKeyCache[string]("gco_grant_type")
	cols := oria.Columns{"type_code": "FED", "description": "Federal"}

	id, err := oria.GetOrSetID(env.Ctx, env.Conn, cache, "gco_grant_type", "type_code", cols)
	require.NoError(t, err)
	require.Positive(t, id)

	// a fresh cache must find the existing row rather than insert a second
	again, err := oria.GetOrSetID(env.Ctx, env.Conn, oria.NewKeyCache[string]("gco_grant_type"), "gco_grant_type", "type_code",
		oria.Columns{"type_code": "FED", "description": "ignored"})
	require.NoError(t, err)
	require.Equal(t, id, again)

	require.Equal(t, 1, env.Count(t, "gco_grant_type", ""))
	var desc string
	_, err = env.Conn.Read(env.Ctx, &desc, "SELECT description FROM gco_grant_type WHERE id = ?", id)
	require.NoError(t, err)
	require.Equal(t, "Federal", desc)
}

func TestGetOrSetID_NullColumns(t *testing.T) {
	env := itf.NewTestContext().Build(t)
	cache := oria.NewKeyCache[string]("uif_college")

	id, err := oria.GetOrSetID(env.Ctx, env.Conn, cache, "uif_college", "college_code", oria.Columns{
		"college_code": "KV",
		"banner_code":  oria.Null(""),
		"description":  "Liberal Arts & Sciences",
		"campus":       nil,
	})
	require.NoError(t, err)
	require.Equal(t, 1, env.Count(t, "uif_college", "id = ? AND banner_code IS NULL", id))
}

func TestGetOrSetID_KeyErrors(t *testing.T) {
	env := itf.NewTestContext().Build(t)
	cache := oria.NewKeyCache[string]("gco_grant_type")

	_, err := oria.GetOrSetID(env.Ctx, env.Conn, cache, "gco_grant_type", "type_code", oria.Columns{"description": "x"})
	require.ErrorContains(t, err, "missing")

	_, err = oria.GetOrSetID(env.Ctx, env.Conn, cache, "gco_grant_type", "type_code", oria.Columns{"type_code": 7})
	require.ErrorContains(t, err, "has type int")
}

func TestKeyCache_Invalidate(t *testing.T) {
	cache := oria.NewKeyCache[int64]("facts")
	cache.Set(10, 100)

	id, ok := cache.Get(10)
	require.True(t, ok)
	require.EqualValues(t, 100, id)

	cache.Invalidate(10)
	_, ok = cache.Get(10)
	require.False(t, ok)
	require.Zero(t, cache.Len())
}
