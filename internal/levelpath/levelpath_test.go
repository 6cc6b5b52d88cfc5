package levelpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonize(t *testing.T) {
	cases := map[string]string{
		"":                    "/",
		"   ":                 "/",
		"/":                   "/",
		"//":                  "/",
		"Mumbai":              "/Mumbai",
		"/Mumbai/":            "/Mumbai",
		"//Mumbai///film//x/": "/Mumbai/film/x",
		" /Toronto/film ":     "/Toronto/film",
	}
	for in, want := range cases {
		got := Canonize(in)
		assert.Equal(t, want, got, "canonize %q", in)
		assert.Equal(t, got, Canonize(got), "idempotent %q", in)
	}
}

func TestParentAndJoin(t *testing.T) {
	_, ok := Parent("/")
	assert.False(t, ok)

	p, ok := Parent("/Mumbai")
	require.True(t, ok)
	assert.Equal(t, "/", p)

	p, ok = Parent("/Mumbai/film/show1")
	require.True(t, ok)
	assert.Equal(t, "/Mumbai/film", p)

	assert.Equal(t, "/Mumbai", Join("/", "Mumbai"))
	assert.Equal(t, "/Mumbai/film", Join("/Mumbai/", "/film/"))

	child := Join("/Mumbai/film", "show1")
	assert.Equal(t, append(Segments("/Mumbai/film"), "show1"), Segments(child))
}

func TestIsPrefixOf(t *testing.T) {
	assert.True(t, IsPrefixOf("/", "/a/b"))
	assert.True(t, IsPrefixOf("/a", "/a/b"))
	assert.True(t, IsPrefixOf("/a/b", "/a/b/"))
	assert.False(t, IsPrefixOf("/a/b", "/a/bc"))
	assert.False(t, IsPrefixOf("/a/b", "/a"))
}

func TestAncestors(t *testing.T) {
	assert.Equal(t, []string{"/"}, Ancestors(""))
	assert.Equal(t, []string{"/", "/a", "/a/b"}, Ancestors("a//b/"))
}

func TestParse(t *testing.T) {
	p, err := Parse("/mumbai/film/show1/sequence/seq010/shot_001")
	require.NoError(t, err)
	assert.Equal(t, SiteMumbai, p.Site)
	assert.Equal(t, DivisionFilm, p.Division)
	assert.Equal(t, "show1", p.Show)
	assert.Equal(t, TypeSequence, p.Type)
	assert.Equal(t, "seq010", p.Sequence)
	assert.Equal(t, "shot_001", p.Shot)
	assert.Equal(t, "/Mumbai/film/show1/sequence/seq010/shot_001", p.Path())

	p, err = Parse("/Global-Studio/television/s/asset/chr/hero")
	require.NoError(t, err)
	assert.Equal(t, SiteGlobal, p.Site)
	assert.Equal(t, "chr", p.AssetType)
	assert.Equal(t, "hero", p.AssetCode)

	root, err := Parse("/")
	require.NoError(t, err)
	assert.Equal(t, Parsed{}, root)

	for _, bad := range []string{"/paris", "/Mumbai/films", "/Mumbai/film/x/shots", "/Mumbai/film/x/asset/a/b/c"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
		assert.False(t, Acceptable(bad))
	}
}

func TestDivisionLooseMatch(t *testing.T) {
	d, ok := DivisionFromText("Feature Film", false)
	require.True(t, ok)
	assert.Equal(t, DivisionFilm, d)
	_, ok = DivisionFromText("Feature Film", true)
	assert.False(t, ok)
}
