package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
)

type fakeItems struct {
	configs  map[string]domain.ConfigItem
	profiles map[string]domain.Profile
}

func (f fakeItems) ConfigAt(ctx context.Context, path, name string) (domain.ConfigItem, error) {
	if c, ok := f.configs[path+"|"+name]; ok {
		return c, nil
	}
	return domain.ConfigItem{}, errs.NotFound("config")
}

func (f fakeItems) ProfileAt(ctx context.Context, path, name string) (domain.Profile, error) {
	if p, ok := f.profiles[path+"|"+name]; ok {
		return p, nil
	}
	return domain.Profile{}, errs.NotFound("profile")
}

func obj(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestRootConfigVisibleEverywhere(t *testing.T) {
	r := Resolver{Items: fakeItems{configs: map[string]domain.ConfigItem{
		"/|maya": {ID: "cid_root", Path: "/", Name: "maya", Active: 1, Payload: obj(t, `{"v":"2024"}`)},
	}}}
	eff, err := r.Config(context.Background(), "/projects/x", "maya", ConfigOptions{})
	require.NoError(t, err)
	assert.Equal(t, obj(t, `{"v":"2024"}`), eff.Payload)
	assert.Equal(t, []Source{{Path: "/", ID: "cid_root", Active: 1}}, eff.Sources)

	_, err = r.Config(context.Background(), "/projects/x", "nuke", ConfigOptions{})
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestDeepMergeInheritance(t *testing.T) {
	items := fakeItems{configs: map[string]domain.ConfigItem{
		"/|c":       {ID: "cid_r", Active: 1, Inherits: true, Payload: obj(t, `{"a":1,"b":{"x":1}}`)},
		"/Mumbai|c": {ID: "cid_m", Active: 1, Inherits: true, Payload: obj(t, `{"b":{"y":2}}`)},
	}}
	r := Resolver{Items: items}
	eff, err := r.Config(context.Background(), "/Mumbai", "c", ConfigOptions{})
	require.NoError(t, err)
	assert.Equal(t, obj(t, `{"a":1,"b":{"x":1,"y":2}}`), eff.Payload)

	m := items.configs["/Mumbai|c"]
	m.Inherits = false
	items.configs["/Mumbai|c"] = m
	eff, err = r.Config(context.Background(), "/Mumbai/film", "c", ConfigOptions{})
	require.NoError(t, err)
	assert.Equal(t, obj(t, `{"b":{"y":2}}`), eff.Payload)

	// Inputs stay untouched.
	assert.Equal(t, obj(t, `{"a":1,"b":{"x":1}}`), items.configs["/|c"].Payload)
}

func TestConfigDeterministic(t *testing.T) {
	r := Resolver{Items: fakeItems{configs: map[string]domain.ConfigItem{
		"/|c":       {Inherits: true, Payload: obj(t, `{"z":[1,2],"a":{"k":"v","q":null}}`)},
		"/Mumbai|c": {Inherits: true, Payload: obj(t, `{"z":[3],"m":true}`)},
	}}}
	a, err := r.Config(context.Background(), "/Mumbai", "c", ConfigOptions{})
	require.NoError(t, err)
	b, err := r.Config(context.Background(), "/Mumbai", "c", ConfigOptions{})
	require.NoError(t, err)
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	assert.Equal(t, string(ja), string(jb))
	assert.Equal(t, []any{float64(3)}, a.Payload["z"])
}

func TestConfigTokens(t *testing.T) {
	r := Resolver{Items: fakeItems{configs: map[string]domain.ConfigItem{
		"/|paths": {Payload: obj(t, `{"root":"/mnt/<site>/<show>/<sequence>/<shot>","list":["<division>"]}`)},
	}}}
	eff, err := r.Config(context.Background(), "/Mumbai/film/show1/sequence/seq010/shot_001", "paths", ConfigOptions{WithTokens: true})
	require.NoError(t, err)
	assert.Equal(t, "/mnt/Mumbai/show1/seq010/shot_001", eff.Payload["root"])
	assert.Equal(t, []any{"film"}, eff.Payload["list"])
}

func TestReduce(t *testing.T) {
	got := Reduce(obj(t, `{"a":1,"b":{"x":1,"y":3},"c":[1],"d":{"k":1}}`), obj(t, `{"a":1,"b":{"x":1},"c":[2],"d":{"k":1}}`))
	assert.Equal(t, obj(t, `{"b":{"y":3},"c":[1]}`), got)
}

func TestEffectiveProfile(t *testing.T) {
	items := fakeItems{profiles: map[string]domain.Profile{
		"/|default": {ID: "profile_root", Active: 1, Status: domain.StatusValid, Description: "base",
			Packages: []domain.PackageRef{{Name: "maya", Version: "2024"}, {Name: "nuke", Version: "14"}, {Name: "python", Version: "3.10"}},
			Bundles:  []domain.Bundle{{Name: "render", Packages: []domain.PackageRef{{Name: "arnold", Version: "7"}}}},
		},
		"/Mumbai|default": {ID: "profile_mum", Active: 2, Inherits: true, Status: domain.StatusPending,
			Packages: []domain.PackageRef{{Name: "nuke", Version: "!"}, {Name: "python"}, {Name: "katana", Version: "3.6v1"}},
			Bundles: []domain.Bundle{
				{Name: "render", Packages: []domain.PackageRef{{Name: "arnold", Version: "7.2"}}},
				{Name: "comp", Packages: []domain.PackageRef{{Name: "legacy_tool", Version: "1", UseLegacy: true}}},
			},
		},
	}}
	r := Resolver{Items: items}
	eff, err := r.Profile(context.Background(), "/Mumbai/film/show1", "default", ProfileOptions{})
	require.NoError(t, err)
	assert.Equal(t, "profile_mum", eff.ID)
	assert.Equal(t, domain.StatusPending, eff.Status)
	assert.Equal(t, "base", eff.Description)
	assert.Equal(t, []domain.PackageRef{{Name: "maya", Version: "2024"}, {Name: "python", Version: "3.10"}, {Name: "katana", Version: "3.6v1"}}, eff.Packages)
	require.Len(t, eff.Bundles, 2)
	assert.Equal(t, "7.2", eff.Bundles[0].Packages[0].Version)
	assert.Equal(t, []string{"maya-2024", "python-3.10", "katana-3.6v1", "arnold-7.2"}, eff.PackageList())

	raw, err := r.Profile(context.Background(), "/Mumbai", "default", ProfileOptions{KeepDeletions: true})
	require.NoError(t, err)
	assert.Equal(t, "!", raw.Packages[1].Version)
	assert.NotEqual(t, eff.Digest(), raw.Digest())

	again, err := r.Profile(context.Background(), "/Mumbai/film/show1", "default", ProfileOptions{})
	require.NoError(t, err)
	assert.Equal(t, eff.Digest(), again.Digest())

	m := items.profiles["/Mumbai|default"]
	m.Inherits = false
	items.profiles["/Mumbai|default"] = m
	eff, err = r.Profile(context.Background(), "/Mumbai", "default", ProfileOptions{})
	require.NoError(t, err)
	assert.Equal(t, []domain.PackageRef{{Name: "python"}, {Name: "katana", Version: "3.6v1"}}, eff.Packages)
}

func TestEmptiedBundleIsADeletion(t *testing.T) {
	r := Resolver{Items: fakeItems{profiles: map[string]domain.Profile{
		"/|default": {ID: "profile_root", Active: 1, Bundles: []domain.Bundle{
			{Name: "render", Description: "farm", Packages: []domain.PackageRef{{Name: "arnold", Version: "7"}}},
			{Name: "comp", Packages: []domain.PackageRef{{Name: "nuke", Version: "14"}}},
		}},
		"/Mumbai|default": {ID: "profile_mum", Active: 1, Inherits: true, Bundles: []domain.Bundle{{Name: "render", Packages: []domain.PackageRef{}}}},
	}}}
	eff, err := r.Profile(context.Background(), "/Mumbai", "default", ProfileOptions{})
	require.NoError(t, err)
	require.Len(t, eff.Bundles, 1)
	assert.Equal(t, "comp", eff.Bundles[0].Name)
	assert.Equal(t, []string{"nuke-14"}, eff.PackageList())

	raw, err := r.Profile(context.Background(), "/Mumbai", "default", ProfileOptions{KeepDeletions: true})
	require.NoError(t, err)
	require.Len(t, raw.Bundles, 2)
	assert.Empty(t, raw.Bundles[0].Packages)

	root, err := r.Profile(context.Background(), "/", "default", ProfileOptions{})
	require.NoError(t, err)
	assert.Equal(t, "farm", root.Bundles[0].Description)
}

func TestEmptyProfile(t *testing.T) {
	r := Resolver{Items: fakeItems{profiles: map[string]domain.Profile{"/|default": {ID: "profile_root", Active: 1}}}}
	eff, err := r.Profile(context.Background(), "/", "default", ProfileOptions{})
	require.NoError(t, err)
	assert.Empty(t, eff.Packages)
	assert.Equal(t, []string{}, eff.PackageList())
}

func TestProfileWithOverride(t *testing.T) {
	r := Resolver{Items: fakeItems{profiles: map[string]domain.Profile{
		"/|default": {ID: "profile_root", Active: 1, Packages: []domain.PackageRef{{Name: "maya", Version: "2024"}}},
	}}}
	eff, err := r.ProfileWith(context.Background(), domain.Profile{ID: "profile_draft", Path: "/Mumbai", Name: "default", Inherits: true,
		Packages: []domain.PackageRef{{Name: "katana", Version: "3.6v1"}}}, ProfileOptions{})
	require.NoError(t, err)
	assert.Equal(t, "profile_draft", eff.ID)
	assert.Equal(t, []string{"maya-2024", "katana-3.6v1"}, eff.PackageList())
}
