package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"studiopipe/internal/bus"
	"studiopipe/internal/db"
	"studiopipe/internal/domain"
	"studiopipe/internal/engine"
	"studiopipe/internal/errs"
	"studiopipe/internal/migrate"
	"studiopipe/internal/store"
)

type levelSet map[string]bool

func (l levelSet) Exists(p string) bool { return l[p] }

type recorder struct {
	changed   []domain.Profile
	validated []domain.Profile
}

func (r *recorder) ProfileChanged(ctx context.Context, p domain.Profile) error {
	r.changed = append(r.changed, p)
	return nil
}

func (r *recorder) RequestValidation(ctx context.Context, p domain.Profile) error {
	r.validated = append(r.validated, p)
	return nil
}

type testEnv struct {
	Engine   *engine.Engine
	Bus      *bus.Memory
	Listener *recorder
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mem := bus.NewMemory()
	levels := levelSet{"/Mumbai": true, "/Mumbai/film": true, "/Mumbai/film/show1": true}
	eng := engine.New(store.Store{DB: conn}, levels, mem)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	rec := &recorder{}
	eng.Profiles = rec
	return testEnv{Engine: eng, Bus: mem, Listener: rec, Ctx: context.Background()}
}

func boolPtr(b bool) *bool { return &b }

func TestPutConfigValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.PutConfig(env.Ctx, engine.ConfigPut{Path: "/", Name: "cid_bad"}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.PutConfig(env.Ctx, engine.ConfigPut{Path: "/Nowhere", Name: "tools"}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected missing level, got %v", err)
	}
	c, err := env.Engine.PutConfig(env.Ctx, engine.ConfigPut{Path: "//Mumbai/", Name: "tools", Payload: map[string]any{"a": 1.0}})
	if err != nil {
		t.Fatal(err)
	}
	if c.Path != "/Mumbai" || c.Active != 0 || !c.Inherits {
		t.Fatalf("unexpected item %+v", c)
	}
	if _, err := env.Engine.GetConfig(env.Ctx, "nope"); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected invalid id, got %v", err)
	}
}

func TestSetCurrentRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.PutConfig(env.Ctx, engine.ConfigPut{Path: "/", Name: "maya", Payload: map[string]any{"v": "2023"}, Current: true})
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.PutConfig(env.Ctx, engine.ConfigPut{Path: "/", Name: "maya", Payload: map[string]any{"v": "2024"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetCurrentConfig(env.Ctx, second.ID); err != nil {
		t.Fatal(err)
	}
	cur, err := env.Engine.CurrentConfig(env.Ctx, "/", "maya")
	if err != nil {
		t.Fatal(err)
	}
	if cur.ID != second.ID || cur.Active != 2 {
		t.Fatalf("current is %s/%d", cur.ID, cur.Active)
	}

	eff, err := env.Engine.EffectiveConfig(env.Ctx, "/projects/x", "maya", false)
	if err != nil {
		t.Fatal(err)
	}
	if eff.Payload["v"] != "2024" {
		t.Fatalf("effective payload %v", eff.Payload)
	}

	if err := env.Engine.DeleteConfig(env.Ctx, second.ID); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("deleting the current item must conflict, got %v", err)
	}
	desc := "old"
	if _, err := env.Engine.PatchConfig(env.Ctx, first.ID, store.ConfigPatch{Description: &desc}); err != nil {
		t.Fatalf("patch historic item: %v", err)
	}
	if err := env.Engine.DeleteConfig(env.Ctx, first.ID); err != nil {
		t.Fatalf("delete historic item: %v", err)
	}
	if got := len(env.Bus.OfType(engine.ConfigChanged)); got != 2 {
		t.Fatalf("expected 2 change events, got %d", got)
	}
}

func TestReducedPut(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.PutConfig(env.Ctx, engine.ConfigPut{Path: "/", Name: "render", Current: true,
		Payload: map[string]any{"a": 1.0, "b": map[string]any{"x": 1.0}}}); err != nil {
		t.Fatal(err)
	}
	c, err := env.Engine.PutConfig(env.Ctx, engine.ConfigPut{Path: "/Mumbai", Name: "render", Reduced: true, Current: true,
		Payload: map[string]any{"a": 1.0, "b": map[string]any{"x": 1.0, "y": 2.0}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Payload["a"]; ok {
		t.Fatalf("inherited key kept: %v", c.Payload)
	}
	eff, err := env.Engine.EffectiveConfig(env.Ctx, "/Mumbai", "render", false)
	if err != nil {
		t.Fatal(err)
	}
	b := eff.Payload["b"].(map[string]any)
	if eff.Payload["a"] != 1.0 || b["x"] != 1.0 || b["y"] != 2.0 {
		t.Fatalf("effective payload %v", eff.Payload)
	}
}

func TestProfileLifecycle(t *testing.T) {
	env := newTestEnv(t)
	root, err := env.Engine.PutProfile(env.Ctx, engine.ProfilePut{Path: "/", Name: "default", Current: true,
		Packages: []domain.PackageRef{{Name: "maya", Version: "2024"}}})
	if err != nil {
		t.Fatal(err)
	}
	show, err := env.Engine.PutProfile(env.Ctx, engine.ProfilePut{Path: "/Mumbai/film/show1", Name: "default", Current: true,
		Packages: []domain.PackageRef{{Name: "katana", Version: "3.6v1"}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(env.Listener.changed) != 2 || env.Listener.changed[1].ID != show.ID {
		t.Fatalf("listener saw %+v", env.Listener.changed)
	}
	pkgs, err := env.Engine.PackagesAt(env.Ctx, "/Mumbai/film/show1/sequence", "default")
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 2 || pkgs[0] != "maya-2024" || pkgs[1] != "katana-3.6v1" {
		t.Fatalf("packages %v", pkgs)
	}

	draft, err := env.Engine.PutProfile(env.Ctx, engine.ProfilePut{Path: "/", Name: "default", Inherits: boolPtr(false),
		Packages: []domain.PackageRef{{Name: "maya", Version: "2025"}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(env.Listener.changed) != 2 {
		t.Fatalf("a non-current put must not dispatch")
	}
	pkgs, err = env.Engine.ProfilePackages(env.Ctx, draft.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pkgs) != 1 || pkgs[0] != "maya-2025" {
		t.Fatalf("draft packages %v", pkgs)
	}

	if _, err := env.Engine.AddProfileComment(env.Ctx, root.ID, "ana", "pinned for delivery"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.GetProfile(env.Ctx, root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Comments) != 1 || got.Comments[0].Author != "ana" {
		t.Fatalf("comments %+v", got.Comments)
	}

	if _, err := env.Engine.PutProfile(env.Ctx, engine.ProfilePut{Path: "/", Name: "default",
		Bundles: []domain.Bundle{{Name: "r"}, {Name: "r"}}}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("duplicate bundle must be rejected, got %v", err)
	}
}
