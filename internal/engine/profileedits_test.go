package engine_test

import (
	"errors"
	"strings"
	"testing"

	"studiopipe/internal/domain"
	"studiopipe/internal/engine"
	"studiopipe/internal/errs"
	"studiopipe/internal/store"
)

func refs(pairs ...string) []domain.PackageRef {
	var out []domain.PackageRef
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, domain.PackageRef{Name: pairs[i], Version: pairs[i+1]})
	}
	return out
}

func TestBundleLibrary(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.CreateBundle(env.Ctx, engine.BundlePut{Name: "maya_dev", Description: " dev tools ", Packages: refs("maya", "2024", "mtoa", "5.3"), Actor: "ana"})
	if err != nil {
		t.Fatal(err)
	}
	if b.Description != "dev tools" || b.CreatedBy != "ana" || len(b.Packages) != 2 {
		t.Fatalf("unexpected bundle %+v", b)
	}
	if _, err := env.Engine.CreateBundle(env.Ctx, engine.BundlePut{Name: "maya_dev", Packages: refs("maya", "2025")}); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("existing name must conflict, got %v", err)
	}
	bad := []engine.BundlePut{
		{Name: "x", Packages: refs("maya", "2024")},
		{Name: "-dash", Packages: refs("maya", "2024")},
		{Name: "empty_list"},
		{Name: "no_version", Packages: refs("maya", "")},
		{Name: "deleted", Packages: refs("maya", "!")},
		{Name: "twice", Packages: refs("maya", "2024", "maya", "2025")},
	}
	for _, in := range bad {
		if _, err := env.Engine.CreateBundle(env.Ctx, in); !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", in.Name, err)
		}
	}

	if _, err := env.Engine.CreateBundle(env.Ctx, engine.BundlePut{Name: "nuke_comp", Description: "compositing", Packages: refs("nuke", "14")}); err != nil {
		t.Fatal(err)
	}
	items, total, err := env.Engine.FindBundles(env.Ctx, store.BundleFilter{Search: "comp"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(items) != 1 || items[0].Name != "nuke_comp" {
		t.Fatalf("search found %d %+v", total, items)
	}
	items, total, err = env.Engine.FindBundles(env.Ctx, store.BundleFilter{Page: store.Page{Page: 2, PageSize: 1}})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(items) != 1 || items[0].Name != "nuke_comp" {
		t.Fatalf("second page %d %+v", total, items)
	}

	updated, err := env.Engine.SetBundlePackages(env.Ctx, "maya_dev", refs("maya", "2025"))
	if err != nil {
		t.Fatal(err)
	}
	if len(updated.Packages) != 1 || updated.Packages[0].Version != "2025" || updated.UpdatedNS <= b.UpdatedNS {
		t.Fatalf("update gave %+v", updated)
	}
	if _, err := env.Engine.SetBundlePackages(env.Ctx, "ghost", refs("maya", "2025")); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("missing bundle update must be not found, got %v", err)
	}
	if err := env.Engine.DeleteBundle(env.Ctx, "maya_dev"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteBundle(env.Ctx, "maya_dev"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second delete must be not found, got %v", err)
	}
	if n := len(env.Bus.OfType(engine.BundleChanged)); n != 4 {
		t.Fatalf("expected 4 bundle-changed events, got %d", n)
	}
}

func TestDeleteProfilePackage(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.PutProfile(env.Ctx, engine.ProfilePut{Path: "/", Name: "default", Current: true, Packages: refs("maya", "2024", "nuke", "14")}); err != nil {
		t.Fatal(err)
	}
	show, err := env.Engine.PutProfile(env.Ctx, engine.ProfilePut{Path: "/Mumbai/film/show1", Name: "default", Current: true, Packages: refs("katana", "3.6v1")})
	if err != nil {
		t.Fatal(err)
	}
	changes := len(env.Listener.changed)

	// Inherited package: shadowed by a deletion marker in a new current revision.
	rev, err := env.Engine.DeleteProfilePackage(env.Ctx, show.ID, "nuke", "ana")
	if err != nil {
		t.Fatal(err)
	}
	if rev.ID == show.ID || rev.Active <= show.Active || rev.CreatedBy != "ana" || rev.Status != domain.StatusPending {
		t.Fatalf("expected a new current revision, got %+v", rev)
	}
	if len(rev.Packages) != 2 || rev.Packages[1] != (domain.PackageRef{Name: "nuke", Version: "!"}) {
		t.Fatalf("revision packages %+v", rev.Packages)
	}
	if len(env.Listener.changed) != changes+1 || env.Listener.changed[changes].ID != rev.ID {
		t.Fatalf("revision must be dispatched, listener saw %+v", env.Listener.changed)
	}
	cur, err := env.Engine.CurrentProfile(env.Ctx, "/Mumbai/film/show1", "default")
	if err != nil {
		t.Fatal(err)
	}
	if cur.ID != rev.ID {
		t.Fatalf("current is %s, want %s", cur.ID, rev.ID)
	}
	if old, err := env.Engine.GetProfile(env.Ctx, show.ID); err != nil || len(old.Packages) != 1 {
		t.Fatalf("previous revision must be kept unchanged: %+v %v", old, err)
	}
	pkgs, err := env.Engine.PackagesAt(env.Ctx, "/Mumbai/film/show1", "default")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(pkgs, ",") != "maya-2024,katana-3.6v1" {
		t.Fatalf("packages %v", pkgs)
	}

	// Already deleted: nothing changes.
	same, err := env.Engine.DeleteProfilePackage(env.Ctx, rev.ID, "nuke", "ana")
	if err != nil {
		t.Fatal(err)
	}
	if same.ID != rev.ID || len(env.Listener.changed) != changes+1 {
		t.Fatalf("deleting a deleted package must be a no-op, got %s", same.ID)
	}

	// Local package: marked deleted.
	rev2, err := env.Engine.DeleteProfilePackage(env.Ctx, rev.ID, "katana", "ana")
	if err != nil {
		t.Fatal(err)
	}
	if rev2.Packages[0] != (domain.PackageRef{Name: "katana", Version: "!"}) || len(rev2.Packages) != 2 {
		t.Fatalf("local delete gave %+v", rev2.Packages)
	}

	if _, err := env.Engine.DeleteProfilePackage(env.Ctx, rev2.ID, "houdini", "ana"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown package must be not found, got %v", err)
	}
	if _, err := env.Engine.DeleteProfilePackage(env.Ctx, "profile_missing0000", "maya", "ana"); !errors.Is(err, errs.ErrValidation) && !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown profile, got %v", err)
	}
}

func TestEditDraftInPlace(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.PutProfile(env.Ctx, engine.ProfilePut{Path: "/", Name: "default", Current: true, Packages: refs("maya", "2024")}); err != nil {
		t.Fatal(err)
	}
	draft, err := env.Engine.PutProfile(env.Ctx, engine.ProfilePut{Path: "/Mumbai", Name: "default", Packages: refs("nuke", "14")})
	if err != nil {
		t.Fatal(err)
	}
	changes := len(env.Listener.changed)
	got, err := env.Engine.DeleteProfilePackage(env.Ctx, draft.ID, "maya", "ana")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != draft.ID || got.Active != 0 || len(got.Packages) != 2 {
		t.Fatalf("draft must be edited in place, got %+v", got)
	}
	if len(env.Listener.changed) != changes {
		t.Fatalf("editing a draft must not dispatch")
	}
}

func TestProfileBundles(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateBundle(env.Ctx, engine.BundlePut{Name: "render", Description: "farm", Packages: refs("arnold", "7")}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateBundle(env.Ctx, engine.BundlePut{Name: "comp", Packages: refs("nuke", "14")}); err != nil {
		t.Fatal(err)
	}
	root, err := env.Engine.PutProfile(env.Ctx, engine.ProfilePut{Path: "/", Name: "default", Current: true, Packages: refs("maya", "2024")})
	if err != nil {
		t.Fatal(err)
	}
	root, err = env.Engine.AddProfileBundle(env.Ctx, root.ID, "render", "ana")
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Bundles) != 1 || root.Bundles[0].Description != "farm" || root.Bundles[0].Packages[0].Name != "arnold" {
		t.Fatalf("bundle not copied: %+v", root.Bundles)
	}
	if _, err := env.Engine.AddProfileBundle(env.Ctx, root.ID, "render", "ana"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("attaching twice must conflict, got %v", err)
	}
	if _, err := env.Engine.AddProfileBundle(env.Ctx, root.ID, "ghost", "ana"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown library bundle must be not found, got %v", err)
	}

	show, err := env.Engine.PutProfile(env.Ctx, engine.ProfilePut{Path: "/Mumbai/film/show1", Name: "default", Current: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddProfileBundle(env.Ctx, show.ID, "render", "ana"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("inherited bundle must conflict, got %v", err)
	}

	// Inherited bundle: shadowed by an empty one.
	show, err = env.Engine.DeleteProfileBundle(env.Ctx, show.ID, "render", "ana")
	if err != nil {
		t.Fatal(err)
	}
	if len(show.Bundles) != 1 || len(show.Bundles[0].Packages) != 0 {
		t.Fatalf("expected an emptied bundle, got %+v", show.Bundles)
	}
	bundles, err := env.Engine.EffectiveBundles(env.Ctx, "/Mumbai/film/show1", "default")
	if err != nil {
		t.Fatal(err)
	}
	if len(bundles) != 0 {
		t.Fatalf("deleted bundle still effective: %+v", bundles)
	}
	if again, err := env.Engine.DeleteProfileBundle(env.Ctx, show.ID, "render", "ana"); err != nil || again.ID != show.ID {
		t.Fatalf("deleting a deleted bundle must be a no-op: %v", err)
	}
	if _, err := env.Engine.DeleteProfileBundle(env.Ctx, show.ID, "comp", "ana"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("absent bundle must be not found, got %v", err)
	}

	// A deleted bundle can be attached again, filling the local empty entry.
	show, err = env.Engine.AddProfileBundle(env.Ctx, show.ID, "render", "ana")
	if err != nil {
		t.Fatal(err)
	}
	if len(show.Bundles) != 1 || len(show.Bundles[0].Packages) != 1 {
		t.Fatalf("re-attach gave %+v", show.Bundles)
	}
	show, err = env.Engine.AddProfileBundle(env.Ctx, show.ID, "comp", "ana")
	if err != nil {
		t.Fatal(err)
	}
	listed, err := env.Engine.ProfileBundles(env.Ctx, show.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 2 || listed[0].Name != "comp" || listed[1].Name != "render" {
		t.Fatalf("profile bundles %+v", listed)
	}

	// Library edits do not reach attached copies.
	if _, err := env.Engine.SetBundlePackages(env.Ctx, "comp", refs("nuke", "15")); err != nil {
		t.Fatal(err)
	}
	pkgs, err := env.Engine.ProfilePackages(env.Ctx, show.ID)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(pkgs, ",") != "maya-2024,arnold-7,nuke-14" {
		t.Fatalf("packages %v", pkgs)
	}
}

func TestValidateProfile(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.PutProfile(env.Ctx, engine.ProfilePut{Path: "/", Name: "default", Current: true, Packages: refs("maya", "2024")})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ValidateProfile(env.Ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	if len(env.Listener.validated) != 1 || env.Listener.validated[0].ID != p.ID {
		t.Fatalf("validation not requested: %+v", env.Listener.validated)
	}
	env.Engine.Profiles = nil
	if err := env.Engine.ValidateProfile(env.Ctx, p.ID); !errors.Is(err, errs.ErrUpstream) {
		t.Fatalf("missing dispatcher must be an upstream error, got %v", err)
	}
}
