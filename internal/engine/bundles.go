package engine

import (
	"context"
	"database/sql"
	"regexp"
	"strings"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/resolver"
	"studiopipe/internal/store"
)

var bundleNameRe = regexp.MustCompile(`^[a-zA-Z0-9][-\w]{1,64}$`)

type BundlePut struct {
	Name        string
	Description string
	Packages    []domain.PackageRef
	Actor       string
}

// checkBundlePackages applies the library rules to a package list: at least
// one entry, a name and a concrete version on each, and no name twice.
func checkBundlePackages(packages []domain.PackageRef) ([]domain.PackageRef, error) {
	if len(packages) == 0 {
		return nil, errs.Validation("the package list is missing or empty")
	}
	out := make([]domain.PackageRef, 0, len(packages))
	seen := map[string]bool{}
	for _, p := range packages {
		p.Name, p.Version = strings.TrimSpace(p.Name), strings.TrimSpace(p.Version)
		switch {
		case p.Name == "":
			return nil, errs.Validation("a referenced package has an empty name")
		case p.Version == "":
			return nil, errs.Validation("package %q has an empty version", p.Name)
		case p.Version == resolver.DeletedVersion:
			return nil, errs.Validation("package %q: version can't be %q", p.Name, resolver.DeletedVersion)
		case seen[p.Name]:
			return nil, errs.Validation("package %q is referenced more than once", p.Name)
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	if err := validatePackages(out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) CreateBundle(ctx context.Context, in BundlePut) (domain.LibraryBundle, error) {
	if !bundleNameRe.MatchString(in.Name) {
		return domain.LibraryBundle{}, errs.Validation("invalid bundle name %q", in.Name)
	}
	packages, err := checkBundlePackages(in.Packages)
	if err != nil {
		return domain.LibraryBundle{}, err
	}
	now := e.now().UnixNano()
	b := domain.LibraryBundle{
		Name:        in.Name,
		Description: strings.TrimSpace(in.Description),
		Packages:    packages,
		CreatedNS:   now,
		UpdatedNS:   now,
		CreatedBy:   in.Actor,
	}
	if err := e.Store.InsertBundle(ctx, nil, b); err != nil {
		return domain.LibraryBundle{}, err
	}
	e.log().Info("bundle created", "bundle", b.Name, "packages", len(b.Packages))
	e.announce(ctx, BundleChanged, map[string]any{"name": b.Name, "op": "created"})
	return b, nil
}

func (e *Engine) GetBundle(ctx context.Context, name string) (domain.LibraryBundle, error) {
	return e.Store.GetBundle(ctx, nil, name)
}

func (e *Engine) FindBundles(ctx context.Context, f store.BundleFilter) ([]domain.LibraryBundle, int, error) {
	f.Search = strings.TrimSpace(f.Search)
	items, err := e.Store.ListBundles(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.Store.CountBundles(ctx, f)
	return items, total, err
}

// SetBundlePackages replaces the packages of a library bundle. Copies
// already attached to profiles are not touched.
func (e *Engine) SetBundlePackages(ctx context.Context, name string, packages []domain.PackageRef) (domain.LibraryBundle, error) {
	checked, err := checkBundlePackages(packages)
	if err != nil {
		return domain.LibraryBundle{}, err
	}
	var out domain.LibraryBundle
	err = e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Store.SetBundlePackages(ctx, tx, name, checked, e.now().UnixNano()); err != nil {
			return err
		}
		var err error
		out, err = e.Store.GetBundle(ctx, tx, name)
		return err
	})
	if err != nil {
		return out, err
	}
	e.announce(ctx, BundleChanged, map[string]any{"name": name, "op": "updated"})
	return out, nil
}

func (e *Engine) DeleteBundle(ctx context.Context, name string) error {
	if err := e.Store.DeleteBundle(ctx, nil, name); err != nil {
		return err
	}
	e.log().Info("bundle deleted", "bundle", name)
	e.announce(ctx, BundleChanged, map[string]any{"name": name, "op": "deleted"})
	return nil
}
