package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/ids"
	"studiopipe/internal/levelpath"
	"studiopipe/internal/resolver"
	"studiopipe/internal/store"
)

type ProfilePut struct {
	Path        string
	Name        string
	Description string
	Inherits    *bool
	Packages    []domain.PackageRef
	Bundles     []domain.Bundle
	Current     bool
	Actor       string
}

func validatePackages(packages []domain.PackageRef, bundles []domain.Bundle) error {
	check := func(where string, refs []domain.PackageRef) error {
		for i, p := range refs {
			if strings.TrimSpace(p.Name) == "" {
				return errs.Validation("%s package %d has no name", where, i)
			}
			if strings.ContainsAny(p.Name, " \t/") || strings.ContainsAny(p.Version, " \t/") {
				return errs.Validation("%s package %q has an invalid name or version", where, p.Name)
			}
		}
		return nil
	}
	if err := check("profile", packages); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, b := range bundles {
		if !ids.ValidName(b.Name, "") {
			return errs.Validation("invalid bundle name %q", b.Name)
		}
		if seen[b.Name] {
			return errs.Validation("bundle %q listed twice", b.Name)
		}
		seen[b.Name] = true
		if err := check("bundle "+b.Name, b.Packages); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) PutProfile(ctx context.Context, in ProfilePut) (domain.Profile, error) {
	if !ids.ValidName(in.Name, ids.ProfilePrefix) {
		return domain.Profile{}, errs.Validation("invalid profile name %q", in.Name)
	}
	if err := validatePackages(in.Packages, in.Bundles); err != nil {
		return domain.Profile{}, err
	}
	path, err := e.checkPath(in.Path)
	if err != nil {
		return domain.Profile{}, err
	}
	inherits := true
	if in.Inherits != nil {
		inherits = *in.Inherits
	}
	now := e.now().UnixNano()
	p := domain.Profile{
		ID:          ids.NewProfileID(),
		Path:        path,
		Name:        in.Name,
		Description: strings.TrimSpace(in.Description),
		Inherits:    inherits,
		Packages:    in.Packages,
		Bundles:     in.Bundles,
		Comments:    []domain.Comment{},
		Status:      domain.StatusPending,
		CreatedNS:   now,
		UpdatedNS:   now,
		CreatedBy:   in.Actor,
	}
	if p.Packages == nil {
		p.Packages = []domain.PackageRef{}
	}
	if p.Bundles == nil {
		p.Bundles = []domain.Bundle{}
	}
	err = e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Store.InsertProfile(ctx, tx, p); err != nil {
			return err
		}
		if in.Current {
			active, err := e.Store.SetCurrentProfile(ctx, tx, p.ID, -1, now)
			if err != nil {
				return err
			}
			p.Active = active
		}
		return nil
	})
	if err != nil {
		return domain.Profile{}, err
	}
	e.log().Info("profile stored", "profile_id", p.ID, "path", p.Path, "name", p.Name, "active", p.Active)
	if p.Active > 0 {
		e.profileChanged(ctx, p)
	}
	return p, nil
}

func (e *Engine) profileChanged(ctx context.Context, p domain.Profile) {
	e.announce(ctx, ProfileChanged, map[string]any{"id": p.ID, "path": p.Path, "name": p.Name, "active": p.Active})
	if e.Profiles == nil {
		return
	}
	if err := e.Profiles.ProfileChanged(ctx, p); err != nil {
		e.log().Warn("dispatch profile validation", "profile_id", p.ID, "err", err)
	}
}

func (e *Engine) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	if !ids.IsProfileID(id) {
		return domain.Profile{}, errs.Validation("invalid profile id %q", id)
	}
	return e.Store.GetProfile(ctx, nil, id)
}

func (e *Engine) CurrentProfile(ctx context.Context, path, name string) (domain.Profile, error) {
	return e.Store.CurrentProfile(ctx, nil, levelpath.Canonize(path), name)
}

func (e *Engine) ProfileHistory(ctx context.Context, path, name string) ([]domain.Profile, error) {
	return e.Store.ProfileHistory(ctx, levelpath.Canonize(path), name)
}

func (e *Engine) FindProfiles(ctx context.Context, f store.ItemFilter) ([]domain.Profile, int, error) {
	if f.Path != "" {
		f.Path = levelpath.Canonize(f.Path)
	}
	items, err := e.Store.ListProfiles(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.Store.CountProfiles(ctx, f)
	return items, total, err
}

func (e *Engine) SetCurrentProfile(ctx context.Context, id string) (domain.Profile, error) {
	p, err := e.GetProfile(ctx, id)
	if err != nil {
		return p, err
	}
	observed, err := e.Store.MaxProfileActive(ctx, nil, p.Path, p.Name)
	if err != nil {
		return p, err
	}
	active, err := e.Store.SetCurrentProfile(ctx, nil, id, observed, e.now().UnixNano())
	if err != nil {
		return p, err
	}
	changed := active != p.Active
	p.Active = active
	if changed {
		e.log().Info("profile made current", "profile_id", p.ID, "path", p.Path, "name", p.Name, "active", active)
		e.profileChanged(ctx, p)
	}
	return p, nil
}

// PatchProfile edits a non-current profile and resets its status.
func (e *Engine) PatchProfile(ctx context.Context, id string, patch store.ProfilePatch) (domain.Profile, error) {
	var packages []domain.PackageRef
	var bundles []domain.Bundle
	if patch.Packages != nil {
		packages = *patch.Packages
	}
	if patch.Bundles != nil {
		bundles = *patch.Bundles
	}
	if err := validatePackages(packages, bundles); err != nil {
		return domain.Profile{}, err
	}
	var out domain.Profile
	err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireNotCurrentProfile(ctx, tx, id); err != nil {
			return err
		}
		if err := e.Store.UpdateProfile(ctx, tx, id, patch, e.now().UnixNano()); err != nil {
			return err
		}
		var err error
		out, err = e.Store.GetProfile(ctx, tx, id)
		return err
	})
	return out, err
}

func (e *Engine) DeleteProfile(ctx context.Context, id string) error {
	return e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireNotCurrentProfile(ctx, tx, id); err != nil {
			return err
		}
		return e.Store.DeleteProfile(ctx, tx, id)
	})
}

func (e *Engine) requireNotCurrentProfile(ctx context.Context, tx *sql.Tx, id string) error {
	if !ids.IsProfileID(id) {
		return errs.Validation("invalid profile id %q", id)
	}
	p, err := e.Store.GetProfile(ctx, tx, id)
	if err != nil {
		return err
	}
	cur, err := e.Store.CurrentProfile(ctx, tx, p.Path, p.Name)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.ID == id {
		return errs.Conflict("profile %s is current at %s", id, p.Path)
	}
	return nil
}

func (e *Engine) AddProfileComment(ctx context.Context, id, author, text string) (domain.Profile, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Profile{}, errs.Validation("comment text required")
	}
	if !ids.IsProfileID(id) {
		return domain.Profile{}, errs.Validation("invalid profile id %q", id)
	}
	c := domain.Comment{Author: author, Text: strings.TrimSpace(text), CreatedNS: e.now().UnixNano()}
	var out domain.Profile
	err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Store.AppendProfileComment(ctx, tx, id, c); err != nil {
			return err
		}
		var err error
		out, err = e.Store.GetProfile(ctx, tx, id)
		return err
	})
	return out, err
}

func (e *Engine) EffectiveProfile(ctx context.Context, path, name string, excludeDeletions bool) (resolver.EffectiveProfile, error) {
	return e.Resolver.Profile(ctx, path, name, resolver.ProfileOptions{KeepDeletions: !excludeDeletions})
}

// ProfilePackages is the package request list of a stored profile, resolved
// against its ancestors as if it were current.
func (e *Engine) ProfilePackages(ctx context.Context, id string) ([]string, error) {
	p, err := e.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	eff, err := e.Resolver.ProfileWith(ctx, p, resolver.ProfileOptions{})
	if err != nil {
		return nil, err
	}
	return eff.PackageList(), nil
}

// PackagesAt is the package request list of the effective profile.
func (e *Engine) PackagesAt(ctx context.Context, path, name string) ([]string, error) {
	eff, err := e.Resolver.Profile(ctx, path, name, resolver.ProfileOptions{})
	if err != nil {
		return nil, err
	}
	return eff.PackageList(), nil
}
