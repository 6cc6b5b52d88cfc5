package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/ids"
	"studiopipe/internal/resolver"
	"studiopipe/internal/store"
)

// profileEdit changes p given its effective view with deletions kept. It
// reports false when nothing needs to change.
type profileEdit func(p *domain.Profile, eff resolver.EffectiveProfile) (bool, error)

// reviseProfile applies edit to profile id. A profile that is not current
// is edited in place and goes back to pending. A current profile is copied
// into a new revision that becomes current in the same transaction, so the
// returned profile may carry a new id.
func (e *Engine) reviseProfile(ctx context.Context, id, actor string, edit profileEdit) (domain.Profile, error) {
	p, err := e.GetProfile(ctx, id)
	if err != nil {
		return p, err
	}
	eff, err := e.Resolver.ProfileWith(ctx, p, resolver.ProfileOptions{KeepDeletions: true})
	if err != nil {
		return p, err
	}
	next := p
	next.Packages = append([]domain.PackageRef(nil), p.Packages...)
	next.Bundles = make([]domain.Bundle, len(p.Bundles))
	for i, b := range p.Bundles {
		next.Bundles[i] = domain.Bundle{Name: b.Name, Description: b.Description, Packages: append([]domain.PackageRef(nil), b.Packages...)}
	}
	changed, err := edit(&next, eff)
	if err != nil || !changed {
		return p, err
	}
	if err := validatePackages(next.Packages, next.Bundles); err != nil {
		return p, err
	}

	now := e.now().UnixNano()
	revised := false
	err = e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Store.CurrentProfile(ctx, tx, p.Path, p.Name)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		if err != nil || cur.ID != p.ID {
			if err := e.Store.UpdateProfile(ctx, tx, p.ID, store.ProfilePatch{Packages: &next.Packages, Bundles: &next.Bundles}, now); err != nil {
				return err
			}
			next, err = e.Store.GetProfile(ctx, tx, p.ID)
			return err
		}
		next.ID = ids.NewProfileID()
		next.Comments = []domain.Comment{}
		next.Status = domain.StatusPending
		next.Diagnostics = ""
		next.Active = 0
		next.CreatedNS, next.UpdatedNS = now, now
		next.CreatedBy = actor
		if err := e.Store.InsertProfile(ctx, tx, next); err != nil {
			return err
		}
		active, err := e.Store.SetCurrentProfile(ctx, tx, next.ID, cur.Active, now)
		if err != nil {
			return err
		}
		next.Active = active
		revised = true
		return nil
	})
	if err != nil {
		return p, err
	}
	if revised {
		e.log().Info("profile revised", "profile_id", next.ID, "previous_id", p.ID, "path", next.Path, "name", next.Name, "active", next.Active)
		e.profileChanged(ctx, next)
	}
	return next, nil
}

// DeleteProfilePackage removes a package at the level of a profile. A local
// reference is marked deleted; an inherited one is shadowed by a deletion
// marker. A package already deleted is left alone.
func (e *Engine) DeleteProfilePackage(ctx context.Context, id, name, actor string) (domain.Profile, error) {
	return e.reviseProfile(ctx, id, actor, func(p *domain.Profile, eff resolver.EffectiveProfile) (bool, error) {
		found := false
		for _, ref := range eff.Packages {
			if ref.Name != name {
				continue
			}
			if ref.Version == resolver.DeletedVersion {
				return false, nil
			}
			found = true
		}
		if !found {
			return false, errs.NotFound("package %s in profile %s", name, p.ID)
		}
		for i := range p.Packages {
			if p.Packages[i].Name == name {
				p.Packages[i].Version = resolver.DeletedVersion
				return true, nil
			}
		}
		p.Packages = append(p.Packages, domain.PackageRef{Name: name, Version: resolver.DeletedVersion})
		return true, nil
	})
}

// AddProfileBundle attaches a copy of a library bundle. A bundle the
// profile already carries, locally or inherited, is a conflict unless it
// was deleted.
func (e *Engine) AddProfileBundle(ctx context.Context, id, bundle, actor string) (domain.Profile, error) {
	lib, err := e.Store.GetBundle(ctx, nil, bundle)
	if err != nil {
		return domain.Profile{}, err
	}
	return e.reviseProfile(ctx, id, actor, func(p *domain.Profile, eff resolver.EffectiveProfile) (bool, error) {
		for _, b := range eff.Bundles {
			if b.Name == bundle && len(b.Packages) > 0 {
				return false, errs.Conflict("bundle %s already in profile %s", bundle, p.ID)
			}
		}
		copied := lib.Bundle()
		for i := range p.Bundles {
			if p.Bundles[i].Name == bundle {
				p.Bundles[i] = copied
				return true, nil
			}
		}
		p.Bundles = append(p.Bundles, copied)
		return true, nil
	})
}

// DeleteProfileBundle empties a bundle at the level of a profile, shadowing
// an inherited one. A bundle already emptied is left alone.
func (e *Engine) DeleteProfileBundle(ctx context.Context, id, bundle, actor string) (domain.Profile, error) {
	return e.reviseProfile(ctx, id, actor, func(p *domain.Profile, eff resolver.EffectiveProfile) (bool, error) {
		found := false
		for _, b := range eff.Bundles {
			if b.Name != bundle {
				continue
			}
			if len(b.Packages) == 0 {
				return false, nil
			}
			found = true
		}
		if !found {
			return false, errs.NotFound("bundle %s in profile %s", bundle, p.ID)
		}
		for i := range p.Bundles {
			if p.Bundles[i].Name == bundle {
				p.Bundles[i].Packages = []domain.PackageRef{}
				return true, nil
			}
		}
		p.Bundles = append(p.Bundles, domain.Bundle{Name: bundle, Packages: []domain.PackageRef{}})
		return true, nil
	})
}

// ProfileBundles is the effective bundle list of a stored profile sorted by
// name. Deleted bundles are left out.
func (e *Engine) ProfileBundles(ctx context.Context, id string) ([]domain.Bundle, error) {
	p, err := e.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	eff, err := e.Resolver.ProfileWith(ctx, p, resolver.ProfileOptions{})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(eff.Bundles, func(i, j int) bool { return eff.Bundles[i].Name < eff.Bundles[j].Name })
	return eff.Bundles, nil
}

// ValidateProfile asks for a new validation of a stored profile.
func (e *Engine) ValidateProfile(ctx context.Context, id string) error {
	p, err := e.GetProfile(ctx, id)
	if err != nil {
		return err
	}
	if e.Profiles == nil {
		return errs.Upstream("validation", errors.New("no validation dispatcher configured"))
	}
	if err := e.Profiles.RequestValidation(ctx, p); err != nil {
		return errs.Upstream("validation", err)
	}
	e.log().Info("profile validation requested", "profile_id", p.ID, "path", p.Path, "name", p.Name)
	return nil
}

// EffectivePackages is the merged package reference list at path, without
// deletions.
func (e *Engine) EffectivePackages(ctx context.Context, path, name string) ([]domain.PackageRef, error) {
	eff, err := e.Resolver.Profile(ctx, path, name, resolver.ProfileOptions{})
	if err != nil {
		return nil, err
	}
	return eff.Packages, nil
}

// EffectiveBundles is the merged bundle list at path sorted by name,
// without deleted bundles.
func (e *Engine) EffectiveBundles(ctx context.Context, path, name string) ([]domain.Bundle, error) {
	eff, err := e.Resolver.Profile(ctx, path, name, resolver.ProfileOptions{})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(eff.Bundles, func(i, j int) bool { return eff.Bundles[i].Name < eff.Bundles[j].Name })
	return eff.Bundles, nil
}
