package resolver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/levelpath"
	"studiopipe/internal/metrics"
)

// DeletedVersion in a child profile removes the package it names.
const DeletedVersion = "!"

type ProfileOptions struct {
	// KeepDeletions leaves "!" packages and emptied bundles in the result.
	KeepDeletions bool
}

// EffectiveProfile is the merged package and bundle set at a path.
type EffectiveProfile struct {
	Path        string              `json:"path"`
	Name        string              `json:"name"`
	ID          string              `json:"id"`
	Active      int64               `json:"active"`
	Description string              `json:"description,omitempty"`
	Packages    []domain.PackageRef `json:"packages"`
	Bundles     []domain.Bundle     `json:"bundles"`
	Status      string              `json:"status"`
	Sources     []Source            `json:"sources"`
}

// Profile walks root to path. Packages override by name in place, an empty
// child version keeps the inherited one and "!" removes the package.
// Bundles override by name in place. A non-inheriting item resets both.
func (r Resolver) Profile(ctx context.Context, path, name string, opts ProfileOptions) (EffectiveProfile, error) {
	return r.profile(ctx, path, name, nil, opts)
}

// ProfileWith resolves as if p were the current profile at its own path.
func (r Resolver) ProfileWith(ctx context.Context, p domain.Profile, opts ProfileOptions) (EffectiveProfile, error) {
	return r.profile(ctx, p.Path, p.Name, &p, opts)
}

func (r Resolver) profile(ctx context.Context, path, name string, override *domain.Profile, opts ProfileOptions) (EffectiveProfile, error) {
	start := time.Now()
	path = levelpath.Canonize(path)
	ctx, span := tracer.Start(ctx, "resolver.Profile")
	defer span.End()
	span.SetAttributes(attribute.String("path", path), attribute.String("name", name))
	defer func() { metrics.ResolveDuration.WithLabelValues("profile").Observe(time.Since(start).Seconds()) }()

	out := EffectiveProfile{Path: path, Name: name}
	var packages []domain.PackageRef
	var bundles []domain.Bundle
	seen := false
	for _, anc := range levelpath.Ancestors(path) {
		var p domain.Profile
		var err error
		if override != nil && anc == path {
			p = *override
		} else {
			p, err = r.Items.ProfileAt(ctx, anc, name)
		}
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "profile lookup failed")
			return out, err
		}
		if !seen || !p.Inherits {
			packages = append([]domain.PackageRef(nil), p.Packages...)
			bundles = cloneBundles(p.Bundles)
		} else {
			packages = mergePackages(packages, p.Packages)
			bundles = mergeBundles(bundles, p.Bundles)
		}
		seen = true
		if p.Description != "" {
			out.Description = p.Description
		}
		out.ID, out.Active, out.Status = p.ID, p.Active, p.Status
		out.Sources = append(out.Sources, Source{Path: anc, ID: p.ID, Active: p.Active})
	}
	if !seen {
		return out, errs.NotFound("effective profile %s at %s", name, path)
	}
	if !opts.KeepDeletions {
		packages = withoutDeletions(packages)
		bundles = withoutEmptyBundles(bundles)
	}
	if packages == nil {
		packages = []domain.PackageRef{}
	}
	if bundles == nil {
		bundles = []domain.Bundle{}
	}
	out.Packages, out.Bundles = packages, bundles
	return out, nil
}

func mergePackages(parent, child []domain.PackageRef) []domain.PackageRef {
	out := append([]domain.PackageRef(nil), parent...)
	index := make(map[string]int, len(out))
	for i, p := range out {
		index[p.Name] = i
	}
	for _, c := range child {
		i, ok := index[c.Name]
		if !ok {
			index[c.Name] = len(out)
			out = append(out, c)
			continue
		}
		if c.Version == "" && out[i].Version != DeletedVersion {
			c.Version = out[i].Version
		}
		out[i] = c
	}
	return out
}

func mergeBundles(parent, child []domain.Bundle) []domain.Bundle {
	out := cloneBundles(parent)
	index := make(map[string]int, len(out))
	for i, b := range out {
		index[b.Name] = i
	}
	for _, c := range cloneBundles(child) {
		if i, ok := index[c.Name]; ok {
			out[i] = c
			continue
		}
		index[c.Name] = len(out)
		out = append(out, c)
	}
	return out
}

func cloneBundles(in []domain.Bundle) []domain.Bundle {
	if in == nil {
		return nil
	}
	out := make([]domain.Bundle, len(in))
	for i, b := range in {
		out[i] = domain.Bundle{Name: b.Name, Description: b.Description, Packages: append([]domain.PackageRef(nil), b.Packages...)}
	}
	return out
}

func withoutDeletions(in []domain.PackageRef) []domain.PackageRef {
	var out []domain.PackageRef
	for _, p := range in {
		if p.Version != DeletedVersion {
			out = append(out, p)
		}
	}
	return out
}

// withoutEmptyBundles drops bundles a level emptied to delete them.
func withoutEmptyBundles(in []domain.Bundle) []domain.Bundle {
	var out []domain.Bundle
	for _, b := range in {
		if len(b.Packages) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// PackageList flattens packages then bundle packages into "name-version"
// requests. Legacy and deleted entries are skipped; the first occurrence of
// a name wins.
func PackageList(packages []domain.PackageRef, bundles []domain.Bundle) []string {
	var out []string
	seen := map[string]bool{}
	add := func(p domain.PackageRef) {
		if p.UseLegacy || p.Version == DeletedVersion || p.Name == "" || seen[p.Name] {
			return
		}
		seen[p.Name] = true
		if p.Version == "" {
			out = append(out, p.Name)
			return
		}
		out = append(out, p.Name+"-"+p.Version)
	}
	for _, p := range packages {
		add(p)
	}
	for _, b := range bundles {
		for _, p := range b.Packages {
			add(p)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// PackageList flattens the effective packages and bundles.
func (e EffectiveProfile) PackageList() []string {
	return PackageList(e.Packages, e.Bundles)
}

// Digest is a blake3 hash of the package-relevant content. Equal digests
// mean an equal validation outcome.
func (e EffectiveProfile) Digest() string {
	raw, _ := json.Marshal(struct {
		Path     string              `json:"path"`
		Name     string              `json:"name"`
		Packages []domain.PackageRef `json:"packages"`
		Bundles  []domain.Bundle     `json:"bundles"`
	}{e.Path, e.Name, e.Packages, e.Bundles})
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
