package tree

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"studiopipe/internal/levelpath"
	"studiopipe/internal/upstream"
)

// BuildOptions control which upstream projects enter the tree.
type BuildOptions struct {
	Filter      upstream.ProjectFilter
	DefaultSite levelpath.Site
	Log         *slog.Logger
}

// Build reads the whole upstream dataset into a fresh root level. Any fetch
// error aborts the build; unusable entities are skipped with a warning.
func Build(ctx context.Context, src upstream.Source, opts BuildOptions) (*Level, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	defaultSite := opts.DefaultSite
	if defaultSite == "" {
		defaultSite = levelpath.SiteToronto
	}
	projects, err := src.Projects(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("fetch projects: %w", err)
	}

	root := emptyRoot()
	divisions := map[string]*Level{}
	for _, site := range levelpath.Sites() {
		siteLevel, _ := root.addChild(&Level{Name: string(site), Site: site})
		for _, div := range levelpath.Divisions() {
			d, _ := siteLevel.addChild(&Level{Name: string(div), Site: site, Division: div})
			divisions[string(site)+"/"+string(div)] = d
		}
	}

	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, ok := segment(p.Name)
		if p.ID <= 0 || !ok {
			log.Warn("skipping project without id or usable name", "project_id", p.ID, "name", p.Name)
			continue
		}
		div, ok := levelpath.DivisionFromText(p.Division, false)
		if !ok {
			log.Warn("skipping project with unknown division", "project_id", p.ID, "division", p.Division)
			continue
		}
		site, ok := levelpath.SiteFromText(p.Site)
		if !ok {
			site = defaultSite
		}
		parent := divisions[string(site)+"/"+string(div)]
		proj, added := parent.addChild(&Level{Name: name, EntityID: p.ID, Site: site, Division: div, Project: name})
		if !added {
			log.Warn("skipping duplicate project name", "project_id", p.ID, "name", name)
			continue
		}

		assets, err := src.Assets(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch assets for project %d: %w", p.ID, err)
		}
		sequences, err := src.Sequences(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch sequences for project %d: %w", p.ID, err)
		}

		base := Level{Site: site, Division: div, Project: name}
		assetRoot, _ := proj.addChild(with(base, func(l *Level) { l.Name = string(levelpath.TypeAsset); l.Type = levelpath.TypeAsset }))
		for _, a := range assets {
			code, codeOK := segment(a.Code)
			assetType, typeOK := segment(a.AssetType)
			if a.ID <= 0 || !codeOK || !typeOK {
				log.Warn("skipping unusable asset", "project_id", p.ID, "asset_id", a.ID, "code", a.Code, "asset_type", a.AssetType)
				continue
			}
			typeLevel, _ := assetRoot.addChild(with(base, func(l *Level) {
				l.Name, l.Type, l.AssetType = assetType, levelpath.TypeAsset, assetType
			}))
			if _, ok := typeLevel.addChild(with(base, func(l *Level) {
				l.Name, l.EntityID, l.Type, l.AssetType, l.AssetCode = code, a.ID, levelpath.TypeAsset, assetType, code
			})); !ok {
				log.Warn("skipping duplicate asset", "project_id", p.ID, "asset_id", a.ID, "code", code)
			}
		}

		seqRoot, _ := proj.addChild(with(base, func(l *Level) { l.Name = string(levelpath.TypeSequence); l.Type = levelpath.TypeSequence }))
		for _, s := range sequences {
			seqCode, ok := segment(s.Code)
			if s.ID <= 0 || !ok {
				log.Warn("skipping unusable sequence", "project_id", p.ID, "sequence_id", s.ID, "code", s.Code)
				continue
			}
			seqLevel, ok := seqRoot.addChild(with(base, func(l *Level) {
				l.Name, l.EntityID, l.Type, l.Sequence = seqCode, s.ID, levelpath.TypeSequence, seqCode
			}))
			if !ok {
				log.Warn("skipping duplicate sequence", "project_id", p.ID, "sequence_id", s.ID, "code", seqCode)
				continue
			}
			for _, sh := range s.Shots {
				shotCode, ok := segment(sh.Code)
				if sh.ID <= 0 || !ok {
					log.Warn("skipping unusable shot", "project_id", p.ID, "sequence", seqCode, "shot_id", sh.ID, "code", sh.Code)
					continue
				}
				if _, ok := seqLevel.addChild(with(base, func(l *Level) {
					l.Name, l.EntityID, l.Type, l.Sequence, l.Shot = shotCode, sh.ID, levelpath.TypeSequence, seqCode, shotCode
				})); !ok {
					log.Warn("skipping duplicate shot", "project_id", p.ID, "sequence", seqCode, "shot_id", sh.ID, "code", shotCode)
				}
			}
		}
		log.Debug("project added", "project_id", p.ID, "name", name, "division", div, "assets", len(assets), "sequences", len(sequences))
	}
	return root, nil
}

// segment trims an upstream name. Names that cannot stand as exactly one
// path segment are refused.
func segment(raw string) (string, bool) {
	name := strings.TrimSpace(raw)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func with(base Level, set func(*Level)) *Level {
	l := base
	set(&l)
	return &l
}

// Verify checks the structural invariants of a loaded hierarchy.
func Verify(root *Level) error {
	if root == nil {
		return fmt.Errorf("tree has no root")
	}
	if root.Path != levelpath.Root {
		return fmt.Errorf("root path is %q", root.Path)
	}
	return verifyChildren(root)
}

func verifyChildren(l *Level) error {
	depth := levelpath.Depth(l.Path)
	for _, c := range l.Children {
		if c == nil {
			return fmt.Errorf("nil child under %s", l.Path)
		}
		if levelpath.Depth(c.Path) != depth+1 || !levelpath.IsPrefixOf(l.Path, c.Path) {
			return fmt.Errorf("child %s does not extend %s by one segment", c.Path, l.Path)
		}
		if err := verifyChildren(c); err != nil {
			return err
		}
	}
	return nil
}
