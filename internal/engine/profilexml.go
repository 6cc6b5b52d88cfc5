package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/ids"
	"studiopipe/internal/levelpath"
	"studiopipe/internal/resolver"
)

// XMLFormatVersion is the only package_configuration version understood.
const XMLFormatVersion = "1"

type xmlPackageConfiguration struct {
	XMLName  xml.Name     `xml:"package_configuration"`
	Version  string       `xml:"version,attr"`
	Profiles []xmlProfile `xml:"profile"`
}

type xmlProfile struct {
	Name     string       `xml:"name,attr"`
	Packages []xmlPackage `xml:"package"`
	Bundles  []xmlBundle  `xml:"bundle"`
}

type xmlPackage struct {
	Name    string `xml:"name,attr"`
	Version string `xml:"version,attr"`
}

type xmlBundle struct {
	Name     string       `xml:"name,attr"`
	Packages []xmlPackage `xml:"package"`
}

func toXMLPackages(refs []domain.PackageRef) []xmlPackage {
	out := make([]xmlPackage, 0, len(refs))
	for _, r := range refs {
		out = append(out, xmlPackage{Name: r.Name, Version: r.Version})
	}
	return out
}

// ExportProfileXML renders the effective profile at path as a
// package_configuration document. Deleted entries are left out.
func (e *Engine) ExportProfileXML(ctx context.Context, path, name string) ([]byte, error) {
	eff, err := e.Resolver.Profile(ctx, path, name, resolver.ProfileOptions{})
	if err != nil {
		return nil, err
	}
	doc := xmlPackageConfiguration{Version: XMLFormatVersion}
	p := xmlProfile{Name: eff.Name, Packages: toXMLPackages(eff.Packages)}
	for _, b := range eff.Bundles {
		p.Bundles = append(p.Bundles, xmlBundle{Name: b.Name, Packages: toXMLPackages(b.Packages)})
	}
	doc.Profiles = []xmlProfile{p}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

type InvalidPackageRef struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Issue   string `json:"issue,omitempty"`
}

type InvalidBundle struct {
	Name     string              `json:"name,omitempty"`
	Packages []InvalidPackageRef `json:"packages"`
	Issue    string              `json:"issue"`
}

type PackagesImport struct {
	Previous []domain.PackageRef `json:"previous"`
	Included []domain.PackageRef `json:"included"`
	Missed   []InvalidPackageRef `json:"missed"`
	Ignored  []string            `json:"ignored"`
}

type BundlesImport struct {
	Imported []domain.Bundle `json:"imported"`
	Previous []domain.Bundle `json:"previous"`
	Included []domain.Bundle `json:"included"`
	Missed   []InvalidBundle `json:"missed"`
	Ignored  []string        `json:"ignored"`
}

type ImportSummary struct {
	ProfileName      string `json:"profile_name"`
	PreviousPackages int    `json:"previous_packages"`
	IncludedPackages int    `json:"included_packages"`
	MissedPackages   int    `json:"missed_packages"`
	IgnoredPackages  int    `json:"ignored_packages"`
	ImportedBundles  int    `json:"imported_bundles"`
	PreviousBundles  int    `json:"previous_bundles"`
	IncludedBundles  int    `json:"included_bundles"`
	MissedBundles    int    `json:"missed_bundles"`
	IgnoredBundles   int    `json:"ignored_bundles"`
	Errors           int    `json:"errors"`
}

// ImportReport lists what an XML import kept, skipped and why. ProfileID is
// empty when nothing was stored.
type ImportReport struct {
	ProfileID string         `json:"profile_id,omitempty"`
	Packages  PackagesImport `json:"packages"`
	Bundles   BundlesImport  `json:"bundles"`
	Summary   ImportSummary  `json:"summary"`
	Errors    []string       `json:"errors"`
}

func newImportReport(name string) ImportReport {
	return ImportReport{
		Packages: PackagesImport{Previous: []domain.PackageRef{}, Included: []domain.PackageRef{}, Missed: []InvalidPackageRef{}, Ignored: []string{}},
		Bundles:  BundlesImport{Imported: []domain.Bundle{}, Previous: []domain.Bundle{}, Included: []domain.Bundle{}, Missed: []InvalidBundle{}, Ignored: []string{}},
		Summary:  ImportSummary{ProfileName: name},
		Errors:   []string{},
	}
}

func (r ImportReport) HasIssues() bool {
	return len(r.Errors) > 0 || len(r.Packages.Ignored) > 0 || len(r.Packages.Missed) > 0 ||
		len(r.Bundles.Ignored) > 0 || len(r.Bundles.Missed) > 0
}

func (r *ImportReport) count() {
	r.Summary.PreviousPackages = len(r.Packages.Previous)
	r.Summary.IncludedPackages = len(r.Packages.Included)
	r.Summary.MissedPackages = len(r.Packages.Missed)
	r.Summary.IgnoredPackages = len(r.Packages.Ignored)
	r.Summary.ImportedBundles = len(r.Bundles.Imported)
	r.Summary.PreviousBundles = len(r.Bundles.Previous)
	r.Summary.IncludedBundles = len(r.Bundles.Included)
	r.Summary.MissedBundles = len(r.Bundles.Missed)
	r.Summary.IgnoredBundles = len(r.Bundles.Ignored)
	r.Summary.Errors = len(r.Errors)
}

type ProfileImport struct {
	Path string
	XML  []byte
	// Replace supersedes the current profile at Path; without it a current
	// profile there is a conflict.
	Replace bool
	// Strict stores nothing when the report has issues.
	Strict bool
	Actor  string
}

func parseConfiguration(raw []byte) (xmlProfile, []string, error) {
	var doc xmlPackageConfiguration
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return xmlProfile{}, nil, errs.Validation("xml document: %v", err)
	}
	switch v := strings.TrimSpace(doc.Version); {
	case v == "":
		return xmlProfile{}, nil, errs.Validation("<package_configuration> has a missing or empty version attribute")
	case v != XMLFormatVersion:
		return xmlProfile{}, nil, errs.Validation("<package_configuration> version %q is unknown", v)
	}
	if len(doc.Profiles) == 0 {
		return xmlProfile{}, nil, errs.Validation("xml document contains no <profile> node")
	}
	p := doc.Profiles[0]
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return xmlProfile{}, nil, errs.Validation("<profile> has a missing or empty name attribute")
	}
	var notes []string
	if len(doc.Profiles) > 1 {
		notes = append(notes, "doc has more than one <profile> node, ignoring others")
	}
	return p, notes, nil
}

func findRef(refs []domain.PackageRef, name string) (domain.PackageRef, bool) {
	for _, r := range refs {
		if r.Name == name {
			return r, true
		}
	}
	return domain.PackageRef{}, false
}

func candidates(pkgs []xmlPackage) []InvalidPackageRef {
	out := make([]InvalidPackageRef, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, InvalidPackageRef{Name: strings.TrimSpace(p.Name), Version: strings.TrimSpace(p.Version)})
	}
	return out
}

// ImportProfileXML stores the profile described by a package_configuration
// document as the current profile at in.Path. Entries the profile already
// inherits unchanged are reported as previous and not stored locally.
// Bundles unknown to the library are added to it; a bundle that differs
// from its library copy is missed.
func (e *Engine) ImportProfileXML(ctx context.Context, in ProfileImport) (ImportReport, error) {
	path, err := e.checkPath(in.Path)
	if err != nil {
		return ImportReport{}, err
	}
	doc, notes, err := parseConfiguration(in.XML)
	if err != nil {
		return ImportReport{}, err
	}
	if !ids.ValidName(doc.Name, ids.ProfilePrefix) {
		return ImportReport{}, errs.Validation("invalid profile name %q", doc.Name)
	}
	if err := e.requireImportTarget(ctx, nil, path, doc.Name, in.Replace); err != nil {
		return ImportReport{}, err
	}
	var inherited resolver.EffectiveProfile
	if parent, ok := levelpath.Parent(path); ok {
		inherited, err = e.Resolver.Profile(ctx, parent, doc.Name, resolver.ProfileOptions{})
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return ImportReport{}, err
		}
	}

	log := e.log().With("path", path, "profile", doc.Name)
	report := newImportReport(doc.Name)
	report.Errors = append(report.Errors, notes...)

	var local, listed []domain.PackageRef
	seen := map[string]bool{}
	for _, pk := range doc.Packages {
		name, version := strings.TrimSpace(pk.Name), strings.TrimSpace(pk.Version)
		switch {
		case name == "":
			report.Packages.Ignored = append(report.Packages.Ignored, "package ref has no name")
			continue
		case version == "":
			report.Packages.Ignored = append(report.Packages.Ignored, fmt.Sprintf("package ref to '%s' has no version set", name))
			continue
		case seen[name]:
			report.Packages.Missed = append(report.Packages.Missed, InvalidPackageRef{Name: name, Version: version, Issue: "package listed more than once"})
			continue
		}
		seen[name] = true
		ref := domain.PackageRef{Name: name, Version: version}
		listed = append(listed, ref)
		report.Packages.Included = append(report.Packages.Included, ref)
		if prev, ok := findRef(inherited.Packages, name); ok && prev.Version == version {
			report.Packages.Previous = append(report.Packages.Previous, prev)
			continue
		}
		local = append(local, ref)
	}

	var bundles []domain.Bundle
	var toLibrary []domain.LibraryBundle
	included := map[string]bool{}
	for _, pb := range doc.Bundles {
		name := strings.TrimSpace(pb.Name)
		if name == "" {
			report.Bundles.Ignored = append(report.Bundles.Ignored, "profile has bundle with no name")
			continue
		}
		miss := func(issue string) {
			report.Bundles.Missed = append(report.Bundles.Missed, InvalidBundle{Name: name, Packages: candidates(pb.Packages), Issue: issue})
		}
		if included[name] {
			miss(fmt.Sprintf("found a previous bundle using same name '%s'", name))
			continue
		}
		if len(pb.Packages) == 0 {
			report.Bundles.Ignored = append(report.Bundles.Ignored, fmt.Sprintf("bundle '%s' has missing or empty package ref list", name))
			continue
		}
		b := domain.Bundle{Name: name}
		usable := true
		for _, bp := range pb.Packages {
			pname, pversion := strings.TrimSpace(bp.Name), strings.TrimSpace(bp.Version)
			if pname == "" {
				report.Bundles.Ignored = append(report.Bundles.Ignored, fmt.Sprintf("bundle '%s' has a package ref with no name", name))
				usable = false
				break
			}
			if pversion == "" {
				ref, ok := findRef(listed, pname)
				if !ok {
					miss(fmt.Sprintf("package ref to '%s' with no usable version", pname))
					usable = false
					break
				}
				pversion = ref.Version
			}
			b.Packages = append(b.Packages, domain.PackageRef{Name: pname, Version: pversion})
		}
		if !usable {
			continue
		}
		if !bundleNameRe.MatchString(name) {
			miss(fmt.Sprintf("bundle name '%s' is not usable in the library", name))
			continue
		}
		if err := validatePackages(nil, []domain.Bundle{b}); err != nil {
			miss(err.Error())
			continue
		}

		lib, err := e.Store.GetBundle(ctx, nil, name)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			toLibrary = append(toLibrary, domain.LibraryBundle{Name: name, Packages: b.Packages, CreatedBy: in.Actor})
			report.Bundles.Imported = append(report.Bundles.Imported, b)
		case err != nil:
			return ImportReport{}, err
		case !domain.SamePackages(lib.Packages, b.Packages):
			miss("package ref list differs from the one in the library")
			continue
		default:
			b.Description = lib.Description
		}
		included[name] = true
		report.Bundles.Included = append(report.Bundles.Included, b)
		if prev, ok := findBundle(inherited.Bundles, name); ok && domain.SamePackages(prev.Packages, b.Packages) {
			report.Bundles.Previous = append(report.Bundles.Previous, b)
			continue
		}
		bundles = append(bundles, b)
	}

	if len(report.Packages.Included) == 0 && len(report.Bundles.Included) == 0 {
		report.Errors = append(report.Errors, "profile is empty")
	}
	description := "imported from xml without issues"
	if report.HasIssues() {
		description = "imported from xml, but had issues"
	}
	if report.HasIssues() && in.Strict {
		report.Errors = append(report.Errors, "has issues, not importing as strict mode was requested")
		report.count()
		log.Info("xml import refused", "errors", len(report.Errors))
		return report, nil
	}

	now := e.now().UnixNano()
	p := domain.Profile{
		ID:          ids.NewProfileID(),
		Path:        path,
		Name:        doc.Name,
		Description: description,
		Inherits:    true,
		Packages:    local,
		Bundles:     bundles,
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
		if err := e.requireImportTarget(ctx, tx, path, doc.Name, in.Replace); err != nil {
			return err
		}
		for _, b := range toLibrary {
			b.CreatedNS, b.UpdatedNS = now, now
			if err := e.Store.InsertBundle(ctx, tx, b); err != nil {
				return err
			}
		}
		if err := e.Store.InsertProfile(ctx, tx, p); err != nil {
			return err
		}
		active, err := e.Store.SetCurrentProfile(ctx, tx, p.ID, -1, now)
		p.Active = active
		return err
	})
	if err != nil {
		return ImportReport{}, err
	}
	report.ProfileID = p.ID
	report.count()
	log.Info("profile imported from xml", "profile_id", p.ID, "active", p.Active,
		"packages", report.Summary.IncludedPackages, "bundles", report.Summary.IncludedBundles, "issues", report.HasIssues())
	for _, b := range toLibrary {
		e.announce(ctx, BundleChanged, map[string]any{"name": b.Name, "op": "created"})
	}
	e.profileChanged(ctx, p)
	return report, nil
}

// requireImportTarget checks that a current profile exists at path exactly
// when replace is set.
func (e *Engine) requireImportTarget(ctx context.Context, tx *sql.Tx, path, name string, replace bool) error {
	_, err := e.Store.CurrentProfile(ctx, tx, path, name)
	switch {
	case err == nil && !replace:
		return errs.Conflict("there is already a profile %s attached to %s", name, path)
	case errors.Is(err, errs.ErrNotFound) && replace:
		return errs.Conflict("there is no profile %s attached to %s", name, path)
	case err != nil && !errors.Is(err, errs.ErrNotFound):
		return err
	}
	return nil
}

func findBundle(in []domain.Bundle, name string) (domain.Bundle, bool) {
	for _, b := range in {
		if b.Name == name {
			return b, true
		}
	}
	return domain.Bundle{}, false
}
