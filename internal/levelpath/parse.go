package levelpath

import (
	"fmt"
	"strings"
)

type Site string

const (
	SiteGlobal  Site = "Global"
	SiteMumbai  Site = "Mumbai"
	SiteToronto Site = "Toronto"
)

// Sites lists the known sites in tree order.
func Sites() []Site { return []Site{SiteGlobal, SiteMumbai, SiteToronto} }

// SiteFromText matches "global" anywhere in the text, the others exactly.
func SiteFromText(text string) (Site, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case t == "":
		return "", false
	case strings.Contains(t, "global"):
		return SiteGlobal, true
	case t == "mumbai":
		return SiteMumbai, true
	case t == "toronto":
		return SiteToronto, true
	}
	return "", false
}

type Division string

const (
	DivisionFilm       Division = "film"
	DivisionTelevision Division = "television"
)

// Divisions lists the known divisions in tree order.
func Divisions() []Division { return []Division{DivisionTelevision, DivisionFilm} }

// DivisionFromText matches a division. Loose matching accepts any text
// containing "film", which is how upstream project divisions are labelled.
func DivisionFromText(text string, exact bool) (Division, bool) {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return "", false
	}
	if exact {
		if t == "film" {
			return DivisionFilm, true
		}
	} else if strings.Contains(t, "film") {
		return DivisionFilm, true
	}
	if t == "television" {
		return DivisionTelevision, true
	}
	return "", false
}

type Type string

const (
	TypeSequence Type = "sequence"
	TypeAsset    Type = "asset"
)

func TypeFromText(text string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "sequence":
		return TypeSequence, true
	case "asset":
		return TypeAsset, true
	}
	return "", false
}

// Parsed is the structural reading of a path. Existence is not checked.
type Parsed struct {
	Site      Site     `json:"site,omitempty"`
	Division  Division `json:"division,omitempty"`
	Show      string   `json:"show,omitempty"`
	Type      Type     `json:"type,omitempty"`
	AssetType string   `json:"asset_type,omitempty"`
	AssetCode string   `json:"asset_code,omitempty"`
	Sequence  string   `json:"sequence,omitempty"`
	Shot      string   `json:"shot,omitempty"`
}

// Parse reads site, division, show and the typed tail of p.
func Parse(p string) (Parsed, error) {
	var out Parsed
	segs := Segments(p)
	if len(segs) > 6 {
		return out, fmt.Errorf("path %s is deeper than 6 levels", Canonize(p))
	}
	if len(segs) >= 1 {
		s, ok := SiteFromText(segs[0])
		if !ok {
			return out, fmt.Errorf("unknown site %q", segs[0])
		}
		out.Site = s
	}
	if len(segs) >= 2 {
		d, ok := DivisionFromText(segs[1], true)
		if !ok {
			return out, fmt.Errorf("unknown division %q", segs[1])
		}
		out.Division = d
	}
	if len(segs) >= 3 {
		out.Show = segs[2]
	}
	if len(segs) >= 4 {
		t, ok := TypeFromText(segs[3])
		if !ok {
			return out, fmt.Errorf("unknown level type %q", segs[3])
		}
		out.Type = t
	}
	if len(segs) >= 5 {
		switch out.Type {
		case TypeAsset:
			out.AssetType = segs[4]
		case TypeSequence:
			out.Sequence = segs[4]
		}
	}
	if len(segs) == 6 {
		switch out.Type {
		case TypeAsset:
			out.AssetCode = segs[5]
		case TypeSequence:
			out.Shot = segs[5]
		}
	}
	return out, nil
}

// Acceptable reports whether p parses.
func Acceptable(p string) bool {
	_, err := Parse(p)
	return err == nil
}

// Path rebuilds the canonical path from the parsed parts.
func (p Parsed) Path() string {
	segs := []string{string(p.Site), string(p.Division), p.Show, string(p.Type)}
	switch p.Type {
	case TypeAsset:
		segs = append(segs, p.AssetType, p.AssetCode)
	case TypeSequence:
		segs = append(segs, p.Sequence, p.Shot)
	}
	var b strings.Builder
	for _, s := range segs {
		if s == "" {
			break
		}
		b.WriteString("/")
		b.WriteString(s)
	}
	return Canonize(b.String())
}

// Tokens returns the substitution values used in configuration payloads.
func (p Parsed) Tokens() map[string]string {
	return map[string]string{
		"<site>":          string(p.Site),
		"<division>":      string(p.Division),
		"<show>":          p.Show,
		"<sequence_type>": string(p.Type),
		"<sequence>":      p.Sequence,
		"<shot>":          p.Shot,
	}
}
