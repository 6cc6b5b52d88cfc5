// Package levelpath canonicalizes and compares level paths.
//
// A canonical path has a leading "/", no trailing "/" (root is "/") and no
// empty segments. All functions are pure.
package levelpath

import "strings"

const Root = "/"

// Canonize normalizes s. It never fails; unusable input yields Root.
func Canonize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return Root
	}
	parts := strings.Split(s, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		segs = append(segs, p)
	}
	if len(segs) == 0 {
		return Root
	}
	return "/" + strings.Join(segs, "/")
}

// Segments returns the segments of the canonical form of p. Root has none.
func Segments(p string) []string {
	c := Canonize(p)
	if c == Root {
		return nil
	}
	return strings.Split(c[1:], "/")
}

// Parent returns the parent of p; ok is false for the root.
func Parent(p string) (string, bool) {
	c := Canonize(p)
	if c == Root {
		return "", false
	}
	i := strings.LastIndex(c, "/")
	if i == 0 {
		return Root, true
	}
	return c[:i], true
}

// Join appends one segment to p.
func Join(p, seg string) string {
	return Canonize(Canonize(p) + "/" + seg)
}

// IsPrefixOf reports whether a contains b (a == b included).
func IsPrefixOf(a, b string) bool {
	ca, cb := Canonize(a), Canonize(b)
	if ca == Root {
		return true
	}
	if ca == cb {
		return true
	}
	return strings.HasPrefix(cb, ca+"/")
}

// Equal compares canonical forms.
func Equal(a, b string) bool {
	return Canonize(a) == Canonize(b)
}

// Depth is the number of segments.
func Depth(p string) int {
	return len(Segments(p))
}

// Ancestors returns every prefix of p from the root down to p itself.
func Ancestors(p string) []string {
	segs := Segments(p)
	out := make([]string, 0, len(segs)+1)
	out = append(out, Root)
	cur := ""
	for _, s := range segs {
		cur += "/" + s
		out = append(out, cur)
	}
	return out
}
