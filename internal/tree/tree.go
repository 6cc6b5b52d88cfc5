// Package tree holds the in-memory level hierarchy and keeps it in sync with
// the upstream tracking system.
//
// A Snapshot is built off to the side and published with one pointer swap.
// Readers load the pointer once per query and see a whole snapshot; an old
// snapshot stays valid for as long as a reader holds it.
package tree

import (
	"strings"
	"sync/atomic"

	"studiopipe/internal/levelpath"
)

// Level is one node of the hierarchy.
type Level struct {
	Path      string             `json:"path" cbor:"1,keyasint"`
	Name      string             `json:"name" cbor:"2,keyasint"`
	EntityID  int64              `json:"entity_id,omitempty" cbor:"3,keyasint,omitempty"`
	Site      levelpath.Site     `json:"site,omitempty" cbor:"4,keyasint,omitempty"`
	Division  levelpath.Division `json:"division,omitempty" cbor:"5,keyasint,omitempty"`
	Project   string             `json:"project,omitempty" cbor:"6,keyasint,omitempty"`
	Type      levelpath.Type     `json:"type,omitempty" cbor:"7,keyasint,omitempty"`
	AssetType string             `json:"asset_type,omitempty" cbor:"8,keyasint,omitempty"`
	AssetCode string             `json:"asset_code,omitempty" cbor:"9,keyasint,omitempty"`
	Sequence  string             `json:"sequence,omitempty" cbor:"10,keyasint,omitempty"`
	Shot      string             `json:"shot,omitempty" cbor:"11,keyasint,omitempty"`
	Children  []*Level           `json:"-" cbor:"12,keyasint,omitempty"`

	byName map[string]*Level
}

func (l *Level) child(name string) *Level {
	if l.byName != nil {
		return l.byName[name]
	}
	for _, c := range l.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// addChild appends a child one segment below l. It returns the existing
// child when the name is already taken.
func (l *Level) addChild(c *Level) (*Level, bool) {
	if l.byName == nil {
		l.byName = make(map[string]*Level)
	}
	if existing, ok := l.byName[c.Name]; ok {
		return existing, false
	}
	c.Path = levelpath.Join(l.Path, c.Name)
	l.byName[c.Name] = c
	l.Children = append(l.Children, c)
	return c, true
}

// Snapshot is an immutable hierarchy plus the sync point it came from.
type Snapshot struct {
	Root     *Level
	SyncID   string
	SinceNS  int64
	Filename string
	count    int
}

// Meta describes the published snapshot.
type Meta struct {
	SyncID   string `json:"sync_id"`
	SinceNS  int64  `json:"since_ns"`
	Filename string `json:"source_filename"`
	Levels   int    `json:"levels"`
}

// NewSnapshot indexes root and wraps it. root must not be mutated afterwards.
func NewSnapshot(root *Level, syncID string, sinceNS int64, filename string) *Snapshot {
	s := &Snapshot{Root: root, SyncID: syncID, SinceNS: sinceNS, Filename: filename}
	s.count = index(root)
	return s
}

func index(l *Level) int {
	n := 1
	l.byName = make(map[string]*Level, len(l.Children))
	for _, c := range l.Children {
		l.byName[c.Name] = c
		n += index(c)
	}
	return n
}

func emptyRoot() *Level {
	return &Level{Path: levelpath.Root, Name: ""}
}

// Find walks from the root, one map lookup per segment.
func (s *Snapshot) Find(path string) (*Level, bool) {
	cur := s.Root
	for _, seg := range levelpath.Segments(path) {
		cur = cur.child(seg)
		if cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// Ancestors returns the levels from the root down to path, inclusive. It
// stops at the deepest existing level.
func (s *Snapshot) Ancestors(path string) []*Level {
	out := []*Level{s.Root}
	cur := s.Root
	for _, seg := range levelpath.Segments(path) {
		cur = cur.child(seg)
		if cur == nil {
			break
		}
		out = append(out, cur)
	}
	return out
}

// Tree publishes snapshots atomically.
type Tree struct {
	cur atomic.Pointer[Snapshot]
}

// New returns a tree serving a root-only snapshot.
func New() *Tree {
	t := &Tree{}
	t.cur.Store(NewSnapshot(emptyRoot(), "", 0, ""))
	return t
}

func (t *Tree) Publish(s *Snapshot) {
	if s == nil || s.Root == nil {
		return
	}
	t.cur.Store(s)
}

// Snapshot returns the current snapshot; hold it for the whole query.
func (t *Tree) Snapshot() *Snapshot {
	return t.cur.Load()
}

func (t *Tree) Find(path string) (*Level, bool) {
	return t.Snapshot().Find(path)
}

// Exists reports whether path resolves. The root always does.
func (t *Tree) Exists(path string) bool {
	_, ok := t.Find(path)
	return ok
}

func (t *Tree) Children(path string) []*Level {
	l, ok := t.Find(path)
	if !ok {
		return nil
	}
	out := make([]*Level, len(l.Children))
	copy(out, l.Children)
	return out
}

func (t *Tree) Ancestors(path string) []*Level {
	s := t.Snapshot()
	if _, ok := s.Find(path); !ok {
		return nil
	}
	return s.Ancestors(path)
}

func (t *Tree) Meta() Meta {
	s := t.Snapshot()
	return Meta{SyncID: s.SyncID, SinceNS: s.SinceNS, Filename: s.Filename, Levels: s.count}
}

// Search returns up to limit levels whose name contains needle, breadth
// first.
func (t *Tree) Search(needle string, limit int) []*Level {
	needle = strings.ToLower(strings.TrimSpace(needle))
	if needle == "" || limit <= 0 {
		return nil
	}
	var out []*Level
	queue := []*Level{t.Snapshot().Root}
	for len(queue) > 0 && len(out) < limit {
		l := queue[0]
		queue = queue[1:]
		if l.Name != "" && strings.Contains(strings.ToLower(l.Name), needle) {
			out = append(out, l)
		}
		queue = append(queue, l.Children...)
	}
	return out
}
