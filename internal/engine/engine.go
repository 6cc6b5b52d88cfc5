// Package engine applies the write rules of the configuration and profile
// stores: names, ids and level paths are checked, currency changes go
// through the conditional active counter and changes are announced on the
// bus.
package engine

import (
	"context"
	"log/slog"
	"time"

	"studiopipe/internal/bus"
	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/levelpath"
	"studiopipe/internal/resolver"
	"studiopipe/internal/store"
)

// Detail types announcing store changes.
const (
	ConfigChanged  = "config-changed"
	ProfileChanged = "profile-changed"
	BundleChanged  = "bundle-changed"
)

// Levels answers whether a path exists in the served tree.
type Levels interface {
	Exists(path string) bool
}

// ProfileListener is told about every profile change that can move an
// effective profile. RequestValidation asks for a fresh validation of p
// alone.
type ProfileListener interface {
	ProfileChanged(ctx context.Context, p domain.Profile) error
	RequestValidation(ctx context.Context, p domain.Profile) error
}

type Engine struct {
	Store    store.Store
	Levels   Levels
	Resolver resolver.Resolver
	Events   bus.Publisher
	Profiles ProfileListener
	Log      *slog.Logger
	Now      func() time.Time
}

func New(s store.Store, levels Levels, events bus.Publisher) *Engine {
	return &Engine{
		Store:    s,
		Levels:   levels,
		Resolver: resolver.Resolver{Items: s},
		Events:   events,
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// checkPath canonicalizes p and requires it to exist in the tree. The root
// is always accepted.
func (e *Engine) checkPath(p string) (string, error) {
	c := levelpath.Canonize(p)
	if c == levelpath.Root || e.Levels == nil {
		return c, nil
	}
	if !e.Levels.Exists(c) {
		return "", errs.NotFound("level %s", c)
	}
	return c, nil
}

// announce publishes a change notification. Failures are logged only; the
// write already committed.
func (e *Engine) announce(ctx context.Context, detailType string, detail map[string]any) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Publish(ctx, bus.New(bus.SourceDependency, detailType, detail, e.now())); err != nil {
		e.log().Warn("publish change event", "detail_type", detailType, "err", err)
	}
}
