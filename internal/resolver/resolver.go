// Package resolver computes effective configurations and profiles by walking
// the ancestors of a path from the root down.
package resolver

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
	"studiopipe/internal/levelpath"
	"studiopipe/internal/metrics"
)

var tracer = otel.Tracer("studiopipe/resolver")

// Items reads the current item of each (path, name). Both methods return
// errs.ErrNotFound when there is none.
type Items interface {
	ConfigAt(ctx context.Context, path, name string) (domain.ConfigItem, error)
	ProfileAt(ctx context.Context, path, name string) (domain.Profile, error)
}

type Resolver struct {
	Items Items
}

// ConfigOptions tune EffectiveConfig.
type ConfigOptions struct {
	// WithTokens substitutes <site>, <show> and friends parsed from the path.
	WithTokens bool
}

// EffectiveConfig is the merged payload of every current item named name on
// the way from the root to path.
type EffectiveConfig struct {
	Path    string         `json:"path"`
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
	Sources []Source       `json:"sources"`
}

// Source names one contributing item.
type Source struct {
	Path   string `json:"path"`
	ID     string `json:"id"`
	Active int64  `json:"active"`
}

// Config returns errs.ErrNotFound when no ancestor holds a current item.
func (r Resolver) Config(ctx context.Context, path, name string, opts ConfigOptions) (EffectiveConfig, error) {
	start := time.Now()
	path = levelpath.Canonize(path)
	ctx, span := tracer.Start(ctx, "resolver.Config")
	defer span.End()
	span.SetAttributes(attribute.String("path", path), attribute.String("name", name))
	defer func() { metrics.ResolveDuration.WithLabelValues("config").Observe(time.Since(start).Seconds()) }()

	out := EffectiveConfig{Path: path, Name: name}
	var acc map[string]any
	for _, anc := range levelpath.Ancestors(path) {
		item, err := r.Items.ConfigAt(ctx, anc, name)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "config lookup failed")
			return out, err
		}
		if acc == nil || !item.Inherits {
			acc = Clone(item.Payload)
			if acc == nil {
				acc = map[string]any{}
			}
		} else {
			acc = Merge(acc, item.Payload)
		}
		out.Sources = append(out.Sources, Source{Path: anc, ID: item.ID, Active: item.Active})
	}
	if acc == nil {
		return out, errs.NotFound("effective config %s at %s", name, path)
	}
	if opts.WithTokens {
		parsed, _ := levelpath.Parse(path)
		acc = SubstituteTokens(acc, parsed.Tokens()).(map[string]any)
	}
	out.Payload = acc
	span.SetAttributes(attribute.Int("sources", len(out.Sources)))
	return out, nil
}

// Inherited is the effective payload at the parent of path, or an empty
// object at the root or when nothing is inherited.
func (r Resolver) Inherited(ctx context.Context, path, name string) (map[string]any, error) {
	parent, ok := levelpath.Parent(path)
	if !ok {
		return map[string]any{}, nil
	}
	eff, err := r.Config(ctx, parent, name, ConfigOptions{})
	if errors.Is(err, errs.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	return eff.Payload, nil
}
