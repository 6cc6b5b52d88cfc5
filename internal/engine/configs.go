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

type ConfigPut struct {
	Path        string
	Name        string
	Description string
	// Inherits defaults to true.
	Inherits *bool
	Payload  map[string]any
	// Current makes the new item current in the same transaction.
	Current bool
	// Reduced drops keys equal to what the parent path already yields.
	Reduced bool
	Actor   string
}

func (e *Engine) PutConfig(ctx context.Context, in ConfigPut) (domain.ConfigItem, error) {
	if !ids.ValidName(in.Name, ids.ConfigPrefix) {
		return domain.ConfigItem{}, errs.Validation("invalid config name %q", in.Name)
	}
	path, err := e.checkPath(in.Path)
	if err != nil {
		return domain.ConfigItem{}, err
	}
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	if in.Reduced {
		inherited, err := e.Resolver.Inherited(ctx, path, in.Name)
		if err != nil {
			return domain.ConfigItem{}, err
		}
		payload = resolver.Reduce(payload, inherited)
	}
	inherits := true
	if in.Inherits != nil {
		inherits = *in.Inherits
	}
	now := e.now().UnixNano()
	item := domain.ConfigItem{
		ID:          ids.NewConfigID(),
		Path:        path,
		Name:        in.Name,
		Description: strings.TrimSpace(in.Description),
		Inherits:    inherits,
		CreatedNS:   now,
		UpdatedNS:   now,
		CreatedBy:   in.Actor,
		Payload:     payload,
	}
	err = e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Store.InsertConfig(ctx, tx, item); err != nil {
			return err
		}
		if in.Current {
			active, err := e.Store.SetCurrentConfig(ctx, tx, item.ID, -1, now)
			if err != nil {
				return err
			}
			item.Active = active
		}
		return nil
	})
	if err != nil {
		return domain.ConfigItem{}, err
	}
	e.log().Info("config stored", "id", item.ID, "path", item.Path, "name", item.Name, "active", item.Active)
	if item.Active > 0 {
		e.announceConfig(ctx, item)
	}
	return item, nil
}

func (e *Engine) announceConfig(ctx context.Context, c domain.ConfigItem) {
	e.announce(ctx, ConfigChanged, map[string]any{"id": c.ID, "path": c.Path, "name": c.Name, "active": c.Active})
}

func (e *Engine) GetConfig(ctx context.Context, id string) (domain.ConfigItem, error) {
	if !ids.IsConfigID(id) {
		return domain.ConfigItem{}, errs.Validation("invalid config id %q", id)
	}
	return e.Store.GetConfig(ctx, nil, id)
}

// CurrentConfig is current_at(path, name) without inheritance.
func (e *Engine) CurrentConfig(ctx context.Context, path, name string) (domain.ConfigItem, error) {
	return e.Store.CurrentConfig(ctx, nil, levelpath.Canonize(path), name)
}

func (e *Engine) ConfigHistory(ctx context.Context, path, name string) ([]domain.ConfigItem, error) {
	return e.Store.ConfigHistory(ctx, levelpath.Canonize(path), name)
}

// FindConfigs lists items and the total count before paging.
func (e *Engine) FindConfigs(ctx context.Context, f store.ItemFilter) ([]domain.ConfigItem, int, error) {
	if f.Path != "" {
		f.Path = levelpath.Canonize(f.Path)
	}
	items, err := e.Store.ListConfigs(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total, err := e.Store.CountConfigs(ctx, f)
	return items, total, err
}

// SetCurrentConfig reads the highest active value of the item's key and
// writes max+1 only if nobody moved it in between.
func (e *Engine) SetCurrentConfig(ctx context.Context, id string) (domain.ConfigItem, error) {
	c, err := e.GetConfig(ctx, id)
	if err != nil {
		return c, err
	}
	observed, err := e.Store.MaxConfigActive(ctx, nil, c.Path, c.Name)
	if err != nil {
		return c, err
	}
	active, err := e.Store.SetCurrentConfig(ctx, nil, id, observed, e.now().UnixNano())
	if err != nil {
		return c, err
	}
	changed := active != c.Active
	c.Active = active
	if changed {
		e.log().Info("config made current", "id", c.ID, "path", c.Path, "name", c.Name, "active", active)
		e.announceConfig(ctx, c)
	}
	return c, nil
}

// PatchConfig edits a non-current item.
func (e *Engine) PatchConfig(ctx context.Context, id string, p store.ConfigPatch) (domain.ConfigItem, error) {
	var out domain.ConfigItem
	err := e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireNotCurrentConfig(ctx, tx, id); err != nil {
			return err
		}
		if err := e.Store.UpdateConfig(ctx, tx, id, p, e.now().UnixNano()); err != nil {
			return err
		}
		var err error
		out, err = e.Store.GetConfig(ctx, tx, id)
		return err
	})
	return out, err
}

func (e *Engine) DeleteConfig(ctx context.Context, id string) error {
	return e.Store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.requireNotCurrentConfig(ctx, tx, id); err != nil {
			return err
		}
		return e.Store.DeleteConfig(ctx, tx, id)
	})
}

func (e *Engine) requireNotCurrentConfig(ctx context.Context, tx *sql.Tx, id string) error {
	if !ids.IsConfigID(id) {
		return errs.Validation("invalid config id %q", id)
	}
	c, err := e.Store.GetConfig(ctx, tx, id)
	if err != nil {
		return err
	}
	cur, err := e.Store.CurrentConfig(ctx, tx, c.Path, c.Name)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.ID == id {
		return errs.Conflict("config %s is current at %s", id, c.Path)
	}
	return nil
}

func (e *Engine) EffectiveConfig(ctx context.Context, path, name string, withTokens bool) (resolver.EffectiveConfig, error) {
	return e.Resolver.Config(ctx, path, name, resolver.ConfigOptions{WithTokens: withTokens})
}
