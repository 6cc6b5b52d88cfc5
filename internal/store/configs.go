package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
)

const configColumns = `id,path,name,COALESCE(description,''),inherits,active,created_ns,updated_ns,created_by,payload_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (domain.ConfigItem, error) {
	var c domain.ConfigItem
	var inherits int
	var payload string
	if err := row.Scan(&c.ID, &c.Path, &c.Name, &c.Description, &inherits, &c.Active, &c.CreatedNS, &c.UpdatedNS, &c.CreatedBy, &payload); err != nil {
		return c, err
	}
	c.Inherits = inherits != 0
	obj, err := domain.DecodeObject([]byte(payload))
	if err != nil {
		return c, fmt.Errorf("config %s payload: %w", c.ID, err)
	}
	c.Payload = obj
	return c, nil
}

func (s Store) InsertConfig(ctx context.Context, tx *sql.Tx, c domain.ConfigItem) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return errs.Validation("payload: %v", err)
	}
	if c.Payload == nil {
		payload = []byte("{}")
	}
	_, err = s.q(tx).ExecContext(ctx, `INSERT INTO configs(id,path,name,description,inherits,active,created_ns,updated_ns,created_by,payload_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Path, c.Name, nullable(c.Description), boolInt(c.Inherits), c.Active, c.CreatedNS, c.UpdatedNS, c.CreatedBy, string(payload))
	return err
}

func (s Store) GetConfig(ctx context.Context, tx *sql.Tx, id string) (domain.ConfigItem, error) {
	c, err := scanConfig(s.q(tx).QueryRowContext(ctx, `SELECT `+configColumns+` FROM configs WHERE id=?`, id))
	return c, notFound(err, "config "+id)
}

// CurrentConfig returns the item with the highest positive active value at
// (path, name).
func (s Store) CurrentConfig(ctx context.Context, tx *sql.Tx, path, name string) (domain.ConfigItem, error) {
	c, err := scanConfig(s.q(tx).QueryRowContext(ctx, `SELECT `+configColumns+` FROM configs
WHERE path=? AND name=? AND active > 0 ORDER BY active DESC LIMIT 1`, path, name))
	return c, notFound(err, fmt.Sprintf("config %s at %s", name, path))
}

// ConfigHistory lists every item at (path, name), highest active first.
func (s Store) ConfigHistory(ctx context.Context, path, name string) ([]domain.ConfigItem, error) {
	return s.listConfigs(ctx, `SELECT `+configColumns+` FROM configs WHERE path=? AND name=? ORDER BY active DESC, created_ns DESC, id`, path, name)
}

// ListConfigs lists items sorted by name, path, descending active, id.
func (s Store) ListConfigs(ctx context.Context, f ItemFilter) ([]domain.ConfigItem, error) {
	where, args := f.where("configs")
	query := `SELECT ` + configColumns + ` FROM configs` + where + ` ORDER BY name, path, active DESC, id`
	limit, largs := f.Page.clause()
	return s.listConfigs(ctx, query+limit, append(args, largs...)...)
}

func (s Store) CountConfigs(ctx context.Context, f ItemFilter) (int, error) {
	where, args := f.where("configs")
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM configs`+where, args...).Scan(&n)
	return n, err
}

func (s Store) listConfigs(ctx context.Context, query string, args ...any) ([]domain.ConfigItem, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConfigItem
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ConfigPatch carries the optional fields of a patch.
type ConfigPatch struct {
	Description *string
	Inherits    *bool
	Payload     map[string]any
}

func (s Store) UpdateConfig(ctx context.Context, tx *sql.Tx, id string, p ConfigPatch, updatedNS int64) error {
	c, err := s.GetConfig(ctx, tx, id)
	if err != nil {
		return err
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Inherits != nil {
		c.Inherits = *p.Inherits
	}
	if p.Payload != nil {
		c.Payload = p.Payload
	}
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return errs.Validation("payload: %v", err)
	}
	res, err := s.q(tx).ExecContext(ctx, `UPDATE configs SET description=?, inherits=?, payload_json=?, updated_ns=? WHERE id=?`,
		nullable(c.Description), boolInt(c.Inherits), string(payload), updatedNS, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("config %s", id)
	}
	return nil
}

func (s Store) DeleteConfig(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := s.q(tx).ExecContext(ctx, `DELETE FROM configs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("config %s", id)
	}
	return nil
}

// SetCurrentConfig assigns id the next active value of its (path, name).
// observed is the maximum active value the caller saw, or -1.
func (s Store) SetCurrentConfig(ctx context.Context, tx *sql.Tx, id string, observed, updatedNS int64) (int64, error) {
	return setCurrent(ctx, s.q(tx), "configs", id, observed, updatedNS)
}

func (s Store) MaxConfigActive(ctx context.Context, tx *sql.Tx, path, name string) (int64, error) {
	return maxActive(ctx, s.q(tx), "configs", path, name)
}

// ConfigAt is CurrentConfig outside a transaction.
func (s Store) ConfigAt(ctx context.Context, path, name string) (domain.ConfigItem, error) {
	return s.CurrentConfig(ctx, nil, path, name)
}
