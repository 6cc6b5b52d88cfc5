package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
)

const profileColumns = `id,path,name,COALESCE(description,''),inherits,packages_json,bundles_json,comments_json,status,COALESCE(diagnostics,''),active,created_ns,updated_ns,created_by`

func scanProfile(row rowScanner) (domain.Profile, error) {
	var p domain.Profile
	var inherits int
	var packages, bundles, comments string
	if err := row.Scan(&p.ID, &p.Path, &p.Name, &p.Description, &inherits, &packages, &bundles, &comments, &p.Status, &p.Diagnostics, &p.Active, &p.CreatedNS, &p.UpdatedNS, &p.CreatedBy); err != nil {
		return p, err
	}
	p.Inherits = inherits != 0
	if err := json.Unmarshal([]byte(packages), &p.Packages); err != nil {
		return p, fmt.Errorf("profile %s packages: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(bundles), &p.Bundles); err != nil {
		return p, fmt.Errorf("profile %s bundles: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(comments), &p.Comments); err != nil {
		return p, fmt.Errorf("profile %s comments: %w", p.ID, err)
	}
	return p, nil
}

func marshalList[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func (s Store) InsertProfile(ctx context.Context, tx *sql.Tx, p domain.Profile) error {
	packages, err := marshalList(p.Packages)
	if err != nil {
		return errs.Validation("packages: %v", err)
	}
	bundles, err := marshalList(p.Bundles)
	if err != nil {
		return errs.Validation("bundles: %v", err)
	}
	comments, err := marshalList(p.Comments)
	if err != nil {
		return errs.Validation("comments: %v", err)
	}
	if p.Status == "" {
		p.Status = domain.StatusPending
	}
	_, err = s.q(tx).ExecContext(ctx, `INSERT INTO profiles(id,path,name,description,inherits,packages_json,bundles_json,comments_json,status,diagnostics,active,created_ns,updated_ns,created_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Path, p.Name, nullable(p.Description), boolInt(p.Inherits), packages, bundles, comments, p.Status, nullable(p.Diagnostics),
		p.Active, p.CreatedNS, p.UpdatedNS, p.CreatedBy)
	return err
}

func (s Store) GetProfile(ctx context.Context, tx *sql.Tx, id string) (domain.Profile, error) {
	p, err := scanProfile(s.q(tx).QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id=?`, id))
	return p, notFound(err, "profile "+id)
}

func (s Store) CurrentProfile(ctx context.Context, tx *sql.Tx, path, name string) (domain.Profile, error) {
	p, err := scanProfile(s.q(tx).QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles
WHERE path=? AND name=? AND active > 0 ORDER BY active DESC LIMIT 1`, path, name))
	return p, notFound(err, fmt.Sprintf("profile %s at %s", name, path))
}

func (s Store) ProfileHistory(ctx context.Context, path, name string) ([]domain.Profile, error) {
	return s.listProfiles(ctx, nil, `SELECT `+profileColumns+` FROM profiles WHERE path=? AND name=? ORDER BY active DESC, created_ns DESC, id`, path, name)
}

func (s Store) ListProfiles(ctx context.Context, f ItemFilter) ([]domain.Profile, error) {
	where, args := f.where("profiles")
	query := `SELECT ` + profileColumns + ` FROM profiles` + where + ` ORDER BY name, path, active DESC, id`
	limit, largs := f.Page.clause()
	return s.listProfiles(ctx, nil, query+limit, append(args, largs...)...)
}

func (s Store) CountProfiles(ctx context.Context, f ItemFilter) (int, error) {
	where, args := f.where("profiles")
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`+where, args...).Scan(&n)
	return n, err
}

// CurrentProfilesBelow returns the current profiles named name whose path is
// strictly below path.
func (s Store) CurrentProfilesBelow(ctx context.Context, tx *sql.Tx, path, name string) ([]domain.Profile, error) {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	return s.listProfiles(ctx, tx, `SELECT `+profileColumns+` FROM profiles p
WHERE p.name=? AND p.path != ? AND substr(p.path, 1, ?) = ? AND p.active > 0
AND p.active = (SELECT MAX(o.active) FROM profiles o WHERE o.path=p.path AND o.name=p.name)
ORDER BY length(p.path), p.path`, name, path, len(prefix), prefix)
}

func (s Store) listProfiles(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Profile, error) {
	rows, err := s.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProfilePatch carries the optional fields of a patch.
type ProfilePatch struct {
	Description *string
	Inherits    *bool
	Packages    *[]domain.PackageRef
	Bundles     *[]domain.Bundle
}

func (s Store) UpdateProfile(ctx context.Context, tx *sql.Tx, id string, patch ProfilePatch, updatedNS int64) error {
	p, err := s.GetProfile(ctx, tx, id)
	if err != nil {
		return err
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Inherits != nil {
		p.Inherits = *patch.Inherits
	}
	if patch.Packages != nil {
		p.Packages = *patch.Packages
	}
	if patch.Bundles != nil {
		p.Bundles = *patch.Bundles
	}
	packages, err := marshalList(p.Packages)
	if err != nil {
		return err
	}
	bundles, err := marshalList(p.Bundles)
	if err != nil {
		return err
	}
	_, err = s.q(tx).ExecContext(ctx, `UPDATE profiles SET description=?, inherits=?, packages_json=?, bundles_json=?, status=?, diagnostics=NULL, updated_ns=? WHERE id=?`,
		nullable(p.Description), boolInt(p.Inherits), packages, bundles, domain.StatusPending, updatedNS, id)
	return err
}

func (s Store) AppendProfileComment(ctx context.Context, tx *sql.Tx, id string, c domain.Comment) error {
	p, err := s.GetProfile(ctx, tx, id)
	if err != nil {
		return err
	}
	comments, err := marshalList(append(p.Comments, c))
	if err != nil {
		return err
	}
	_, err = s.q(tx).ExecContext(ctx, `UPDATE profiles SET comments_json=?, updated_ns=? WHERE id=?`, comments, c.CreatedNS, id)
	return err
}

// SetProfileStatus records a validation outcome without touching active.
func (s Store) SetProfileStatus(ctx context.Context, tx *sql.Tx, id, status, diagnostics string, updatedNS int64) error {
	res, err := s.q(tx).ExecContext(ctx, `UPDATE profiles SET status=?, diagnostics=?, updated_ns=? WHERE id=?`,
		status, nullable(diagnostics), updatedNS, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("profile %s", id)
	}
	return nil
}

func (s Store) DeleteProfile(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := s.q(tx).ExecContext(ctx, `DELETE FROM profiles WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("profile %s", id)
	}
	return nil
}

func (s Store) SetCurrentProfile(ctx context.Context, tx *sql.Tx, id string, observed, updatedNS int64) (int64, error) {
	return setCurrent(ctx, s.q(tx), "profiles", id, observed, updatedNS)
}

func (s Store) MaxProfileActive(ctx context.Context, tx *sql.Tx, path, name string) (int64, error) {
	return maxActive(ctx, s.q(tx), "profiles", path, name)
}

// ValidationDispatch is the last validation request published for a
// profile at a given active value.
type ValidationDispatch struct {
	ProfileID    string
	Active       int64
	Digest       string
	EventID      string
	DispatchedNS int64
}

func (s Store) GetValidationDispatch(ctx context.Context, profileID string, active int64) (ValidationDispatch, error) {
	d := ValidationDispatch{ProfileID: profileID, Active: active}
	err := s.DB.QueryRowContext(ctx, `SELECT digest,event_id,dispatched_ns FROM validation_dispatches WHERE profile_id=? AND active=?`, profileID, active).
		Scan(&d.Digest, &d.EventID, &d.DispatchedNS)
	return d, notFound(err, "validation dispatch "+profileID)
}

func (s Store) PutValidationDispatch(ctx context.Context, d ValidationDispatch) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO validation_dispatches(profile_id,active,digest,event_id,dispatched_ns) VALUES (?,?,?,?,?)
ON CONFLICT(profile_id,active) DO UPDATE SET digest=excluded.digest, event_id=excluded.event_id, dispatched_ns=excluded.dispatched_ns`,
		d.ProfileID, d.Active, d.Digest, d.EventID, d.DispatchedNS)
	return err
}

// ProfileAt is CurrentProfile outside a transaction.
func (s Store) ProfileAt(ctx context.Context, path, name string) (domain.Profile, error) {
	return s.CurrentProfile(ctx, nil, path, name)
}

// LatestValidationDispatch returns the newest dispatch of a profile across
// its active values.
func (s Store) LatestValidationDispatch(ctx context.Context, profileID string) (ValidationDispatch, error) {
	d := ValidationDispatch{ProfileID: profileID}
	err := s.DB.QueryRowContext(ctx, `SELECT active,digest,event_id,dispatched_ns FROM validation_dispatches WHERE profile_id=?
ORDER BY dispatched_ns DESC, active DESC LIMIT 1`, profileID).
		Scan(&d.Active, &d.Digest, &d.EventID, &d.DispatchedNS)
	return d, notFound(err, "validation dispatch "+profileID)
}

// BumpProfileActive gives a current profile the next active value of its
// (path, name). Profiles that are not current keep their value.
func (s Store) BumpProfileActive(ctx context.Context, tx *sql.Tx, id string, updatedNS int64) (int64, error) {
	q := s.q(tx)
	var path, name string
	var active int64
	if err := q.QueryRowContext(ctx, `SELECT path,name,active FROM profiles WHERE id=?`, id).Scan(&path, &name, &active); err != nil {
		return 0, notFound(err, "profile "+id)
	}
	top, err := maxActive(ctx, q, "profiles", path, name)
	if err != nil {
		return 0, err
	}
	if active == 0 || active != top {
		return active, nil
	}
	res, err := q.ExecContext(ctx, `UPDATE profiles SET active=?, updated_ns=? WHERE id=? AND active=?`, top+1, updatedNS, id, top)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, errs.Conflict("profile %s changed concurrently", id)
	}
	return top + 1, nil
}

func (s Store) DeleteValidationDispatch(ctx context.Context, profileID string, active int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM validation_dispatches WHERE profile_id=? AND active=?`, profileID, active)
	return err
}
