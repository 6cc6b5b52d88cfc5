package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
)

const bundleColumns = `name,COALESCE(description,''),packages_json,created_ns,updated_ns,created_by`

func scanBundle(row rowScanner) (domain.LibraryBundle, error) {
	var b domain.LibraryBundle
	var packages string
	if err := row.Scan(&b.Name, &b.Description, &packages, &b.CreatedNS, &b.UpdatedNS, &b.CreatedBy); err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(packages), &b.Packages); err != nil {
		return b, fmt.Errorf("bundle %s packages: %w", b.Name, err)
	}
	return b, nil
}

// InsertBundle adds b to the library. An existing name is a conflict.
func (s Store) InsertBundle(ctx context.Context, tx *sql.Tx, b domain.LibraryBundle) error {
	packages, err := marshalList(b.Packages)
	if err != nil {
		return errs.Validation("packages: %v", err)
	}
	res, err := s.q(tx).ExecContext(ctx, `INSERT INTO bundles(name,description,packages_json,created_ns,updated_ns,created_by)
VALUES (?,?,?,?,?,?) ON CONFLICT(name) DO NOTHING`,
		b.Name, nullable(b.Description), packages, b.CreatedNS, b.UpdatedNS, b.CreatedBy)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Conflict("bundle %s already exists", b.Name)
	}
	return nil
}

func (s Store) GetBundle(ctx context.Context, tx *sql.Tx, name string) (domain.LibraryBundle, error) {
	b, err := scanBundle(s.q(tx).QueryRowContext(ctx, `SELECT `+bundleColumns+` FROM bundles WHERE name=?`, name))
	return b, notFound(err, "bundle "+name)
}

// BundleFilter narrows library listings. Search matches names and
// descriptions by substring.
type BundleFilter struct {
	Search string
	Page
}

func (f BundleFilter) where() (string, []any) {
	if f.Search == "" {
		return "", nil
	}
	like := "%" + escapeLike(f.Search) + "%"
	return ` WHERE name LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\'`, []any{like, like}
}

func (s Store) ListBundles(ctx context.Context, f BundleFilter) ([]domain.LibraryBundle, error) {
	where, args := f.where()
	limit, largs := f.Page.clause()
	rows, err := s.DB.QueryContext(ctx, `SELECT `+bundleColumns+` FROM bundles`+where+` ORDER BY name`+limit, append(args, largs...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LibraryBundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (s Store) CountBundles(ctx context.Context, f BundleFilter) (int, error) {
	where, args := f.where()
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM bundles`+where, args...).Scan(&n)
	return n, err
}

// SetBundlePackages replaces the package list of a library bundle.
// Profiles holding a copy keep theirs.
func (s Store) SetBundlePackages(ctx context.Context, tx *sql.Tx, name string, packages []domain.PackageRef, updatedNS int64) error {
	raw, err := marshalList(packages)
	if err != nil {
		return errs.Validation("packages: %v", err)
	}
	res, err := s.q(tx).ExecContext(ctx, `UPDATE bundles SET packages_json=?, updated_ns=? WHERE name=?`, raw, updatedNS, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("bundle %s", name)
	}
	return nil
}

func (s Store) DeleteBundle(ctx context.Context, tx *sql.Tx, name string) error {
	res, err := s.q(tx).ExecContext(ctx, `DELETE FROM bundles WHERE name=?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("bundle %s", name)
	}
	return nil
}
