// Package store persists configurations, profiles, job requests and the
// bookkeeping tables of the control plane in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"studiopipe/internal/errs"
)

type Store struct {
	DB *sql.DB
}

var ErrNotFound = errs.ErrNotFound

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Store) q(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return s.DB
}

// WithTx runs fn in a transaction and commits when it returns nil.
func (s Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errs.NotFound("%s", what)
	}
	return err
}

// Page selects a window of a sorted listing. Page is 1-based.
type Page struct {
	Page     int
	PageSize int
}

func (p Page) clause() (string, []any) {
	if p.PageSize <= 0 {
		return "", nil
	}
	page := p.Page
	if page < 1 {
		page = 1
	}
	return " LIMIT ? OFFSET ?", []any{p.PageSize, (page - 1) * p.PageSize}
}

// ItemFilter narrows config and profile listings. A Search starting with
// "~" matches names by substring, otherwise names match exactly.
type ItemFilter struct {
	Path   string
	Name   string
	Search string
	// CurrentOnly keeps the current item of each (path, name).
	CurrentOnly bool
	Page
}

func (f ItemFilter) where(table string) (string, []any) {
	var clauses []string
	var args []any
	if f.Path != "" {
		clauses = append(clauses, "path=?")
		args = append(args, f.Path)
	}
	if f.Name != "" {
		clauses = append(clauses, "name=?")
		args = append(args, f.Name)
	}
	if f.Search != "" {
		if strings.HasPrefix(f.Search, "~") {
			clauses = append(clauses, "name LIKE ? ESCAPE '\\'")
			args = append(args, "%"+escapeLike(strings.TrimPrefix(f.Search, "~"))+"%")
		} else {
			clauses = append(clauses, "name=?")
			args = append(args, f.Search)
		}
	}
	if f.CurrentOnly {
		clauses = append(clauses, fmt.Sprintf("active > 0 AND active = (SELECT MAX(o.active) FROM %s o WHERE o.path=%s.path AND o.name=%s.name)", table, table, table))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// setCurrent makes id the current item of its (path, name) in table. The
// write only lands when the maximum active value still equals observed; a
// negative observed reads it in the same statement.
func setCurrent(ctx context.Context, q execer, table, id string, observed int64, updatedNS int64) (int64, error) {
	var path, name string
	var active int64
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT path,name,active FROM %s WHERE id=?`, table), id).Scan(&path, &name, &active)
	if err != nil {
		return 0, notFound(err, table+" "+id)
	}
	var top int64
	if err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(active),0) FROM %s WHERE path=? AND name=?`, table), path, name).Scan(&top); err != nil {
		return 0, err
	}
	if observed < 0 {
		observed = top
	}
	if observed != top {
		return 0, errs.Conflict("%s at %s/%s moved from active %d to %d", table, path, name, observed, top)
	}
	if active > 0 && active == top {
		return active, nil
	}
	next := top + 1
	res, err := q.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET active=?, updated_ns=? WHERE id=?
AND (SELECT COALESCE(MAX(o.active),0) FROM %s o WHERE o.path=? AND o.name=?) = ?`, table, table),
		next, updatedNS, id, path, name, observed)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, errs.Conflict("%s at %s/%s changed concurrently", table, path, name)
	}
	return next, nil
}

func maxActive(ctx context.Context, q execer, table, path, name string) (int64, error) {
	var top int64
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(active),0) FROM %s WHERE path=? AND name=?`, table), path, name).Scan(&top)
	return top, err
}
