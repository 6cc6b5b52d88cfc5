package store

import (
	"context"
	"database/sql"
	"strings"

	"studiopipe/internal/domain"
	"studiopipe/internal/errs"
)

func (s Store) CreateSyncRequest(ctx context.Context, req domain.SyncRequest) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO sync_requests(id,comment,requested_ns,fulfilled_ns,filename) VALUES (?,?,?,0,NULL)`,
		req.ID, nullable(req.Comment), req.RequestedNS)
	return err
}

func scanSyncRequest(row rowScanner) (domain.SyncRequest, error) {
	var r domain.SyncRequest
	err := row.Scan(&r.ID, &r.Comment, &r.RequestedNS, &r.FulfilledNS, &r.Filename)
	return r, err
}

const syncColumns = `id,COALESCE(comment,''),requested_ns,fulfilled_ns,COALESCE(filename,'')`

// PendingSyncRequests lists unfulfilled requests, oldest first.
func (s Store) PendingSyncRequests(ctx context.Context) ([]domain.SyncRequest, error) {
	return s.listSyncRequests(ctx, `SELECT `+syncColumns+` FROM sync_requests WHERE fulfilled_ns = 0 ORDER BY requested_ns, id`)
}

func (s Store) ListSyncRequests(ctx context.Context, limit int) ([]domain.SyncRequest, error) {
	query := `SELECT ` + syncColumns + ` FROM sync_requests ORDER BY requested_ns DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.listSyncRequests(ctx, query, args...)
}

func (s Store) listSyncRequests(ctx context.Context, query string, args ...any) ([]domain.SyncRequest, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncRequest
	for rows.Next() {
		r, err := scanSyncRequest(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s Store) LatestFulfilledSyncRequest(ctx context.Context) (domain.SyncRequest, error) {
	r, err := scanSyncRequest(s.DB.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_requests
WHERE fulfilled_ns > 0 AND filename IS NOT NULL ORDER BY fulfilled_ns DESC, requested_ns DESC LIMIT 1`))
	return r, notFound(err, "fulfilled sync request")
}

func (s Store) FulfillSyncRequests(ctx context.Context, ids []string, filename string, fulfilledNS int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		args := []any{fulfilledNS, filename}
		for _, id := range ids {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		_, err := tx.ExecContext(ctx, `UPDATE sync_requests SET fulfilled_ns=?, filename=? WHERE fulfilled_ns=0 AND id IN (`+placeholders+`)`, args...)
		return err
	})
}

// ClaimLease takes or renews the named lease for holder. Another holder's
// unexpired lease yields errs.ErrConflict.
func (s Store) ClaimLease(ctx context.Context, name, holder string, nowNS, expiresNS int64) (domain.Lease, error) {
	var lease domain.Lease
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var cur domain.Lease
		err := tx.QueryRowContext(ctx, `SELECT name,holder,expires_ns FROM leases WHERE name=?`, name).Scan(&cur.Name, &cur.Holder, &cur.ExpiresNS)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return err
		case cur.Holder != holder && cur.ExpiresNS > nowNS:
			return errs.Conflict("lease %s held by %s", name, cur.Holder)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO leases(name,holder,expires_ns) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET holder=excluded.holder, expires_ns=excluded.expires_ns`, name, holder, expiresNS); err != nil {
			return err
		}
		lease = domain.Lease{Name: name, Holder: holder, ExpiresNS: expiresNS}
		return nil
	})
	return lease, err
}

func (s Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM leases WHERE name=? AND holder=?`, name, holder)
	return err
}

func (s Store) GetLease(ctx context.Context, name string) (domain.Lease, error) {
	var l domain.Lease
	err := s.DB.QueryRowContext(ctx, `SELECT name,holder,expires_ns FROM leases WHERE name=?`, name).Scan(&l.Name, &l.Holder, &l.ExpiresNS)
	return l, notFound(err, "lease "+name)
}
