package store

import (
	"context"
	"database/sql"
)

// BusRecord is one row of the local event log.
type BusRecord struct {
	Seq        int64
	ID         string
	DetailType string
	Source     string
	Envelope   []byte
	CreatedNS  int64
}

// AppendBusEvent stores an envelope once per id and returns its sequence.
func (s Store) AppendBusEvent(ctx context.Context, rec BusRecord) (int64, error) {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO bus_events(id,detail_type,source,envelope_json,created_ns) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`, rec.ID, rec.DetailType, rec.Source, string(rec.Envelope), rec.CreatedNS)
	if err != nil {
		return 0, err
	}
	var seq int64
	err = s.DB.QueryRowContext(ctx, `SELECT seq FROM bus_events WHERE id=?`, rec.ID).Scan(&seq)
	return seq, err
}

// BusEventsAfter lists records with seq > after, optionally restricted to
// detail types.
func (s Store) BusEventsAfter(ctx context.Context, after int64, detailTypes []string, limit int) ([]BusRecord, error) {
	query := `SELECT seq,id,detail_type,source,envelope_json,created_ns FROM bus_events WHERE seq > ?`
	args := []any{after}
	if len(detailTypes) > 0 {
		query += ` AND detail_type IN (`
		for i, t := range detailTypes {
			if i > 0 {
				query += ","
			}
			query += "?"
			args = append(args, t)
		}
		query += `)`
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []BusRecord
	for rows.Next() {
		var r BusRecord
		var env string
		if err := rows.Scan(&r.Seq, &r.ID, &r.DetailType, &r.Source, &env, &r.CreatedNS); err != nil {
			return nil, err
		}
		r.Envelope = []byte(env)
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s Store) BusCursor(ctx context.Context, consumer string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx, `SELECT last_seq FROM bus_cursors WHERE consumer=?`, consumer).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (s Store) SetBusCursor(ctx context.Context, consumer string, seq, nowNS int64) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO bus_cursors(consumer,last_seq,updated_ns) VALUES (?,?,?)
ON CONFLICT(consumer) DO UPDATE SET last_seq=excluded.last_seq, updated_ns=excluded.updated_ns`, consumer, seq, nowNS)
	return err
}
