package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"storeledger/internal"
)

func (d *DB) UpsertStore(ctx context.Context, s internal.Store) error {
	_, err := d.conn.ExecContext(ctx, d.rebind(`
INSERT INTO stores (id, name, state, retailer_number, report_email)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  state=excluded.state,
  retailer_number=excluded.retailer_number,
  report_email=excluded.report_email
`), s.ID, s.Name, strings.ToUpper(strings.TrimSpace(s.State)), strings.TrimSpace(s.RetailerNumber), strings.ToLower(strings.TrimSpace(s.ReportEmail)))
	return err
}

func (d *DB) GetStore(ctx context.Context, id string) (*internal.Store, error) {
	var s internal.Store
	err := d.conn.QueryRowContext(ctx, d.rebind(`SELECT id, name, state, retailer_number, report_email FROM stores WHERE id = ?`), id).
		Scan(&s.ID, &s.Name, &s.State, &s.RetailerNumber, &s.ReportEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (d *DB) ListStores(ctx context.Context) ([]internal.Store, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT id, name, state, retailer_number, report_email FROM stores ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Store
	for rows.Next() {
		var s internal.Store
		if err := rows.Scan(&s.ID, &s.Name, &s.State, &s.RetailerNumber, &s.ReportEmail); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FindStoreByEmail returns the first store whose report address is one of addresses, in the order given.
func (d *DB) FindStoreByEmail(ctx context.Context, addresses []string) (*internal.Store, error) {
	for _, addr := range addresses {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		var s internal.Store
		err := d.conn.QueryRowContext(ctx, d.rebind(`SELECT id, name, state, retailer_number, report_email FROM stores WHERE report_email = ? ORDER BY id LIMIT 1`), addr).
			Scan(&s.ID, &s.Name, &s.State, &s.RetailerNumber, &s.ReportEmail)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &s, nil
	}
	return nil, nil
}
