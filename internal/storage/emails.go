package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"storeledger/internal"
)

const emailColumns = `id, provider, message_id, subject, sender, recipient, received_at, hash, status, raw_ref`

// UpsertEmail records a fetched message keyed by (provider, message id). Re-fetching a known message
// refreshes its headers and raw reference but keeps its processing status. created reports whether
// the message was new.
func (d *DB) UpsertEmail(ctx context.Context, e internal.EmailRow) (internal.EmailRow, bool, error) {
	if e.Provider == "" || e.MessageID == "" {
		return internal.EmailRow{}, false, fmt.Errorf("email needs provider and message id")
	}
	if e.Status == "" {
		e.Status = "fetched"
	}

	existing, err := d.GetEmailByProviderMessageID(ctx, e.Provider, e.MessageID)
	if err != nil {
		return internal.EmailRow{}, false, err
	}

	ts := now()
	_, err = d.conn.ExecContext(ctx, d.rebind(`
INSERT INTO emails (provider, message_id, subject, sender, recipient, received_at, hash, status, raw_ref, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, message_id) DO UPDATE SET
  subject=excluded.subject,
  sender=excluded.sender,
  recipient=excluded.recipient,
  received_at=excluded.received_at,
  hash=excluded.hash,
  raw_ref=excluded.raw_ref,
  updated_at=excluded.updated_at
`), e.Provider, e.MessageID, e.Subject, e.Sender, e.Recipient, e.ReceivedAt, e.Hash, e.Status, e.RawRef, ts, ts)
	if err != nil {
		return internal.EmailRow{}, false, err
	}

	row, err := d.GetEmailByProviderMessageID(ctx, e.Provider, e.MessageID)
	if err != nil {
		return internal.EmailRow{}, false, err
	}
	if row == nil {
		return internal.EmailRow{}, false, errors.New("email vanished after upsert")
	}
	return *row, existing == nil, nil
}

func (d *DB) GetEmailByProviderMessageID(ctx context.Context, provider, messageID string) (*internal.EmailRow, error) {
	return scanEmailRow(d.conn.QueryRowContext(ctx, d.rebind(`SELECT `+emailColumns+` FROM emails WHERE provider = ? AND message_id = ?`), provider, messageID))
}

func (d *DB) GetEmailByID(ctx context.Context, id int) (*internal.EmailRow, error) {
	return scanEmailRow(d.conn.QueryRowContext(ctx, d.rebind(`SELECT `+emailColumns+` FROM emails WHERE id = ?`), id))
}

func scanEmail(s scanner) (internal.EmailRow, error) {
	var row internal.EmailRow
	err := s.Scan(&row.ID, &row.Provider, &row.MessageID, &row.Subject, &row.Sender, &row.Recipient, &row.ReceivedAt, &row.Hash, &row.Status, &row.RawRef)
	return row, err
}

func scanEmailRow(r *sql.Row) (*internal.EmailRow, error) {
	row, err := scanEmail(r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListEmailsByStatus returns emails in status, oldest received first. An empty provider matches all.
func (d *DB) ListEmailsByStatus(ctx context.Context, status, provider string, limit int) ([]internal.EmailRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + emailColumns + ` FROM emails WHERE status = ?`
	args := []any{status}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, provider)
	}
	query += ` ORDER BY received_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := d.conn.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.EmailRow
	for rows.Next() {
		row, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) UpdateEmailStatus(ctx context.Context, emailID int, status string) error {
	res, err := d.conn.ExecContext(ctx, d.rebind(`UPDATE emails SET status = ?, updated_at = ? WHERE id = ?`), status, now(), emailID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("email %d not found", emailID)
	}
	return nil
}

// InsertRun records the timings and counts of one processing run.
func (d *DB) InsertRun(ctx context.Context, traceID string, emailID int, timings map[string]float64, counts map[string]int) error {
	timingsJSON, err := json.Marshal(timings)
	if err != nil {
		return err
	}
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, d.rebind(`INSERT INTO runs (trace_id, email_id, timings_json, counts_json, created_at) VALUES (?, ?, ?, ?, ?)`),
		traceID, emailID, string(timingsJSON), string(countsJSON), now())
	return err
}

func (d *DB) SetMetadata(ctx context.Context, key, value string) error {
	_, err := d.conn.ExecContext(ctx, d.rebind(`
INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
`), key, value, now())
	return err
}

func (d *DB) GetMetadata(ctx context.Context, key string) (*string, error) {
	var value string
	err := d.conn.QueryRowContext(ctx, d.rebind(`SELECT value FROM metadata WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}
