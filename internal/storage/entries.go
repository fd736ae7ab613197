package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"storeledger/internal"
)

// UpsertEntry merges e.Fields into the stored entry for (kind, store, date). Fields absent from e keep
// their stored values; empty provenance values never overwrite stored ones. It reports whether the
// entry was created.
func (d *DB) UpsertEntry(ctx context.Context, e internal.Entry) (bool, error) {
	if e.StoreID == "" || e.EntryDate == "" {
		return false, fmt.Errorf("entry needs store and date")
	}
	for field := range e.Fields {
		if !internal.IsEntryField(e.Kind, field) {
			return false, fmt.Errorf("unknown %s field %q", e.Kind, field)
		}
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var existingJSON string
	err = tx.QueryRowContext(ctx, d.rebind(`SELECT fields_json FROM entries WHERE kind = ? AND store_id = ? AND entry_date = ?`),
		string(e.Kind), e.StoreID, e.EntryDate).Scan(&existingJSON)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, err
	}

	merged := map[string]float64{}
	if !created {
		if err := json.Unmarshal([]byte(existingJSON), &merged); err != nil {
			return false, fmt.Errorf("decode stored entry: %w", err)
		}
	}
	for k, v := range e.Fields {
		merged[k] = v
	}
	fieldsJSON, err := json.Marshal(merged)
	if err != nil {
		return false, err
	}

	ts := now()
	_, err = tx.ExecContext(ctx, d.rebind(`
INSERT INTO entries (kind, store_id, entry_date, fields_json, entered_by, notes, source, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(kind, store_id, entry_date) DO UPDATE SET
  fields_json=excluded.fields_json,
  entered_by=CASE WHEN excluded.entered_by <> '' THEN excluded.entered_by ELSE entries.entered_by END,
  notes=CASE WHEN excluded.notes <> '' THEN excluded.notes ELSE entries.notes END,
  source=CASE WHEN excluded.source <> '' THEN excluded.source ELSE entries.source END,
  updated_at=excluded.updated_at
`), string(e.Kind), e.StoreID, e.EntryDate, string(fieldsJSON), e.EnteredBy, e.Notes, e.Source, ts, ts)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return created, nil
}

func (d *DB) GetEntry(ctx context.Context, kind internal.EntryKind, storeID, date string) (*internal.Entry, error) {
	e := internal.Entry{Kind: kind, StoreID: storeID, EntryDate: date}
	var fieldsJSON string
	err := d.conn.QueryRowContext(ctx, d.rebind(`
SELECT fields_json, entered_by, notes, source, updated_at FROM entries WHERE kind = ? AND store_id = ? AND entry_date = ?
`), string(kind), storeID, date).Scan(&fieldsJSON, &e.EnteredBy, &e.Notes, &e.Source, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, fmt.Errorf("decode entry fields: %w", err)
	}
	return &e, nil
}
