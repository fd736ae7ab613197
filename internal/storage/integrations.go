package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storeledger/internal"
	"storeledger/internal/mapping"
)

type SheetIntegration struct {
	ID            int                   `json:"id"`
	StoreID       string                `json:"storeId"`
	Name          string                `json:"name"`
	SpreadsheetID string                `json:"spreadsheetId"`
	SheetRange    string                `json:"sheetRange"`
	SyncTypes     []internal.SyncType   `json:"syncTypes"`
	ColumnMapping mapping.ColumnMapping `json:"columnMapping"`
	Enabled       bool                  `json:"enabled"`
	AutoSync      bool                  `json:"autoSync"`
	LastSyncedAt  *string               `json:"lastSyncedAt,omitempty"`
}

// Handles reports whether the integration is configured for syncType.
func (s SheetIntegration) Handles(syncType internal.SyncType) bool {
	for _, t := range s.SyncTypes {
		if t == syncType {
			return true
		}
	}
	return false
}

func (d *DB) InsertSheetIntegration(ctx context.Context, s SheetIntegration) (int, error) {
	if s.ColumnMapping.IsZero() {
		return 0, fmt.Errorf("sheet integration needs a column mapping")
	}
	mappingJSON, err := json.Marshal(s.ColumnMapping)
	if err != nil {
		return 0, err
	}
	typesJSON, err := json.Marshal(s.SyncTypes)
	if err != nil {
		return 0, err
	}

	var id int
	err = d.conn.QueryRowContext(ctx, d.rebind(`
INSERT INTO sheet_integrations (store_id, name, spreadsheet_id, sheet_range, sync_types, column_mapping, enabled, auto_sync)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id
`), s.StoreID, s.Name, s.SpreadsheetID, s.SheetRange, string(typesJSON), string(mappingJSON), boolToInt(s.Enabled), boolToInt(s.AutoSync)).Scan(&id)
	return id, err
}

const integrationColumns = `id, store_id, name, spreadsheet_id, sheet_range, sync_types, column_mapping, enabled, auto_sync, last_synced_at`

func scanIntegration(s scanner) (SheetIntegration, error) {
	var (
		in                     SheetIntegration
		typesJSON, mappingJSON string
		enabled, autoSync      int
		lastSynced             sql.NullString
	)
	if err := s.Scan(&in.ID, &in.StoreID, &in.Name, &in.SpreadsheetID, &in.SheetRange, &typesJSON, &mappingJSON, &enabled, &autoSync, &lastSynced); err != nil {
		return in, err
	}
	if err := json.Unmarshal([]byte(typesJSON), &in.SyncTypes); err != nil {
		return in, fmt.Errorf("integration %d sync types: %w", in.ID, err)
	}
	cm, err := mapping.ParseColumnMapping([]byte(mappingJSON))
	if err != nil {
		return in, fmt.Errorf("integration %d: %w", in.ID, err)
	}
	in.ColumnMapping = cm
	in.Enabled = enabled != 0
	in.AutoSync = autoSync != 0
	if lastSynced.Valid {
		in.LastSyncedAt = &lastSynced.String
	}
	return in, nil
}

func (d *DB) listIntegrations(ctx context.Context, where string, args ...any) ([]SheetIntegration, error) {
	rows, err := d.conn.QueryContext(ctx, d.rebind(`SELECT `+integrationColumns+` FROM sheet_integrations WHERE `+where+` ORDER BY id ASC`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SheetIntegration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (d *DB) ListSheetIntegrations(ctx context.Context, storeID string) ([]SheetIntegration, error) {
	return d.listIntegrations(ctx, `store_id = ?`, storeID)
}

func (d *DB) ListAutoSyncIntegrations(ctx context.Context) ([]SheetIntegration, error) {
	return d.listIntegrations(ctx, `enabled = 1 AND auto_sync = 1`)
}

func (d *DB) GetSheetIntegration(ctx context.Context, id int) (*SheetIntegration, error) {
	in, err := scanIntegration(d.conn.QueryRowContext(ctx, d.rebind(`SELECT `+integrationColumns+` FROM sheet_integrations WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (d *DB) MarkIntegrationSynced(ctx context.Context, id int, at time.Time) error {
	_, err := d.conn.ExecContext(ctx, d.rebind(`UPDATE sheet_integrations SET last_synced_at = ? WHERE id = ?`), at.UTC().Format(time.RFC3339), id)
	return err
}

func (d *DB) InsertSyncLog(ctx context.Context, l internal.SyncLog) (int, error) {
	if l.CreatedAt == "" {
		l.CreatedAt = now()
	}
	var id int
	err := d.conn.QueryRowContext(ctx, d.rebind(`
INSERT INTO sync_logs (trace_id, integration_id, store_id, sync_type, status, rows_processed, rows_added, rows_updated,
  rows_skipped, error_message, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id
`), l.TraceID, l.IntegrationID, l.StoreID, string(l.SyncType), string(l.Status), l.RowsProcessed, l.RowsAdded, l.RowsUpdated,
		l.RowsSkipped, l.ErrorMessage, l.DurationMs, l.CreatedAt).Scan(&id)
	return id, err
}

// ListSyncLogs returns the newest logs of a store first.
func (d *DB) ListSyncLogs(ctx context.Context, storeID string, limit int) ([]internal.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.QueryContext(ctx, d.rebind(`
SELECT id, trace_id, integration_id, store_id, sync_type, status, rows_processed, rows_added, rows_updated,
  rows_skipped, error_message, duration_ms, created_at
FROM sync_logs WHERE store_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
`), storeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.SyncLog
	for rows.Next() {
		var (
			l                internal.SyncLog
			syncType, status string
		)
		if err := rows.Scan(&l.ID, &l.TraceID, &l.IntegrationID, &l.StoreID, &syncType, &status, &l.RowsProcessed, &l.RowsAdded,
			&l.RowsUpdated, &l.RowsSkipped, &l.ErrorMessage, &l.DurationMs, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.SyncType = internal.SyncType(syncType)
		l.Status = internal.SyncStatus(status)
		out = append(out, l)
	}
	return out, rows.Err()
}
