package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storeledger/internal"
)

// UpsertRawReport stores r under its natural key. Re-ingesting the same logical report overwrites the
// previous row instead of adding a new one.
func (d *DB) UpsertRawReport(ctx context.Context, r internal.RawReport) (int, bool, error) {
	dataJSON, err := json.Marshal(r.Data)
	if err != nil {
		return 0, false, err
	}
	columnsJSON, err := json.Marshal(r.Columns)
	if err != nil {
		return 0, false, err
	}
	mappedJSON, err := json.Marshal(r.MappedValues)
	if err != nil {
		return 0, false, err
	}
	if r.Period == "" {
		r.Period = internal.PeriodDaily
	}
	receivedAt := r.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	ts := now()

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	key := r.NaturalKey()
	var id int
	err = tx.QueryRowContext(ctx, d.rebind(`SELECT id FROM raw_reports WHERE store_id = ? AND natural_key = ?`), r.StoreID, key).Scan(&id)
	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
		err = tx.QueryRowContext(ctx, d.rebind(`
INSERT INTO raw_reports (store_id, natural_key, report_date, report_type, period, period_end, retailer_number, location_name,
  data_json, columns_json, mapped_values_json, source_email_id, filename, received_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id
`), r.StoreID, key, r.ReportDate, r.ReportType, string(r.Period), r.PeriodEnd, r.RetailerNumber, r.LocationName,
			string(dataJSON), string(columnsJSON), string(mappedJSON), r.SourceEmailID, r.Filename,
			receivedAt.UTC().Format(time.RFC3339), ts).Scan(&id)
		if err != nil {
			return 0, false, err
		}
	case err != nil:
		return 0, false, err
	default:
		_, err = tx.ExecContext(ctx, d.rebind(`
UPDATE raw_reports SET report_date = ?, report_type = ?, period = ?, period_end = ?, retailer_number = ?, location_name = ?,
  data_json = ?, columns_json = ?, mapped_values_json = ?, source_email_id = ?, filename = ?, received_at = ?, updated_at = ?
WHERE id = ?
`), r.ReportDate, r.ReportType, string(r.Period), r.PeriodEnd, r.RetailerNumber, r.LocationName,
			string(dataJSON), string(columnsJSON), string(mappedJSON), r.SourceEmailID, r.Filename,
			receivedAt.UTC().Format(time.RFC3339), ts, id)
		if err != nil {
			return 0, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return id, created, nil
}

const rawReportColumns = `id, store_id, report_date, report_type, period, period_end, retailer_number, location_name,
  data_json, columns_json, mapped_values_json, source_email_id, filename, received_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRawReport(s scanner) (internal.RawReport, error) {
	var (
		r                             internal.RawReport
		period, dataJSON, columnsJSON string
		mappedJSON, receivedAt        string
		sourceEmailID, filename       sql.NullString
	)
	if err := s.Scan(&r.ID, &r.StoreID, &r.ReportDate, &r.ReportType, &period, &r.PeriodEnd, &r.RetailerNumber, &r.LocationName,
		&dataJSON, &columnsJSON, &mappedJSON, &sourceEmailID, &filename, &receivedAt); err != nil {
		return r, err
	}
	r.Period = internal.ReportPeriod(period)
	if err := json.Unmarshal([]byte(dataJSON), &r.Data); err != nil {
		return r, fmt.Errorf("raw report %d data: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(columnsJSON), &r.Columns); err != nil {
		return r, fmt.Errorf("raw report %d columns: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(mappedJSON), &r.MappedValues); err != nil {
		return r, fmt.Errorf("raw report %d mapped values: %w", r.ID, err)
	}
	if sourceEmailID.Valid {
		r.SourceEmailID = &sourceEmailID.String
	}
	if filename.Valid {
		r.Filename = &filename.String
	}
	r.ReceivedAt, _ = time.Parse(time.RFC3339, receivedAt)
	return r, nil
}

func (d *DB) GetRawReport(ctx context.Context, id int) (*internal.RawReport, error) {
	r, err := scanRawReport(d.conn.QueryRowContext(ctx, d.rebind(`SELECT `+rawReportColumns+` FROM raw_reports WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRawReports returns a store's reports with from <= report_date <= to. Empty bounds are open.
func (d *DB) ListRawReports(ctx context.Context, storeID, from, to string) ([]internal.RawReport, error) {
	query := `SELECT ` + rawReportColumns + ` FROM raw_reports WHERE store_id = ?`
	args := []any{storeID}
	if from != "" {
		query += ` AND report_date >= ?`
		args = append(args, from)
	}
	if to != "" {
		query += ` AND report_date <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY report_date ASC, id ASC`

	rows, err := d.conn.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.RawReport
	for rows.Next() {
		r, err := scanRawReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) UpdateMappedValues(ctx context.Context, id int, values internal.MappedValues) error {
	mappedJSON, err := json.Marshal(values)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, d.rebind(`UPDATE raw_reports SET mapped_values_json = ?, updated_at = ? WHERE id = ?`), string(mappedJSON), now(), id)
	return err
}

// ListReportMappings returns a store's mappings for reportType, or all of them when reportType is empty.
func (d *DB) ListReportMappings(ctx context.Context, storeID, reportType string) ([]internal.ReportMapping, error) {
	query := `SELECT id, store_id, report_type, source_column, target_type, target_field, data_type, formula_expression
FROM report_mappings WHERE store_id = ?`
	args := []any{storeID}
	if reportType != "" {
		query += ` AND report_type = ?`
		args = append(args, reportType)
	}
	query += ` ORDER BY id ASC`

	rows, err := d.conn.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ReportMapping
	for rows.Next() {
		var (
			m          internal.ReportMapping
			targetType string
			expr       sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.StoreID, &m.ReportType, &m.SourceColumn, &targetType, &m.TargetField, &m.DataType, &expr); err != nil {
			return nil, err
		}
		m.TargetType = internal.TargetType(targetType)
		if expr.Valid && expr.String != "" {
			m.FormulaExpression = &expr.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplaceReportMappings swaps the whole mapping set of (storeID, reportType) in one transaction.
func (d *DB) ReplaceReportMappings(ctx context.Context, storeID, reportType string, mappings []internal.ReportMapping) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM report_mappings WHERE store_id = ? AND report_type = ?`), storeID, reportType); err != nil {
		return err
	}
	for _, m := range mappings {
		dataType := m.DataType
		if dataType == "" {
			dataType = "number"
		}
		if _, err := tx.ExecContext(ctx, d.rebind(`
INSERT INTO report_mappings (store_id, report_type, source_column, target_type, target_field, data_type, formula_expression)
VALUES (?, ?, ?, ?, ?, ?, ?)
`), storeID, reportType, m.SourceColumn, string(m.TargetType), m.TargetField, dataType, m.FormulaExpression); err != nil {
			return err
		}
	}
	return tx.Commit()
}
