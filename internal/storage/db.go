package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

type DB struct {
	conn    *sql.DB
	dialect Dialect
}

// Open connects to sqlite (dsn is a file path) or postgres (dsn is a connection URL) and
// creates the schema when missing.
func Open(driver, dsn string) (*DB, error) {
	switch Dialect(driver) {
	case DialectPostgres:
		return openPostgres(dsn)
	case DialectSQLite, "":
		return openSQLite(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

func openSQLite(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	return initDB(conn, DialectSQLite)
}

// sqliteDSN carries the pragmas in the DSN so every pooled connection gets them, not only the
// first one.
func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func openPostgres(url string) (*DB, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("missing DATABASE_URL for postgres storage")
	}
	conn, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}
	conn.SetMaxIdleConns(4)
	conn.SetMaxOpenConns(16)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return initDB(conn, DialectPostgres)
}

func initDB(conn *sql.DB, dialect Dialect) (*DB, error) {
	db := &DB{conn: conn, dialect: dialect}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.conn.PingContext(ctx)
}

func (d *DB) Dialect() Dialect {
	return d.dialect
}

// rebind rewrites ? placeholders to $n for postgres.
func (d *DB) rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) init() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.dialect == DialectPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}
	schema := strings.ReplaceAll(`
CREATE TABLE IF NOT EXISTS stores (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  state TEXT NOT NULL DEFAULT '',
  retailer_number TEXT NOT NULL DEFAULT '',
  report_email TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS emails (
  id {{id}},
  provider TEXT NOT NULL,
  message_id TEXT NOT NULL,
  subject TEXT NOT NULL DEFAULT '',
  sender TEXT NOT NULL DEFAULT '',
  recipient TEXT NOT NULL DEFAULT '',
  received_at TEXT NOT NULL DEFAULT '',
  hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'fetched',
  raw_ref TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE(provider, message_id)
);
CREATE INDEX IF NOT EXISTS idx_emails_status ON emails(status, received_at);

CREATE TABLE IF NOT EXISTS raw_reports (
  id {{id}},
  store_id TEXT NOT NULL,
  natural_key TEXT NOT NULL,
  report_date TEXT NOT NULL,
  report_type TEXT NOT NULL,
  period TEXT NOT NULL DEFAULT 'daily',
  period_end TEXT NOT NULL DEFAULT '',
  retailer_number TEXT NOT NULL DEFAULT '',
  location_name TEXT NOT NULL DEFAULT '',
  data_json TEXT NOT NULL,
  columns_json TEXT NOT NULL,
  mapped_values_json TEXT NOT NULL DEFAULT '{}',
  source_email_id TEXT,
  filename TEXT,
  received_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE(store_id, natural_key)
);
CREATE INDEX IF NOT EXISTS idx_raw_reports_store_date ON raw_reports(store_id, report_date);

CREATE TABLE IF NOT EXISTS report_mappings (
  id {{id}},
  store_id TEXT NOT NULL,
  report_type TEXT NOT NULL,
  source_column TEXT NOT NULL DEFAULT '',
  target_type TEXT NOT NULL,
  target_field TEXT NOT NULL,
  data_type TEXT NOT NULL DEFAULT 'number',
  formula_expression TEXT
);
CREATE INDEX IF NOT EXISTS idx_report_mappings_store ON report_mappings(store_id, report_type);

CREATE TABLE IF NOT EXISTS calculation_configs (
  id {{id}},
  scope TEXT NOT NULL UNIQUE,
  store_id TEXT,
  config_type TEXT NOT NULL,
  combined_drawer_formula TEXT NOT NULL DEFAULT '{}',
  lottery_owed_formula TEXT NOT NULL DEFAULT '{}',
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entries (
  id {{id}},
  kind TEXT NOT NULL,
  store_id TEXT NOT NULL,
  entry_date TEXT NOT NULL,
  fields_json TEXT NOT NULL,
  entered_by TEXT NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  UNIQUE(kind, store_id, entry_date)
);

CREATE TABLE IF NOT EXISTS sheet_integrations (
  id {{id}},
  store_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  spreadsheet_id TEXT NOT NULL,
  sheet_range TEXT NOT NULL,
  sync_types TEXT NOT NULL,
  column_mapping TEXT NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  auto_sync INTEGER NOT NULL DEFAULT 0,
  last_synced_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_sheet_integrations_store ON sheet_integrations(store_id);

CREATE TABLE IF NOT EXISTS sync_logs (
  id {{id}},
  trace_id TEXT NOT NULL,
  integration_id INTEGER NOT NULL DEFAULT 0,
  store_id TEXT NOT NULL,
  sync_type TEXT NOT NULL,
  status TEXT NOT NULL,
  rows_processed INTEGER NOT NULL DEFAULT 0,
  rows_added INTEGER NOT NULL DEFAULT 0,
  rows_updated INTEGER NOT NULL DEFAULT 0,
  rows_skipped INTEGER NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_logs_store ON sync_logs(store_id, created_at);

CREATE TABLE IF NOT EXISTS runs (
  id {{id}},
  trace_id TEXT NOT NULL,
  email_id INTEGER,
  timings_json TEXT NOT NULL,
  counts_json TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`, "{{id}}", idColumn)

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.conn.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
