package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Store is the SQLite persistence layer. A single open connection serializes
// writes; WAL mode keeps readers off the writer's path.
type Store struct {
	DB *sql.DB
}

var schema = []struct {
	name  string
	query string
}{
	{"watchlist", `
	CREATE TABLE IF NOT EXISTS watchlist (
		symbol TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		added_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`},
	{"stock_snapshots", `
	CREATE TABLE IF NOT EXISTS stock_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		price REAL NOT NULL,
		change_price REAL,
		change_percent REAL,
		volume INTEGER,
		total_volume INTEGER,
		total_amount REAL,
		open REAL,
		high REAL,
		low REAL,
		close REAL,
		bid REAL,
		ask REAL,
		vwap REAL,
		captured_at TIMESTAMP NOT NULL
	);`},
	{"stock_snapshots_idx", `CREATE INDEX IF NOT EXISTS idx_snapshots_symbol_time ON stock_snapshots (symbol, captured_at);`},
	{"stock_alerts", `
	CREATE TABLE IF NOT EXISTS stock_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL CHECK (direction IN ('above', 'below')),
		target_price REAL NOT NULL,
		is_triggered INTEGER NOT NULL DEFAULT 0,
		triggered_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`},
	{"job_state", `
	CREATE TABLE IF NOT EXISTS job_state (
		name TEXT PRIMARY KEY,
		last_run TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`},
	{"app_settings", `
	CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`},
	{"market_institutional", `
	CREATE TABLE IF NOT EXISTS market_institutional (
		date TEXT PRIMARY KEY,
		foreign_net REAL NOT NULL,
		trust_net REAL NOT NULL,
		dealer_net REAL NOT NULL,
		fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`},
	{"institutional_data", `
	CREATE TABLE IF NOT EXISTS institutional_data (
		date TEXT NOT NULL,
		symbol TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		foreign_buy INTEGER, foreign_sell INTEGER,
		trust_buy INTEGER, trust_sell INTEGER,
		dealer_buy INTEGER, dealer_sell INTEGER,
		fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (date, symbol)
	);`},
	{"margin_data", `
	CREATE TABLE IF NOT EXISTS margin_data (
		date TEXT NOT NULL,
		symbol TEXT NOT NULL,
		margin_buy INTEGER, margin_sell INTEGER, margin_balance INTEGER,
		short_buy INTEGER, short_sell INTEGER, short_balance INTEGER,
		day_trade_ratio REAL,
		fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (date, symbol)
	);`},
	{"tdcc_data", `
	CREATE TABLE IF NOT EXISTS tdcc_data (
		date TEXT NOT NULL,
		symbol TEXT NOT NULL,
		level TEXT NOT NULL,
		holders INTEGER, shares INTEGER, percent REAL,
		PRIMARY KEY (date, symbol, level)
	);`},
	{"daily_diary", `
	CREATE TABLE IF NOT EXISTS daily_diary (
		date TEXT PRIMARY KEY,
		provider TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`},
	{"ai_recommendations", `
	CREATE TABLE IF NOT EXISTS ai_recommendations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		target REAL NOT NULL,
		stop_loss REAL NOT NULL,
		entry_price REAL,
		horizon TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);`},
	{"metrics", `
	CREATE TABLE IF NOT EXISTS metrics (
		metric_name TEXT NOT NULL,
		label_key TEXT DEFAULT NULL,
		label_value TEXT DEFAULT NULL,
		metric_value REAL NOT NULL,
		PRIMARY KEY (metric_name, label_key, label_value)
	);`},
}

// columns added after a table first shipped. Duplicate-column errors mean the
// database already has them.
var addedColumns = []struct {
	table, column, def string
}{
	{"ai_recommendations", "horizon", "TEXT NOT NULL DEFAULT ''"},
	{"ai_recommendations", "outcome", "TEXT NOT NULL DEFAULT ''"},
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, table := range schema {
		if _, err := db.Exec(table.query); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create %s table: %w", table.name, err)
		}
	}

	for _, c := range addedColumns {
		_, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, c.table, c.column, c.def))
		if err != nil && !strings.Contains(err.Error(), "duplicate column") {
			db.Close()
			return nil, fmt.Errorf("failed to add %s.%s: %w", c.table, c.column, err)
		}
	}

	log.Debugf("Database initialized at %s", path)
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}
