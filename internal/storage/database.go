package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"taxflow/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Open connects to the database configured under dbType.
// Supported types: sqlite3 (cgo), sqlite (pure Go), mysql, postgres.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open(strings.ToLower(dbType), dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// One connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		params := dbCfg.Params
		if !strings.Contains(params, "parseTime") {
			params = strings.TrimPrefix(params+"&parseTime=true", "&")
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	case "postgres":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS tax_sessions (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				tax_year INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'PENDING',
				completion_progress INTEGER NOT NULL DEFAULT 0,
				total_income TEXT,
				total_deductions TEXT,
				taxable_income TEXT,
				federal_tax_owed TEXT,
				state_tax_owed TEXT,
				total_tax_owed TEXT,
				refund_amount TEXT,
				effective_rate TEXT,
				income_source TEXT,
				error_message TEXT,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				completed_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tax_sessions_owner ON tax_sessions(owner_id, created_at DESC)`,
			`CREATE TABLE IF NOT EXISTS tax_documents (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				file_name TEXT NOT NULL,
				file_type TEXT NOT NULL,
				file_size INTEGER NOT NULL,
				storage_uri TEXT NOT NULL DEFAULT '',
				page_count INTEGER NOT NULL DEFAULT 0,
				processing_status TEXT NOT NULL DEFAULT 'UPLOADED',
				extracted_data TEXT,
				tax_relevant_data TEXT,
				error_message TEXT,
				uploaded_at DATETIME NOT NULL,
				processed_at DATETIME,
				FOREIGN KEY(session_id) REFERENCES tax_sessions(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tax_documents_session ON tax_documents(session_id)`,
			`CREATE TABLE IF NOT EXISTS calculation_steps (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL,
				step_type TEXT NOT NULL,
				step_order INTEGER NOT NULL,
				description TEXT NOT NULL,
				amount TEXT,
				status TEXT NOT NULL,
				processed_at DATETIME NOT NULL,
				UNIQUE(session_id, step_type),
				FOREIGN KEY(session_id) REFERENCES tax_sessions(id) ON DELETE CASCADE
			)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS tax_sessions (
				id CHAR(36) NOT NULL,
				owner_id VARCHAR(255) NOT NULL,
				tax_year INT NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
				completion_progress INT NOT NULL DEFAULT 0,
				total_income DECIMAL(15,2),
				total_deductions DECIMAL(15,2),
				taxable_income DECIMAL(15,2),
				federal_tax_owed DECIMAL(15,2),
				state_tax_owed DECIMAL(15,2),
				total_tax_owed DECIMAL(15,2),
				refund_amount DECIMAL(15,2),
				effective_rate DECIMAL(7,2),
				income_source VARCHAR(20),
				error_message TEXT,
				created_at DATETIME(6) NOT NULL,
				updated_at DATETIME(6) NOT NULL,
				completed_at DATETIME(6),
				PRIMARY KEY (id),
				INDEX idx_tax_sessions_owner (owner_id, created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS tax_documents (
				id CHAR(36) NOT NULL,
				session_id CHAR(36) NOT NULL,
				file_name VARCHAR(255) NOT NULL,
				file_type VARCHAR(255) NOT NULL,
				file_size BIGINT NOT NULL,
				storage_uri TEXT NOT NULL,
				page_count INT NOT NULL DEFAULT 0,
				processing_status VARCHAR(20) NOT NULL DEFAULT 'UPLOADED',
				extracted_data JSON,
				tax_relevant_data JSON,
				error_message TEXT,
				uploaded_at DATETIME(6) NOT NULL,
				processed_at DATETIME(6),
				PRIMARY KEY (id),
				INDEX idx_tax_documents_session (session_id),
				CONSTRAINT fk_tax_documents_session FOREIGN KEY (session_id) REFERENCES tax_sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS calculation_steps (
				id CHAR(36) NOT NULL,
				session_id CHAR(36) NOT NULL,
				step_type VARCHAR(40) NOT NULL,
				step_order INT NOT NULL,
				description VARCHAR(255) NOT NULL,
				amount DECIMAL(15,2),
				status VARCHAR(20) NOT NULL,
				processed_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_session_step (session_id, step_type),
				CONSTRAINT fk_calculation_steps_session FOREIGN KEY (session_id) REFERENCES tax_sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	case "postgres":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS tax_sessions (
				id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				tax_year INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'PENDING',
				completion_progress INTEGER NOT NULL DEFAULT 0,
				total_income NUMERIC(15,2),
				total_deductions NUMERIC(15,2),
				taxable_income NUMERIC(15,2),
				federal_tax_owed NUMERIC(15,2),
				state_tax_owed NUMERIC(15,2),
				total_tax_owed NUMERIC(15,2),
				refund_amount NUMERIC(15,2),
				effective_rate NUMERIC(7,2),
				income_source TEXT,
				error_message TEXT,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				completed_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tax_sessions_owner ON tax_sessions(owner_id, created_at DESC)`,
			`CREATE TABLE IF NOT EXISTS tax_documents (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES tax_sessions(id) ON DELETE CASCADE,
				file_name TEXT NOT NULL,
				file_type TEXT NOT NULL,
				file_size BIGINT NOT NULL,
				storage_uri TEXT NOT NULL DEFAULT '',
				page_count INTEGER NOT NULL DEFAULT 0,
				processing_status TEXT NOT NULL DEFAULT 'UPLOADED',
				extracted_data JSONB,
				tax_relevant_data JSONB,
				error_message TEXT,
				uploaded_at TIMESTAMPTZ NOT NULL,
				processed_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tax_documents_session ON tax_documents(session_id)`,
			`CREATE TABLE IF NOT EXISTS calculation_steps (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES tax_sessions(id) ON DELETE CASCADE,
				step_type TEXT NOT NULL,
				step_order INTEGER NOT NULL,
				description TEXT NOT NULL,
				amount NUMERIC(15,2),
				status TEXT NOT NULL,
				processed_at TIMESTAMPTZ NOT NULL,
				UNIQUE(session_id, step_type)
			)`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
