package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// Enable foreign key enforcement (off by default in SQLite)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			domain TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			operator_email TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS sync_jobs (
			id TEXT PRIMARY KEY,
			org_domain TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			progress INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PENDING',
			credentials_encrypted BLOB NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (org_domain) REFERENCES organizations(domain)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_org_status ON sync_jobs(org_domain, status)`,
		`CREATE TABLE IF NOT EXISTS discovered_users (
			org_domain TEXT NOT NULL,
			provider_user_id TEXT NOT NULL,
			email TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			department TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (org_domain, provider_user_id),
			FOREIGN KEY (org_domain) REFERENCES organizations(domain)
		)`,
		`CREATE TABLE IF NOT EXISTS applications (
			org_domain TEXT NOT NULL,
			app_key TEXT NOT NULL,
			name TEXT NOT NULL,
			provider TEXT NOT NULL,
			category TEXT,
			risk_level TEXT NOT NULL DEFAULT 'LOW',
			scopes TEXT NOT NULL DEFAULT '[]',
			permission_count INTEGER NOT NULL DEFAULT 0,
			user_count INTEGER NOT NULL DEFAULT 0,
			management_status TEXT NOT NULL DEFAULT 'NEEDS_REVIEW',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (org_domain, app_key),
			FOREIGN KEY (org_domain) REFERENCES organizations(domain)
		)`,
		`CREATE TABLE IF NOT EXISTS user_app_grants (
			org_domain TEXT NOT NULL,
			app_key TEXT NOT NULL,
			provider_user_id TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '[]',
			risk_level TEXT NOT NULL DEFAULT 'LOW',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (org_domain, app_key, provider_user_id),
			FOREIGN KEY (org_domain, app_key) REFERENCES applications(org_domain, app_key)
		)`,
		`CREATE TABLE IF NOT EXISTS categorization_jobs (
			id TEXT PRIMARY KEY,
			org_domain TEXT NOT NULL,
			app_key TEXT NOT NULL DEFAULT '',
			progress INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PENDING',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (org_domain) REFERENCES organizations(domain)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
