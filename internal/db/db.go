package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

// New opens the SQLite database at path, creating its directory.
// ":memory:" opens a private in-memory database.
func New(path string) (*DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) Migrate() error {
	migrations := []string{
		migrationOrganizations,
		migrationAudienceLists,
		migrationContacts,
		migrationSegments,
		migrationImportJobs,
		migrationImportErrors,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const migrationOrganizations = `
CREATE TABLE IF NOT EXISTS organizations (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

const migrationAudienceLists = `
CREATE TABLE IF NOT EXISTS audience_lists (
    id TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    contact_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audience_lists_organization_id ON audience_lists(organization_id);
`

const migrationContacts = `
CREATE TABLE IF NOT EXISTS contacts (
    id TEXT PRIMARY KEY,
    audience_list_id TEXT NOT NULL REFERENCES audience_lists(id) ON DELETE CASCADE,
    email TEXT NOT NULL,
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    note TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '',
    default_address_company TEXT NOT NULL DEFAULT '',
    default_address_address1 TEXT NOT NULL DEFAULT '',
    default_address_address2 TEXT NOT NULL DEFAULT '',
    default_address_city TEXT NOT NULL DEFAULT '',
    default_address_province_code TEXT NOT NULL DEFAULT '',
    default_address_country_code TEXT NOT NULL DEFAULT '',
    default_address_zip TEXT NOT NULL DEFAULT '',
    default_address_phone TEXT NOT NULL DEFAULT '',
    custom_fields JSON,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(audience_list_id, email)
);
CREATE INDEX IF NOT EXISTS idx_contacts_audience_list_id ON contacts(audience_list_id);
CREATE INDEX IF NOT EXISTS idx_contacts_created_at ON contacts(audience_list_id, created_at);
`

const migrationSegments = `
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    audience_list_id TEXT NOT NULL REFERENCES audience_lists(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    filter_criteria JSON,
    contact_ids JSON,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_segments_audience_list_id ON segments(audience_list_id);
`

const migrationImportJobs = `
CREATE TABLE IF NOT EXISTS import_jobs (
    id TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
    audience_list_id TEXT NOT NULL REFERENCES audience_lists(id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    mappings JSON NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    total INTEGER NOT NULL DEFAULT 0,
    processed INTEGER NOT NULL DEFAULT 0,
    successful INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_import_jobs_status ON import_jobs(status);
CREATE INDEX IF NOT EXISTS idx_import_jobs_audience_list_id ON import_jobs(audience_list_id);
`

const migrationImportErrors = `
CREATE TABLE IF NOT EXISTS import_errors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL REFERENCES import_jobs(id) ON DELETE CASCADE,
    line INTEGER NOT NULL,
    field TEXT NOT NULL,
    value TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_import_errors_job_id ON import_errors(job_id);
`
