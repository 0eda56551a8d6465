package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the jobs table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		source_uri TEXT NOT NULL,
		mode TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'init',
		step TEXT,
		created_at DATETIME NOT NULL,
		finished_at DATETIME,
		result_json TEXT,
		locked_by TEXT
	)`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS jobs_finished_at ON jobs (finished_at)`)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create jobs index: %w", err)
	}

	return db, nil
}
