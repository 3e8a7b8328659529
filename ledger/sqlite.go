package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	source      TEXT PRIMARY KEY,
	ingested_at TEXT NOT NULL,
	digest      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS entry_folders (
	source TEXT NOT NULL REFERENCES entries(source) ON DELETE CASCADE,
	folder TEXT NOT NULL,
	PRIMARY KEY (source, folder)
);
`

// SQLiteStore keeps the ledger in a SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	existed bool
	corrupt *CorruptionError
}

// OpenSQLiteStore opens or creates the database at path. An existing file
// that is not a usable database is moved aside to path+".corrupt" and the
// next Load reports it as a *CorruptionError.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	_, statErr := os.Stat(path)
	existed := statErr == nil

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := openSQLite(path)
	if err == nil {
		return &SQLiteStore{db: db, path: path, existed: existed}, nil
	}
	if !existed {
		return nil, err
	}

	corrupt := &CorruptionError{Path: path, Err: err}
	if err := os.Rename(path, path+".corrupt"); err != nil {
		return nil, fmt.Errorf("move corrupt ledger aside: %w", err)
	}
	db, err = openSQLite(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, path: path, existed: true, corrupt: corrupt}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) Load() (map[string]Entry, error) {
	if s.corrupt != nil {
		err := s.corrupt
		s.corrupt = nil
		return nil, err
	}
	if !s.existed {
		return nil, ErrNotFound
	}

	rows, err := s.db.Query(`SELECT source, ingested_at, digest FROM entries`)
	if err != nil {
		return nil, &CorruptionError{Path: s.path, Err: err}
	}
	defer rows.Close()

	entries := make(map[string]Entry)
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.Source, &entry.IngestedAt, &entry.Digest); err != nil {
			return nil, &CorruptionError{Path: s.path, Err: err}
		}
		entries[entry.Source] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, &CorruptionError{Path: s.path, Err: err}
	}

	folderRows, err := s.db.Query(`SELECT source, folder FROM entry_folders ORDER BY source, folder`)
	if err != nil {
		return nil, &CorruptionError{Path: s.path, Err: err}
	}
	defer folderRows.Close()

	for folderRows.Next() {
		var source, folder string
		if err := folderRows.Scan(&source, &folder); err != nil {
			return nil, &CorruptionError{Path: s.path, Err: err}
		}
		entry, ok := entries[source]
		if !ok {
			continue
		}
		entry.Folders = append(entry.Folders, folder)
		entries[source] = entry
	}
	if err := folderRows.Err(); err != nil {
		return nil, &CorruptionError{Path: s.path, Err: err}
	}

	return entries, nil
}

// Save replaces the stored ledger with entries in one transaction.
func (s *SQLiteStore) Save(entries map[string]Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM entry_folders`); err != nil {
		return fmt.Errorf("failed to clear folders: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM entries`); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}

	entryStmt, err := tx.Prepare(`INSERT INTO entries (source, ingested_at, digest) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare entry insert: %w", err)
	}
	defer entryStmt.Close()

	folderStmt, err := tx.Prepare(`INSERT INTO entry_folders (source, folder) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare folder insert: %w", err)
	}
	defer folderStmt.Close()

	for source, entry := range entries {
		if _, err := entryStmt.Exec(source, entry.IngestedAt, entry.Digest); err != nil {
			return fmt.Errorf("failed to insert entry %s: %w", source, err)
		}
		for _, folder := range entry.Folders {
			if _, err := folderStmt.Exec(source, folder); err != nil {
				return fmt.Errorf("failed to insert folder %s: %w", folder, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger: %w", err)
	}
	s.existed = true
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
