package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a node's SQLite catalog.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// Uploads on different connections write concurrently; SQLite allows
	// one writer.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS files (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    virtual_path TEXT NOT NULL,
    local_path TEXT NOT NULL UNIQUE,
    size INTEGER NOT NULL,
    checksum TEXT NOT NULL,
    category TEXT NOT NULL,
    stored_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_files_name ON files(name);
CREATE INDEX IF NOT EXISTS idx_files_stored ON files(stored_at);`
	_, err := d.db.Exec(schema)
	return err
}

// UpsertFile records f, replacing any existing row for the same local path.
// The row keeps its original ID across replacements.
func (d *DB) UpsertFile(f *File) error {
	_, err := d.db.Exec(
		`INSERT INTO files (id, name, virtual_path, local_path, size, checksum, category, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(local_path) DO UPDATE SET
		     name = excluded.name,
		     virtual_path = excluded.virtual_path,
		     size = excluded.size,
		     checksum = excluded.checksum,
		     category = excluded.category,
		     stored_at = excluded.stored_at`,
		f.ID, f.Name, f.VirtualPath, f.LocalPath, f.Size, f.Checksum, f.Category, f.StoredAt,
	)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}

// GetFile retrieves a file by its local path.
func (d *DB) GetFile(localPath string) (*File, error) {
	f := &File{}
	err := d.db.QueryRow(
		`SELECT id, name, virtual_path, local_path, size, checksum, category, stored_at
		 FROM files WHERE local_path = ?`, localPath,
	).Scan(&f.ID, &f.Name, &f.VirtualPath, &f.LocalPath, &f.Size, &f.Checksum, &f.Category, &f.StoredAt)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

// ListFiles returns every recorded file ordered by local path.
func (d *DB) ListFiles() ([]File, error) {
	rows, err := d.db.Query(
		`SELECT id, name, virtual_path, local_path, size, checksum, category, stored_at
		 FROM files ORDER BY local_path`,
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.Name, &f.VirtualPath, &f.LocalPath, &f.Size, &f.Checksum, &f.Category, &f.StoredAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteFile removes the row for localPath. A missing row is sql.ErrNoRows.
func (d *DB) DeleteFile(localPath string) error {
	res, err := d.db.Exec(`DELETE FROM files WHERE local_path = ?`, localPath)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete file rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete file: %w", sql.ErrNoRows)
	}
	return nil
}

// Reconcile deletes rows whose file no longer exists according to exists
// and returns how many were dropped.
func (d *DB) Reconcile(exists func(localPath string) bool) (int, error) {
	files, err := d.ListFiles()
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, f := range files {
		if exists(f.LocalPath) {
			continue
		}
		if err := d.DeleteFile(f.LocalPath); err != nil {
			return dropped, fmt.Errorf("reconcile: %w", err)
		}
		dropped++
	}
	return dropped, nil
}

// Stats returns the number of recorded files and their total size.
func (d *DB) Stats() (Stats, error) {
	var s Stats
	err := d.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM files`).Scan(&s.Files, &s.Bytes)
	if err != nil {
		return Stats{}, fmt.Errorf("catalog stats: %w", err)
	}
	return s, nil
}
