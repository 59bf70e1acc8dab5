package identity

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBlobStore is the default Store implementation: a single key/value
// table in a WAL-mode SQLite database, grounded on
// pkg/storage/database.go's NewMessageDB (same Open/WAL/initSchema
// shape, generalized from the teacher's typed message/contact tables
// down to a generic blob KV, since spec.md §6 only ever asks the
// persistence adapter for load/store/remove by key).
type SQLiteBlobStore struct {
	db *sql.DB
}

// NewSQLiteBlobStore opens (creating if needed) the blob store at dbPath.
func NewSQLiteBlobStore(dbPath string) (*SQLiteBlobStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("identity: open sqlite store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: enable WAL mode: %w", err)
	}
	const schema = `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: init kv schema: %w", err)
	}
	return &SQLiteBlobStore{db: db}, nil
}

// Load implements Store.
func (b *SQLiteBlobStore) Load(key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrStoreMiss
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load %q: %w", key, err)
	}
	return value, nil
}

// Save implements Store.
func (b *SQLiteBlobStore) Save(key string, value []byte) error {
	_, err := b.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("identity: save %q: %w", key, err)
	}
	return nil
}

// Remove implements Store.
func (b *SQLiteBlobStore) Remove(key string) error {
	_, err := b.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("identity: remove %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (b *SQLiteBlobStore) Close() error {
	return b.db.Close()
}

// FileBlobStore persists each key as its own file under dir, written via
// write-temp-then-rename so a crash mid-write never corrupts the
// previous value, per spec.md §5's atomicity requirement for the
// IdentityCache blob store.
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore ensures dir exists and returns a store rooted there.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create blob dir: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

func (f *FileBlobStore) path(key string) string {
	return filepath.Join(f.dir, key+".blob")
}

// Load implements Store.
func (f *FileBlobStore) Load(key string) ([]byte, error) {
	raw, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, ErrStoreMiss
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load %q: %w", key, err)
	}
	return raw, nil
}

// Save implements Store via write-temp-then-rename.
func (f *FileBlobStore) Save(key string, value []byte) error {
	final := f.path(key)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("identity: write temp for %q: %w", key, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("identity: rename temp for %q: %w", key, err)
	}
	return nil
}

// Remove implements Store.
func (f *FileBlobStore) Remove(key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("identity: remove %q: %w", key, err)
	}
	return nil
}
