// Package store persists the reuse cache, the offline outbox, and the
// resumable scan cursors in a single embedded SQLite database, grounded
// on the teacher's internal/database package for the gorm.Open/
// AutoMigrate shape and on ghyeongl-selective-filebrowser's sync/db.go
// for the WAL-and-busy-timeout pragmas the teacher's own sqlite driver
// call never set.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// CacheEntry is one row of the reuse cache, keyed by filesystem path.
type CacheEntry struct {
	Path           string `gorm:"primaryKey"`
	InodeKey       string `gorm:"index"`
	Size           int64
	MTime          int64
	CTime          int64
	Probed         bool
	Hashed         bool
	HashAlgo       string
	HashSampleSize int64
	SampleHash     string
	FullHash       string
	LastSeen       time.Time
	LastHashedAt   time.Time
}

// TableName stores CacheEntry rows in the agent_index table.
func (CacheEntry) TableName() string { return "agent_index" }

// OutboxItem is a batch payload pending delivery to the host, drained
// strictly oldest-first by ID.
type OutboxItem struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	BatchID     string `gorm:"uniqueIndex"`
	PayloadJSON []byte
	Attempts    int
	CreatedAt   time.Time
}

// TableName stores OutboxItem rows in the outbox table.
func (OutboxItem) TableName() string { return "outbox" }

// CursorRow records the last emitted path for one (root, phase) pair,
// letting a restarted scan resume a depth-first traversal in place.
type CursorRow struct {
	Root      string `gorm:"primaryKey"`
	Phase     string `gorm:"primaryKey"`
	LastPath  string
	UpdatedAt time.Time
}

// TableName stores CursorRow rows in the scan_progress table.
func (CursorRow) TableName() string { return "scan_progress" }

// DB wraps the shared gorm handle that the Cache, Outbox, and
// CursorStore types operate against.
type DB struct {
	gorm *gorm.DB
	path string
}

// Open creates (or reuses) the SQLite database at path, applying the
// same WAL and busy-timeout pragmas the filebrowser sync package sets
// at connection time, then migrates all three tables.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	g, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if err := g.AutoMigrate(&CacheEntry{}, &OutboxItem{}, &CursorRow{}); err != nil {
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &DB{gorm: g, path: path}, nil
}

// Cache returns a Cache bound to this database.
func (d *DB) Cache() *Cache { return &Cache{db: d.gorm} }

// Outbox returns an Outbox bound to this database.
func (d *DB) Outbox() *Outbox { return &Outbox{db: d.gorm} }

// Cursors returns a CursorStore bound to this database.
func (d *DB) Cursors() *CursorStore { return &CursorStore{db: d.gorm} }

// Path returns the filesystem path of the underlying database file.
func (d *DB) Path() string { return d.path }

// Close releases the underlying connection.
func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Compact runs VACUUM to reclaim space after large-scale deletes, the
// way /agent/compact_cache is documented to behave.
func (d *DB) Compact() error {
	return d.gorm.Exec("VACUUM").Error
}

// Clear deletes the database file outright. Callers must Close first.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cache db: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	return nil
}
