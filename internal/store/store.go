// Package store provides the embedded persistence layer of the session core.
//
// Records are opaque: callers hand over an id and a Go value, the store
// MessagePack-encodes the value and keeps it in a single key-value table,
// partitioned by bucket (session metadata, forward rules, scrollback
// snapshots, transfer progress, host keys). The core never exposes schema
// detail beyond save/load/delete/list.
package store

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/oxterm/termcore/internal/cerr"
)

// Well-known buckets. Callers may introduce others; the store does not care.
const (
	BucketSessions   = "sessions"
	BucketForwards   = "forwards"
	BucketScrollback = "scrollback"
	BucketTransfers  = "transfers"
	BucketHostKeys   = "hostkeys"
)

// record is the single persisted table: one row per (bucket, key).
type record struct {
	Bucket    string `gorm:"primaryKey;size:64"`
	Key       string `gorm:"primaryKey;size:128"`
	Value     []byte
	UpdatedAt time.Time
}

func (record) TableName() string { return "kv_records" }

// Store is an embedded key-value store backed by SQLite with
// MessagePack-encoded values.
type Store struct {
	db *gorm.DB
}

// Open creates (or opens) the store at the given path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save encodes v with MessagePack and upserts it under (bucket, key).
func (s *Store) Save(bucket, key string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return cerr.Wrap(cerr.IoError, err, "encode record %s/%s", bucket, key)
	}
	rec := record{Bucket: bucket, Key: key, Value: data, UpdatedAt: time.Now()}
	if err := s.db.Save(&rec).Error; err != nil {
		return cerr.Wrap(cerr.IoError, err, "save record %s/%s", bucket, key)
	}
	return nil
}

// Load decodes the record under (bucket, key) into v.
func (s *Store) Load(bucket, key string, v any) error {
	var rec record
	err := s.db.First(&rec, "bucket = ? AND key = ?", bucket, key).Error
	if err == gorm.ErrRecordNotFound {
		return cerr.New(cerr.NotFound, "no record %s/%s", bucket, key)
	}
	if err != nil {
		return cerr.Wrap(cerr.IoError, err, "load record %s/%s", bucket, key)
	}
	if err := msgpack.Unmarshal(rec.Value, v); err != nil {
		return cerr.Wrap(cerr.IoError, err, "decode record %s/%s", bucket, key)
	}
	return nil
}

// Delete removes the record under (bucket, key). Deleting a missing record
// is not an error.
func (s *Store) Delete(bucket, key string) error {
	if err := s.db.Delete(&record{}, "bucket = ? AND key = ?", bucket, key).Error; err != nil {
		return cerr.Wrap(cerr.IoError, err, "delete record %s/%s", bucket, key)
	}
	return nil
}

// List returns all keys in a bucket.
func (s *Store) List(bucket string) ([]string, error) {
	var keys []string
	err := s.db.Model(&record{}).Where("bucket = ?", bucket).Pluck("key", &keys).Error
	if err != nil {
		return nil, cerr.Wrap(cerr.IoError, err, "list bucket %s", bucket)
	}
	return keys, nil
}

// Result carries the outcome of an asynchronous store operation.
type Result struct {
	Keys []string // for ListAsync
	Err  error
}

// SaveAsync runs Save on a background goroutine and reports on the returned channel.
func (s *Store) SaveAsync(bucket, key string, v any) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- Result{Err: s.Save(bucket, key, v)} }()
	return ch
}

// LoadAsync runs Load on a background goroutine and reports on the returned channel.
func (s *Store) LoadAsync(bucket, key string, v any) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- Result{Err: s.Load(bucket, key, v)} }()
	return ch
}

// DeleteAsync runs Delete on a background goroutine and reports on the returned channel.
func (s *Store) DeleteAsync(bucket, key string) <-chan Result {
	ch := make(chan Result, 1)
	go func() { ch <- Result{Err: s.Delete(bucket, key)} }()
	return ch
}

// ListAsync runs List on a background goroutine and reports on the returned channel.
func (s *Store) ListAsync(bucket string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		keys, err := s.List(bucket)
		ch <- Result{Keys: keys, Err: err}
	}()
	return ch
}

// Sweep deletes records in the given bucket older than maxAge. Used by the
// maintenance schedule to drop stale scrollback snapshots and transfer
// progress for long-gone sessions.
func (s *Store) Sweep(bucket string, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	res := s.db.Delete(&record{}, "bucket = ? AND updated_at < ?", bucket, cutoff)
	if res.Error != nil {
		return 0, cerr.Wrap(cerr.IoError, res.Error, "sweep bucket %s", bucket)
	}
	if res.RowsAffected > 0 {
		log.Printf("[store] swept %d stale record(s) from %s", res.RowsAffected, bucket)
	}
	return res.RowsAffected, nil
}
