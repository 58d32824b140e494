// Package state provides a versioned key-value blob store backed by SQLite.
//
// Every write stamps the entry with a new store-wide version. Writers from
// other processes sharing the same database file observe each other's stamps,
// so CompareAndSwap lets a caller write only if nobody else has written since
// it last read.
//
// The change log records every write so tooling can show history.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"grimm.is/paramstrip/internal/clock"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Common errors
var (
	ErrNotFound        = errors.New("key not found")
	ErrBucketExists    = errors.New("bucket already exists")
	ErrBucketMissing   = errors.New("bucket does not exist")
	ErrStoreClosed     = errors.New("store is closed")
	ErrVersionConflict = errors.New("version conflict")
)

// ChangeType represents the type of state change.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one entry of the change log.
type Change struct {
	ID        uint64     `json:"id"`
	Bucket    string     `json:"bucket"`
	Key       string     `json:"key"`
	Value     []byte     `json:"value,omitempty"` // nil for deletes
	Type      ChangeType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Version   uint64     `json:"version"`
}

// Entry represents a single stored value with metadata.
type Entry struct {
	Value     []byte    `json:"value"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is what the rule list and the dynamic rule set need from storage.
type Store interface {
	CreateBucket(name string) error

	GetWithMeta(bucket, key string) (*Entry, error)
	// CompareAndSwap writes value only if the entry's version still equals
	// expected. An expected version of 0 means the key must not exist yet.
	// It returns the new version.
	CompareAndSwap(bucket, key string, value []byte, expected uint64) (uint64, error)
	Delete(bucket, key string) error

	GetChangesSince(bucket string, version uint64) ([]Change, error)
	CurrentVersion() uint64

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	version uint64
	closed  bool
	clock   clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
}

// Options configures the SQLite store.
type Options struct {
	Path            string        // Database file path (":memory:" for in-memory)
	WALMode         bool          // Enable WAL mode for better concurrency
	BusyTimeout     time.Duration // How long a writer waits on another process's lock
	CleanupInterval time.Duration // How often to prune the change log
	ChangeRetention time.Duration // How long to keep change history
	Clock           clock.Clock   // nil follows the package clock
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:            path,
		WALMode:         true,
		BusyTimeout:     5 * time.Second,
		CleanupInterval: time.Hour,
		ChangeRetention: 30 * 24 * time.Hour,
	}
}

// dsn builds a modernc.org/sqlite connection string. Transactions take the
// write lock up front so a read-then-write CAS cannot deadlock against a
// writer in another process.
func (o Options) dsn() string {
	if o.Path == ":memory:" {
		return o.Path
	}
	params := []string{"_txlock=immediate"}
	if o.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", o.BusyTimeout.Milliseconds()))
	}
	if o.WALMode {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return "file:" + o.Path + "?" + strings.Join(params, "&")
}

// NewSQLiteStore creates a new SQLite-backed state store.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", opts.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.Path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	clk := opts.Clock
	if clk == nil {
		clk = clock.Func(clock.Now)
	}

	s := &SQLiteStore{
		db:     db,
		clock:  clk,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := s.initSchema(); err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.loadVersion(); err != nil {
		cancel()
		db.Close()
		return nil, fmt.Errorf("failed to load version: %w", err)
	}

	if opts.CleanupInterval > 0 && opts.ChangeRetention > 0 {
		go s.cleanupLoop(opts.CleanupInterval, opts.ChangeRetention)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS buckets (
			name TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			version INTEGER NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (bucket, key),
			FOREIGN KEY (bucket) REFERENCES buckets(name) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			change_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			timestamp DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_changes_version ON changes(version);
		CREATE INDEX IF NOT EXISTS idx_changes_timestamp ON changes(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) loadVersion() error {
	v, err := maxVersion(s.db)
	if err != nil {
		return err
	}
	s.version = v
	return nil
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

// maxVersion reads the highest stamp any writer has used. Entries are
// consulted too because the change log gets pruned.
func maxVersion(q queryRower) (uint64, error) {
	var changes, entries sql.NullInt64
	if err := q.QueryRow("SELECT MAX(version) FROM changes").Scan(&changes); err != nil {
		return 0, err
	}
	if err := q.QueryRow("SELECT MAX(version) FROM entries").Scan(&entries); err != nil {
		return 0, err
	}
	return uint64(max(changes.Int64, entries.Int64)), nil
}

func (s *SQLiteStore) cleanupLoop(interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pruneChanges(retention)
		}
	}
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// nextVersion picks the stamp for a write inside tx. Another process may
// have written since this one last looked.
func (s *SQLiteStore) nextVersion(tx *sql.Tx) (uint64, error) {
	stored, err := maxVersion(tx)
	if err != nil {
		return 0, err
	}
	return max(s.version, stored) + 1, nil
}

func (s *SQLiteStore) pruneChanges(retention time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	cutoff := s.clock.Now().Add(-retention)
	_, _ = s.db.Exec("DELETE FROM changes WHERE timestamp < ?", cutoff)
}

// CreateBucket creates a new bucket.
func (s *SQLiteStore) CreateBucket(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.Exec(
		"INSERT INTO buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING",
		name, s.clock.Now(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrBucketExists
	}
	return nil
}

// GetWithMeta retrieves a value with its metadata.
func (s *SQLiteStore) GetWithMeta(bucket, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var entry Entry
	err := s.db.QueryRow(
		"SELECT value, version, updated_at FROM entries WHERE bucket = ? AND key = ?",
		bucket, key,
	).Scan(&entry.Value, &entry.Version, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Set stores a value unconditionally.
func (s *SQLiteStore) Set(bucket, key string, value []byte) error {
	_, err := s.write(bucket, key, value, nil)
	return err
}

// CompareAndSwap stores a value only if the current version matches.
func (s *SQLiteStore) CompareAndSwap(bucket, key string, value []byte, expected uint64) (uint64, error) {
	return s.write(bucket, key, value, &expected)
}

func (s *SQLiteStore) write(bucket, key string, value []byte, expected *uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var bucketExists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM buckets WHERE name = ?", bucket).Scan(&bucketExists); err != nil {
		return 0, err
	}
	if bucketExists == 0 {
		return 0, ErrBucketMissing
	}

	var current uint64
	err = tx.QueryRow(
		"SELECT version FROM entries WHERE bucket = ? AND key = ?",
		bucket, key,
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	isUpdate := err == nil

	if expected != nil && *expected != current {
		return 0, fmt.Errorf("%w: %s/%s at version %d, expected %d",
			ErrVersionConflict, bucket, key, current, *expected)
	}

	version, err := s.nextVersion(tx)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()

	_, err = tx.Exec(`
		INSERT INTO entries (bucket, key, value, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, bucket, key, value, version, now)
	if err != nil {
		return 0, err
	}

	changeType := ChangeInsert
	if isUpdate {
		changeType = ChangeUpdate
	}
	change := Change{
		Bucket:    bucket,
		Key:       key,
		Value:     value,
		Type:      changeType,
		Timestamp: now,
		Version:   version,
	}
	if err := recordChangeTx(tx, &change); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.version = version
	return version, nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM entries WHERE bucket = ? AND key = ?", bucket, key)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}

	version, err := s.nextVersion(tx)
	if err != nil {
		return err
	}
	change := Change{
		Bucket:    bucket,
		Key:       key,
		Type:      ChangeDelete,
		Timestamp: s.clock.Now(),
		Version:   version,
	}
	if err := recordChangeTx(tx, &change); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.version = version
	return nil
}

func recordChangeTx(tx *sql.Tx, change *Change) error {
	result, err := tx.Exec(`
		INSERT INTO changes (bucket, key, value, change_type, version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, change.Bucket, change.Key, change.Value, change.Type, change.Version, change.Timestamp)
	if err != nil {
		return err
	}

	id, _ := result.LastInsertId()
	change.ID = uint64(id)
	return nil
}

// GetChangesSince returns the changes of a bucket newer than version, oldest
// first. An empty bucket name returns changes of every bucket.
func (s *SQLiteStore) GetChangesSince(bucket string, version uint64) ([]Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, bucket, key, value, change_type, version, timestamp
		FROM changes
		WHERE version > ? AND (? = '' OR bucket = ?)
		ORDER BY version
	`, version, bucket, bucket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		var changeType string
		if err := rows.Scan(&c.ID, &c.Bucket, &c.Key, &c.Value, &changeType, &c.Version, &c.Timestamp); err != nil {
			return nil, err
		}
		c.Type = ChangeType(changeType)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// CurrentVersion returns the highest version this store has written or seen.
func (s *SQLiteStore) CurrentVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Close closes the store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cancel()
	return s.db.Close()
}

// EnsureBucket creates a bucket, treating an existing one as success.
func EnsureBucket(s Store, name string) error {
	if err := s.CreateBucket(name); err != nil && !errors.Is(err, ErrBucketExists) {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	return nil
}

// LoadJSON decodes the value at bucket/key into v and returns the version to
// pass to SwapJSON. A missing key leaves v untouched at version 0.
func LoadJSON(s Store, bucket, key string, v any) (uint64, error) {
	entry, err := s.GetWithMeta(bucket, key)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		return 0, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return entry.Version, nil
}

// SwapJSON encodes v and writes it if bucket/key is still at expected.
func SwapJSON(s Store, bucket, key string, v any, expected uint64) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return s.CompareAndSwap(bucket, key, data, expected)
}
