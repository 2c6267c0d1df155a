package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audio_cache (
	key       TEXT PRIMARY KEY,
	data      BLOB NOT NULL,
	headers   TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audio_cache_timestamp ON audio_cache(timestamp);
`

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db        *sql.DB
	now       func() time.Time
	closeOnce sync.Once
	closeErr  error
}

// OpenSQLite opens (creating if needed) the cache database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	// One writer at a time; avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Match(ctx context.Context, key string) (*Entry, error) {
	var (
		data    []byte
		headers string
		ts      int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, headers, timestamp FROM audio_cache WHERE key = ?`, key).
		Scan(&data, &headers, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap("match", err)
	}
	e := &Entry{Key: key, Data: data, Timestamp: time.UnixMilli(ts)}
	if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
		return nil, fmt.Errorf("decode headers for %s: %w", key, err)
	}
	return e, nil
}

func (s *SQLite) Put(ctx context.Context, key string, data []byte, headers map[string]string) error {
	h, err := json.Marshal(copyHeaders(headers))
	if err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audio_cache (key, data, headers, timestamp) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, headers = excluded.headers, timestamp = excluded.timestamp`,
		key, data, string(h), s.now().UnixMilli())
	return s.wrap("put", err)
}

func (s *SQLite) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audio_cache WHERE key = ?`, key)
	if err != nil {
		return false, s.wrap("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrap("delete", err)
	}
	return n > 0, nil
}

func (s *SQLite) Info(ctx context.Context) (Info, error) {
	var (
		info           Info
		oldest, newest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(data)), 0), MIN(timestamp), MAX(timestamp) FROM audio_cache`).
		Scan(&info.TotalEntries, &info.TotalSize, &oldest, &newest)
	if err != nil {
		return Info{}, s.wrap("info", err)
	}
	if oldest.Valid {
		info.OldestEntry = time.UnixMilli(oldest.Int64)
	}
	if newest.Valid {
		info.NewestEntry = time.UnixMilli(newest.Int64)
	}
	return info, nil
}

func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM audio_cache`)
	return s.wrap("clear", err)
}

// Close closes the database. Later calls return the first result.
func (s *SQLite) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *SQLite) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if err.Error() == "sql: database is closed" {
		return fmt.Errorf("cache %s: %w", op, ErrClosed)
	}
	return fmt.Errorf("cache %s: %w", op, err)
}

var _ Store = (*SQLite)(nil)
