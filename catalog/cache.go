package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chazu/keysmith/block"
	"github.com/chazu/keysmith/wire"
)

// ErrCacheEmpty is returned by Cache.Load before anything was stored.
var ErrCacheEmpty = errors.New("catalog cache is empty")

// Cache keeps the last good catalog in SQLite so a restart can serve it
// while the source is down.
type Cache struct {
	db *sql.DB
}

// OpenCache opens or creates the cache database at path.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS catalog_cache (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		payload    BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Store replaces the cached catalog.
func (c *Cache) Store(ctx context.Context, cat *block.Catalog) error {
	payload, err := wire.MarshalCatalog(cat)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO catalog_cache (id, payload, updated_at) VALUES (1, ?, ?)",
		payload, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storing catalog: %w", err)
	}
	return nil
}

// Load returns the cached catalog and when it was stored.
func (c *Cache) Load(ctx context.Context) (*block.Catalog, time.Time, error) {
	var (
		payload []byte
		millis  int64
	)
	err := c.db.QueryRowContext(ctx, "SELECT payload, updated_at FROM catalog_cache WHERE id = 1").Scan(&payload, &millis)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, ErrCacheEmpty
		}
		return nil, time.Time{}, fmt.Errorf("querying catalog: %w", err)
	}
	cat, err := wire.UnmarshalCatalog(payload)
	if err != nil {
		return nil, time.Time{}, err
	}
	return cat, time.UnixMilli(millis), nil
}
