package geocode

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/trial-matcher/internal/trialmatch"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS geocode_cache (
	place     TEXT PRIMARY KEY,
	lat       REAL,
	lon       REAL,
	found     INTEGER NOT NULL DEFAULT 0,
	cached_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`

// CachedGeocoder fronts another geocoder with a SQLite write-through cache.
// Misses are cached too: city names that Nominatim cannot resolve stay
// unresolvable, and re-querying them on every match wastes the rate budget.
type CachedGeocoder struct {
	inner trialmatch.Geocoder
	db    *sqlx.DB
	mu    sync.Mutex
}

func NewCached(dbPath string, inner trialmatch.Geocoder) (*CachedGeocoder, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open geocode cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create geocode schema: %w", err)
	}
	return &CachedGeocoder{inner: inner, db: db}, nil
}

func (c *CachedGeocoder) Close() error {
	return c.db.Close()
}

type cacheRow struct {
	Lat   sql.NullFloat64 `db:"lat"`
	Lon   sql.NullFloat64 `db:"lon"`
	Found bool            `db:"found"`
}

func (c *CachedGeocoder) Geocode(ctx context.Context, city, state string) (trialmatch.Coordinates, bool) {
	key := cacheKey(city, state)

	c.mu.Lock()
	var row cacheRow
	err := c.db.GetContext(ctx, &row, `SELECT lat, lon, found FROM geocode_cache WHERE place = ?`, key)
	c.mu.Unlock()
	if err == nil {
		if !row.Found || !row.Lat.Valid || !row.Lon.Valid {
			return trialmatch.Coordinates{}, false
		}
		return trialmatch.Coordinates{Lat: row.Lat.Float64, Lon: row.Lon.Float64}, true
	}

	coords, found := c.inner.Geocode(ctx, city, state)

	c.mu.Lock()
	defer c.mu.Unlock()
	if found {
		_, err = c.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO geocode_cache (place, lat, lon, found) VALUES (?, ?, ?, 1)`,
			key, coords.Lat, coords.Lon)
	} else {
		_, err = c.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO geocode_cache (place, lat, lon, found) VALUES (?, NULL, NULL, 0)`,
			key)
	}
	if err != nil {
		// Cache writes are advisory. The lookup result still stands.
		return coords, found
	}
	return coords, found
}

func cacheKey(city, state string) string {
	return strings.ToLower(strings.TrimSpace(city)) + "|" + strings.ToLower(strings.TrimSpace(state))
}
