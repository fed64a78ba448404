package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
)

// Store is the read/write surface the engine uses.
type Store interface {
	Get(ctx context.Context, pool models.Pool, fingerprint string) (string, bool)
	Put(ctx context.Context, pool models.Pool, fingerprint, response string) error
}

// Disabled is a Store that never reads, writes or touches recency.
type Disabled struct{}

func (Disabled) Get(context.Context, models.Pool, string) (string, bool) { return "", false }

func (Disabled) Put(context.Context, models.Pool, string, string) error { return nil }

// Limits caps the number of entries per pool.
type Limits struct {
	Stateless int
	Chat      int
}

func (l Limits) of(pool models.Pool) int {
	if pool == models.PoolChat {
		return l.Chat
	}
	return l.Stateless
}

type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// Cache is an LRU response cache backed by SQLite, partitioned into pools.
type Cache struct {
	db     *sql.DB
	limits Limits
	logger *zap.Logger
	counts map[models.Pool]*counters

	mu   sync.Mutex
	last int64
	now  func() time.Time
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	pool TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	response TEXT NOT NULL,
	checksum TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_used_at INTEGER NOT NULL,
	PRIMARY KEY (pool, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_cache_pool_used ON cache_entries(pool, last_used_at);
`

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache on db and runs auto-migration.
func New(db *sql.DB, limits Limits, logger *zap.Logger, opts ...Option) (*Cache, error) {
	if limits.Stateless <= 0 || limits.Chat <= 0 {
		return nil, fmt.Errorf("cache limits must be positive: %+v", limits)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(createCacheTable); err != nil {
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}
	c := &Cache{
		db:     db,
		limits: limits,
		logger: logger,
		now:    time.Now,
		counts: map[models.Pool]*counters{
			models.PoolStateless: {},
			models.PoolChat:      {},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// tick returns a strictly increasing timestamp in nanoseconds so entries
// written in the same instant still have a recency order.
func (c *Cache) tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now().UnixNano()
	if n <= c.last {
		n = c.last + 1
	}
	c.last = n
	return n
}

func checksum(response string) string {
	sum := sha256.Sum256([]byte(response))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response for fingerprint and promotes its recency.
// A corrupted entry is dropped and reported as a miss.
func (c *Cache) Get(ctx context.Context, pool models.Pool, fingerprint string) (string, bool) {
	cnt, ok := c.counts[pool]
	if !ok {
		return "", false
	}
	text, err := c.get(ctx, pool, fingerprint)
	if err != nil {
		if llmerr.Is(err, llmerr.KindCacheCorruption) {
			c.logger.Warn("dropped corrupted cache entry",
				zap.String("pool", string(pool)),
				zap.String("fingerprint", fingerprint),
				zap.Error(err))
		} else if !errors.Is(err, sql.ErrNoRows) {
			c.logger.Warn("cache read failed", zap.String("pool", string(pool)), zap.Error(err))
		}
		cnt.misses.Add(1)
		return "", false
	}
	cnt.hits.Add(1)
	return text, true
}

func (c *Cache) get(ctx context.Context, pool models.Pool, fingerprint string) (string, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("cache get: %w", err)
	}
	defer tx.Rollback()

	var response, sum sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT response, checksum FROM cache_entries WHERE pool = ? AND fingerprint = ?`,
		string(pool), fingerprint,
	).Scan(&response, &sum)
	if err != nil {
		return "", err
	}

	if !response.Valid || !sum.Valid || !utf8.ValidString(response.String) || checksum(response.String) != sum.String {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE pool = ? AND fingerprint = ?`, string(pool), fingerprint,
		); err != nil {
			return "", fmt.Errorf("cache drop: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", fmt.Errorf("cache drop: %w", err)
		}
		return "", llmerr.Errorf(llmerr.KindCacheCorruption, "cache get", "checksum mismatch for %s", fingerprint)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cache_entries SET last_used_at = ? WHERE pool = ? AND fingerprint = ?`,
		c.tick(), string(pool), fingerprint,
	); err != nil {
		return "", fmt.Errorf("cache touch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("cache touch: %w", err)
	}
	return response.String, nil
}

// Put stores response under fingerprint, then evicts least recently used
// entries until the pool is back within its limit.
func (c *Cache) Put(ctx context.Context, pool models.Pool, fingerprint, response string) error {
	if !pool.Valid() {
		return fmt.Errorf("cache put: unknown pool %q", pool)
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	defer tx.Rollback()

	now := c.tick()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO cache_entries (pool, fingerprint, response, checksum, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pool, fingerprint) DO UPDATE SET
		   response = excluded.response,
		   checksum = excluded.checksum,
		   created_at = excluded.created_at,
		   last_used_at = excluded.last_used_at`,
		string(pool), fingerprint, response, checksum(response), now, now,
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE pool = ?`, string(pool),
	).Scan(&count); err != nil {
		return fmt.Errorf("cache count: %w", err)
	}

	if over := count - c.limits.of(pool); over > 0 {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE rowid IN (
				SELECT rowid FROM cache_entries WHERE pool = ?
				ORDER BY last_used_at ASC, rowid ASC LIMIT ?)`,
			string(pool), over,
		)
		if err != nil {
			return fmt.Errorf("cache evict: %w", err)
		}
		c.logger.Debug("evicted cache entries", zap.String("pool", string(pool)), zap.Int("count", over))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Entries lists a pool's entries from least to most recently used.
func (c *Cache) Entries(ctx context.Context, pool models.Pool) ([]models.CacheEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT fingerprint, response, created_at, last_used_at FROM cache_entries
		 WHERE pool = ? ORDER BY last_used_at ASC, rowid ASC`,
		string(pool),
	)
	if err != nil {
		return nil, fmt.Errorf("cache entries: %w", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		var e models.CacheEntry
		var created, used int64
		if err := rows.Scan(&e.Fingerprint, &e.Response, &created, &used); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		e.Pool = pool
		e.CreatedAt = time.Unix(0, created).UTC()
		e.LastUsedAt = time.Unix(0, used).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Len returns the number of entries in pool.
func (c *Cache) Len(ctx context.Context, pool models.Pool) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE pool = ?`, string(pool),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cache len: %w", err)
	}
	return n, nil
}

// Stats returns cache performance metrics per pool. Hit and miss counters
// cover the current process only.
func (c *Cache) Stats(ctx context.Context) ([]models.CacheStats, error) {
	var stats []models.CacheStats
	for _, pool := range []models.Pool{models.PoolStateless, models.PoolChat} {
		n, err := c.Len(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("cache stats: %w", err)
		}
		stats = append(stats, models.CacheStats{
			Pool:     pool,
			Entries:  int64(n),
			Capacity: c.limits.of(pool),
			Hits:     c.counts[pool].hits.Load(),
			Misses:   c.counts[pool].misses.Load(),
		})
	}
	return stats, nil
}

// Clear removes entries from pool, or from every pool when pool is empty.
func (c *Cache) Clear(ctx context.Context, pool models.Pool) error {
	var err error
	if pool == "" {
		_, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		_, err = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE pool = ?`, string(pool))
	}
	if err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}
