package models

import "time"

// Pool partitions the response cache.
type Pool string

const (
	// PoolStateless holds one-shot prompts.
	PoolStateless Pool = "stateless"
	// PoolChat holds session-bound prompts.
	PoolChat Pool = "chat"
)

// Valid reports whether p names a known pool.
func (p Pool) Valid() bool {
	return p == PoolStateless || p == PoolChat
}

// CacheEntry stores a cached LLM response.
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint"`
	Pool        Pool      `json:"pool"`
	Response    string    `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// CacheStats reports cache performance metrics for one pool.
type CacheStats struct {
	Pool     Pool  `json:"pool"`
	Entries  int64 `json:"entries"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}
