package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deepshell/deepshell/pkg/models"
	"github.com/deepshell/deepshell/pkg/store"
)

func newTestCache(t *testing.T, limits Limits) *Cache {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	c, err := New(db, limits, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFingerprint(t *testing.T) {
	req := models.Request{Prompt: "list files", Model: "m", Temperature: 0.7, TopP: 1, PersonaID: "shell"}
	h1 := Fingerprint(req)

	streamed := req
	streamed.Stream = true
	streamed.SessionID = "work"
	streamed.NoCache = true
	if Fingerprint(streamed) != h1 {
		t.Error("stream, session and cache flags must not change the fingerprint")
	}

	padded := req
	padded.Prompt = "  list files\r\n"
	if Fingerprint(padded) != h1 {
		t.Error("surrounding whitespace should be normalized away")
	}

	inner := req
	inner.Prompt = "list  files"
	if Fingerprint(inner) == h1 {
		t.Error("inner whitespace is significant")
	}

	for name, mutate := range map[string]func(*models.Request){
		"model":     func(r *models.Request) { r.Model = "other" },
		"temp":      func(r *models.Request) { r.Temperature = 0.2 },
		"top_p":     func(r *models.Request) { r.TopP = 0.5 },
		"max":       func(r *models.Request) { r.MaxTokens = 10 },
		"persona":   func(r *models.Request) { r.PersonaID = "code" },
		"functions": func(r *models.Request) { r.Functions = true },
	} {
		r := req
		mutate(&r)
		if Fingerprint(r) == h1 {
			t.Errorf("changing %s should change the fingerprint", name)
		}
	}
}

func TestPutAndGet(t *testing.T) {
	c := newTestCache(t, Limits{Stateless: 10, Chat: 10})
	ctx := context.Background()

	if err := c.Put(ctx, models.PoolStateless, "f1", "ls -la"); err != nil {
		t.Fatal(err)
	}
	text, ok := c.Get(ctx, models.PoolStateless, "f1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if text != "ls -la" {
		t.Errorf("unexpected response: %s", text)
	}

	// Pools are independent.
	if _, ok := c.Get(ctx, models.PoolChat, "f1"); ok {
		t.Error("expected miss in chat pool")
	}
}

func TestPutOverwrites(t *testing.T) {
	c := newTestCache(t, Limits{Stateless: 10, Chat: 10})
	ctx := context.Background()

	_ = c.Put(ctx, models.PoolStateless, "f1", "old")
	_ = c.Put(ctx, models.PoolStateless, "f1", "new")

	text, _ := c.Get(ctx, models.PoolStateless, "f1")
	if text != "new" {
		t.Errorf("expected overwrite, got %s", text)
	}
	if n, _ := c.Len(ctx, models.PoolStateless); n != 1 {
		t.Errorf("expected 1 entry, got %d", n)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, Limits{Stateless: 2, Chat: 10})
	ctx := context.Background()

	for _, f := range []string{"F1", "F2", "F3"} {
		if err := c.Put(ctx, models.PoolStateless, f, "r-"+f); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := c.Entries(ctx, models.PoolStateless)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Fingerprint != "F2" || entries[1].Fingerprint != "F3" {
		t.Errorf("expected {F2, F3}, got %s, %s", entries[0].Fingerprint, entries[1].Fingerprint)
	}
}

func TestGetPromotesRecency(t *testing.T) {
	c := newTestCache(t, Limits{Stateless: 2, Chat: 10})
	ctx := context.Background()

	_ = c.Put(ctx, models.PoolStateless, "F1", "a")
	_ = c.Put(ctx, models.PoolStateless, "F2", "b")

	before, _ := c.Entries(ctx, models.PoolStateless)
	if _, ok := c.Get(ctx, models.PoolStateless, "F1"); !ok {
		t.Fatal("expected hit")
	}
	after, _ := c.Entries(ctx, models.PoolStateless)
	if !after[1].LastUsedAt.After(before[0].LastUsedAt) || after[1].Fingerprint != "F1" {
		t.Fatal("expected F1 to become most recently used")
	}

	_ = c.Put(ctx, models.PoolStateless, "F3", "c")
	if _, ok := c.Get(ctx, models.PoolStateless, "F2"); ok {
		t.Error("expected F2 evicted")
	}
	if _, ok := c.Get(ctx, models.PoolStateless, "F1"); !ok {
		t.Error("expected F1 kept after promotion")
	}
}

func TestPoolCapacitiesAreIndependent(t *testing.T) {
	c := newTestCache(t, Limits{Stateless: 1, Chat: 3})
	ctx := context.Background()

	for i := range 5 {
		_ = c.Put(ctx, models.PoolStateless, fmt.Sprintf("s%d", i), "x")
		_ = c.Put(ctx, models.PoolChat, fmt.Sprintf("c%d", i), "y")
	}
	if n, _ := c.Len(ctx, models.PoolStateless); n != 1 {
		t.Errorf("expected 1 stateless entry, got %d", n)
	}
	if n, _ := c.Len(ctx, models.PoolChat); n != 3 {
		t.Errorf("expected 3 chat entries, got %d", n)
	}
}

func TestCorruptedEntryIsDropped(t *testing.T) {
	c := newTestCache(t, Limits{Stateless: 10, Chat: 10})
	ctx := context.Background()

	_ = c.Put(ctx, models.PoolStateless, "f1", "good")
	if _, err := c.db.Exec(`UPDATE cache_entries SET response = 'tampered' WHERE fingerprint = 'f1'`); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get(ctx, models.PoolStateless, "f1"); ok {
		t.Fatal("expected corrupted entry to read as a miss")
	}
	if n, _ := c.Len(ctx, models.PoolStateless); n != 0 {
		t.Errorf("expected corrupted entry dropped, %d left", n)
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t, Limits{Stateless: 10, Chat: 4})
	ctx := context.Background()

	_ = c.Put(ctx, models.PoolStateless, "h1", "data")
	c.Get(ctx, models.PoolStateless, "h1") // hit
	c.Get(ctx, models.PoolStateless, "h2") // miss
	c.Get(ctx, models.PoolChat, "h1")      // miss

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[0].Entries != 1 || stats[0].Hits != 1 || stats[0].Misses != 1 {
		t.Errorf("unexpected stateless stats: %+v", stats[0])
	}
	if stats[1].Capacity != 4 || stats[1].Misses != 1 {
		t.Errorf("unexpected chat stats: %+v", stats[1])
	}
}

func TestClear(t *testing.T) {
	c := newTestCache(t, Limits{Stateless: 10, Chat: 10})
	ctx := context.Background()

	_ = c.Put(ctx, models.PoolStateless, "h1", "data")
	_ = c.Put(ctx, models.PoolChat, "h2", "data")

	if err := c.Clear(ctx, models.PoolChat); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Len(ctx, models.PoolStateless); n != 1 {
		t.Errorf("expected stateless untouched, got %d", n)
	}
	if err := c.Clear(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Len(ctx, models.PoolStateless); n != 0 {
		t.Errorf("expected 0 entries after clear, got %d", n)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	var s Store = Disabled{}
	ctx := context.Background()
	if err := s.Put(ctx, models.PoolStateless, "f", "x"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(ctx, models.PoolStateless, "f"); ok {
		t.Error("disabled cache must never hit")
	}
}

func TestConcurrentWritersStayWithinCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			db, err := store.Open(path)
			if err != nil {
				t.Error(err)
				return
			}
			defer db.Close()
			c, err := New(db, Limits{Stateless: 5, Chat: 5}, nil)
			if err != nil {
				t.Error(err)
				return
			}
			for i := range 10 {
				if err := c.Put(ctx, models.PoolStateless, fmt.Sprintf("w%d-%d", w, i), "x"); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	c := newTestCacheAt(t, path)
	if n, _ := c.Len(ctx, models.PoolStateless); n != 5 {
		t.Errorf("expected pool capped at 5, got %d", n)
	}
}

func newTestCacheAt(t *testing.T, path string) *Cache {
	t.Helper()
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	c, err := New(db, Limits{Stateless: 5, Chat: 5}, nil, WithClock(func() time.Time { return time.Now() }))
	if err != nil {
		t.Fatal(err)
	}
	return c
}
