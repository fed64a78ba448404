package engine

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepshell/deepshell/pkg/budget"
	cachesqlite "github.com/deepshell/deepshell/pkg/cache/sqlite"
	"github.com/deepshell/deepshell/pkg/config"
	"github.com/deepshell/deepshell/pkg/dispatch"
	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
	"github.com/deepshell/deepshell/pkg/persona"
	"github.com/deepshell/deepshell/pkg/provider"
	"github.com/deepshell/deepshell/pkg/session"
	"github.com/deepshell/deepshell/pkg/store"
	"github.com/deepshell/deepshell/pkg/tracker"
)

// blockingReader yields its chunks and then blocks until closed.
type blockingReader struct {
	chunks []string
	closed chan struct{}
	once   sync.Once
}

func (r *blockingReader) Recv() (string, error) {
	if len(r.chunks) > 0 {
		c := r.chunks[0]
		r.chunks = r.chunks[1:]
		return c, nil
	}
	<-r.closed
	return "", errors.New("closed")
}

func (r *blockingReader) Usage() *models.Usage { return nil }

func (r *blockingReader) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

type sliceReader struct{ chunks []string }

func (r *sliceReader) Recv() (string, error) {
	if len(r.chunks) == 0 {
		return "", io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return c, nil
}

func (r *sliceReader) Usage() *models.Usage {
	return &models.Usage{PromptTokens: 4, CompletionTokens: 2, TotalTokens: 6}
}

func (r *sliceReader) Close() error { return nil }

type fakeClient struct {
	mu    sync.Mutex
	calls []provider.Call
	block bool
	empty bool
}

func (c *fakeClient) Name() string { return "deepseek" }

func (c *fakeClient) record(call provider.Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeClient) Calls() []provider.Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

func (c *fakeClient) Complete(ctx context.Context, call provider.Call) (*provider.Completion, error) {
	c.record(call)
	if c.empty {
		return &provider.Completion{Usage: &models.Usage{PromptTokens: 10, TotalTokens: 10}}, nil
	}
	return &provider.Completion{
		Text:  "answer: " + call.Prompt,
		Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (c *fakeClient) Stream(ctx context.Context, call provider.Call) (provider.ChunkReader, error) {
	c.record(call)
	if c.block {
		return &blockingReader{chunks: []string{"partial "}, closed: make(chan struct{})}, nil
	}
	return &sliceReader{chunks: []string{"answer: ", call.Prompt}}, nil
}

type harness struct {
	eng      *Engine
	client   *fakeClient
	cache    *cachesqlite.Cache
	sessions *session.Store
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	db, err := store.Open(store.Path(cfg.DataDir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cache, err := cachesqlite.New(db, cachesqlite.Limits{Stateless: cfg.CacheLength, Chat: cfg.ChatCacheLength}, nil)
	require.NoError(t, err)
	sessions, err := session.New(db)
	require.NoError(t, err)
	tr, err := tracker.New(db)
	require.NoError(t, err)

	client := &fakeClient{}
	d := dispatch.New(client, dispatch.Policy{MaxAttempts: cfg.MaxRetries}, nil,
		dispatch.WithSleep(func(context.Context, time.Duration) error { return nil }))

	eng := New(cfg, Deps{
		Personas:   persona.NewResolver(filepath.Join(cfg.DataDir, "personas")),
		Cache:      cache,
		Sessions:   sessions,
		Tracker:    tr,
		Budget:     budget.New(cfg.Budgets, tr),
		Dispatcher: d,
		Env:        persona.Env{OS: "Linux", Shell: "bash"},
	})
	return &harness{eng: eng, client: client, cache: cache, sessions: sessions}
}

func shellQuery(prompt string) models.Query {
	return models.Query{
		Prompt:    prompt,
		Model:     "deepseek-chat",
		PersonaID: persona.Shell,
		Overrides: models.Params{Temperature: ptr(0.7), TopP: ptr(1.0)},
	}
}

func TestRepeatedRequestHitsCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.eng.Ask(ctx, shellQuery("list files"), nil)
	require.NoError(t, err)
	require.False(t, first.Cached)
	require.Len(t, h.client.Calls(), 1)
	n, err := h.cache.Len(ctx, models.PoolStateless)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	before, err := h.cache.Entries(ctx, models.PoolStateless)
	require.NoError(t, err)

	second, err := h.eng.Ask(ctx, shellQuery("list files"), nil)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Equal(t, first.Text, second.Text)
	require.NotEmpty(t, first.ID)
	require.NotEqual(t, first.ID, second.ID)
	require.Len(t, h.client.Calls(), 1)
	n, err = h.cache.Len(ctx, models.PoolStateless)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	after, err := h.cache.Entries(ctx, models.PoolStateless)
	require.NoError(t, err)
	require.True(t, after[0].LastUsedAt.After(before[0].LastUsedAt))
}

func TestStreamAndBatchShareCacheEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	q := shellQuery("list files")
	q.Stream = true
	var chunks []string
	res, err := h.eng.Ask(ctx, q, func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)
	require.True(t, res.Streamed)
	require.Equal(t, "answer: list files", res.Text)
	require.Equal(t, []string{"answer: ", "list files"}, chunks)

	res, err = h.eng.Ask(ctx, shellQuery("list files"), nil)
	require.NoError(t, err)
	require.True(t, res.Cached)
	require.Len(t, h.client.Calls(), 1)
}

func TestCapacityEvictsOldest(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.CacheLength = 2 })
	ctx := context.Background()

	for _, p := range []string{"f1", "f2", "f3"} {
		_, err := h.eng.Ask(ctx, shellQuery(p), nil)
		require.NoError(t, err)
	}
	entries, err := h.cache.Entries(ctx, models.PoolStateless)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// f1 was evicted, so asking again calls the provider; f3 is still cached.
	_, err = h.eng.Ask(ctx, shellQuery("f3"), nil)
	require.NoError(t, err)
	require.Len(t, h.client.Calls(), 3)
	_, err = h.eng.Ask(ctx, shellQuery("f1"), nil)
	require.NoError(t, err)
	require.Len(t, h.client.Calls(), 4)
}

func TestNoCacheBypassesEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.eng.Ask(ctx, shellQuery("list files"), nil)
	require.NoError(t, err)

	q := shellQuery("list files")
	q.NoCache = true
	res, err := h.eng.Ask(ctx, q, nil)
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Len(t, h.client.Calls(), 2)
}

func TestNoCacheWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	q := shellQuery("list files")
	q.NoCache = true
	for range 2 {
		_, err := h.eng.Ask(ctx, q, nil)
		require.NoError(t, err)
	}
	require.Len(t, h.client.Calls(), 2)
	n, err := h.cache.Len(ctx, models.PoolStateless)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSessionExchangesInOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, p := range []string{"first", "second"} {
		q := shellQuery(p)
		q.SessionID = "work"
		_, err := h.eng.Ask(ctx, q, nil)
		require.NoError(t, err)
	}

	msgs, err := h.eng.ReadSession(ctx, "work")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	want := []struct {
		role    models.Role
		content string
	}{
		{models.RoleUser, "first"},
		{models.RoleAssistant, "answer: first"},
		{models.RoleUser, "second"},
		{models.RoleAssistant, "answer: second"},
	}
	for i, w := range want {
		require.Equal(t, w.role, msgs[i].Role, "message %d", i)
		require.Equal(t, w.content, msgs[i].Content, "message %d", i)
	}

	// The second call saw the first exchange as history.
	calls := h.client.Calls()
	require.Empty(t, calls[0].History)
	require.Len(t, calls[1].History, 2)

	n, err := h.cache.Len(ctx, models.PoolChat)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = h.cache.Len(ctx, models.PoolStateless)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestContextWindowKeepsNewestMessages(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.ContextMessages = 3 })
	ctx := context.Background()

	for _, p := range []string{"one", "two", "three"} {
		q := shellQuery(p)
		q.SessionID = "work"
		_, err := h.eng.Ask(ctx, q, nil)
		require.NoError(t, err)
	}
	calls := h.client.Calls()
	history := calls[2].History
	// Three newest messages are assistant1, user2, assistant2; the leading
	// assistant message is dropped.
	require.Len(t, history, 2)
	require.Equal(t, "two", history[0].Content)
	require.Equal(t, "answer: two", history[1].Content)

	msgs, err := h.eng.ReadSession(ctx, "work")
	require.NoError(t, err)
	require.Len(t, msgs, 6)
}

func TestCancelledStreamPersistsNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.client.block = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := shellQuery("long answer")
	q.Stream = true
	q.SessionID = "work"
	var got []string
	_, err := h.eng.Ask(ctx, q, func(s string) {
		got = append(got, s)
		cancel()
	})
	require.True(t, llmerr.Is(err, llmerr.KindCancelled), "got %v", err)
	require.Equal(t, []string{"partial "}, got)

	bg := context.Background()
	for _, pool := range []models.Pool{models.PoolStateless, models.PoolChat} {
		n, err := h.cache.Len(bg, pool)
		require.NoError(t, err)
		require.Zero(t, n)
	}
	msgs, err := h.sessions.Read(bg, "work")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestValidationFailsBeforeProviderCall(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		q    models.Query
		kind llmerr.Kind
	}{
		{"unknown persona", models.Query{Prompt: "x", PersonaID: "nobody"}, llmerr.KindNotFound},
		{"invalid persona id", models.Query{Prompt: "x", PersonaID: "Bad Name"}, llmerr.KindValidation},
		{"unknown model", models.Query{Prompt: "x", Model: "gpt-4o"}, llmerr.KindValidation},
		{"temperature", models.Query{Prompt: "x", Overrides: models.Params{Temperature: ptr(2.5)}}, llmerr.KindValidation},
		{"top_p", models.Query{Prompt: "x", Overrides: models.Params{TopP: ptr(-0.1)}}, llmerr.KindValidation},
		{"max_tokens", models.Query{Prompt: "x", Overrides: models.Params{MaxTokens: ptr(0)}}, llmerr.KindValidation},
		{"empty prompt", models.Query{Prompt: "  "}, llmerr.KindValidation},
		{"bad session", models.Query{Prompt: "x", SessionID: "a\nb"}, llmerr.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.eng.Ask(ctx, tc.q, nil)
			require.True(t, llmerr.Is(err, tc.kind), "got %v", err)
		})
	}
	require.Empty(t, h.client.Calls())
}

func TestParameterLayering(t *testing.T) {
	h := newHarness(t, nil)

	req, _, err := h.eng.Prepare(models.Query{Prompt: "x", PersonaID: persona.Shell})
	require.NoError(t, err)
	require.Equal(t, 0.2, req.Temperature)
	require.Equal(t, "deepseek-chat", req.Model)

	req, _, err = h.eng.Prepare(models.Query{
		Prompt:    "x",
		PersonaID: persona.Shell,
		Overrides: models.Params{Temperature: ptr(1.1), MaxTokens: ptr(64)},
	})
	require.NoError(t, err)
	require.Equal(t, 1.1, req.Temperature)
	require.Equal(t, 1.0, req.TopP)
	require.Equal(t, 64, req.MaxTokens)
}

func TestSessionWriteFailureIsWarning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// A session store on a closed database fails every write.
	db, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	broken, err := session.New(db)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	h.eng.deps.Sessions = broken

	q := shellQuery("hello")
	q.SessionID = "work"
	res, err := h.eng.Ask(ctx, q, nil)
	require.NoError(t, err)
	require.Equal(t, "answer: hello", res.Text)
	require.True(t, slices.ContainsFunc(res.Warnings, func(err error) bool {
		return llmerr.Is(err, llmerr.KindSessionWrite)
	}))
}

func TestMissingClientIsAuthError(t *testing.T) {
	h := newHarness(t, nil)
	h.eng.deps.Dispatcher = nil

	_, err := h.eng.Ask(context.Background(), shellQuery("hi"), nil)
	require.True(t, llmerr.Is(err, llmerr.KindAuth))
}

func TestUsageRecorded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for range 2 {
		_, err := h.eng.Ask(ctx, shellQuery("list files"), nil)
		require.NoError(t, err)
	}
	sum, err := h.eng.UsageSummary(ctx, "")
	require.NoError(t, err)
	require.Len(t, sum, 1)
	require.Equal(t, 2, sum[0].RequestCount)
	require.Equal(t, 1, sum[0].CachedCount)
	require.Equal(t, 15, sum[0].TotalTokens)
}

func TestSessionManagement(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	q := shellQuery("hello")
	q.SessionID = "work"
	_, err := h.eng.Ask(ctx, q, nil)
	require.NoError(t, err)

	list, err := h.eng.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "work", list[0].ID)
	require.Equal(t, 2, list[0].MessageCount)

	require.NoError(t, h.eng.DeleteSession(ctx, "work"))
	_, err = h.eng.ReadSession(ctx, "work")
	require.True(t, llmerr.Is(err, llmerr.KindNotFound))
}

func TestPersonaManagement(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.eng.CreatePersona(persona.Shell, "anything")
	require.True(t, llmerr.Is(err, llmerr.KindAlreadyExists))

	p, err := h.eng.CreatePersona("pirate", "Answer like a pirate.")
	require.NoError(t, err)
	require.Equal(t, "pirate", p.ID)

	list, err := h.eng.ListPersonas()
	require.NoError(t, err)
	require.Equal(t, "pirate", list[len(list)-1].ID)

	res, err := h.eng.Ask(context.Background(), models.Query{Prompt: "ahoy", PersonaID: "pirate"}, nil)
	require.NoError(t, err)
	require.Equal(t, "pirate", res.Persona.ID)
	require.Equal(t, "Answer like a pirate.", h.client.Calls()[0].System)
}

func TestClearCache(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.eng.Ask(ctx, shellQuery("x"), nil)
	require.NoError(t, err)
	require.True(t, llmerr.Is(h.eng.ClearCache(ctx, "bogus"), llmerr.KindValidation))
	require.NoError(t, h.eng.ClearCache(ctx, models.PoolStateless))

	stats, err := h.eng.CacheStats(ctx)
	require.NoError(t, err)
	for _, s := range stats {
		require.Zero(t, s.Entries)
	}
}

func TestBudgetBlocksProviderCalls(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Budgets = []models.BudgetPolicy{{Provider: "*", MaxTokens: 10, Period: models.BudgetDaily}}
	})
	ctx := context.Background()

	// The fake provider reports 15 tokens, which spends the budget.
	_, err := h.eng.Ask(ctx, shellQuery("one"), nil)
	require.NoError(t, err)
	_, err = h.eng.Ask(ctx, shellQuery("two"), nil)
	require.True(t, llmerr.Is(err, llmerr.KindRateLimit), "got %v", err)
	require.Len(t, h.client.Calls(), 1)

	// Cached answers cost nothing and are still served.
	res, err := h.eng.Ask(ctx, shellQuery("one"), nil)
	require.NoError(t, err)
	require.True(t, res.Cached)

	status, err := h.eng.BudgetStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status, 1)
	require.Zero(t, status[0].Remaining)
}

func TestEmptyAnswerIsNotCachedOrStored(t *testing.T) {
	h := newHarness(t, nil)
	h.client.empty = true
	ctx := context.Background()

	q := shellQuery("list files")
	q.SessionID = "work"
	for range 2 {
		res, err := h.eng.Ask(ctx, q, nil)
		require.NoError(t, err)
		require.False(t, res.Cached)
		require.Empty(t, res.Text)
		require.Len(t, res.Warnings, 1)
	}
	require.Len(t, h.client.Calls(), 2)

	n, err := h.cache.Len(ctx, models.PoolChat)
	require.NoError(t, err)
	require.Zero(t, n)
	msgs, err := h.sessions.Read(ctx, "work")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestPersonaCreateIntent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	q := shellQuery("hello")
	q.PersonaID = "pirate"
	_, err := h.eng.Ask(ctx, q, nil)
	require.True(t, llmerr.Is(err, llmerr.KindNotFound), "got %v", err)
	require.Empty(t, h.client.Calls())

	q.PersonaTemplate = "Answer like a pirate on {{.OS}}."
	res, err := h.eng.Ask(ctx, q, nil)
	require.NoError(t, err)
	require.Equal(t, "pirate", res.Persona.ID)
	calls := h.client.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "Answer like a pirate on Linux.", calls[0].System)

	// An existing persona is resolved, never replaced.
	q.PersonaTemplate = "Answer like a robot."
	q.Prompt = "again"
	_, err = h.eng.Ask(ctx, q, nil)
	require.NoError(t, err)
	calls = h.client.Calls()
	require.Equal(t, "Answer like a pirate on Linux.", calls[len(calls)-1].System)
}

func TestTempSessionIsNotStored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, p := range []string{"first", "second"} {
		q := shellQuery(p)
		q.SessionID = session.Temp
		_, err := h.eng.Ask(ctx, q, nil)
		require.NoError(t, err)
	}

	calls := h.client.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, []models.ChatMessage{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "answer: first"},
	}, calls[1].History)

	sessions, err := h.eng.ListSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)
	msgs, err := h.eng.ReadSession(ctx, session.Temp)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
}
