// Package engine composes persona resolution, caching, dispatch and
// session persistence into the operations the CLI exposes.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deepshell/deepshell/pkg/budget"
	cachesqlite "github.com/deepshell/deepshell/pkg/cache/sqlite"
	"github.com/deepshell/deepshell/pkg/config"
	"github.com/deepshell/deepshell/pkg/dispatch"
	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
	"github.com/deepshell/deepshell/pkg/persona"
	"github.com/deepshell/deepshell/pkg/provider"
	"github.com/deepshell/deepshell/pkg/router"
	"github.com/deepshell/deepshell/pkg/session"
	"github.com/deepshell/deepshell/pkg/tracker"
)

// Deps are the collaborators of an Engine. Cache, Tracker and Budget may
// be nil.
type Deps struct {
	Router   *router.Router
	Personas *persona.Resolver
	Cache    *cachesqlite.Cache
	Sessions *session.Store
	Tracker  tracker.Tracker
	Budget   *budget.Enforcer
	// Dispatcher is nil when no provider client could be built; ClientErr
	// then says why and is returned by Ask.
	Dispatcher *dispatch.Dispatcher
	ClientErr  error
	Env        persona.Env
	Logger     *zap.Logger
}

// Engine owns the lifetime of every request.
type Engine struct {
	cfg  *config.Config
	deps Deps
	temp *session.Memory
	log  *zap.Logger
}

// messageLog is the part of a session store Ask needs.
type messageLog interface {
	Append(ctx context.Context, id string, msgs ...models.Message) error
	Read(ctx context.Context, id string) ([]models.Message, error)
}

// New creates an Engine.
func New(cfg *config.Config, deps Deps) *Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Router == nil {
		deps.Router = router.New(cfg)
	}
	return &Engine{cfg: cfg, deps: deps, temp: session.NewMemory(), log: log}
}

// sessionLog returns where session id lives. The temp session is never
// written to storage.
func (e *Engine) sessionLog(id string) messageLog {
	if id == session.Temp {
		return e.temp
	}
	return e.deps.Sessions
}

// baseParams apply when neither the persona nor the caller sets a value.
var baseParams = models.Params{Temperature: ptr(0.7), TopP: ptr(1.0)}

func ptr[T any](v T) *T { return &v }

// Result is the outcome of a completed request.
type Result struct {
	// ID tags the log lines of one request.
	ID      string
	Text    string
	Request models.Request
	Persona models.Persona
	Cached  bool
	// Streamed is set when Text was already delivered chunk by chunk.
	Streamed bool
	Usage    *models.Usage
	Attempts int
	// Warnings are non-fatal failures, such as a session write that did
	// not go through. The answer is valid regardless.
	Warnings []error
}

// Prepare resolves q into an immutable Request. All validation happens
// here, before any provider call.
func (e *Engine) Prepare(q models.Query) (models.Request, models.Persona, error) {
	if strings.TrimSpace(q.Prompt) == "" {
		return models.Request{}, models.Persona{}, llmerr.Errorf(llmerr.KindValidation, "prepare", "prompt is empty")
	}
	if q.SessionID != "" {
		if err := session.ValidateID(q.SessionID); err != nil {
			return models.Request{}, models.Persona{}, err
		}
	}
	var p models.Persona
	var err error
	if q.PersonaTemplate != "" {
		p, err = e.deps.Personas.ResolveOrCreate(q.PersonaID, q.PersonaTemplate)
	} else {
		p, err = e.deps.Personas.Resolve(q.PersonaID)
	}
	if err != nil {
		return models.Request{}, models.Persona{}, err
	}
	route, err := e.deps.Router.Resolve(q.Model)
	if err != nil {
		return models.Request{}, models.Persona{}, err
	}
	params := baseParams.Merge(p.Defaults, q.Overrides)
	if err := validateParams(params); err != nil {
		return models.Request{}, models.Persona{}, err
	}
	req := models.Request{
		Prompt:      q.Prompt,
		Model:       route.Model,
		Temperature: *params.Temperature,
		TopP:        *params.TopP,
		PersonaID:   p.ID,
		Functions:   q.Functions,
		Stream:      q.Stream,
		NoCache:     q.NoCache,
		SessionID:   q.SessionID,
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	return req, p, nil
}

func validateParams(p models.Params) error {
	if t := *p.Temperature; t < 0 || t > 2 {
		return llmerr.Errorf(llmerr.KindValidation, "prepare", "temperature %g out of range [0, 2]", t)
	}
	if t := *p.TopP; t < 0 || t > 1 {
		return llmerr.Errorf(llmerr.KindValidation, "prepare", "top_p %g out of range [0, 1]", t)
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return llmerr.Errorf(llmerr.KindValidation, "prepare", "max_tokens must be positive, got %d", *p.MaxTokens)
	}
	return nil
}

func (e *Engine) cacheFor(req models.Request) cachesqlite.Store {
	if req.NoCache || e.deps.Cache == nil {
		return cachesqlite.Disabled{}
	}
	return e.deps.Cache
}

func poolOf(req models.Request) models.Pool {
	if req.SessionID != "" {
		return models.PoolChat
	}
	return models.PoolStateless
}

// Ask runs the full pipeline for q: resolve, look up the cache, dispatch
// on a miss and persist a complete answer. In streaming mode onChunk
// receives every chunk as it arrives; it may be nil.
//
// Nothing is persisted when the request is cancelled or the provider
// fails part way, though chunks already passed to onChunk stay delivered.
func (e *Engine) Ask(ctx context.Context, q models.Query, onChunk func(string)) (*Result, error) {
	req, p, err := e.Prepare(q)
	if err != nil {
		return nil, err
	}
	res := &Result{ID: uuid.NewString(), Request: req, Persona: p}
	log := e.log.With(zap.String("request_id", res.ID))

	store := e.cacheFor(req)
	pool := poolOf(req)
	fp := cachesqlite.Fingerprint(req)
	if text, ok := store.Get(ctx, pool, fp); ok {
		log.Debug("cache hit", zap.String("pool", string(pool)), zap.String("fingerprint", fp))
		res.Text = text
		res.Cached = true
		e.persist(ctx, res, nil, "")
		return res, nil
	}

	if e.deps.Dispatcher == nil {
		if e.deps.ClientErr != nil {
			return nil, e.deps.ClientErr
		}
		return nil, llmerr.Errorf(llmerr.KindAuth, "ask", "no provider client configured")
	}

	if e.deps.Budget != nil {
		if err := e.deps.Budget.Check(ctx, e.deps.Dispatcher.Provider(), req.Model); err != nil {
			return nil, err
		}
	}

	system, err := persona.Render(p, e.deps.Env)
	if err != nil {
		return nil, err
	}
	call := provider.Call{
		System:      system,
		Prompt:      req.Prompt,
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Functions:   req.Functions,
	}
	if req.SessionID != "" {
		history, err := e.history(ctx, req.SessionID)
		if err != nil {
			log.Warn("session history unavailable", zap.String("session", req.SessionID), zap.Error(err))
			res.Warnings = append(res.Warnings, err)
		}
		call.History = history
	}

	out, err := e.deps.Dispatcher.Dispatch(ctx, call, req.Stream)
	if err != nil {
		return nil, err
	}
	res.Attempts = out.Attempts
	if out.Stream != nil {
		defer out.Stream.Close()
		res.Streamed = true
		text, err := out.Stream.Drain(onChunk)
		if err != nil {
			return nil, err
		}
		res.Text = text
		res.Usage = out.Stream.Usage()
	} else {
		res.Text = out.Text
		res.Usage = out.Usage
	}

	if strings.TrimSpace(res.Text) == "" {
		// An empty answer would be replayed from the cache forever.
		log.Warn("empty answer not cached or stored", zap.String("model", req.Model))
		res.Warnings = append(res.Warnings, llmerr.Errorf(llmerr.KindUnknown, "ask", "provider returned an empty answer"))
		e.record(ctx, res, res.Usage, e.deps.Dispatcher.Provider())
		return res, nil
	}

	if err := store.Put(ctx, pool, fp, res.Text); err != nil {
		log.Warn("cache write failed", zap.String("pool", string(pool)), zap.Error(err))
	}
	e.persist(ctx, res, res.Usage, e.deps.Dispatcher.Provider())
	return res, nil
}

// persist appends the exchange to the session and records usage. Neither
// failure affects the answer.
func (e *Engine) persist(ctx context.Context, res *Result, usage *models.Usage, providerName string) {
	req := res.Request
	if req.SessionID != "" {
		err := e.sessionLog(req.SessionID).Append(ctx, req.SessionID,
			models.Message{Role: models.RoleUser, Content: req.Prompt},
			models.Message{Role: models.RoleAssistant, Content: res.Text},
		)
		if err != nil {
			if !llmerr.Is(err, llmerr.KindSessionWrite) {
				err = llmerr.New(llmerr.KindSessionWrite, "session append", err)
			}
			e.log.Warn("session write failed", zap.String("session", req.SessionID), zap.Error(err))
			res.Warnings = append(res.Warnings, err)
		}
	}
	e.record(ctx, res, usage, providerName)
}

func (e *Engine) record(ctx context.Context, res *Result, usage *models.Usage, providerName string) {
	req := res.Request
	if e.deps.Tracker == nil {
		return
	}
	if providerName == "" {
		providerName = e.cfg.Provider
	}
	rec := models.UsageRecord{
		Provider:  providerName,
		Model:     req.Model,
		PersonaID: req.PersonaID,
		SessionID: req.SessionID,
		Cached:    res.Cached,
		CreatedAt: time.Now(),
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
	}
	if err := e.deps.Tracker.Record(ctx, rec); err != nil {
		e.log.Warn("usage record failed", zap.Error(err))
	}
}

// history returns the tail of the session that is sent as context: at
// most ContextMessages messages, starting with a user message.
func (e *Engine) history(ctx context.Context, id string) ([]models.ChatMessage, error) {
	msgs, err := e.sessionLog(id).Read(ctx, id)
	if err != nil {
		return nil, err
	}
	return contextWindow(msgs, e.cfg.ContextMessages), nil
}

func contextWindow(msgs []models.Message, limit int) []models.ChatMessage {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	for len(msgs) > 0 && msgs[0].Role != models.RoleUser {
		msgs = msgs[1:]
	}
	out := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, models.ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// ListSessions returns every session, most recently updated first.
func (e *Engine) ListSessions(ctx context.Context) ([]models.SessionInfo, error) {
	return e.deps.Sessions.List(ctx)
}

// ReadSession returns the messages of session id in submission order.
func (e *Engine) ReadSession(ctx context.Context, id string) ([]models.Message, error) {
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}
	if id == session.Temp {
		msgs, err := e.temp.Read(ctx, id)
		if err == nil && len(msgs) == 0 {
			err = llmerr.Errorf(llmerr.KindNotFound, "session read", "session %q not found", id)
		}
		return msgs, err
	}
	ok, err := e.deps.Sessions.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, llmerr.Errorf(llmerr.KindNotFound, "session read", "session %q not found", id)
	}
	return e.deps.Sessions.Read(ctx, id)
}

// DeleteSession removes session id and all of its messages.
func (e *Engine) DeleteSession(ctx context.Context, id string) error {
	return e.deps.Sessions.Delete(ctx, id)
}

// ListPersonas returns built-in and user personas.
func (e *Engine) ListPersonas() ([]models.Persona, error) {
	return e.deps.Personas.List()
}

// CreatePersona adds a user persona. Existing personas are never replaced.
func (e *Engine) CreatePersona(id, template string) (models.Persona, error) {
	return e.deps.Personas.Create(id, template)
}

// CacheStats reports the state of both cache pools.
func (e *Engine) CacheStats(ctx context.Context) ([]models.CacheStats, error) {
	if e.deps.Cache == nil {
		return nil, nil
	}
	return e.deps.Cache.Stats(ctx)
}

// ClearCache empties pool, or both pools when pool is empty.
func (e *Engine) ClearCache(ctx context.Context, pool models.Pool) error {
	if pool != "" && !pool.Valid() {
		return llmerr.Errorf(llmerr.KindValidation, "cache clear", "unknown pool %q", pool)
	}
	if e.deps.Cache == nil {
		return nil
	}
	return e.deps.Cache.Clear(ctx, pool)
}

// BudgetStatus reports usage against the budgets of the configured
// provider.
func (e *Engine) BudgetStatus(ctx context.Context) ([]models.BudgetStatus, error) {
	if e.deps.Budget == nil {
		return nil, nil
	}
	return e.deps.Budget.Status(ctx, e.cfg.Provider)
}

// UsageSummary returns token usage grouped by provider and model.
func (e *Engine) UsageSummary(ctx context.Context, providerName string) ([]models.UsageSummary, error) {
	if e.deps.Tracker == nil {
		return nil, fmt.Errorf("usage tracking is not enabled")
	}
	return e.deps.Tracker.Summary(ctx, providerName)
}
