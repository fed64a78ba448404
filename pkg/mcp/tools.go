package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/deepshell/deepshell/pkg/models"
)

type tool struct {
	def     ToolDefinition
	handler func(ctx context.Context, b Backend, args json.RawMessage) ToolCallResult
}

func schema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

var toolsByName = map[string]tool{
	"deepshell_ask": {
		def: ToolDefinition{
			Name:        "deepshell_ask",
			Description: "Send a prompt to the configured LLM, optionally continuing a chat session.",
			InputSchema: schema([]string{"prompt"}, map[string]any{
				"prompt":         prop("string", "The prompt to send"),
				"persona":        prop("string", "Persona id (default, shell, describe-shell, code, reasoning, coder or a user persona)"),
				"persona_prompt": prop("string", "System prompt to create the persona with if it does not exist (optional)"),
				"model":          prop("string", "Model or alias (optional, defaults to the configured model)"),
				"session_id":     prop("string", "Chat session to continue (optional)"),
				"temperature":    prop("number", "Sampling temperature in [0, 2] (optional)"),
				"no_cache":       prop("boolean", "Bypass the response cache"),
			}),
		},
		handler: handleAsk,
	},
	"deepshell_sessions": {
		def: ToolDefinition{
			Name:        "deepshell_sessions",
			Description: "List chat sessions with message counts.",
			InputSchema: schema(nil, map[string]any{}),
		},
		handler: handleSessions,
	},
	"deepshell_read_session": {
		def: ToolDefinition{
			Name:        "deepshell_read_session",
			Description: "Show the messages of a chat session in order.",
			InputSchema: schema([]string{"session_id"}, map[string]any{
				"session_id": prop("string", "The session to read"),
			}),
		},
		handler: handleReadSession,
	},
	"deepshell_personas": {
		def: ToolDefinition{
			Name:        "deepshell_personas",
			Description: "List the available personas.",
			InputSchema: schema(nil, map[string]any{}),
		},
		handler: handlePersonas,
	},
	"deepshell_usage": {
		def: ToolDefinition{
			Name:        "deepshell_usage",
			Description: "Show token usage per provider and model.",
			InputSchema: schema(nil, map[string]any{
				"provider": prop("string", "Filter by provider (optional)"),
			}),
		},
		handler: handleUsage,
	},
	"deepshell_budget": {
		def: ToolDefinition{
			Name:        "deepshell_budget",
			Description: "Show token budget usage vs limits for the configured provider.",
			InputSchema: schema(nil, map[string]any{}),
		},
		handler: handleBudget,
	},
	"deepshell_cache_stats": {
		def: ToolDefinition{
			Name:        "deepshell_cache_stats",
			Description: "Show response cache statistics per pool.",
			InputSchema: schema(nil, map[string]any{}),
		},
		handler: handleCacheStats,
	},
}

func toolDefinitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(toolsByName))
	for _, t := range toolsByName {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

type askArgs struct {
	Prompt        string   `json:"prompt"`
	Persona       string   `json:"persona"`
	PersonaPrompt string   `json:"persona_prompt"`
	Model         string   `json:"model"`
	SessionID     string   `json:"session_id"`
	Temperature   *float64 `json:"temperature"`
	NoCache       bool     `json:"no_cache"`
}

func handleAsk(ctx context.Context, b Backend, raw json.RawMessage) ToolCallResult {
	var args askArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return errorResult("prompt is required")
	}
	res, err := b.Ask(ctx, models.Query{
		Prompt:          args.Prompt,
		Model:           args.Model,
		PersonaID:       args.Persona,
		PersonaTemplate: args.PersonaPrompt,
		SessionID:       args.SessionID,
		NoCache:         args.NoCache,
		Overrides:       models.Params{Temperature: args.Temperature},
	}, nil)
	if err != nil {
		return errorResult(err.Error())
	}
	text := res.Text
	for _, w := range res.Warnings {
		text += "\n\nwarning: " + w.Error()
	}
	return textResult(text)
}

func handleSessions(ctx context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	sessions, err := b.ListSessions(ctx)
	if err != nil {
		return errorResult("Error listing sessions: " + err.Error())
	}
	if len(sessions) == 0 {
		return textResult("No chat sessions found.")
	}
	return textResult(table("SESSION\tMESSAGES\tUPDATED", len(sessions), func(i int) string {
		s := sessions[i]
		return fmt.Sprintf("%s\t%d\t%s", s.ID, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}))
}

func handleReadSession(ctx context.Context, b Backend, raw json.RawMessage) ToolCallResult {
	var args struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil || args.SessionID == "" {
		return errorResult("session_id is required")
	}
	msgs, err := b.ReadSession(ctx, args.SessionID)
	if err != nil {
		return errorResult(err.Error())
	}
	var sb strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%d] %s: %s\n", m.Seq, m.Role, m.Content)
	}
	return textResult(sb.String())
}

func handlePersonas(_ context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	personas, err := b.ListPersonas()
	if err != nil {
		return errorResult("Error listing personas: " + err.Error())
	}
	return textResult(table("PERSONA\tKIND\tMARKDOWN\tEXPLAIN", len(personas), func(i int) string {
		p := personas[i]
		kind := "user"
		if p.BuiltIn {
			kind = "built-in"
		}
		return fmt.Sprintf("%s\t%s\t%t\t%t", p.ID, kind, p.Markdown, p.Explain)
	}))
}

func handleUsage(ctx context.Context, b Backend, raw json.RawMessage) ToolCallResult {
	var args struct {
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: " + err.Error())
	}
	rows, err := b.UsageSummary(ctx, args.Provider)
	if err != nil {
		return errorResult("Error fetching usage: " + err.Error())
	}
	if len(rows) == 0 {
		return textResult("No usage data found.")
	}
	return textResult(table("PROVIDER\tMODEL\tREQUESTS\tCACHED\tPROMPT\tCOMPLETION\tTOTAL", len(rows), func(i int) string {
		r := rows[i]
		return fmt.Sprintf("%s\t%s\t%d\t%d\t%d\t%d\t%d",
			r.Provider, r.Model, r.RequestCount, r.CachedCount, r.TotalPrompt, r.TotalCompletion, r.TotalTokens)
	}))
}

func handleBudget(ctx context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	statuses, err := b.BudgetStatus(ctx)
	if err != nil {
		return errorResult("Error fetching budget status: " + err.Error())
	}
	if len(statuses) == 0 {
		return textResult("No budget policies configured.")
	}
	return textResult(table("PROVIDER\tMODEL\tPERIOD\tMAX\tUSED\tREMAINING\tUSAGE%", len(statuses), func(i int) string {
		s := statuses[i]
		pct := float64(s.Used) / float64(s.Policy.MaxTokens) * 100
		model := s.Policy.Model
		if model == "" {
			model = "*"
		}
		return fmt.Sprintf("%s\t%s\t%s\t%d\t%d\t%d\t%.1f%%",
			s.Policy.Provider, model, s.Policy.Period, s.Policy.MaxTokens, s.Used, s.Remaining, pct)
	}))
}

func handleCacheStats(ctx context.Context, b Backend, _ json.RawMessage) ToolCallResult {
	stats, err := b.CacheStats(ctx)
	if err != nil {
		return errorResult("Error fetching cache stats: " + err.Error())
	}
	if len(stats) == 0 {
		return textResult("Cache is not configured.")
	}
	return textResult(table("POOL\tENTRIES\tCAPACITY\tHITS\tMISSES", len(stats), func(i int) string {
		s := stats[i]
		return fmt.Sprintf("%s\t%d\t%d\t%d\t%d", s.Pool, s.Entries, s.Capacity, s.Hits, s.Misses)
	}))
}

// table renders a header and n rows as aligned columns.
func table(header string, n int, row func(i int) string) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, header)
	for i := range n {
		fmt.Fprintln(w, row(i))
	}
	_ = w.Flush()
	return sb.String()
}
