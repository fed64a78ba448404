// Package persona resolves persona ids to system prompts and default
// generation parameters. Built-in personas are fixed; user personas are
// YAML files that can be added but never replaced.
package persona

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
)

const (
	Default       = "default"
	Shell         = "shell"
	DescribeShell = "describe-shell"
	Code          = "code"
	Reasoning     = "reasoning"
	Coder         = "coder"
)

func f64(v float64) *float64 { return &v }

var builtins = map[string]models.Persona{
	Default: {
		ID: Default,
		Template: "You are a command-line assistant running on {{.OS}} with {{.Shell}}. " +
			"Answer concisely. Use markdown when it helps readability.",
		Defaults: models.Params{Temperature: f64(0.7), TopP: f64(1.0)},
		Markdown: true,
	},
	Shell: {
		ID: Shell,
		Template: "Provide only {{.Shell}} commands for {{.OS}} without any description. " +
			"If there is a lack of details, provide the most logical solution. " +
			"Output only plain text without markdown formatting. " +
			"Chain multiple steps into a single command with &&.",
		Defaults: models.Params{Temperature: f64(0.2), TopP: f64(1.0)},
	},
	DescribeShell: {
		ID: DescribeShell,
		Template: "Explain the given {{.Shell}} command for {{.OS}} in a short paragraph. " +
			"Describe each argument and option. Use markdown.",
		Defaults: models.Params{Temperature: f64(0.3), TopP: f64(1.0)},
		Explain:  true,
		Markdown: true,
	},
	Code: {
		ID: Code,
		Template: "Provide only code as output without any description or markdown fences. " +
			"If there is a lack of details, provide the most logical solution.",
		Defaults: models.Params{Temperature: f64(0.2), TopP: f64(1.0)},
	},
	Reasoning: {
		ID: Reasoning,
		Template: "Think through the problem step by step before answering. " +
			"State your assumptions, then give the final answer clearly marked.",
		Defaults: models.Params{Temperature: f64(0.6), TopP: f64(0.95)},
		Markdown: true,
	},
	Coder: {
		ID: Coder,
		Template: "You are a senior software engineer pairing in a terminal on {{.OS}}. " +
			"Give complete, working code with brief explanations.",
		Defaults: models.Params{Temperature: f64(0.2), TopP: f64(1.0)},
		Markdown: true,
	},
}

// IsBuiltIn reports whether id names a built-in persona.
func IsBuiltIn(id string) bool {
	_, ok := builtins[id]
	return ok
}

// Env fills the placeholders of a persona template.
type Env struct {
	OS    string
	Shell string
}

// Render expands p's template with env.
func Render(p models.Persona, env Env) (string, error) {
	tmpl, err := template.New(p.ID).Option("missingkey=zero").Parse(p.Template)
	if err != nil {
		return "", llmerr.Errorf(llmerr.KindValidation, "persona render", "persona %q: %v", p.ID, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return "", llmerr.Errorf(llmerr.KindValidation, "persona render", "persona %q: %v", p.ID, err)
	}
	return buf.String(), nil
}

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Resolver owns the persona registry: built-ins plus user personas stored
// as <dir>/<id>.yaml.
type Resolver struct {
	dir string
	mu  sync.Mutex
}

// NewResolver returns a Resolver reading user personas from dir. An empty
// dir disables user personas.
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the persona named id.
func (r *Resolver) Resolve(id string) (models.Persona, error) {
	if id == "" {
		id = Default
	}
	if p, ok := builtins[id]; ok {
		p.BuiltIn = true
		return p, nil
	}
	if !idPattern.MatchString(id) {
		return models.Persona{}, llmerr.Errorf(llmerr.KindValidation, "persona resolve", "invalid persona id %q", id)
	}
	p, err := r.load(id)
	if errors.Is(err, fs.ErrNotExist) {
		return models.Persona{}, llmerr.Errorf(llmerr.KindNotFound, "persona resolve", "persona %q not found", id)
	}
	return p, err
}

// ResolveOrCreate resolves id, creating it from tmpl when it does not exist.
func (r *Resolver) ResolveOrCreate(id, tmpl string) (models.Persona, error) {
	p, err := r.Resolve(id)
	if llmerr.Is(err, llmerr.KindNotFound) {
		return r.Create(id, tmpl)
	}
	return p, err
}

func (r *Resolver) path(id string) string {
	return filepath.Join(r.dir, id+".yaml")
}

func (r *Resolver) load(id string) (models.Persona, error) {
	if r.dir == "" {
		return models.Persona{}, fs.ErrNotExist
	}
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		return models.Persona{}, err
	}
	var p models.Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return models.Persona{}, llmerr.Errorf(llmerr.KindValidation, "persona load", "persona %q: %v", id, err)
	}
	p.ID = id
	return p, nil
}

// Create adds a user persona. It fails with an AlreadyExists error when id
// is a built-in name or a user persona with that id is already stored.
func (r *Resolver) Create(id, tmpl string) (models.Persona, error) {
	if IsBuiltIn(id) {
		return models.Persona{}, llmerr.Errorf(llmerr.KindAlreadyExists, "persona create", "%q is a built-in persona", id)
	}
	if !idPattern.MatchString(id) {
		return models.Persona{}, llmerr.Errorf(llmerr.KindValidation, "persona create", "invalid persona id %q", id)
	}
	if strings.TrimSpace(tmpl) == "" {
		return models.Persona{}, llmerr.Errorf(llmerr.KindValidation, "persona create", "persona %q needs a system prompt", id)
	}
	if r.dir == "" {
		return models.Persona{}, fmt.Errorf("persona create: no persona directory configured")
	}

	p := models.Persona{
		ID:       id,
		Template: tmpl,
		Defaults: builtins[Default].Defaults,
		Markdown: true,
	}
	if _, err := Render(p, Env{}); err != nil {
		return models.Persona{}, err
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return models.Persona{}, fmt.Errorf("persona create: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return models.Persona{}, fmt.Errorf("persona create: %w", err)
	}
	// O_EXCL makes a concurrent create from another process lose cleanly.
	f, err := os.OpenFile(r.path(id), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return models.Persona{}, llmerr.Errorf(llmerr.KindAlreadyExists, "persona create", "persona %q already exists", id)
	}
	if err != nil {
		return models.Persona{}, fmt.Errorf("persona create: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(r.path(id))
		return models.Persona{}, fmt.Errorf("persona create: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(r.path(id))
		return models.Persona{}, fmt.Errorf("persona create: %w", err)
	}
	return p, nil
}

// List returns built-in personas followed by user personas, each group
// sorted by id. Unreadable user files are skipped.
func (r *Resolver) List() ([]models.Persona, error) {
	var out []models.Persona
	for _, p := range builtins {
		p.BuiltIn = true
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if r.dir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	var user []models.Persona
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		if IsBuiltIn(id) || !idPattern.MatchString(id) {
			continue
		}
		p, err := r.load(id)
		if err != nil {
			continue
		}
		user = append(user, p)
	}
	sort.Slice(user, func(i, j int) bool { return user[i].ID < user[j].ID })
	return append(out, user...), nil
}
